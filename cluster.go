package procmesh

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/platformaware/procmesh/pkg/wire"
	"golang.org/x/sync/semaphore"
)

// Version is advisory: it is exchanged during the stream handshake and
// recorded, never rejected.
const Version = "1.0.0"

// ControllerID is the worker id of the cluster controller, the only
// process allowed to add workers, remove them, or receive fatal-error
// escalations.
const ControllerID int64 = 1

// Cluster is one process's view of the compute mesh: the worker table,
// the remote-value registry and the function registry all live here, so
// several independent clusters can coexist in one address space.
type Cluster struct {
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink

	pid     atomic.Int64
	refSeq  atomic.Uint64
	nextPid atomic.Int64

	topo     atomic.Int32
	lazyMesh atomic.Bool

	// worker table
	wlk     sync.Mutex
	workers map[int64]*Worker
	conns   map[*wire.Conn]*Worker
	deleted map[int64]struct{}

	// remote value registry
	reflk sync.Mutex
	refs  map[wire.RRID]*RemoteValue

	// function registry
	funclk sync.RWMutex
	funcs  map[string]Func

	pool      *WorkerPool
	launchSem *semaphore.Weighted

	// joinLk serializes id assignment with the join-message send, so a
	// fresh worker's peer list deterministically names every smaller id.
	joinLk sync.Mutex

	failureCb func(pid int64, err error)

	slk        sync.Mutex
	shutdown   bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

func newCluster(opts ...Option) (*Cluster, error) {
	c := &Cluster{
		workers:    make(map[int64]*Worker),
		conns:      make(map[*wire.Conn]*Worker),
		deleted:    make(map[int64]struct{}),
		refs:       make(map[wire.RRID]*RemoteValue),
		funcs:      make(map[string]Func),
		shutdownCh: make(chan struct{}),
	}

	c.cfg.workerTimeout = envWorkerTimeout()
	c.cfg.maxParallel = 8
	c.cfg.exitFn = defaultExit
	for _, opt := range opts {
		if err := opt(&c.cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if c.cfg.logHandler != nil {
		c.logger = slog.New(c.cfg.logHandler)
	} else {
		c.logger = slog.Default()
	}
	if c.cfg.msink == nil {
		c.msink = metrics.Default()
	} else {
		c.msink = c.cfg.msink
	}

	c.topo.Store(int32(c.cfg.topology))
	c.lazyMesh.Store(c.cfg.lazy)
	c.failureCb = c.cfg.failureCb
	c.pool = newWorkerPool()
	c.launchSem = semaphore.NewWeighted(c.cfg.maxParallel)
	c.registerBuiltins()

	c.wg.Add(1)
	go c.supervise()
	return c, nil
}

// NewController creates the cluster runtime for the process with id 1.
// A random cookie is generated when none was configured.
func NewController(opts ...Option) (*Cluster, error) {
	c, err := newCluster(opts...)
	if err != nil {
		return nil, err
	}
	if c.cfg.cookie == "" {
		c.cfg.cookie = NewCookie()
	}
	c.pid.Store(ControllerID)
	c.nextPid.Store(ControllerID)
	return c, nil
}

// NewWorkerRuntime creates the runtime of a worker process. The worker
// has no id until the controller's JoinPGRP assigns one; the cookie
// must match the controller's.
func NewWorkerRuntime(opts ...Option) (*Cluster, error) {
	c, err := newCluster(opts...)
	if err != nil {
		return nil, err
	}
	if c.cfg.cookie == "" {
		return nil, fmt.Errorf("%w: a worker runtime requires the cluster cookie", ErrInvalidCfg)
	}
	if c.cfg.launcher == nil {
		c.cfg.launcher = &NetDialLauncher{}
	}
	return c, nil
}

// MyID is this process's worker id; 0 on a worker runtime that has not
// joined yet.
func (c *Cluster) MyID() int64 {
	return c.pid.Load()
}

func (c *Cluster) IsController() bool {
	return c.MyID() == ControllerID
}

func (c *Cluster) topology() Topology {
	return Topology(c.topo.Load())
}

// NProcs counts this process plus every live peer it knows about.
func (c *Cluster) NProcs() int {
	c.wlk.Lock()
	defer c.wlk.Unlock()
	return 1 + len(c.workers)
}

// Procs lists the known worker ids, self included, ascending.
func (c *Cluster) Procs() []int64 {
	c.wlk.Lock()
	ids := []int64{c.MyID()}
	for id := range c.workers {
		ids = append(ids, id)
	}
	c.wlk.Unlock()
	slices.Sort(ids)
	return ids
}

// WorkerIDs lists the known ids with the controller excluded.
func (c *Cluster) WorkerIDs() []int64 {
	var ids []int64
	for _, id := range c.Procs() {
		if id != ControllerID {
			ids = append(ids, id)
		}
	}
	return ids
}

// DefaultPool is where freshly-joined workers land; callers that do not
// care which worker runs a thunk draw from it.
func (c *Cluster) DefaultPool() *WorkerPool {
	return c.pool
}

// ServeConn hands an accepted duplex stream to the runtime: a
// dispatcher goroutine takes ownership, starting with the cookie
// handshake.
func (c *Cluster) ServeConn(rwc io.ReadWriteCloser) {
	conn := wire.NewConn(rwc)
	c.startDispatcher(conn, true)
}

// Cookie exposes the shared secret so launchers can pass it to the
// workers they spawn.
func (c *Cluster) Cookie() string {
	return c.cfg.cookie
}

func (c *Cluster) isShutdown() bool {
	c.slk.Lock()
	defer c.slk.Unlock()
	return c.shutdown
}

// Shutdown terminates the runtime. On the controller the workers are
// removed first, gracefully; everywhere the remaining streams are
// closed and the background tasks drained.
func (c *Cluster) Shutdown(ctx context.Context) error {
	c.slk.Lock()
	if c.shutdown {
		c.slk.Unlock()
		return nil
	}
	c.shutdown = true
	close(c.shutdownCh)
	c.slk.Unlock()

	start := time.Now()
	c.logger.Info("shutting down...")

	if c.IsController() {
		if ids := c.WorkerIDs(); len(ids) > 0 {
			if err := c.removeWorkers(ctx, ids...); err != nil {
				c.logger.Warn("shutdown: worker removal incomplete", LabelError.L(err))
			}
		}
	}

	c.pool.close()
	for _, w := range c.snapshotWorkers() {
		if conn := w.getConn(); conn != nil {
			conn.Close()
		}
	}

	c.wg.Wait()
	c.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return nil
}

// dropConns severs every peer stream without ceremony. Tests use it to
// simulate a crash.
func (c *Cluster) dropConns() {
	for _, w := range c.snapshotWorkers() {
		if conn := w.getConn(); conn != nil {
			conn.Close()
		}
	}
}

func (c *Cluster) exit(code int) {
	c.cfg.exitFn(code)
}

func (c *Cluster) setExitFunc(fn func(int)) {
	c.cfg.exitFn = fn
}

func wireItoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
