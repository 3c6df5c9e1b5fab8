package procmesh

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/platformaware/procmesh/pkg/wire"
)

// WorkerState is the lifecycle position of a peer in the local table.
type WorkerState int32

const (
	WorkerCreated WorkerState = iota
	WorkerConnecting
	WorkerConnected
	WorkerTerminating
	WorkerTerminated
	WorkerUnknown
)

func (s WorkerState) String() string {
	switch s {
	case WorkerCreated:
		return "created"
	case WorkerConnecting:
		return "connecting"
	case WorkerConnected:
		return "connected"
	case WorkerTerminating:
		return "terminating"
	case WorkerTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

func (s WorkerState) terminal() bool {
	return s == WorkerTerminating || s == WorkerTerminated
}

type addClientNote struct {
	r   wire.RRID
	wid int64
}

// Worker is the process-local record of one peer. The streams are
// uniquely owned by this record; other peers are referenced by id only.
type Worker struct {
	id    int64
	state atomic.Int32
	cfg   *WorkerConfig

	mu      sync.Mutex
	conn    *wire.Conn
	version string

	osPid      int64
	cpuThreads int

	// connector is set on lazy placeholders: it dials the peer on
	// first use, exactly once.
	connector   func(ctx context.Context) error
	connectOnce sync.Once

	initedOnce sync.Once
	initedCh   chan struct{}

	doneOnce sync.Once
	doneCh   chan struct{}

	// pending reference-count notifications, flushed in batches by the
	// supervisor.
	batchlk sync.Mutex
	delMsgs []wire.RRID
	addMsgs []addClientNote
}

func newWorker(id int64, cfg *WorkerConfig) *Worker {
	w := &Worker{
		id:       id,
		cfg:      cfg,
		initedCh: make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	w.state.Store(int32(WorkerCreated))
	return w
}

func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// setState is a compare-and-set; Terminating and Terminated are never
// left except for the Terminating→Terminated hand-off.
func (w *Worker) setState(old, new WorkerState) bool {
	if old == WorkerTerminated {
		return false
	}
	if old == WorkerTerminating && new != WorkerTerminated {
		return false
	}
	return w.state.CompareAndSwap(int32(old), int32(new))
}

// markTerminated forces the terminal state unless the worker was
// already being removed on purpose. Reports whether the death was
// unexpected.
func (w *Worker) markTerminated() (abrupt bool) {
	for {
		cur := WorkerState(w.state.Load())
		switch cur {
		case WorkerTerminated:
			return false
		case WorkerTerminating:
			w.state.CompareAndSwap(int32(cur), int32(WorkerTerminated))
			return false
		default:
			if w.state.CompareAndSwap(int32(cur), int32(WorkerTerminated)) {
				return true
			}
		}
	}
}

func (w *Worker) attachConn(conn *wire.Conn) {
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
}

func (w *Worker) getConn() *wire.Conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn
}

func (w *Worker) setVersion(v string) {
	w.mu.Lock()
	w.version = v
	w.mu.Unlock()
}

func (w *Worker) Version() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.version
}

// signalInited satisfies the one-shot handshake condition.
func (w *Worker) signalInited() {
	w.initedOnce.Do(func() { close(w.initedCh) })
}

func (w *Worker) waitInited(timeout time.Duration) error {
	select {
	case <-w.initedCh:
		return nil
	case <-w.doneCh:
		return ErrWorkerTerminated
	case <-time.After(timeout):
		return ErrLaunchTimeout
	}
}

func (w *Worker) markDone() {
	w.doneOnce.Do(func() { close(w.doneCh) })
}

// ---- worker table ----

func (c *Cluster) registerWorker(w *Worker) error {
	c.wlk.Lock()
	defer c.wlk.Unlock()
	if _, deleted := c.deleted[w.id]; deleted {
		return ErrWorkerTerminated
	}
	if _, dup := c.workers[w.id]; dup {
		return ErrRefExists
	}
	c.workers[w.id] = w
	c.msink.SetGaugeWithLabels(MetricWorkersGauge, float32(len(c.workers)), c.cfg.metricLabels)
	return nil
}

// lookupOrRegisterWorker resolves simultaneous cross-connects: if the
// peer already has an entry the existing record wins.
func (c *Cluster) lookupOrRegisterWorker(w *Worker) *Worker {
	c.wlk.Lock()
	defer c.wlk.Unlock()
	if cur, ok := c.workers[w.id]; ok {
		return cur
	}
	c.workers[w.id] = w
	c.msink.SetGaugeWithLabels(MetricWorkersGauge, float32(len(c.workers)), c.cfg.metricLabels)
	return w
}

func (c *Cluster) bindConn(conn *wire.Conn, w *Worker) {
	c.wlk.Lock()
	c.conns[conn] = w
	c.wlk.Unlock()
}

func (c *Cluster) lookupConn(conn *wire.Conn) *Worker {
	c.wlk.Lock()
	defer c.wlk.Unlock()
	return c.conns[conn]
}

// getWorker resolves a peer id to its table entry. Under MasterWorker a
// worker asking for another worker fails fast: no such link ever
// exists.
func (c *Cluster) getWorker(pid int64) (*Worker, error) {
	c.wlk.Lock()
	defer c.wlk.Unlock()
	if _, deleted := c.deleted[pid]; deleted {
		return nil, ErrWorkerTerminated
	}
	w, ok := c.workers[pid]
	if !ok {
		if c.MyID() > 1 && pid > 1 && c.topology() == MasterWorker {
			return nil, ErrNoRoute
		}
		return nil, ErrUnknownWorker
	}
	return w, nil
}

// workerConn hands out the peer's stream, establishing it first on a
// lazy placeholder. Blocks until the identity exchange completed.
func (c *Cluster) workerConn(w *Worker) (*wire.Conn, error) {
	if w.connector != nil {
		w.connectOnce.Do(func() {
			if err := w.connector(context.Background()); err != nil {
				c.logger.Error("deferred connect failed",
					LabelWorkerID.L(w.id), LabelError.L(err))
				c.deregisterWorker(w.id)
			}
		})
	}
	if err := w.waitInited(c.cfg.workerTimeout); err != nil {
		return nil, err
	}
	conn := w.getConn()
	if conn == nil {
		return nil, ErrWorkerTerminated
	}
	return conn, nil
}

// deregisterWorker removes the peer from the table, records its id in
// the deleted set, resolves every slot waiting on it and closes its
// streams. A worker id enters the deleted set exactly when this
// completes.
func (c *Cluster) deregisterWorker(pid int64) {
	c.wlk.Lock()
	w, ok := c.workers[pid]
	if !ok {
		c.wlk.Unlock()
		return
	}
	delete(c.workers, pid)
	c.deleted[pid] = struct{}{}
	for conn, cw := range c.conns {
		if cw == w {
			delete(c.conns, conn)
		}
	}
	c.msink.SetGaugeWithLabels(MetricWorkersGauge, float32(len(c.workers)), c.cfg.metricLabels)
	c.wlk.Unlock()

	w.markTerminated()
	c.abortRefsWaitingOn(pid)
	c.pool.remove(pid)
	if conn := w.getConn(); conn != nil {
		conn.Close()
	}
	if c.IsController() && c.cfg.launcher != nil {
		c.cfg.launcher.Manage(pid, w.cfg, ManageDeregister)
	}
	w.markDone()
	c.logger.Info("worker deregistered", LabelWorkerID.L(pid))
}

func (c *Cluster) isDeleted(pid int64) bool {
	c.wlk.Lock()
	defer c.wlk.Unlock()
	_, ok := c.deleted[pid]
	return ok
}

// queueDelClient batches a reference drop destined for the owner.
func (c *Cluster) queueDelClient(owner int64, r wire.RRID) error {
	w, err := c.getWorker(owner)
	if err != nil {
		// owner already gone, nothing left to notify.
		return nil
	}
	w.batchlk.Lock()
	w.delMsgs = append(w.delMsgs, r)
	w.batchlk.Unlock()
	return nil
}

// queueAddClient batches a new-client notification destined for the
// owner.
func (c *Cluster) queueAddClient(owner int64, r wire.RRID, wid int64) error {
	w, err := c.getWorker(owner)
	if err != nil {
		return err
	}
	w.batchlk.Lock()
	w.addMsgs = append(w.addMsgs, addClientNote{r: r, wid: wid})
	w.batchlk.Unlock()
	return nil
}

func (c *Cluster) snapshotWorkers() []*Worker {
	c.wlk.Lock()
	defer c.wlk.Unlock()
	out := make([]*Worker, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, w)
	}
	return out
}

func (c *Cluster) metricLabelsFor(w *Worker) []metrics.Label {
	return append(c.cfg.metricLabels, LabelWorkerID.M(wireItoa(w.id)))
}
