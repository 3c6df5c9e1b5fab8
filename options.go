package procmesh

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-metrics"
)

// Topology selects which peer links exist besides controller-worker.
type Topology uint8

const (
	// AllToAll gives every worker a link to every other worker, eagerly
	// or on first use depending on the Lazy knob.
	AllToAll Topology = iota

	// MasterWorker keeps only controller-worker links; worker-worker
	// calls fail fast.
	MasterWorker

	// Custom connects each fresh worker only to the peers its
	// WorkerConfig names.
	Custom
)

func (t Topology) String() string {
	switch t {
	case MasterWorker:
		return "master_worker"
	case Custom:
		return "custom"
	default:
		return "all_to_all"
	}
}

func topologyFromString(s string) Topology {
	switch s {
	case "master_worker":
		return MasterWorker
	case "custom":
		return Custom
	default:
		return AllToAll
	}
}

const defaultWorkerTimeout = 60 * time.Second

type config struct {
	cookie         string
	logHandler     slog.Handler
	msink          metrics.MetricSink
	metricLabels   []metrics.Label
	topology       Topology
	lazy           bool
	computeThreads int
	maxParallel    int64
	workerTimeout  time.Duration
	launcher       Launcher
	exitFn         func(code int)
	failureCb      func(pid int64, err error)
}

// Option to pass to NewController / NewWorkerRuntime.
type Option func(*config) error

// WithCookie sets the shared-secret cluster cookie. Every process in
// one cluster must carry the same cookie; the controller generates a
// random one when none is given.
func WithCookie(cookie string) Option {
	return func(c *config) error {
		c.cookie = cookie
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted
// by the cluster runtime.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// runtime.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithTopology selects the connectivity pattern applied to workers at
// join time.
func WithTopology(t Topology) Option {
	return func(c *config) error {
		c.topology = t
		return nil
	}
}

// WithLazy defers worker-worker connection establishment to first use.
// It applies to the peer links of AllToAll and Custom; MasterWorker has
// none.
func WithLazy(lazy bool) Option {
	return func(c *config) error {
		c.lazy = lazy
		return nil
	}
}

// WithComputeThreads is forwarded to workers at join time so they can
// size their math kernels. Zero leaves the worker's default untouched.
func WithComputeThreads(n int) Option {
	return func(c *config) error {
		c.computeThreads = n
		return nil
	}
}

// WithMaxParallel bounds how many launched workers are set up (connect
// plus join handshake) concurrently. The Launcher's own Launch call is
// not bounded by it.
func WithMaxParallel(n int) Option {
	return func(c *config) error {
		if n > 0 {
			c.maxParallel = int64(n)
		}
		return nil
	}
}

// WithWorkerTimeout bounds the controller's wait for a freshly-launched
// worker to complete the join handshake. Exceeding it is treated as a
// launch failure.
func WithWorkerTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d > 0 {
			c.workerTimeout = d
		}
		return nil
	}
}

// WithLauncher sets the Launcher that yields and connects worker
// processes.
func WithLauncher(l Launcher) Option {
	return func(c *config) error {
		c.launcher = l
		return nil
	}
}

// WithExitFunc overrides how the runtime terminates the process on
// fatal conditions (controller connection lost, result-send failure to
// the controller). Tests use it to observe the exit instead of dying.
func WithExitFunc(fn func(code int)) Option {
	return func(c *config) error {
		if fn != nil {
			c.exitFn = fn
		}
		return nil
	}
}

// WithPeerFailureHandler registers a callback the controller invokes
// when a peer connection dies outside an orderly termination. This is
// how supervising code observes the underlying error.
func WithPeerFailureHandler(fn func(pid int64, err error)) Option {
	return func(c *config) error {
		c.failureCb = fn
		return nil
	}
}

// NewCookie returns a random cluster cookie of the wire's exact cookie
// length.
func NewCookie() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf[:])
}

func envWorkerTimeout() time.Duration {
	raw := os.Getenv("PROCMESH_WORKER_TIMEOUT")
	if raw == "" {
		return defaultWorkerTimeout
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return defaultWorkerTimeout
	}
	return time.Duration(secs) * time.Second
}
