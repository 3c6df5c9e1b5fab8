package procmesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/platformaware/procmesh/pkg/wire"
)

// clientNoteFlushPeriod paces the batched reference-count traffic.
const clientNoteFlushPeriod = 200 * time.Millisecond

// removeGrace bounds how long an orderly removal waits for the worker
// to exit by itself before the Launcher's kill hook is used.
const removeGrace = 5 * time.Second

// supervise is the runtime's housekeeping task: it flushes the batched
// add/del-client notifications until shutdown.
func (c *Cluster) supervise() {
	defer c.wg.Done()
	ticker := time.NewTicker(clientNoteFlushPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.flushClientNotes()
		case <-c.shutdownCh:
			c.flushClientNotes()
			return
		}
	}
}

func (c *Cluster) flushClientNotes() {
	for _, w := range c.snapshotWorkers() {
		if w.getConn() == nil || w.State() != WorkerConnected {
			continue
		}
		w.batchlk.Lock()
		dels := w.delMsgs
		adds := w.addMsgs
		w.delMsgs = nil
		w.addMsgs = nil
		w.batchlk.Unlock()

		if len(dels) > 0 {
			args := []any{c.MyID()}
			for _, r := range dels {
				args = append(args, refArgs(r)...)
			}
			if err := c.RemoteDo(builtinDelClient, w.id, args...); err != nil {
				c.logger.Debug("del-client flush failed", LabelWorkerID.L(w.id), LabelError.L(err))
			}
		}
		if len(adds) > 0 {
			var args []any
			for _, note := range adds {
				args = append(args, refArgs(note.r)...)
				args = append(args, note.wid)
			}
			if err := c.RemoteDo(builtinAddClient, w.id, args...); err != nil {
				c.logger.Debug("add-client flush failed", LabelWorkerID.L(w.id), LabelError.L(err))
			}
		}
	}
}

// AddWorkers launches params.Count new worker processes through the
// configured Launcher, runs the join handshake with each and returns
// the assigned ids. Each worker the Launcher yields is set up (connect
// and join handshake) in its own task, bounded by the MaxParallel knob.
func (c *Cluster) AddWorkers(ctx context.Context, params LaunchParams) ([]int64, error) {
	if !c.IsController() {
		return nil, ErrNotController
	}
	if c.isShutdown() {
		return nil, ErrClusterClosed
	}
	if c.cfg.launcher == nil {
		return nil, fmt.Errorf("%w: no launcher configured", ErrInvalidCfg)
	}
	params.Cookie = c.cfg.cookie

	out := make(chan *WorkerConfig, 16)
	launchErr := make(chan error, 1)
	go func() {
		launchErr <- c.cfg.launcher.Launch(ctx, params, out)
		close(out)
	}()

	var (
		mu   sync.Mutex
		pids []int64
		errs []error
		wg   sync.WaitGroup
	)
	for cfg := range out {
		if err := c.launchSem.Acquire(ctx, 1); err != nil {
			errs = append(errs, err)
			break
		}
		wg.Add(1)
		go func(cfg *WorkerConfig) {
			defer wg.Done()
			defer c.launchSem.Release(1)
			pid, err := c.setupWorker(ctx, cfg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("worker at %q: %w", cfg.Addr, err))
				return
			}
			pids = append(pids, pid)
		}(cfg)
	}
	wg.Wait()
	if err := <-launchErr; err != nil {
		errs = append(errs, err)
	}
	c.msink.IncrCounterWithLabels(MetricLaunchCount, float32(len(pids)), c.cfg.metricLabels)
	return pids, errors.Join(errs...)
}

// setupWorker connects one launched worker, sends it the join message
// and waits for the JoinComplete acknowledgement, bounded by the
// worker timeout.
func (c *Cluster) setupWorker(ctx context.Context, cfg *WorkerConfig) (int64, error) {
	rwc, err := c.cfg.launcher.Connect(ctx, 0, cfg)
	if err != nil {
		return 0, err
	}
	conn := wire.NewConn(rwc)
	if err := conn.WriteHandshake(c.cfg.cookie, Version); err != nil {
		conn.Close()
		return 0, err
	}

	// Assign the id, register and send the join message under one
	// lock: a worker's peer list then names every smaller id exactly.
	c.joinLk.Lock()
	pid := c.nextPid.Add(1)
	cfg.Pid = pid

	w := newWorker(pid, cfg)
	w.state.Store(int32(WorkerConnecting))
	w.attachConn(conn)
	if err := c.registerWorker(w); err != nil {
		c.joinLk.Unlock()
		conn.Close()
		return 0, err
	}
	c.bindConn(conn, w)
	c.startDispatcher(conn, false)
	c.cfg.launcher.Manage(pid, cfg, ManageRegister)

	notifyOID := c.mintRRID(0)
	rv, err := c.registerRef(notifyOID, true, pid)
	if err != nil {
		c.joinLk.Unlock()
		c.deregisterWorker(pid)
		return 0, err
	}
	defer c.dropRef(notifyOID)

	join := &wire.JoinPGRPMsg{
		SelfPid:        pid,
		OtherWorkers:   c.joinEntriesFor(pid, cfg),
		Topology:       c.topology().String(),
		Lazy:           c.cfg.lazy,
		ComputeThreads: c.cfg.computeThreads,
	}
	hdr := wire.Header{Tag: wire.TagJoinPGRP, NotifyOID: notifyOID}
	if err := c.send(conn, hdr, join); err != nil {
		c.joinLk.Unlock()
		c.deregisterWorker(pid)
		return 0, err
	}
	c.joinLk.Unlock()

	if _, err := rv.slot.takeTimeout(c.cfg.workerTimeout); err != nil {
		c.logger.Error("worker did not join in time",
			LabelWorkerID.L(pid), LabelAddr.L(cfg.Addr))
		if killErr := c.cfg.launcher.Kill(pid, cfg); killErr != nil {
			c.logger.Warn("kill after launch timeout failed",
				LabelWorkerID.L(pid), LabelError.L(killErr))
		}
		c.deregisterWorker(pid)
		return 0, ErrLaunchTimeout
	}
	c.logger.Info("worker joined", LabelWorkerID.L(pid), LabelAddr.L(cfg.Addr))
	return pid, nil
}

// RemoveWorkers orchestrates the orderly shutdown of the given workers:
// ask each to exit, wait a grace period, then fall back to the
// Launcher's kill hook. Controller only.
func (c *Cluster) RemoveWorkers(pids ...int64) error {
	return c.removeWorkers(context.Background(), pids...)
}

func (c *Cluster) removeWorkers(ctx context.Context, pids ...int64) error {
	if !c.IsController() {
		return ErrNotController
	}
	var wg sync.WaitGroup
	for _, pid := range pids {
		w, err := c.getWorker(pid)
		if err != nil {
			continue // already gone.
		}
		markTerminating(w)
		if err := c.RemoteDo(builtinExit, pid); err != nil {
			c.logger.Debug("exit request not delivered", LabelWorkerID.L(pid), LabelError.L(err))
		}
		wg.Add(1)
		go func(pid int64, w *Worker) {
			defer wg.Done()
			select {
			case <-w.doneCh:
			case <-time.After(removeGrace):
				if err := c.cfg.launcher.Kill(pid, w.cfg); err != nil {
					c.logger.Warn("kill hook failed", LabelWorkerID.L(pid), LabelError.L(err))
				}
				c.deregisterWorker(pid)
			case <-ctx.Done():
				c.deregisterWorker(pid)
			}
			c.cfg.launcher.Manage(pid, w.cfg, ManageFinalize)
		}(pid, w)
	}
	wg.Wait()
	return nil
}

func markTerminating(w *Worker) {
	for {
		cur := w.State()
		if cur.terminal() {
			return
		}
		if w.state.CompareAndSwap(int32(cur), int32(WorkerTerminating)) {
			return
		}
	}
}
