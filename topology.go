package procmesh

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/platformaware/procmesh/pkg/wire"
)

// handleJoinPGRP runs on a fresh worker when the controller's first
// message arrives: adopt the assigned id, install the controller as
// worker 1, apply the requested connectivity pattern and acknowledge
// with JoinComplete.
func (c *Cluster) handleJoinPGRP(conn *wire.Conn, hdr wire.Header, m *wire.JoinPGRPMsg) {
	if !c.pid.CompareAndSwap(0, m.SelfPid) {
		c.logger.Warn("join request ignored: runtime already joined",
			LabelWorkerID.L(c.MyID()))
		return
	}
	c.logger.Info("joined cluster", LabelWorkerID.L(m.SelfPid),
		LabelTopology.L(m.Topology))

	ctrl := newWorker(ControllerID, nil)
	ctrl.state.Store(int32(WorkerConnected))
	ctrl = c.lookupOrRegisterWorker(ctrl)
	ctrl.attachConn(conn)
	c.bindConn(conn, ctrl)
	ctrl.signalInited()

	c.topo.Store(int32(topologyFromString(m.Topology)))
	c.lazyMesh.Store(m.Lazy)
	if m.ComputeThreads > 0 {
		runtime.GOMAXPROCS(m.ComputeThreads)
		c.logger.Debug("compute threads adjusted", "threads", m.ComputeThreads)
	}

	for _, ow := range m.OtherWorkers {
		c.installPeer(ow, m.Lazy)
	}

	reply := wire.Header{Tag: wire.TagJoinComplete, NotifyOID: hdr.NotifyOID}
	body := &wire.JoinCompleteMsg{
		CPUThreads: runtime.NumCPU(),
		OSPid:      int64(os.Getpid()),
	}
	if err := c.send(conn, reply, body); err != nil {
		c.logger.Error("failed to complete join handshake", LabelError.L(err))
	}
}

// installPeer sets up one worker-worker link named by the join message:
// eagerly in its own task, or as a placeholder whose connector runs on
// first use.
func (c *Cluster) installPeer(ow wire.JoinEntry, lazy bool) {
	cfg := &WorkerConfig{Pid: ow.Pid, Addr: ow.Addr}
	w := newWorker(ow.Pid, cfg)
	w.connector = func(ctx context.Context) error {
		return c.connectToPeer(ctx, w)
	}
	if cur := c.lookupOrRegisterWorker(w); cur != w {
		// simultaneous cross-connect: the peer reached us first.
		return
	}
	if !lazy {
		w.connectOnce.Do(func() {
			go func() {
				if err := c.connectToPeer(context.Background(), w); err != nil {
					c.logger.Error("peer connect failed",
						LabelWorkerID.L(ow.Pid), LabelAddr.L(ow.Addr), LabelError.L(err))
					c.deregisterWorker(ow.Pid)
				}
			}()
		})
	}
}

// connectToPeer dials a fellow worker, starts its dispatcher and opens
// the identity exchange. The initiator side writes the cookie.
func (c *Cluster) connectToPeer(ctx context.Context, w *Worker) error {
	if !w.setState(WorkerCreated, WorkerConnecting) {
		return fmt.Errorf("%w: peer %d is %s", ErrWorkerTerminated, w.id, w.State())
	}
	rwc, err := c.cfg.launcher.Connect(ctx, w.id, w.cfg)
	if err != nil {
		return err
	}
	conn := wire.NewConn(rwc)
	if err := conn.WriteHandshake(c.cfg.cookie, Version); err != nil {
		conn.Close()
		return err
	}
	w.attachConn(conn)
	c.bindConn(conn, w)
	c.startDispatcher(conn, false)
	c.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, c.metricLabelsFor(w))

	hdr := wire.Header{Tag: wire.TagIdentifySocket}
	if err := c.send(conn, hdr, &wire.IdentifySocketMsg{SelfPid: c.MyID()}); err != nil {
		conn.Close()
		return err
	}
	c.logger.Debug("dialed peer", LabelWorkerID.L(w.id), LabelAddr.L(w.cfg.Addr))
	return nil
}

// joinEntriesFor lists the peers a fresh worker must link to under the
// current topology.
func (c *Cluster) joinEntriesFor(newPid int64, cfg *WorkerConfig) []wire.JoinEntry {
	switch c.topology() {
	case MasterWorker:
		return nil
	case Custom:
		var entries []wire.JoinEntry
		for _, pid := range cfg.ConnectTo {
			if w, err := c.getWorker(pid); err == nil && w.cfg != nil {
				entries = append(entries, wire.JoinEntry{Pid: pid, Addr: w.cfg.Addr})
			}
		}
		return entries
	default: // AllToAll
		var entries []wire.JoinEntry
		for _, w := range c.snapshotWorkers() {
			if w.id >= newPid || w.id == ControllerID || w.cfg == nil {
				continue
			}
			entries = append(entries, wire.JoinEntry{Pid: w.id, Addr: w.cfg.Addr})
		}
		return entries
	}
}
