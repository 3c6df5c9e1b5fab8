package procmesh

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/platformaware/procmesh/pkg/wire"
)

// startDispatcher takes ownership of a peer stream: one goroutine reads
// frames until the connection dies. incoming connections start with the
// cookie handshake; on outbound connections we wrote it ourselves.
func (c *Cluster) startDispatcher(conn *wire.Conn, incoming bool) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.processMessages(conn, incoming)
	}()
}

// processMessages is the per-peer read loop. Frames are handled in
// strict arrival order; handlers that may block spawn their own task so
// the loop keeps draining the stream.
func (c *Cluster) processMessages(conn *wire.Conn, incoming bool) {
	defer conn.Close()

	var version string
	if incoming {
		v, err := conn.ReadHandshake(c.cfg.cookie)
		if err != nil {
			c.msink.IncrCounterWithLabels(MetricHandshakeErrorCount, 1.0, c.cfg.metricLabels)
			c.logger.Warn("rejecting connection: handshake failed", LabelError.L(err))
			return
		}
		version = v // advisory; attached to the worker at identification time.
	}

	var peer *Worker
	first := true
	for {
		conn.ResetCodec()

		hdr, err := conn.ReadHeader()
		if err != nil {
			c.dispatchFailed(conn, peer, err)
			return
		}

		body, err := conn.ReadBody(hdr.Tag)
		if err != nil {
			var derr *wire.DecodeError
			if !errors.As(err, &derr) {
				c.dispatchFailed(conn, peer, err)
				return
			}
			c.msink.IncrCounterWithLabels(MetricDecodeErrorCount, 1.0, c.cfg.metricLabels)
			c.logger.Error("deserialization fault, resynchronizing",
				LabelTag.L(hdr.Tag.String()), LabelError.L(derr.Cause))
			c.deliverDecodeFailure(conn, hdr, derr)
			if err := conn.ResyncToBoundary(); err != nil {
				c.dispatchFailed(conn, peer, err)
				return
			}
			c.msink.IncrCounterWithLabels(MetricResyncCount, 1.0, c.cfg.metricLabels)
			continue
		}

		c.msink.IncrCounterWithLabels(MetricFrameInCount, 1.0, c.cfg.metricLabels)
		c.handleMsg(conn, hdr, body)

		if first {
			// The peer id becomes known only once the first message
			// (identify or join) installed the stream→worker binding.
			peer = c.lookupConn(conn)
			if peer == nil || peer.id <= 0 {
				c.dispatchFailed(conn, peer, errors.New("cluster: peer sent no identity on first message"))
				return
			}
			if incoming {
				peer.setVersion(version)
			}
			first = false
		}

		if err := conn.ReadBoundary(); err != nil {
			c.dispatchFailed(conn, peer, err)
			return
		}
	}
}

// dispatchFailed is the terminal state of the read loop: classify the
// death and clean up. Losing the controller is fatal to a worker
// process.
func (c *Cluster) dispatchFailed(conn *wire.Conn, peer *Worker, err error) {
	if peer == nil {
		peer = c.lookupConn(conn)
	}
	if peer == nil || peer.id <= 0 {
		c.logger.Debug("connection to unidentified peer lost", LabelError.L(err))
		conn.Close()
		return
	}

	abrupt := peer.markTerminated()
	c.msink.IncrCounterWithLabels(MetricPeerFailCount, 1.0, c.metricLabelsFor(peer))

	if peer.id == ControllerID && !c.IsController() {
		c.logger.Error("connection to the controller lost, exiting",
			LabelError.L(err))
		conn.Close()
		c.exit(1)
		return
	}

	if abrupt {
		c.logger.Error("peer connection failed",
			LabelWorkerID.L(peer.id), LabelError.L(err))
	} else {
		c.logger.Info("peer terminated", LabelWorkerID.L(peer.id))
	}
	c.deregisterWorker(peer.id)
	conn.Close()

	if c.IsController() && abrupt && c.failureCb != nil {
		c.failureCb(peer.id, err)
	}
}

// handleMsg routes one decoded frame. The recovery boundary turns any
// handler panic into a RemoteException aimed at the frame's reference
// ids; the dispatcher itself never dies to a handler.
func (c *Cluster) handleMsg(conn *wire.Conn, hdr wire.Header, body wire.Msg) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 16<<10)
			buf = buf[:runtime.Stack(buf, false)]
			exc := &RemoteException{
				Pid:  c.MyID(),
				Kind: ExcKindHandler,
				Captured: CapturedException{
					Msg:       fmt.Sprintf("handler panic: %v", r),
					Backtrace: string(buf),
				},
			}
			c.logger.Error("message handler panicked",
				LabelTag.L(hdr.Tag.String()), LabelError.L(r))
			c.deliverException(conn, hdr, exc)
		}
	}()

	switch m := body.(type) {
	case *wire.CallMsg:
		if hdr.Tag == wire.TagCallFetch {
			c.handleCallFetch(conn, hdr, m)
		} else {
			c.handleCall(hdr, m)
		}
	case *wire.CallWaitMsg:
		c.handleCallWait(conn, hdr, m)
	case *wire.RemoteDoMsg:
		c.handleRemoteDo(m)
	case *wire.ResultMsg:
		c.handleResult(hdr, m)
	case *wire.IdentifySocketMsg:
		c.handleIdentifySocket(conn, m)
	case *wire.IdentifySocketAckMsg:
		c.handleIdentifySocketAck(conn, m)
	case *wire.JoinPGRPMsg:
		c.handleJoinPGRP(conn, hdr, m)
	case *wire.JoinCompleteMsg:
		c.handleJoinComplete(conn, hdr, m)
	}
}

func (c *Cluster) handleResult(hdr wire.Header, m *wire.ResultMsg) {
	var v any
	if m.Exc != nil {
		v = remoteExceptionFromWire(m.Exc)
	} else {
		v = m.Value
	}
	if err := c.putRef(hdr.ResponseOID, v); err != nil {
		// The requester may have abandoned the rendezvous already.
		c.logger.Debug("dropping result for unknown reference",
			LabelRRID.L(hdr.ResponseOID.String()), LabelError.L(err))
	}
}

func (c *Cluster) handleIdentifySocket(conn *wire.Conn, m *wire.IdentifySocketMsg) {
	if m.SelfPid <= 0 {
		c.logger.Warn("peer identified with an invalid id", LabelWorkerID.L(m.SelfPid))
		return
	}
	w := newWorker(m.SelfPid, nil)
	w.state.Store(int32(WorkerConnected))
	w = c.lookupOrRegisterWorker(w)
	w.attachConn(conn)
	c.bindConn(conn, w)
	c.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, c.metricLabelsFor(w))
	if err := c.send(conn, wire.Header{Tag: wire.TagIdentifySocketAck},
		&wire.IdentifySocketAckMsg{Version: Version}); err != nil {
		c.logger.Error("failed to acknowledge peer identity",
			LabelWorkerID.L(m.SelfPid), LabelError.L(err))
		return
	}
	w.signalInited()
	c.logger.Debug("peer identified", LabelWorkerID.L(m.SelfPid))
}

func (c *Cluster) handleIdentifySocketAck(conn *wire.Conn, m *wire.IdentifySocketAckMsg) {
	w := c.lookupConn(conn)
	if w == nil {
		c.logger.Warn("identity ack on an unbound stream")
		return
	}
	w.setVersion(m.Version)
	w.setState(WorkerConnecting, WorkerConnected)
	w.signalInited()
}

func (c *Cluster) handleJoinComplete(conn *wire.Conn, hdr wire.Header, m *wire.JoinCompleteMsg) {
	w := c.lookupConn(conn)
	if w == nil {
		c.logger.Warn("join completion on an unbound stream")
		return
	}
	w.mu.Lock()
	w.osPid = m.OSPid
	w.cpuThreads = m.CPUThreads
	w.mu.Unlock()
	w.setState(WorkerConnecting, WorkerConnected)
	w.signalInited()
	c.pool.add(w.id)
	if err := c.putRef(hdr.NotifyOID, w.id); err != nil {
		c.logger.Warn("join completion arrived for an unknown rendezvous",
			LabelWorkerID.L(w.id), LabelError.L(err))
	}
}

// deliverDecodeFailure reifies a body-decode fault into a synthetic
// RemoteException and delivers it wherever the mangled request said its
// results should go.
func (c *Cluster) deliverDecodeFailure(conn *wire.Conn, hdr wire.Header, derr *wire.DecodeError) {
	exc := &RemoteException{
		Pid:  c.MyID(),
		Kind: ExcKindDecode,
		Captured: CapturedException{
			Msg: derr.Error(),
		},
	}
	c.deliverException(conn, hdr, exc)
}

func (c *Cluster) deliverException(conn *wire.Conn, hdr wire.Header, exc *RemoteException) {
	if !hdr.ResponseOID.IsNil() {
		rv := c.ensureRef(hdr.ResponseOID, true)
		if rv.scheduleProducer() {
			_ = rv.slot.put(exc)
		}
	}
	if !hdr.NotifyOID.IsNil() {
		if err := c.send(conn, wire.Header{Tag: wire.TagResult, ResponseOID: hdr.NotifyOID},
			&wire.ResultMsg{Exc: exc.wire()}); err != nil {
			c.resultSendFailed(conn, err)
		}
	}
}

// send writes one frame and keeps the books.
func (c *Cluster) send(conn *wire.Conn, hdr wire.Header, body wire.Msg) error {
	if err := conn.WriteFrame(hdr, body); err != nil {
		c.msink.IncrCounterWithLabels(MetricFrameOutErrorCount, 1.0, c.cfg.metricLabels)
		return err
	}
	c.msink.IncrCounterWithLabels(MetricFrameOutCount, 1.0, c.cfg.metricLabels)
	return nil
}

func defaultExit(code int) {
	os.Exit(code)
}
