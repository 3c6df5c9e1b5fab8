package procmesh

import (
	"fmt"
	"runtime"

	"github.com/platformaware/procmesh/pkg/wire"
)

// Func is a remotely-callable function. Functions travel by registered
// name; arguments and results travel as wire-codec values.
type Func func(args ...any) (any, error)

// Builtin operation names. They back the Future round-trips and the
// cluster-internal housekeeping and are registered on every runtime.
const (
	builtinFetch     = "#fetch"
	builtinTake      = "#take"
	builtinPut       = "#put"
	builtinWait      = "#wait"
	builtinAddClient = "#add_client"
	builtinDelClient = "#del_client"
	builtinRmProc    = "#rmproc"
	builtinExit      = "#exit"
)

// Register makes fn callable from every peer under the given name. Both
// sides of a call must agree on the registration.
func (c *Cluster) Register(name string, fn Func) {
	c.funclk.Lock()
	c.funcs[name] = fn
	c.funclk.Unlock()
}

func (c *Cluster) lookupFunc(name string) (Func, bool) {
	c.funclk.RLock()
	defer c.funclk.RUnlock()
	fn, ok := c.funcs[name]
	return fn, ok
}

func (c *Cluster) registerBuiltins() {
	c.Register(builtinFetch, func(args ...any) (any, error) {
		r, _, err := argsRef(args)
		if err != nil {
			return nil, err
		}
		return c.fetchRefLocal(r)
	})
	c.Register(builtinWait, func(args ...any) (any, error) {
		r, _, err := argsRef(args)
		if err != nil {
			return nil, err
		}
		if _, err := c.fetchRefLocal(r); err != nil {
			return nil, err
		}
		return "OK", nil
	})
	c.Register(builtinTake, func(args ...any) (any, error) {
		r, rest, err := argsRef(args)
		if err != nil {
			return nil, err
		}
		caller := c.MyID()
		if len(rest) > 0 {
			if n, ok := asInt64(rest[0]); ok {
				caller = n
			}
		}
		return c.takeRefFor(r, caller)
	})
	c.Register(builtinPut, func(args ...any) (any, error) {
		r, rest, err := argsRef(args)
		if err != nil {
			return nil, err
		}
		if len(rest) < 2 {
			return nil, ErrRefNotFound
		}
		caller, ok := asInt64(rest[0])
		if !ok {
			return nil, ErrRefNotFound
		}
		return c.putRefFor(r, caller, rest[1])
	})
	c.Register(builtinAddClient, func(args ...any) (any, error) {
		for len(args) >= 4 {
			r, rest, err := argsRef(args)
			if err != nil {
				return nil, err
			}
			wid, ok := asInt64(rest[0])
			if !ok {
				return nil, ErrRefNotFound
			}
			c.addClient(r, wid)
			args = rest[1:]
		}
		return nil, nil
	})
	c.Register(builtinDelClient, func(args ...any) (any, error) {
		if len(args) < 1 {
			return nil, ErrRefNotFound
		}
		wid, ok := asInt64(args[0])
		if !ok {
			return nil, ErrRefNotFound
		}
		args = args[1:]
		for len(args) >= 3 {
			var r wire.RRID
			var err error
			r, args, err = argsRef(args)
			if err != nil {
				return nil, err
			}
			c.removeClient(r, wid)
		}
		return nil, nil
	})
	c.Register(builtinRmProc, func(args ...any) (any, error) {
		if !c.IsController() {
			return nil, ErrNotController
		}
		if len(args) < 1 {
			return nil, ErrUnknownWorker
		}
		pid, ok := asInt64(args[0])
		if !ok {
			return nil, ErrUnknownWorker
		}
		go func() {
			if err := c.RemoveWorkers(pid); err != nil {
				c.logger.Warn("peer-requested removal failed",
					LabelWorkerID.L(pid), LabelError.L(err))
			}
		}()
		return nil, nil
	})
	c.Register(builtinExit, func(args ...any) (any, error) {
		c.logger.Info("orderly exit requested by controller")
		c.exit(0)
		return nil, nil
	})
}

// runThunk executes a registered function, capturing every failure mode
// into a RemoteException. The engine never re-raises.
func (c *Cluster) runThunk(name string, args []any) (v any, exc *RemoteException) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 16<<10)
			buf = buf[:runtime.Stack(buf, false)]
			exc = &RemoteException{
				Pid:  c.MyID(),
				Kind: ExcKindCall,
				Captured: CapturedException{
					Msg:       fmt.Sprintf("panic: %v", r),
					Backtrace: string(buf),
				},
			}
		}
	}()

	fn, ok := c.lookupFunc(name)
	if !ok {
		c.msink.IncrCounterWithLabels(MetricCallErrorCount, 1.0, c.cfg.metricLabels)
		return nil, &RemoteException{
			Pid:  c.MyID(),
			Kind: ExcKindCall,
			Captured: CapturedException{
				Msg: fmt.Sprintf("%s: %q", ErrUnknownFunc, name),
			},
		}
	}

	v, err := fn(args...)
	if err != nil {
		c.msink.IncrCounterWithLabels(MetricCallErrorCount, 1.0, c.cfg.metricLabels)
		if re, ok := err.(*RemoteException); ok {
			return nil, re
		}
		buf := make([]byte, 8<<10)
		buf = buf[:runtime.Stack(buf, false)]
		return nil, &RemoteException{
			Pid:  c.MyID(),
			Kind: ExcKindCall,
			Captured: CapturedException{
				Msg:       err.Error(),
				Backtrace: string(buf),
			},
		}
	}
	return v, nil
}

// ---- inbound handlers ----

func (c *Cluster) handleCall(hdr wire.Header, m *wire.CallMsg) {
	c.msink.IncrCounterWithLabels(MetricCallInCount, 1.0, c.cfg.metricLabels)
	rv := c.ensureRef(hdr.ResponseOID, true)
	if !rv.scheduleProducer() {
		c.logger.Warn("duplicate call for reference, ignoring",
			LabelRRID.L(hdr.ResponseOID.String()), LabelFunc.L(m.Func))
		return
	}
	go func() {
		v, exc := c.runThunk(m.Func, m.Args)
		if exc != nil {
			_ = rv.slot.put(exc)
			return
		}
		_ = rv.slot.put(v)
	}()
}

func (c *Cluster) handleCallFetch(conn *wire.Conn, hdr wire.Header, m *wire.CallMsg) {
	c.msink.IncrCounterWithLabels(MetricCallInCount, 1.0, c.cfg.metricLabels)
	go func() {
		v, exc := c.runThunk(m.Func, m.Args)
		c.deliverResult(conn, wire.TagCallFetch, hdr.NotifyOID, v, exc)
	}()
}

func (c *Cluster) handleCallWait(conn *wire.Conn, hdr wire.Header, m *wire.CallWaitMsg) {
	c.msink.IncrCounterWithLabels(MetricCallInCount, 1.0, c.cfg.metricLabels)
	rv := c.ensureRef(hdr.ResponseOID, true)
	if rv.scheduleProducer() {
		go func() {
			v, exc := c.runThunk(m.Func, m.Args)
			if exc != nil {
				_ = rv.slot.put(exc)
				return
			}
			_ = rv.slot.put(v)
		}()
	}
	go func() {
		v, err := rv.slot.fetch()
		if err != nil {
			v = &RemoteException{
				Pid:  c.MyID(),
				Kind: ExcKindCall,
				Captured: CapturedException{
					Msg: err.Error(),
				},
			}
		}
		c.deliverResult(conn, wire.TagCallWait, hdr.NotifyOID, v, nil)
	}()
}

func (c *Cluster) handleRemoteDo(m *wire.RemoteDoMsg) {
	c.msink.IncrCounterWithLabels(MetricCallInCount, 1.0, c.cfg.metricLabels)
	go func() {
		if _, exc := c.runThunk(m.Func, m.Args); exc != nil {
			c.logger.Error("remote_do execution failed",
				LabelFunc.L(m.Func), LabelError.L(exc))
		}
	}()
}

// deliverResult sends the outcome of a call back to the requester. The
// raw value travels for call_fetch and for exceptions; other verbs only
// need the OK sentinel. A SyncTake's lock is released once the frame is
// on the wire.
func (c *Cluster) deliverResult(conn *wire.Conn, tag wire.Tag, oid wire.RRID, v any, exc *RemoteException) {
	if st, ok := v.(*SyncTake); ok && exc == nil {
		defer st.unlock()
		v = st.Value
	}

	msg := &wire.ResultMsg{}
	switch {
	case exc != nil:
		msg.Exc = exc.wire()
	default:
		if re, ok := v.(*RemoteException); ok {
			msg.Exc = re.wire()
		} else if tag == wire.TagCallFetch {
			msg.Value = v
		} else {
			msg.Value = "OK"
		}
	}

	if oid.IsNil() {
		return
	}
	if err := c.send(conn, wire.Header{Tag: wire.TagResult, ResponseOID: oid}, msg); err != nil {
		c.logger.Error("failed to serialize result, dropping connection",
			LabelRRID.L(oid.String()), LabelError.L(err))
		c.resultSendFailed(conn, err)
		return
	}
	c.msink.IncrCounterWithLabels(MetricResultOutCount, 1.0, c.cfg.metricLabels)
}

// resultSendFailed applies the fatal-send policy: the stream is beyond
// saving, so close it and make sure the controller learns the peer is
// unreachable.
func (c *Cluster) resultSendFailed(conn *wire.Conn, err error) {
	peer := c.lookupConn(conn)
	conn.Close()
	switch {
	case peer == nil:
		return
	case c.IsController():
		go func() {
			if rmErr := c.RemoveWorkers(peer.id); rmErr != nil {
				c.logger.Warn("removal after send failure did not complete",
					LabelWorkerID.L(peer.id), LabelError.L(rmErr))
			}
		}()
	case peer.id == ControllerID:
		c.exit(1)
	default:
		if doErr := c.RemoteDo(builtinRmProc, ControllerID, peer.id); doErr != nil {
			c.logger.Error("could not escalate peer failure to the controller",
				LabelWorkerID.L(peer.id), LabelError.L(doErr))
		}
	}
}

// ---- registry ops with remote-caller semantics ----

// takeRefFor consumes a value on behalf of caller. A remote take of an
// unbuffered slot holds the sync lock across the result send: the
// SyncTake wrapper carries it to deliverResult.
func (c *Cluster) takeRefFor(r wire.RRID, caller int64) (any, error) {
	rv, ok := c.lookupRef(r)
	if !ok {
		return nil, ErrRefNotFound
	}
	synctake := false
	if caller != c.MyID() && rv.syncLock != nil {
		synctake = true
		rv.syncLock.Lock()
	}
	v, err := rv.slot.take()
	if err != nil {
		if synctake {
			rv.syncLock.Unlock()
		}
		return nil, err
	}
	if _, isExc := v.(*RemoteException); isExc && synctake {
		rv.syncLock.Unlock()
		synctake = false
	}
	c.maybeReclaim(rv)
	if synctake {
		return &SyncTake{Value: v, rv: rv}, nil
	}
	return v, nil
}

// putRefFor stores a value on behalf of caller. A local caller putting
// into an unbuffered slot passes the sync-lock barrier afterwards so it
// cannot race a remote take mid-send.
func (c *Cluster) putRefFor(r wire.RRID, caller int64, v any) (any, error) {
	rv, ok := c.lookupRef(r)
	if !ok {
		return nil, ErrRefNotFound
	}
	if err := rv.slot.put(v); err != nil {
		return nil, err
	}
	if caller == c.MyID() && rv.syncLock != nil {
		rv.syncLock.Lock()
		rv.syncLock.Unlock() //nolint:staticcheck // barrier: wait out an in-flight remote take.
	}
	return "OK", nil
}

// ---- public verbs ----

// RemoteCall schedules fn on pid and returns immediately with a handle
// to the eventual result. The value stays on pid until fetched.
func (c *Cluster) RemoteCall(fn string, pid int64, args ...any) (*Future, error) {
	r := c.mintRRID(0)
	if pid == c.MyID() {
		rv, err := c.registerRef(r, true, 0)
		if err != nil {
			return nil, err
		}
		rv.scheduleProducer()
		go func() {
			v, exc := c.runThunk(fn, args)
			if exc != nil {
				_ = rv.slot.put(exc)
				return
			}
			_ = rv.slot.put(v)
		}()
		return newFuture(c, pid, r), nil
	}
	w, err := c.getWorker(pid)
	if err != nil {
		return nil, err
	}
	conn, err := c.workerConn(w)
	if err != nil {
		return nil, err
	}
	hdr := wire.Header{Tag: wire.TagCall, ResponseOID: r}
	if err := c.send(conn, hdr, &wire.CallMsg{Func: fn, Args: args}); err != nil {
		return nil, err
	}
	return newFuture(c, pid, r), nil
}

// RemoteCallFetch is the blocking round-trip: it returns fn's value, or
// the RemoteException captured on the peer. There is no request-level
// timeout; a hung call resolves when the peer dies.
func (c *Cluster) RemoteCallFetch(fn string, pid int64, args ...any) (any, error) {
	if pid == c.MyID() {
		v, exc := c.runThunk(fn, args)
		if exc != nil {
			return nil, exc
		}
		if st, ok := v.(*SyncTake); ok {
			v = st.Value
		}
		if re, ok := v.(*RemoteException); ok {
			return nil, re
		}
		return v, nil
	}
	w, err := c.getWorker(pid)
	if err != nil {
		return nil, err
	}
	conn, err := c.workerConn(w)
	if err != nil {
		return nil, err
	}
	oid := c.mintRRID(0)
	rv, err := c.registerRef(oid, true, pid)
	if err != nil {
		return nil, err
	}
	defer c.dropRef(oid)
	hdr := wire.Header{Tag: wire.TagCallFetch, NotifyOID: oid}
	if err := c.send(conn, hdr, &wire.CallMsg{Func: fn, Args: args}); err != nil {
		return nil, err
	}
	v, err := rv.slot.take()
	if err != nil {
		return nil, err
	}
	if re, ok := v.(*RemoteException); ok {
		return nil, re
	}
	return v, nil
}

// RemoteCallWait schedules fn on pid and blocks until it completed,
// returning the handle to the (still remote) result.
func (c *Cluster) RemoteCallWait(fn string, pid int64, args ...any) (*Future, error) {
	if pid == c.MyID() {
		fut, err := c.RemoteCall(fn, pid, args...)
		if err != nil {
			return nil, err
		}
		if err := fut.Wait(); err != nil {
			return fut, err
		}
		return fut, nil
	}
	w, err := c.getWorker(pid)
	if err != nil {
		return nil, err
	}
	conn, err := c.workerConn(w)
	if err != nil {
		return nil, err
	}
	seq := c.refSeq.Add(1)
	respOID := wire.RRID{Whence: c.MyID(), ID: seq, Tag: 0}
	notifyOID := wire.RRID{Whence: c.MyID(), ID: seq, Tag: 1}
	rv, err := c.registerRef(notifyOID, true, pid)
	if err != nil {
		return nil, err
	}
	defer c.dropRef(notifyOID)
	hdr := wire.Header{Tag: wire.TagCallWait, ResponseOID: respOID, NotifyOID: notifyOID}
	if err := c.send(conn, hdr, &wire.CallWaitMsg{Func: fn, Args: args}); err != nil {
		return nil, err
	}
	v, err := rv.slot.take()
	if err != nil {
		return nil, err
	}
	fut := newFuture(c, pid, respOID)
	if re, ok := v.(*RemoteException); ok {
		return fut, re
	}
	return fut, nil
}

// RemoteDo fires fn on pid and forgets it: no reply ever comes back,
// failures are logged on the executing side only.
func (c *Cluster) RemoteDo(fn string, pid int64, args ...any) error {
	if pid == c.MyID() {
		go func() {
			if _, exc := c.runThunk(fn, args); exc != nil {
				c.logger.Error("remote_do execution failed",
					LabelFunc.L(fn), LabelError.L(exc))
			}
		}()
		return nil
	}
	w, err := c.getWorker(pid)
	if err != nil {
		return err
	}
	conn, err := c.workerConn(w)
	if err != nil {
		return err
	}
	return c.send(conn, wire.Header{Tag: wire.TagRemoteDo}, &wire.RemoteDoMsg{Func: fn, Args: args})
}
