package procmesh

import (
	"bytes"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/platformaware/procmesh/pkg/wire"
	"github.com/stretchr/testify/require"
)

const protoTestCookie = "proto-test-cookie"

// dialWorker spins up a worker runtime and connects to it the way a
// controller would, returning the raw protocol handle so tests can
// drive individual frames.
func dialWorker(t *testing.T) (*Cluster, *wire.Conn, net.Conn, *atomic.Int64) {
	t.Helper()
	var exitCode atomic.Int64
	exitCode.Store(-1)
	rt, err := NewWorkerRuntime(
		WithCookie(protoTestCookie),
		WithLog(testLogHandler(t, "worker")),
		WithMetricSink(blackhole()),
		WithExitFunc(func(code int) { exitCode.Store(int64(code)) }),
	)
	require.NoError(t, err)
	registerArith(rt)

	ours, theirs := net.Pipe()
	rt.ServeConn(theirs)
	t.Cleanup(func() {
		ours.Close()
		rt.Shutdown(context.Background())
	})

	fc := wire.NewConn(ours)
	require.NoError(t, fc.WriteHandshake(protoTestCookie, Version))
	return rt, fc, ours, &exitCode
}

func readFrame(t *testing.T, fc *wire.Conn) (wire.Header, wire.Msg) {
	t.Helper()
	fc.ResetCodec()
	hdr, err := fc.ReadHeader()
	require.NoError(t, err)
	msg, err := fc.ReadBody(hdr.Tag)
	require.NoError(t, err)
	require.NoError(t, fc.ReadBoundary())
	return hdr, msg
}

func joinAsController(t *testing.T, fc *wire.Conn) {
	t.Helper()
	notify := wire.RRID{Whence: 1, ID: 1, Tag: 0}
	require.NoError(t, fc.WriteFrame(
		wire.Header{Tag: wire.TagJoinPGRP, NotifyOID: notify},
		&wire.JoinPGRPMsg{SelfPid: 2, Topology: "all_to_all"},
	))
	hdr, msg := readFrame(t, fc)
	require.Equal(t, wire.TagJoinComplete, hdr.Tag)
	require.Equal(t, notify, hdr.NotifyOID)
	jc := msg.(*wire.JoinCompleteMsg)
	require.Greater(t, jc.CPUThreads, 0)
	require.NotZero(t, jc.OSPid)
}

func TestJoinHandshakeAssignsID(t *testing.T) {
	rt, fc, _, _ := dialWorker(t)
	require.EqualValues(t, 0, rt.MyID())
	joinAsController(t, fc)
	require.EqualValues(t, 2, rt.MyID())
	require.Equal(t, []int64{1, 2}, rt.Procs())
}

func TestFramingRecovery(t *testing.T) {
	_, fc, raw, _ := dialWorker(t)
	joinAsController(t, fc)

	// A frame whose body cannot decode: valid header naming where the
	// results go, then bytes no msgpack decoder accepts.
	badNotify := wire.RRID{Whence: 1, ID: 2, Tag: 0}
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	require.NoError(t, enc.Encode(&wire.Header{Tag: wire.TagCallFetch, NotifyOID: badNotify}))
	buf.Write([]byte{0xc1, 0xc1, 0xc1})
	buf.Write(wire.MsgBoundary[:])
	_, err := raw.Write(buf.Bytes())
	require.NoError(t, err)

	// The mangled request's notify id receives a decode exception.
	hdr, msg := readFrame(t, fc)
	require.Equal(t, wire.TagResult, hdr.Tag)
	require.Equal(t, badNotify, hdr.ResponseOID)
	res := msg.(*wire.ResultMsg)
	require.NotNil(t, res.Exc)
	require.Equal(t, ExcKindDecode, res.Exc.Kind)
	require.EqualValues(t, 2, res.Exc.Pid)

	// The dispatcher resumed exactly on the next frame: a valid call
	// right behind the fault is served normally.
	okNotify := wire.RRID{Whence: 1, ID: 3, Tag: 0}
	require.NoError(t, fc.WriteFrame(
		wire.Header{Tag: wire.TagCallFetch, NotifyOID: okNotify},
		&wire.CallMsg{Func: "echo", Args: []any{"ok"}},
	))
	hdr, msg = readFrame(t, fc)
	require.Equal(t, okNotify, hdr.ResponseOID)
	res = msg.(*wire.ResultMsg)
	require.Nil(t, res.Exc)
	require.Equal(t, "ok", res.Value)
}

func TestUnknownTagGetsDecodeException(t *testing.T) {
	_, fc, raw, _ := dialWorker(t)
	joinAsController(t, fc)

	notify := wire.RRID{Whence: 1, ID: 9, Tag: 0}
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	require.NoError(t, enc.Encode(&wire.Header{Tag: wire.Tag(250), NotifyOID: notify}))
	require.NoError(t, enc.Encode(&wire.ResultMsg{Value: "opaque"}))
	buf.Write(wire.MsgBoundary[:])
	_, err := raw.Write(buf.Bytes())
	require.NoError(t, err)

	hdr, msg := readFrame(t, fc)
	require.Equal(t, notify, hdr.ResponseOID)
	require.Equal(t, ExcKindDecode, msg.(*wire.ResultMsg).Exc.Kind)

	// Still in sync afterwards.
	ok := wire.RRID{Whence: 1, ID: 10, Tag: 0}
	require.NoError(t, fc.WriteFrame(
		wire.Header{Tag: wire.TagCallFetch, NotifyOID: ok},
		&wire.CallMsg{Func: "add1", Args: []any{int64(1)}},
	))
	hdr, msg = readFrame(t, fc)
	require.Equal(t, ok, hdr.ResponseOID)
	require.EqualValues(t, 2, msg.(*wire.ResultMsg).Value)
}

func TestCookieMismatchClosesConnection(t *testing.T) {
	var exitCode atomic.Int64
	exitCode.Store(-1)
	rt, err := NewWorkerRuntime(
		WithCookie(protoTestCookie),
		WithLog(testLogHandler(t, "worker")),
		WithMetricSink(blackhole()),
		WithExitFunc(func(code int) { exitCode.Store(int64(code)) }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Shutdown(context.Background()) })

	ours, theirs := net.Pipe()
	rt.ServeConn(theirs)
	fc := wire.NewConn(ours)
	require.NoError(t, fc.WriteHandshake("wrong-cookie", Version))

	// No reply, just a closed stream.
	ours.SetReadDeadline(time.Now().Add(5 * time.Second))
	one := make([]byte, 1)
	_, err = ours.Read(one)
	require.Error(t, err)

	// The runtime is unharmed and did not treat this as fatal.
	require.EqualValues(t, -1, exitCode.Load())
	require.EqualValues(t, 0, rt.MyID())
}

func TestControllerEOFExitsWorkerProcess(t *testing.T) {
	_, fc, raw, exitCode := dialWorker(t)
	joinAsController(t, fc)

	raw.Close()
	require.Eventually(t, func() bool { return exitCode.Load() == 1 },
		5*time.Second, 10*time.Millisecond)
}

func TestCallBindsResponseRef(t *testing.T) {
	rt, fc, _, _ := dialWorker(t)
	joinAsController(t, fc)

	// A plain call produces no reply frame; the value waits on the
	// worker under the response id until fetched.
	resp := wire.RRID{Whence: 1, ID: 21, Tag: 0}
	require.NoError(t, fc.WriteFrame(
		wire.Header{Tag: wire.TagCall, ResponseOID: resp},
		&wire.CallMsg{Func: "add1", Args: []any{int64(41)}},
	))

	require.Eventually(t, func() bool {
		v, err := rt.fetchRefLocal(resp)
		if err != nil {
			return false
		}
		n, ok := asInt64(v)
		return ok && n == 42
	}, 5*time.Second, 10*time.Millisecond)

	// Fetching through the wire delivers the same value.
	notify := wire.RRID{Whence: 1, ID: 22, Tag: 0}
	require.NoError(t, fc.WriteFrame(
		wire.Header{Tag: wire.TagCallFetch, NotifyOID: notify},
		&wire.CallMsg{Func: builtinFetch, Args: refArgs(resp)},
	))
	hdr, msg := readFrame(t, fc)
	require.Equal(t, notify, hdr.ResponseOID)
	require.EqualValues(t, 42, msg.(*wire.ResultMsg).Value)
}

func TestCallWaitAcknowledgesWithOK(t *testing.T) {
	_, fc, _, _ := dialWorker(t)
	joinAsController(t, fc)

	resp := wire.RRID{Whence: 1, ID: 31, Tag: 0}
	notify := wire.RRID{Whence: 1, ID: 31, Tag: 1}
	require.NoError(t, fc.WriteFrame(
		wire.Header{Tag: wire.TagCallWait, ResponseOID: resp, NotifyOID: notify},
		&wire.CallWaitMsg{Func: "echo", Args: []any{"whatever"}},
	))
	hdr, msg := readFrame(t, fc)
	require.Equal(t, notify, hdr.ResponseOID)
	// The ack is the sentinel, not the value.
	require.Equal(t, "OK", msg.(*wire.ResultMsg).Value)
}

func TestHandlerPanicDoesNotKillDispatcher(t *testing.T) {
	rt, fc, _, _ := dialWorker(t)
	joinAsController(t, fc)
	rt.Register("kaboom", func(args ...any) (any, error) {
		panic("kaboom")
	})

	notify := wire.RRID{Whence: 1, ID: 41, Tag: 0}
	require.NoError(t, fc.WriteFrame(
		wire.Header{Tag: wire.TagCallFetch, NotifyOID: notify},
		&wire.CallMsg{Func: "kaboom"},
	))
	hdr, msg := readFrame(t, fc)
	require.Equal(t, notify, hdr.ResponseOID)
	exc := msg.(*wire.ResultMsg).Exc
	require.NotNil(t, exc)
	require.Contains(t, exc.Msg, "kaboom")

	// The loop survived: the next call still answers.
	notify2 := wire.RRID{Whence: 1, ID: 42, Tag: 0}
	require.NoError(t, fc.WriteFrame(
		wire.Header{Tag: wire.TagCallFetch, NotifyOID: notify2},
		&wire.CallMsg{Func: "echo", Args: []any{"alive"}},
	))
	_, msg = readFrame(t, fc)
	require.Equal(t, "alive", msg.(*wire.ResultMsg).Value)
}
