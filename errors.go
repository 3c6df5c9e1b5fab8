package procmesh

import (
	"errors"
	"fmt"

	"github.com/platformaware/procmesh/pkg/wire"
)

var (
	ErrInvalidCfg       = errors.New("cluster: invalid options")
	ErrClusterClosed    = errors.New("cluster: shutting down")
	ErrNotController    = errors.New("cluster: operation requires the controller")
	ErrUnknownWorker    = errors.New("cluster: unknown worker id")
	ErrWorkerTerminated = errors.New("cluster: worker has been removed")
	ErrNoRoute          = errors.New("cluster: no connection to peer under the current topology")
	ErrLaunchTimeout    = errors.New("cluster: timed out waiting for a worker to join")
	ErrAlreadyJoined    = errors.New("cluster: runtime already has an id")

	ErrUnknownFunc = errors.New("call: function is not registered")

	ErrRefExists   = errors.New("ref: identifier already registered")
	ErrRefNotFound = errors.New("ref: no such remote value")
	ErrDoublePut   = errors.New("ref: value already set")
	ErrRefConsumed = errors.New("ref: value already taken")
)

// Exception kinds crossing the wire.
const (
	ExcKindCall     = "call"
	ExcKindDecode   = "decode"
	ExcKindPeerDied = "peer-died"
	ExcKindHandler  = "handler"
)

// CapturedException keeps what could be salvaged from an error raised
// inside a remotely-executed function: its message and the stack of the
// goroutine that ran it.
type CapturedException struct {
	Msg       string
	Backtrace string
}

// RemoteException is the only error that crosses the wire transparently.
// Pid is the worker the error was captured on.
type RemoteException struct {
	Pid      int64
	Kind     string
	Captured CapturedException
}

func (e *RemoteException) Error() string {
	return fmt.Sprintf("remote exception on worker %d (%s): %s", e.Pid, e.Kind, e.Captured.Msg)
}

func remoteExceptionFromWire(exc *wire.Exception) *RemoteException {
	return &RemoteException{
		Pid:  exc.Pid,
		Kind: exc.Kind,
		Captured: CapturedException{
			Msg:       exc.Msg,
			Backtrace: exc.Backtrace,
		},
	}
}

func (e *RemoteException) wire() *wire.Exception {
	return &wire.Exception{
		Pid:       e.Pid,
		Kind:      e.Kind,
		Msg:       e.Captured.Msg,
		Backtrace: e.Captured.Backtrace,
	}
}
