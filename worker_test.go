package procmesh

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerStateTransitions(t *testing.T) {
	w := newWorker(2, nil)
	require.Equal(t, WorkerCreated, w.State())

	require.True(t, w.setState(WorkerCreated, WorkerConnecting))
	require.False(t, w.setState(WorkerCreated, WorkerConnecting))
	require.True(t, w.setState(WorkerConnecting, WorkerConnected))
	require.Equal(t, WorkerConnected, w.State())
}

func TestWorkerTerminalStates(t *testing.T) {
	w := newWorker(2, nil)
	w.state.Store(int32(WorkerTerminating))

	// Terminating only hands off to Terminated.
	require.False(t, w.setState(WorkerTerminating, WorkerConnected))
	require.True(t, w.setState(WorkerTerminating, WorkerTerminated))

	// Terminated is never left.
	require.False(t, w.setState(WorkerTerminated, WorkerCreated))
	require.False(t, w.setState(WorkerTerminated, WorkerConnecting))
	require.Equal(t, WorkerTerminated, w.State())
}

func TestMarkTerminated(t *testing.T) {
	w := newWorker(2, nil)
	w.state.Store(int32(WorkerConnected))
	require.True(t, w.markTerminated(), "death of a connected peer is abrupt")
	require.Equal(t, WorkerTerminated, w.State())
	require.False(t, w.markTerminated())

	// A peer being removed on purpose is not abrupt.
	w2 := newWorker(3, nil)
	w2.state.Store(int32(WorkerTerminating))
	require.False(t, w2.markTerminated())
	require.Equal(t, WorkerTerminated, w2.State())
}

func TestDeletedWorkerStaysDeleted(t *testing.T) {
	c := newBareController(t)
	w := newWorker(5, &WorkerConfig{Addr: "pipe://x"})
	require.NoError(t, c.registerWorker(w))
	c.deregisterWorker(5)

	require.True(t, c.isDeleted(5))
	_, err := c.getWorker(5)
	require.ErrorIs(t, err, ErrWorkerTerminated)

	// Re-registration under a deleted id is refused.
	require.ErrorIs(t, c.registerWorker(newWorker(5, nil)), ErrWorkerTerminated)
}

func TestRegisterWorkerUniqueID(t *testing.T) {
	c := newBareController(t)
	require.NoError(t, c.registerWorker(newWorker(7, nil)))
	require.Error(t, c.registerWorker(newWorker(7, nil)))
}
