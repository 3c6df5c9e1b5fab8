package procmesh

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestExecLauncherRoundTrip re-executes the test binary as a real
// worker process (see TestMain) and runs a call through TCP. The
// spawned worker only carries the builtin vocabulary, so the round trip
// is probed with a function that is deliberately absent: the captured
// exception proves the full request/reply path.
func TestExecLauncherRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("forks a process")
	}
	exe, err := os.Executable()
	require.NoError(t, err)

	ctrl, err := NewController(
		WithCookie(NewCookie()),
		WithLog(testLogHandler(t, "ctrl")),
		WithMetricSink(blackhole()),
		WithLauncher(&ExecLauncher{
			Command: exe,
			Env:     map[string]string{"PROCMESH_TEST_WORKER": "1"},
		}),
		WithWorkerTimeout(30*time.Second),
	)
	require.NoError(t, err)
	t.Cleanup(func() { ctrl.Shutdown(context.Background()) })

	pids, err := ctrl.AddWorkers(testCtx(t), LaunchParams{Count: 1})
	require.NoError(t, err)
	require.Len(t, pids, 1)
	require.EqualValues(t, 2, pids[0])

	_, err = ctrl.RemoteCallFetch("definitely_not_registered", pids[0])
	var re *RemoteException
	require.ErrorAs(t, err, &re)
	require.Equal(t, pids[0], re.Pid)
	require.Contains(t, re.Captured.Msg, "not registered")

	// Orderly removal: the worker process obeys the exit request.
	require.NoError(t, ctrl.RemoveWorkers(pids[0]))
	require.True(t, ctrl.isDeleted(pids[0]))
}

func TestNetDialLauncherCannotLaunch(t *testing.T) {
	l := &NetDialLauncher{}
	err := l.Launch(context.Background(), LaunchParams{Count: 1}, make(chan *WorkerConfig, 1))
	require.Error(t, err)
}
