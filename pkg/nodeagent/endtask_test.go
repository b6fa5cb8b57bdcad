package nodeagent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestEndTaskZeroGracePeriodRemovesImmediately grounds S3's forced path:
// a zero grace period kills the task outright and removes it from the
// table before EndTask returns, with no grace-period timer left armed.
func TestEndTaskZeroGracePeriodRemovesImmediately(t *testing.T) {
	a := newTestAgent(t)

	err := a.StartJobAndTask(StartJobAndTaskArgs{
		JobID:     1,
		TaskID:    1,
		StartInfo: startInfoWithCommand(t, []string{"/bin/sh", "-c", "sleep 30"}),
	}, "")
	require.NoError(t, err)

	snap := a.EndTask(EndTaskArgs{JobID: 1, TaskID: 1, TaskCancelGracePeriodSeconds: 0}, "")
	require.True(t, snap.Exited)
	require.Equal(t, endTaskExitCode, snap.ExitCode)

	a.mu.RLock()
	defer a.mu.RUnlock()
	require.Nil(t, a.table.GetTask(1, 1))
	require.Empty(t, a.processes)
}

// TestEndTaskWithGracePeriodArmsTimerThenForces grounds S3's graceful
// path: a non-zero grace period leaves the task running (not yet
// Exited) with a cancel function armed, and once the period elapses the
// task is force-removed and a completion is posted.
func TestEndTaskWithGracePeriodArmsTimerThenForces(t *testing.T) {
	a := newTestAgent(t)
	completion := a.completion.(*fakeCompletion)

	err := a.StartJobAndTask(StartJobAndTaskArgs{
		JobID:     2,
		TaskID:    1,
		StartInfo: startInfoWithCommand(t, []string{"/bin/sh", "-c", "trap '' TERM; sleep 30"}),
	}, "http://example.invalid/callback")
	require.NoError(t, err)

	snap := a.EndTask(EndTaskArgs{JobID: 2, TaskID: 1, TaskCancelGracePeriodSeconds: 1}, "http://example.invalid/callback")
	require.False(t, snap.Exited, "a task that ignores SIGTERM must not be reported exited before its grace period elapses")

	a.mu.RLock()
	taskInfo := a.table.GetTask(2, 1)
	a.mu.RUnlock()
	require.NotNil(t, taskInfo, "the task entry must survive until the grace period elapses")
	require.NotNil(t, taskInfo.GracefulCancel, "a grace-period timer must be armed")

	require.Eventually(t, func() bool {
		return completion.count() == 1
	}, 5*time.Second, 20*time.Millisecond)

	a.mu.RLock()
	defer a.mu.RUnlock()
	require.Nil(t, a.table.GetTask(2, 1), "the task must be removed once the grace period forces termination")
}

// TestEndTaskOnUnknownTaskIsANoOp grounds the lookup-miss path: ending an
// already-finished or never-started task returns a zero-value snapshot
// without touching any state.
func TestEndTaskOnUnknownTaskIsANoOp(t *testing.T) {
	a := newTestAgent(t)

	snap := a.EndTask(EndTaskArgs{JobID: 42, TaskID: 1, TaskCancelGracePeriodSeconds: 5}, "")
	require.Zero(t, snap)
}
