package jobtask

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddJobAndTaskCreatesOnDemand(t *testing.T) {
	tbl := New()

	info, isNew := tbl.AddJobAndTask(1, 1)
	require.True(t, isNew)
	require.False(t, info.Exited)
	require.NotNil(t, tbl.GetTask(1, 1))

	_, isNew = tbl.AddJobAndTask(1, 1)
	require.False(t, isNew, "looking up an in-flight task must not report isNew")
}

func TestAttemptIDStrictlyIncreasesAcrossRequeue(t *testing.T) {
	tbl := New()

	first, _ := tbl.AddJobAndTask(3, 1)
	removed := tbl.RemoveTask(3, 1, first.AttemptID)
	require.True(t, removed)

	second, isNew := tbl.AddJobAndTask(3, 1)
	require.True(t, isNew)
	require.Greater(t, uint64(second.AttemptID), uint64(first.AttemptID))
}

// TestRemoveTaskIsAttemptGuarded grounds S4: a late completion for a
// superseded attempt must not erase the task a requeue has already
// registered.
func TestRemoveTaskIsAttemptGuarded(t *testing.T) {
	tbl := New()

	first, _ := tbl.AddJobAndTask(3, 1)
	staleAttempt := first.AttemptID

	// requeue: old attempt removed, new attempt added before the old
	// attempt's completion callback runs
	tbl.RemoveTask(3, 1, staleAttempt)
	second, isNew := tbl.AddJobAndTask(3, 1)
	require.True(t, isNew)

	// the old attempt's callback now fires and tries to remove using its
	// now-stale AttemptID
	removed := tbl.RemoveTask(3, 1, staleAttempt)
	require.False(t, removed, "stale-attempt removal must be a no-op")

	require.Same(t, second, tbl.GetTask(3, 1), "the new attempt's TaskInfo must remain")
}

func TestRemoveJobReturnsNilForUnknownJob(t *testing.T) {
	tbl := New()
	require.Nil(t, tbl.RemoveJob(999))
}

// TestResyncFlagClearsAfterObservation grounds the resync law: set →
// visible in the very next ToJSON → false afterward.
func TestResyncFlagClearsAfterObservation(t *testing.T) {
	tbl := New()

	require.False(t, tbl.ToJSON().NeedResync)

	tbl.RequestResync()
	require.True(t, tbl.ToJSON().NeedResync)
	require.False(t, tbl.ToJSON().NeedResync)
}

func TestToJSONIncludesAllJobsAndTasks(t *testing.T) {
	tbl := New()
	tbl.AddJobAndTask(1, 1)
	tbl.AddJobAndTask(1, 2)
	tbl.AddJobAndTask(2, 1)

	snap := tbl.ToJSON()
	require.Len(t, snap.Jobs, 2)

	total := 0
	for _, j := range snap.Jobs {
		total += len(j.Tasks)
	}
	require.Equal(t, 3, total)
}
