package jobtask

import "context"

// AttemptID distinguishes one start of a task from a later requeue of the
// same (JobID, TaskID). It only ever increases.
type AttemptID uint64

// ProcessKey uniquely names the supervised Process for one task attempt.
// It is derived from the triple that identifies a single run of a task.
type ProcessKey struct {
	JobID        int
	TaskID       int
	RequeueCount int
}

// NewProcessKey derives a ProcessKey the way the spec requires: from
// JobID, TaskID and RequeueCount alone, so a requeue always gets a fresh
// key even though JobID/TaskID repeat.
func NewProcessKey(jobID, taskID, requeueCount int) ProcessKey {
	return ProcessKey{JobID: jobID, TaskID: taskID, RequeueCount: requeueCount}
}

// Statistics is a point-in-time snapshot of a task's process-group state,
// read from its cgroup. It mirrors process.Statistics so that jobtask does
// not depend on package process; AssignFromStatistics copies one onto a
// TaskInfo's own fields.
type Statistics struct {
	CPUTimeMicros        int64
	MemoryHighWaterBytes int64
	ProcessIDs           []int
	Terminated           bool
}

// TaskInfo is the mutable record for one task attempt. All mutation must
// happen under the write lock that guards the Table (nodeagent.Agent's
// lock) — TaskInfo has no lock of its own,
// per the spec's single shared-lock design (§5).
type TaskInfo struct {
	JobID            int
	TaskID           int
	TaskRequeueCount int
	AttemptID        AttemptID
	ProcessKey       ProcessKey
	Affinity         string
	IsPrimaryTask    bool

	Exited   bool
	ExitCode int
	Message  string

	CPUTimeMicros        int64
	MemoryHighWaterBytes int64
	ProcessIDs           []int

	// GracefulCancel cancels a pending grace-period timer for this task,
	// if one is outstanding. nil when there is none. Set and cleared only
	// under the write lock that guards the Table.
	GracefulCancel context.CancelFunc
}

// CancelGraceful cancels any pending grace-period timer and clears the
// handle. Safe to call when there is none outstanding.
func (t *TaskInfo) CancelGraceful() {
	if t.GracefulCancel != nil {
		t.GracefulCancel()
		t.GracefulCancel = nil
	}
}

// AssignFromStatistics copies a cgroup statistics snapshot onto the task,
// the way the original's AssignFromStat does after a kill/poll cycle.
func (t *TaskInfo) AssignFromStatistics(stat Statistics) {
	t.CPUTimeMicros = stat.CPUTimeMicros
	t.MemoryHighWaterBytes = stat.MemoryHighWaterBytes
	t.ProcessIDs = stat.ProcessIDs
}

// JobInfo groups the tasks belonging to one job. A JobInfo exists iff the
// agent has accepted at least one StartJobAndTask for that JobID and
// EndJob has not yet removed it.
type JobInfo struct {
	JobID int
	Tasks map[int]*TaskInfo
}
