// Package jobtask implements the in-memory job/task registry: jobs map to
// tasks map to task-info, with a resync marker surfaced through ToJSON.
//
// Table has no lock of its own. Per the spec's §5 concurrency model, its
// invariants span the table, the process table, and the user-record maps
// that live in package nodeagent, so all of those share a single RWMutex
// owned by nodeagent.Agent. Every Table method below documents the lock
// its caller must already hold.
package jobtask

import "sync/atomic"

// Table is the job/task registry.
type Table struct {
	jobs        map[int]*JobInfo
	needResync  bool
	nextAttempt uint64
}

// New constructs an empty Table.
func New() *Table {
	return &Table{jobs: make(map[int]*JobInfo)}
}

// AddJobAndTask creates the JobInfo for jobID on demand and the TaskInfo
// for taskID on demand. isNew is true only when a TaskInfo was freshly
// inserted for this (jobID, taskID) — i.e. this is a new attempt, not a
// lookup of one already in flight. Callers must hold the write lock.
func (t *Table) AddJobAndTask(jobID, taskID int) (info *TaskInfo, isNew bool) {
	job, ok := t.jobs[jobID]
	if !ok {
		job = &JobInfo{JobID: jobID, Tasks: make(map[int]*TaskInfo)}
		t.jobs[jobID] = job
	}

	if existing, ok := job.Tasks[taskID]; ok {
		return existing, false
	}

	info = &TaskInfo{
		JobID:     jobID,
		TaskID:    taskID,
		AttemptID: AttemptID(atomic.AddUint64(&t.nextAttempt, 1)),
	}
	job.Tasks[taskID] = info
	return info, true
}

// GetTask returns the TaskInfo for (jobID, taskID), or nil if there is
// none. Callers must hold at least the read lock.
func (t *Table) GetTask(jobID, taskID int) *TaskInfo {
	job, ok := t.jobs[jobID]
	if !ok {
		return nil
	}
	return job.Tasks[taskID]
}

// RemoveTask removes the TaskInfo for (jobID, taskID) only if its stored
// AttemptID still matches attempt. This is what keeps a late completion
// callback for a superseded attempt from erasing the requeued one:
// RemoveTask silently does nothing when attempt is stale. Callers must
// hold the write lock.
func (t *Table) RemoveTask(jobID, taskID int, attempt AttemptID) (removed bool) {
	job, ok := t.jobs[jobID]
	if !ok {
		return false
	}
	info, ok := job.Tasks[taskID]
	if !ok || info.AttemptID != attempt {
		return false
	}
	delete(job.Tasks, taskID)
	return true
}

// RemoveJob removes and returns the JobInfo for jobID, or nil if there was
// none. Callers must hold the write lock.
func (t *Table) RemoveJob(jobID int) *JobInfo {
	job, ok := t.jobs[jobID]
	if !ok {
		return nil
	}
	delete(t.jobs, jobID)
	return job
}

// RequestResync sets the resync flag, which the next ToJSON observation
// will carry as NeedResync=true. Callers must hold the write lock (shared
// with nodeagent, which calls this from reporter/callback failure hooks
// that may run concurrently with table mutation).
func (t *Table) RequestResync() {
	t.needResync = true
}

// Snapshot is the heartbeat payload shape: every JobInfo plus whether the
// head service should re-push its view of this node's running jobs.
type Snapshot struct {
	Jobs       []JobSnapshot `json:"jobs"`
	NeedResync bool          `json:"needResync"`
}

type JobSnapshot struct {
	JobID int            `json:"jobId"`
	Tasks []TaskSnapshot `json:"tasks"`
}

type TaskSnapshot struct {
	JobID                int    `json:"jobId"`
	TaskID               int    `json:"taskId"`
	TaskRequeueCount     int    `json:"taskRequeueCount"`
	Exited               bool   `json:"exited"`
	ExitCode             int    `json:"exitCode"`
	Message              string `json:"message,omitempty"`
	IsPrimaryTask        bool   `json:"isPrimaryTask"`
	CPUTimeMicros        int64  `json:"cpuTimeMicros"`
	MemoryHighWaterBytes int64  `json:"memoryHighWaterBytes"`
	ProcessIDs           []int  `json:"processIds,omitempty"`
}

// ToJSON serialises the full table. The resync flag is cleared immediately
// after being read, so: set → visible in the very next ToJSON call →
// false afterward, until RequestResync is called again. Callers must hold
// at least the read lock; clearing needResync requires callers to hold
// the write lock (nodeagent's heartbeat fetch takes the write lock for
// exactly this reason).
func (t *Table) ToJSON() Snapshot {
	snap := Snapshot{NeedResync: t.needResync}
	t.needResync = false

	for _, job := range t.jobs {
		js := JobSnapshot{JobID: job.JobID}
		for _, task := range job.Tasks {
			js.Tasks = append(js.Tasks, TaskSnapshot{
				JobID:                task.JobID,
				TaskID:               task.TaskID,
				TaskRequeueCount:     task.TaskRequeueCount,
				Exited:               task.Exited,
				ExitCode:             task.ExitCode,
				Message:              task.Message,
				IsPrimaryTask:        task.IsPrimaryTask,
				CPUTimeMicros:        task.CPUTimeMicros,
				MemoryHighWaterBytes: task.MemoryHighWaterBytes,
				ProcessIDs:           task.ProcessIDs,
			})
		}
		snap.Jobs = append(snap.Jobs, js)
	}

	return snap
}
