package nodeagent

import (
	"time"

	"go.uber.org/zap"

	"github.com/coin8086/whpc-linux-communicator/pkg/jobtask"
	"github.com/coin8086/whpc-linux-communicator/pkg/process"
)

// terminateTaskPollAttempts/Interval mirror TerminateTask's 10x100ms poll
// loop waiting for a killed process group to fully exit.
const (
	terminateTaskPollAttempts = 10
	terminateTaskPollInterval = 100 * time.Millisecond
)

// terminateTaskLocked kills the Process for processKey and polls its
// cgroup statistics until terminated or the poll budget is exhausted.
// Callers must already hold the Agent's write lock — this intentionally
// blocks for up to ~1s with that lock held, serialising all concurrent
// state changes for the duration, the same trade-off the original makes.
func (a *Agent) terminateTaskLocked(jobID, taskID, requeueCount int, processKey jobtask.ProcessKey, exitCode int, forced, mpiDockerTask bool) (process.Statistics, bool) {
	if mpiDockerTask {
		if err := a.mpiScripts.StopMpiContainer(taskID); err != nil {
			a.logger.Error("stop mpi container failed", zap.Int("task", taskID), zap.Error(err))
		} else {
			a.logger.Info("stop mpi container succeeded", zap.Int("task", taskID))
		}
		return process.Statistics{}, false
	}

	proc, ok := a.processes[processKey]
	if !ok {
		a.logger.Warn("no process object found", zap.Int("job", jobID), zap.Int("task", taskID))
		return process.Statistics{}, false
	}

	a.logger.Debug("about to kill task", zap.Int("job", jobID), zap.Int("task", taskID), zap.Bool("forced", forced))
	if err := proc.Kill(exitCode, forced); err != nil {
		a.logger.Warn("kill failed", zap.Int("job", jobID), zap.Int("task", taskID), zap.Error(err))
	}

	stats, _ := proc.Statistics()
	for attempts := terminateTaskPollAttempts; !stats.Terminated && attempts > 0; attempts-- {
		time.Sleep(terminateTaskPollInterval)
		stats, _ = proc.Statistics()
	}

	if !stats.Terminated {
		a.logger.Warn("task did not exit within the poll budget",
			zap.Int("job", jobID), zap.Int("task", taskID), zap.Ints("pids", stats.ProcessIDs))
	}

	return stats, true
}

// JobSummary is the JSON body EndJob returns: the final state of every
// task the job contained.
type JobSummary struct {
	JobID int                  `json:"jobId"`
	Tasks []jobtask.TaskSnapshot `json:"tasks"`
}

// EndJob removes the job's JobInfo, force-terminates every task it
// contained, and — once no other job is still using the job's OS
// account — removes the SSH material that account was given. The
// account itself is retained; see DESIGN.md's Open Question resolution.
func (a *Agent) EndJob(args EndJobArgs) JobSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.logger.Info("EndJob starting", zap.Int("job", args.JobID))

	jobInfo := a.table.RemoveJob(args.JobID)

	var summary JobSummary
	if jobInfo != nil {
		summary.JobID = jobInfo.JobID
		for _, taskInfo := range jobInfo.Tasks {
			stats, ok := a.terminateTaskLocked(
				args.JobID, taskInfo.TaskID, taskInfo.TaskRequeueCount, taskInfo.ProcessKey,
				endJobExitCode, true, !taskInfo.IsPrimaryTask)

			if ok {
				taskInfo.Exited = stats.Terminated
				taskInfo.ExitCode = endJobExitCode
				taskInfo.AssignFromStatistics(jobtask.Statistics{
					CPUTimeMicros:        stats.CPUTimeMicros,
					MemoryHighWaterBytes: stats.MemoryHighWaterBytes,
					ProcessIDs:           stats.ProcessIDs,
					Terminated:           stats.Terminated,
				})
				taskInfo.CancelGraceful()
				if stats.Terminated {
					delete(a.processes, taskInfo.ProcessKey)
				}
			}

			summary.Tasks = append(summary.Tasks, jobtask.TaskSnapshot{
				JobID:                taskInfo.JobID,
				TaskID:               taskInfo.TaskID,
				TaskRequeueCount:     taskInfo.TaskRequeueCount,
				Exited:               taskInfo.Exited,
				ExitCode:             taskInfo.ExitCode,
				Message:              taskInfo.Message,
				IsPrimaryTask:        taskInfo.IsPrimaryTask,
				CPUTimeMicros:        taskInfo.CPUTimeMicros,
				MemoryHighWaterBytes: taskInfo.MemoryHighWaterBytes,
				ProcessIDs:           taskInfo.ProcessIDs,
			})
		}
		a.logger.Info("EndJob ended", zap.Int("job", args.JobID))
	} else {
		a.logger.Warn("EndJob: job already finished", zap.Int("job", args.JobID))
	}

	a.cleanupJobUserLocked(args.JobID)

	return summary
}

// cleanupJobUserLocked decrements the user's reverse job index and, once
// it reaches zero, removes the SSH material this job installed. Caller
// must hold the write lock.
func (a *Agent) cleanupJobUserLocked(jobID int) {
	record, ok := a.jobUsers[jobID]
	if !ok {
		return
	}
	delete(a.jobUsers, jobID)

	jobs := a.userJobs[record.UserName]
	delete(jobs, jobID)

	cleanupUser := len(jobs) == 0
	if cleanupUser {
		delete(a.userJobs, record.UserName)
	}

	a.logger.Info("EndJob: cleanup user", zap.String("user", record.UserName), zap.Bool("lastJob", cleanupUser))

	if !cleanupUser {
		return
	}

	// The account itself is retained even when this was its last job —
	// only the SSH material this job installed is removed.
	if record.PrivateKeyAdded {
		if err := a.userManager.RemovePrivateKey(record.UserName); err != nil {
			a.logger.Warn("remove private key failed", zap.String("user", record.UserName), zap.Error(err))
		}
	}
	if record.PublicKeyAdded {
		if err := a.userManager.RemovePublicKey(record.UserName); err != nil {
			a.logger.Warn("remove public key failed", zap.String("user", record.UserName), zap.Error(err))
		}
	}
	if record.AuthKeyAdded {
		if err := a.userManager.RemoveAuthorizedKey(record.UserName, record.PublicKey); err != nil {
			a.logger.Warn("remove authorized key failed", zap.String("user", record.UserName), zap.Error(err))
		}
	}
}
