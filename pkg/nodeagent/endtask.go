package nodeagent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/coin8086/whpc-linux-communicator/pkg/jobtask"
	"github.com/coin8086/whpc-linux-communicator/pkg/process"
)

// EndTask stops one task. A zero grace period terminates it forcibly and
// removes it immediately; otherwise it is asked to exit gracefully and, if
// it hasn't already, a one-shot grace-period timer is armed to force-kill
// it after the configured number of seconds.
func (a *Agent) EndTask(args EndTaskArgs, callbackUri string) jobtask.TaskSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.logger.Info("EndTask starting", zap.Int("job", args.JobID), zap.Int("task", args.TaskID))

	taskInfo := a.table.GetTask(args.JobID, args.TaskID)
	if taskInfo == nil {
		a.logger.Warn("EndTask: task already finished", zap.Int("job", args.JobID), zap.Int("task", args.TaskID))
		return jobtask.TaskSnapshot{}
	}

	forced := args.TaskCancelGracePeriodSeconds == 0
	stats, found := a.terminateTaskLocked(
		args.JobID, args.TaskID, taskInfo.TaskRequeueCount, taskInfo.ProcessKey,
		endTaskExitCode, forced, !taskInfo.IsPrimaryTask)

	taskInfo.ExitCode = endTaskExitCode

	if !found || stats.Terminated {
		a.table.RemoveTask(taskInfo.JobID, taskInfo.TaskID, taskInfo.AttemptID)
		delete(a.processes, taskInfo.ProcessKey)
		taskInfo.Exited = true
		taskInfo.CancelGraceful()
		if found {
			taskInfo.AssignFromStatistics(statisticsFromProcess(stats))
		}
	} else {
		taskInfo.Exited = false
		taskInfo.AssignFromStatistics(statisticsFromProcess(stats))
		a.armGracePeriod(taskInfo, args.TaskCancelGracePeriodSeconds, callbackUri)
	}

	snap := taskSnapshotFromInfo(taskInfo)
	a.logger.Info("EndTask ended", zap.Int("job", args.JobID), zap.Int("task", args.TaskID))
	return snap
}

// armGracePeriod schedules a one-shot timer that force-terminates the
// task after seconds have elapsed, unless the task's own natural exit
// cancels it first via TaskInfo.CancelGraceful. Implemented with
// context.Context instead of a raw thread, per the cooperative-
// cancellation guidance this repo follows throughout.
func (a *Agent) armGracePeriod(taskInfo *jobtask.TaskInfo, seconds int, callbackUri string) {
	ctx, cancel := context.WithCancel(context.Background())
	taskInfo.GracefulCancel = cancel

	go func() {
		select {
		case <-time.After(time.Duration(seconds) * time.Second):
		case <-ctx.Done():
			return
		}
		a.gracePeriodElapsed(taskInfo, callbackUri)
	}()
}

// gracePeriodElapsed is the grace-period timer body. It re-checks that
// the TaskInfo is still live before acting, since a natural exit between
// arming and firing may have already cleaned everything up.
func (a *Agent) gracePeriodElapsed(taskInfo *jobtask.TaskInfo, callbackUri string) {
	a.mu.Lock()

	a.logger.Info("grace period elapsed", zap.Int("job", taskInfo.JobID), zap.Int("task", taskInfo.TaskID))

	current := a.table.GetTask(taskInfo.JobID, taskInfo.TaskID)
	if current == nil || current.AttemptID != taskInfo.AttemptID {
		a.logger.Debug("grace period elapsed but task already gone", zap.Int("job", taskInfo.JobID), zap.Int("task", taskInfo.TaskID))
		a.mu.Unlock()
		return
	}

	stats, found := a.terminateTaskLocked(
		taskInfo.JobID, taskInfo.TaskID, taskInfo.TaskRequeueCount, taskInfo.ProcessKey,
		endTaskExitCode, true, !taskInfo.IsPrimaryTask)

	var event *CompletionEvent
	if found {
		taskInfo.Exited = true
		taskInfo.ExitCode = endTaskExitCode
		taskInfo.AssignFromStatistics(statisticsFromProcess(stats))
		taskInfo.ProcessIDs = nil

		a.table.RemoveTask(taskInfo.JobID, taskInfo.TaskID, taskInfo.AttemptID)

		ev := completionEventFromTask(taskInfo)
		event = &ev
	}

	a.mu.Unlock()

	if event != nil {
		a.logger.Info("EndTask: ended by grace period", zap.Int("job", taskInfo.JobID), zap.Int("task", taskInfo.TaskID))
		a.reportTaskCompletion(*event, callbackUri)
	}
}

// PeekTaskOutput returns the bounded tail of the task's stdout, or a
// fixed diagnostic string if anything goes wrong locating it.
func (a *Agent) PeekTaskOutput(args PeekTaskOutputArgs) string {
	a.mu.RLock()
	taskInfo := a.table.GetTask(args.JobID, args.TaskID)
	var proc *process.Process
	var found bool
	if taskInfo != nil {
		proc, found = a.processes[taskInfo.ProcessKey]
	}
	a.mu.RUnlock()

	if !found {
		return ""
	}

	output, err := proc.PeekOutput()
	if err != nil {
		a.logger.Warn("peek task output failed", zap.Int("job", args.JobID), zap.Int("task", args.TaskID), zap.Error(err))
		return "NodeManager: Failed to get the output."
	}
	return output
}

func statisticsFromProcess(stats process.Statistics) jobtask.Statistics {
	return jobtask.Statistics{
		CPUTimeMicros:        stats.CPUTimeMicros,
		MemoryHighWaterBytes: stats.MemoryHighWaterBytes,
		ProcessIDs:           stats.ProcessIDs,
		Terminated:           stats.Terminated,
	}
}

func taskSnapshotFromInfo(t *jobtask.TaskInfo) jobtask.TaskSnapshot {
	return jobtask.TaskSnapshot{
		JobID:                t.JobID,
		TaskID:               t.TaskID,
		TaskRequeueCount:     t.TaskRequeueCount,
		Exited:               t.Exited,
		ExitCode:             t.ExitCode,
		Message:              t.Message,
		IsPrimaryTask:        t.IsPrimaryTask,
		CPUTimeMicros:        t.CPUTimeMicros,
		MemoryHighWaterBytes: t.MemoryHighWaterBytes,
		ProcessIDs:           t.ProcessIDs,
	}
}
