package nodeagent

import (
	"context"

	"go.uber.org/zap"

	"github.com/coin8086/whpc-linux-communicator/pkg/jobtask"
	"github.com/coin8086/whpc-linux-communicator/pkg/process"
)

// CompletionEvent is the JSON body posted to a task's callback URI once
// it has exited, mirroring TaskInfo.ToCompletionEventArgJson.
type CompletionEvent struct {
	JobID                int    `json:"jobId"`
	TaskID               int    `json:"taskId"`
	TaskRequeueCount     int    `json:"taskRequeueCount"`
	ExitCode             int    `json:"exitCode"`
	Message              string `json:"message,omitempty"`
	CPUTimeMicros        int64  `json:"cpuTimeMicros"`
	MemoryHighWaterBytes int64  `json:"memoryHighWaterBytes"`
}

func completionEventFromTask(t *jobtask.TaskInfo) CompletionEvent {
	return CompletionEvent{
		JobID:                t.JobID,
		TaskID:               t.TaskID,
		TaskRequeueCount:     t.TaskRequeueCount,
		ExitCode:             t.ExitCode,
		Message:              t.Message,
		CPUTimeMicros:        t.CPUTimeMicros,
		MemoryHighWaterBytes: t.MemoryHighWaterBytes,
	}
}

// onTaskExit builds the exit callback passed into process.Config.OnExit.
// It is the single place a task attempt transitions from running to
// exited via its own process ending naturally (as opposed to EndJob,
// EndTask or the grace-period timer forcing it). Whichever of these gets
// to the write lock first marks the TaskInfo exited and removes it from
// the table; the callback skips reporting when it finds the TaskInfo
// already Exited, and EndTask and the grace-period timer do nothing once
// the task is gone from the table. A callback for an attempt that a
// requeue has superseded reports nothing.
func (a *Agent) onTaskExit(taskInfo *jobtask.TaskInfo, callbackUri string) process.ExitFunc {
	return func(exitCode int, message string, stats process.Statistics) {
		var event *CompletionEvent
		a.withWriteLock(func() {
			taskInfo.CancelGraceful()

			// this won't remove the task entry a requeue has already
			// registered, since AttemptID won't match
			defer func() {
				a.table.RemoveTask(taskInfo.JobID, taskInfo.TaskID, taskInfo.AttemptID)
				delete(a.processes, taskInfo.ProcessKey)
			}()

			if taskInfo.Exited {
				a.logger.Debug("task already ended by EndTask",
					zap.Int("job", taskInfo.JobID), zap.Int("task", taskInfo.TaskID))
				return
			}
			if current := a.table.GetTask(taskInfo.JobID, taskInfo.TaskID); current != nil && current.AttemptID != taskInfo.AttemptID {
				a.logger.Debug("stale attempt exited, completion dropped",
					zap.Int("job", taskInfo.JobID), zap.Int("task", taskInfo.TaskID))
				return
			}

			taskInfo.Exited = true
			taskInfo.ExitCode = exitCode
			taskInfo.Message = message
			taskInfo.AssignFromStatistics(jobtask.Statistics{
				CPUTimeMicros:        stats.CPUTimeMicros,
				MemoryHighWaterBytes: stats.MemoryHighWaterBytes,
				ProcessIDs:           stats.ProcessIDs,
				Terminated:           stats.Terminated,
			})

			ev := completionEventFromTask(taskInfo)
			event = &ev
		})

		if event != nil {
			a.reportTaskCompletion(*event, callbackUri)
		}
	}
}

// reportTaskCompletion posts event to callbackUri. Any failure —
// transport error or non-success response — triggers
// ResyncAndInvalidateCache, the same as a failed reporter tick.
func (a *Agent) reportTaskCompletion(event CompletionEvent, callbackUri string) {
	if a.completion == nil || callbackUri == "" {
		return
	}

	if err := a.completion.Send(context.Background(), callbackUri, event); err != nil {
		a.logger.Error("failed to post task completion",
			zap.Int("job", event.JobID), zap.Int("task", event.TaskID),
			zap.String("uri", callbackUri), zap.Error(err))
		a.ResyncAndInvalidateCache()
	}
}
