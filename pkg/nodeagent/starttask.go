package nodeagent

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/coin8086/whpc-linux-communicator/pkg/jobtask"
	"github.com/coin8086/whpc-linux-communicator/pkg/process"
	"github.com/coin8086/whpc-linux-communicator/pkg/usersetup"
)

// StartJobAndTask provisions the OS account and SSH material for a job's
// first task, records the job-user mapping, then delegates to StartTask.
func (a *Agent) StartJobAndTask(args StartJobAndTaskArgs, callbackUri string) error {
	var record JobUserRecord

	err := func() error {
		a.mu.Lock()
		defer a.mu.Unlock()

		userName, isAdmin, mapAdminToUser := resolveTargetUser(args.UserName, args.StartInfo.EnvironmentVariables)
		record.UserName = userName

		if userName != "root" {
			existed, err := a.userManager.CreateUser(userName, args.Password, isAdmin)
			if err != nil {
				return errors.Wrapf(err, "create user %s", userName)
			}
			record.Existed = existed
			a.logger.Debug("create user", zap.String("user", userName), zap.Bool("existed", existed))
		} else {
			record.Existed = true
		}

		if shouldInstallSSHKeys(isAdmin, mapAdminToUser, args.UserName) {
			result, err := usersetup.InstallKeys(a.userManager, userName, args.StartInfo.PrivateKey, args.StartInfo.PublicKey)
			if err != nil {
				a.logger.Error("install ssh keys failed", zap.String("user", userName), zap.Error(err))
			}
			record.PrivateKeyAdded = result.PrivateKeyAdded
			record.PublicKeyAdded = result.PublicKeyAdded
			record.AuthKeyAdded = result.AuthKeyAdded
			record.PublicKey = result.PublicKey
		}

		if _, ok := a.jobUsers[args.JobID]; !ok {
			a.jobUsers[args.JobID] = &record
		}

		if a.userJobs[userName] == nil {
			a.userJobs[userName] = make(map[int]struct{})
		}
		a.userJobs[userName][args.JobID] = struct{}{}

		return nil
	}()
	if err != nil {
		return err
	}

	return a.StartTask(StartTaskArgs{
		JobID:     args.JobID,
		TaskID:    args.TaskID,
		StartInfo: args.StartInfo,
	}, callbackUri)
}

// StartTask adds the task to the registry and, unless it is an MPI
// non-master task, constructs and starts a supervised Process for it.
func (a *Agent) StartTask(args StartTaskArgs, callbackUri string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	taskInfo, isNew := a.table.AddJobAndTask(args.JobID, args.TaskID)
	taskInfo.TaskRequeueCount = args.StartInfo.TaskRequeueCount
	if len(args.StartInfo.Affinity) > 0 {
		taskInfo.Affinity = fmt.Sprint(args.StartInfo.Affinity)
	}

	record, ok := a.jobUsers[args.JobID]
	if !ok {
		a.table.RemoveJob(args.JobID)
		return errors.Errorf("job %d was not started on this node", args.JobID)
	}
	userName := record.UserName

	if len(args.StartInfo.CommandLine) == 0 {
		dockerImage := args.StartInfo.EnvironmentVariables[envDockerImage]
		nvidia := args.StartInfo.EnvironmentVariables[envDockerNvidia] == "1"
		taskInfo.IsPrimaryTask = false

		if dockerImage != "" {
			a.logger.Info("mpi non-master task, starting container", zap.Int("task", args.TaskID))
			if err := a.mpiScripts.StartMpiContainer(args.TaskID, userName, dockerImage, nvidia); err != nil {
				a.logger.Error("start mpi container failed", zap.Int("task", args.TaskID), zap.Error(err))
			}
		}
		return nil
	}

	taskInfo.IsPrimaryTask = true
	processKey := jobtask.NewProcessKey(args.JobID, args.TaskID, args.StartInfo.TaskRequeueCount)
	taskInfo.ProcessKey = processKey

	if _, exists := a.processes[processKey]; exists || !isNew {
		a.logger.Warn("task has started already", zap.Int("job", args.JobID), zap.Int("task", args.TaskID))
		return nil
	}

	env := envMapToSlice(args.StartInfo.EnvironmentVariables)
	proc := process.New(process.Config{
		JobID:        args.JobID,
		TaskID:       args.TaskID,
		RequeueCount: args.StartInfo.TaskRequeueCount,
		Label:        "Task",
		CommandLine:  args.StartInfo.CommandLine,
		StdoutPath:   args.StartInfo.StdOutFile,
		StderrPath:   args.StartInfo.StdErrFile,
		StdinPath:    args.StartInfo.StdInFile,
		WorkDir:      args.StartInfo.WorkDirectory,
		UserName:     userName,
		RequireCgroup: false,
		Affinity:     args.StartInfo.Affinity,
		Env:          env,
		OnExit:       a.onTaskExit(taskInfo, callbackUri),
	}, a.cgroup, a.logger)

	a.processes[processKey] = proc

	pid, err := proc.Start(context.Background())
	if err != nil {
		a.logger.Error("failed to start task process", zap.Int("job", args.JobID), zap.Int("task", args.TaskID), zap.Error(err))
		delete(a.processes, processKey)
		return err
	}
	a.logger.Debug("process started", zap.Int("pid", pid))

	return nil
}

func envMapToSlice(env map[string]string) []string {
	slice := make([]string, 0, len(env))
	for k, v := range env {
		slice = append(slice, k+"="+v)
	}
	return slice
}
