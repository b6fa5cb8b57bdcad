package nodeagent

import (
	"os/exec"
	"strconv"

	"github.com/pkg/errors"
)

// shellMPIScriptRunner shells out to StartMpiContainer.sh/StopMpiContainer.sh,
// the external helper scripts spec §6 names for MPI non-master tasks that
// run inside a docker container instead of under a supervised Process.
type shellMPIScriptRunner struct{}

func newShellMPIScriptRunner() *shellMPIScriptRunner {
	return &shellMPIScriptRunner{}
}

func (shellMPIScriptRunner) StartMpiContainer(taskID int, userName, dockerImage string, nvidia bool) error {
	nvidiaFlag := "0"
	if nvidia {
		nvidiaFlag = "1"
	}
	out, err := exec.Command("/bin/bash", "StartMpiContainer.sh", strconv.Itoa(taskID), userName, dockerImage, nvidiaFlag).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "StartMpiContainer.sh failed: %s", out)
	}
	return nil
}

func (shellMPIScriptRunner) StopMpiContainer(taskID int) error {
	out, err := exec.Command("/bin/bash", "StopMpiContainer.sh", strconv.Itoa(taskID)).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "StopMpiContainer.sh failed: %s", out)
	}
	return nil
}
