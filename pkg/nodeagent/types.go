package nodeagent

// StartInfo is the per-attempt payload carried by both StartJobAndTask and
// StartTask, mirroring the original's StartInfo argument group.
type StartInfo struct {
	TaskRequeueCount     int               `json:"taskRequeueCount"`
	CommandLine          []string          `json:"commandLine"`
	StdOutFile           string            `json:"stdOutFile"`
	StdErrFile           string            `json:"stdErrFile"`
	StdInFile            string            `json:"stdInFile,omitempty"`
	WorkDirectory        string            `json:"workDirectory"`
	Affinity             []int             `json:"affinity,omitempty"`
	EnvironmentVariables map[string]string `json:"environmentVariables,omitempty"`
	PrivateKey           string            `json:"privateKey,omitempty"`
	PublicKey            string            `json:"publicKey,omitempty"`
}

// StartJobAndTaskArgs is the argument set for StartJobAndTask: the job's
// first task, plus the OS account to run it under.
type StartJobAndTaskArgs struct {
	JobID     int       `json:"jobId"`
	TaskID    int       `json:"taskId"`
	UserName  string    `json:"userName,omitempty"`
	Password  string    `json:"password,omitempty"`
	StartInfo StartInfo `json:"startInfo"`
}

// StartTaskArgs is the argument set for starting any task of a job whose
// user has already been provisioned.
type StartTaskArgs struct {
	JobID     int       `json:"jobId"`
	TaskID    int       `json:"taskId"`
	StartInfo StartInfo `json:"startInfo"`
}

// EndJobArgs identifies the job to tear down.
type EndJobArgs struct {
	JobID int `json:"jobId"`
}

// EndTaskArgs identifies the task to stop and how long to wait for a
// graceful exit before escalating to a forced kill.
type EndTaskArgs struct {
	JobID                        int `json:"jobId"`
	TaskID                       int `json:"taskId"`
	TaskCancelGracePeriodSeconds int `json:"taskCancelGracePeriodSeconds"`
}

// PeekTaskOutputArgs identifies the task whose stdout tail is requested.
type PeekTaskOutputArgs struct {
	JobID  int `json:"jobId"`
	TaskID int `json:"taskId"`
}

// MetricCountersConfig is the counter subset MetricConfig forwards to the
// monitor module.
type MetricCountersConfig struct {
	Counters []string `json:"counters"`
}

// JobUserRecord is the per-job OS-account bookkeeping the original keeps
// as a tuple (UserName, Existed, PrivateKeyAdded, PublicKeyAdded,
// AuthKeyAdded, PublicKey).
type JobUserRecord struct {
	UserName        string
	Existed         bool
	PrivateKeyAdded bool
	PublicKeyAdded  bool
	AuthKeyAdded    bool
	PublicKey       string
}

// exit codes used when the agent itself terminates a task, rather than
// the task exiting on its own. The original source names these via an
// ErrorCodes enum whose numeric values weren't available in the
// retrieved sources; these sentinels only need to be negative and
// distinct from real process exit codes, which are always >= 0 or a
// negated signal number (see process.exitCodeFromError).
const (
	endJobExitCode  = -1000
	endTaskExitCode = -1001
)

const (
	envIsAdmin         = "CCP_ISADMIN"
	envMapAdminUser    = "CCP_MAP_ADMIN_USER"
	envPreserveDomain  = "CCP_PRESERVE_DOMAIN"
	envDockerImage     = "CCP_DOCKER_IMAGE"
	envDockerNvidia    = "CCP_DOCKER_NVIDIA"
	windowsSystemUser  = "NT AUTHORITY\\SYSTEM"
	fakedRootUser      = "hpc_faked_root"
)
