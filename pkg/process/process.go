// Package process supervises one child command inside a per-task cgroup:
// start, kill (forced or graceful), statistics snapshot, and output peek.
package process

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Statistics is a point-in-time snapshot of a task's process-group state.
type Statistics struct {
	CPUTimeMicros        int64
	MemoryHighWaterBytes int64
	ProcessIDs           []int
	Terminated           bool
}

// ExitFunc is invoked exactly once, when the child process group is known
// to have ended.
type ExitFunc func(exitCode int, message string, stats Statistics)

// Config describes one task attempt to supervise.
type Config struct {
	JobID        int
	TaskID       int
	RequeueCount int
	Label        string // diagnostic label, also used in the cgroup name
	CommandLine  []string
	StdoutPath   string
	StderrPath   string
	StdinPath    string
	WorkDir      string
	UserName     string
	RequireCgroup bool
	Affinity     []int // CPU indices; empty means no pinning
	Env          []string
	OnExit       ExitFunc
}

// Process supervises one child command. Exactly one ExitFunc invocation is
// guaranteed per instance (invariant in §4.4).
type Process struct {
	cfg        Config
	cgroup     CgroupController
	cgroupName string
	logger     *zap.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	pid       int
	forced    bool
	killOnce  sync.Once
	exitOnce  sync.Once
}

// New constructs a Process. It does not start the child; call Start.
func New(cfg Config, cgroup CgroupController, logger *zap.Logger) *Process {
	if cgroup == nil {
		cgroup = newLinuxCgroup()
	}
	return &Process{
		cfg:        cfg,
		cgroup:     cgroup,
		cgroupName: cgroupName(cfg.Label, cfg.TaskID, cfg.RequeueCount),
		logger:     logger.With(zap.Int("job", cfg.JobID), zap.Int("task", cfg.TaskID), zap.Int("requeue", cfg.RequeueCount)),
	}
}

// Start creates the per-task cgroup, forks+execs the command as the
// configured user with stdio redirected to the configured files, applies
// CPU affinity, enrolls the leader pid into the cgroup, and spawns the
// waiter goroutine that invokes the exit callback exactly once. It returns
// as soon as the leader pid is known, not when the child exits.
func (p *Process) Start(ctx context.Context) (pid int, err error) {
	if err := p.cgroup.Create(p.cgroupName); err != nil {
		if p.cfg.RequireCgroup {
			return 0, errors.Wrap(err, "create cgroup")
		}
		p.logger.Warn("cgroup creation failed, continuing without per-task isolation", zap.Error(err))
	}

	cmd, stdout, stderr, stdin, err := p.buildCmd()
	if err != nil {
		return 0, err
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := p.applyCredential(cmd); err != nil {
		closeAll(stdout, stderr, stdin)
		return 0, errors.Wrap(err, "resolve user")
	}

	if err := cmd.Start(); err != nil {
		closeAll(stdout, stderr, stdin)
		return 0, errors.Wrap(err, "start command")
	}

	p.mu.Lock()
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.mu.Unlock()

	if err := p.cgroup.AddPID(p.cgroupName, p.pid); err != nil {
		p.logger.Warn("failed to enroll leader pid in cgroup", zap.Error(err))
	}

	p.applyAffinity()

	go p.wait(cmd, stdout, stderr, stdin)

	p.logger.Debug("process started", zap.Int("pid", p.pid))
	return p.pid, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

func (p *Process) buildCmd() (cmd *exec.Cmd, stdout, stderr, stdin *os.File, err error) {
	if len(p.cfg.CommandLine) == 0 {
		return nil, nil, nil, nil, errors.New("empty command line")
	}

	stdout, err = os.Create(p.cfg.StdoutPath)
	if err != nil {
		return nil, nil, nil, nil, errors.Wrap(err, "create stdout file")
	}
	stderr, err = os.Create(p.cfg.StderrPath)
	if err != nil {
		stdout.Close()
		return nil, nil, nil, nil, errors.Wrap(err, "create stderr file")
	}

	if p.cfg.StdinPath != "" {
		stdin, err = os.Open(p.cfg.StdinPath)
		if err != nil {
			stdout.Close()
			stderr.Close()
			return nil, nil, nil, nil, errors.Wrap(err, "open stdin file")
		}
	}

	cmd = exec.Command(p.cfg.CommandLine[0], p.cfg.CommandLine[1:]...)
	cmd.Dir = p.cfg.WorkDir
	cmd.Env = p.cfg.Env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if stdin != nil {
		cmd.Stdin = stdin
	}

	return cmd, stdout, stderr, stdin, nil
}

func (p *Process) applyCredential(cmd *exec.Cmd) error {
	if p.cfg.UserName == "" || p.cfg.UserName == "root" {
		return nil
	}

	u, err := user.Lookup(p.cfg.UserName)
	if err != nil {
		return errors.Wrapf(err, "lookup user %s", p.cfg.UserName)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return errors.Wrap(err, "parse uid")
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return errors.Wrap(err, "parse gid")
	}

	cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	return nil
}

// applyAffinity pins the leader pid to the configured CPU set. Best-effort:
// a failure here does not abort the task, only narrows its scheduling.
func (p *Process) applyAffinity() {
	if len(p.cfg.Affinity) == 0 {
		return
	}
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range p.cfg.Affinity {
		set.Set(cpu)
	}
	if err := unix.SchedSetaffinity(p.pid, &set); err != nil {
		p.logger.Warn("failed to set cpu affinity", zap.Ints("affinity", p.cfg.Affinity), zap.Error(err))
	}
}

// wait blocks for the leader to exit, reads a final statistics snapshot
// from the cgroup (Terminated true only if the cgroup is now empty of
// every pid, not merely the leader), destroys the cgroup, then invokes
// the exit callback exactly once. The cgroup is already gone by the time
// that callback runs.
func (p *Process) wait(cmd *exec.Cmd, files ...*os.File) {
	defer closeAll(files...)

	err := cmd.Wait()
	exitCode, message := exitCodeFromError(err)

	stats, statErr := p.statisticsLocked()
	if statErr != nil {
		p.logger.Warn("failed to read final cgroup statistics", zap.Error(statErr))
	}

	if err := p.cgroup.Destroy(p.cgroupName); err != nil {
		p.logger.Warn("failed to remove cgroup", zap.Error(err))
	}

	p.invokeExit(exitCode, message, stats)
}

func (p *Process) invokeExit(exitCode int, message string, stats Statistics) {
	p.exitOnce.Do(func() {
		if p.cfg.OnExit != nil {
			p.cfg.OnExit(exitCode, message, stats)
		}
	})
}

// exitCodeFromError mirrors the teacher's launch(): *exec.ExitError carries
// the real exit status; a signal-terminated child reports a negative exit
// code on some platforms, which we normalize to a descriptive message
// instead of trying to recover a "correct" positive code, since the spec
// only needs exitCode plus a human message, not POSIX-exact semantics.
func exitCodeFromError(err error) (exitCode int, message string) {
	if err == nil {
		return 0, ""
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return -int(status.Signal()), fmt.Sprintf("terminated by signal %s", status.Signal())
			}
			return status.ExitStatus(), ""
		}
		return exitErr.ExitCode(), exitErr.Error()
	}
	return -1, err.Error()
}

// Kill requests termination. If forced, every pid currently in the
// cgroup's tasks file is sent SIGKILL. Kill does not remove the cgroup:
// the waiter goroutine destroys it once cmd.Wait() observes the leader's
// exit, and then performs the single exit-callback invocation. If not forced, only the leader
// receives SIGTERM and escalation is the caller's (nodeagent's
// grace-period timer) responsibility. Idempotent.
func (p *Process) Kill(exitCode int, forced bool) error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return errors.New("process not started")
	}

	if !forced {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return errors.Wrap(err, "send sigterm")
		}
		return nil
	}

	var killErr error
	p.killOnce.Do(func() {
		p.forced = true
		pids, err := p.cgroup.Pids(p.cgroupName)
		if err != nil {
			p.logger.Warn("failed to list cgroup pids for forced kill", zap.Error(err))
		}
		if len(pids) == 0 {
			pids = []int{p.pid}
		}
		for _, pid := range pids {
			if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
				p.logger.Warn("sigkill failed", zap.Int("pid", pid), zap.Error(err))
			}
		}
	})
	return killErr
}

// Statistics returns a snapshot of CPU time, memory high-water, the
// current pid set, and whether the cgroup's tasks file is empty.
func (p *Process) Statistics() (Statistics, error) {
	return p.statisticsLocked()
}

func (p *Process) statisticsLocked() (Statistics, error) {
	pids, err := p.cgroup.Pids(p.cgroupName)
	if err != nil {
		return Statistics{}, err
	}
	cpu, err := p.cgroup.CPUTimeMicros(p.cgroupName)
	if err != nil {
		return Statistics{}, err
	}
	mem, err := p.cgroup.MemoryHighWaterBytes(p.cgroupName)
	if err != nil {
		return Statistics{}, err
	}
	return Statistics{
		CPUTimeMicros:        cpu,
		MemoryHighWaterBytes: mem,
		ProcessIDs:           pids,
		Terminated:           len(pids) == 0,
	}, nil
}

// PeekOutput returns the current tail of the stdout file, bounded in size.
const peekOutputMaxBytes = 4096

func (p *Process) PeekOutput() (string, error) {
	f, err := os.Open(p.cfg.StdoutPath)
	if err != nil {
		return "", errors.Wrap(err, "open stdout file")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", errors.Wrap(err, "stat stdout file")
	}

	size := info.Size()
	var start int64
	if size > peekOutputMaxBytes {
		start = size - peekOutputMaxBytes
	}
	if _, err := f.Seek(start, 0); err != nil {
		return "", errors.Wrap(err, "seek stdout file")
	}

	reader := bufio.NewReader(f)
	buf := make([]byte, size-start)
	if _, err := reader.Read(buf); err != nil && err.Error() != "EOF" {
		// partial reads are fine; a true failure would have surfaced above
	}
	return string(buf), nil
}
