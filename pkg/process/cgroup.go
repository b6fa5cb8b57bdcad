package process

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CgroupController is the external collaborator for per-task cgroup file
// I/O (§1, §6): creating the per-task cgroup, enrolling and listing its
// member pids, and tearing it down. Process owns the policy of *when*
// these happen (§4.4); CgroupController owns the raw filesystem access,
// so tests can swap in a fake without touching /sys/fs/cgroup.
type CgroupController interface {
	// Create makes the per-task cgroup under the cpu,cpuacct (and memory)
	// controllers. Idempotent if it already exists.
	Create(name string) error
	// AddPID enrolls pid into the cgroup's tasks file.
	AddPID(name string, pid int) error
	// Pids returns the current member pids, read from the tasks file.
	Pids(name string) ([]int, error)
	// CPUTimeMicros returns cumulative CPU time consumed by the cgroup.
	CPUTimeMicros(name string) (int64, error)
	// MemoryHighWaterBytes returns the cgroup's peak memory usage.
	MemoryHighWaterBytes(name string) (int64, error)
	// Destroy removes the cgroup directory. Safe to call on an
	// already-removed or never-created cgroup.
	Destroy(name string) error
}

// linuxCgroup implements CgroupController against
// /sys/fs/cgroup/<controller>/nmgroup_<name>, matching the path the spec's
// §6 filesystem list and the original's GracePeriodElapsed debug branch
// both hard-code (nmgroup_Task_<taskId>_<requeue>/tasks).
type linuxCgroup struct {
	cpuRoot string
	memRoot string
}

func newLinuxCgroup() *linuxCgroup {
	return &linuxCgroup{
		cpuRoot: "/sys/fs/cgroup/cpu,cpuacct",
		memRoot: "/sys/fs/cgroup/memory",
	}
}

func (c *linuxCgroup) cpuDir(name string) string { return filepath.Join(c.cpuRoot, "nmgroup_"+name) }
func (c *linuxCgroup) memDir(name string) string { return filepath.Join(c.memRoot, "nmgroup_"+name) }

func (c *linuxCgroup) Create(name string) error {
	if err := os.MkdirAll(c.cpuDir(name), 0755); err != nil {
		return errors.Wrap(err, "create cpu,cpuacct cgroup")
	}
	// The memory controller is best-effort: some hosts run cgroup v2 with
	// a unified hierarchy where this path doesn't exist. Statistics reads
	// from it degrade to zero rather than failing Create.
	_ = os.MkdirAll(c.memDir(name), 0755)
	return nil
}

func (c *linuxCgroup) AddPID(name string, pid int) error {
	f, err := os.OpenFile(filepath.Join(c.cpuDir(name), "tasks"), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrap(err, "open cgroup tasks file")
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(pid)); err != nil {
		return errors.Wrap(err, "enroll pid in cgroup")
	}

	// best-effort mirror into the memory controller
	if mf, err := os.OpenFile(filepath.Join(c.memDir(name), "tasks"), os.O_WRONLY|os.O_APPEND, 0644); err == nil {
		mf.WriteString(strconv.Itoa(pid))
		mf.Close()
	}

	return nil
}

func (c *linuxCgroup) Pids(name string) ([]int, error) {
	f, err := os.Open(filepath.Join(c.cpuDir(name), "tasks"))
	if os.IsNotExist(err) {
		// The cgroup has already been torn down: treat it as empty rather
		// than an error so a post-kill statistics read reports terminated.
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open cgroup tasks file")
	}
	defer f.Close()

	var pids []int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, scanner.Err()
}

func (c *linuxCgroup) CPUTimeMicros(name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(c.cpuDir(name), "cpuacct.usage"))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "read cpuacct.usage")
	}
	nanos, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse cpuacct.usage")
	}
	return nanos / 1000, nil
}

func (c *linuxCgroup) MemoryHighWaterBytes(name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(c.memDir(name), "memory.max_usage_in_bytes"))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "read memory.max_usage_in_bytes")
	}
	bytes, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse memory.max_usage_in_bytes")
	}
	return bytes, nil
}

func (c *linuxCgroup) Destroy(name string) error {
	if err := os.RemoveAll(c.cpuDir(name)); err != nil {
		return errors.Wrap(err, "remove cpu,cpuacct cgroup")
	}
	os.RemoveAll(c.memDir(name))
	return nil
}

// cgroupName derives the per-task cgroup's directory suffix, matching the
// original's "Task_<taskId>_<requeue>" naming under nmgroup_.
func cgroupName(label string, taskID, requeueCount int) string {
	return fmt.Sprintf("%s_%d_%d", label, taskID, requeueCount)
}
