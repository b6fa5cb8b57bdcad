package nodeagent

import (
	"context"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coin8086/whpc-linux-communicator/pkg/config"
	"github.com/coin8086/whpc-linux-communicator/pkg/monitor"
	"github.com/coin8086/whpc-linux-communicator/pkg/process"
)

// fakeLiveCgroup is an in-memory CgroupController that reflects whether
// its enrolled pids are actually still alive, so a test that sends a real
// signal to a real child process observes a real termination transition
// without touching /sys/fs/cgroup.
type fakeLiveCgroup struct {
	mu   sync.Mutex
	pids map[string][]int
}

func newFakeLiveCgroup() *fakeLiveCgroup {
	return &fakeLiveCgroup{pids: map[string][]int{}}
}

func (f *fakeLiveCgroup) Create(name string) error { return nil }

func (f *fakeLiveCgroup) AddPID(name string, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pids[name] = append(f.pids[name], pid)
	return nil
}

func (f *fakeLiveCgroup) Pids(name string) ([]int, error) {
	f.mu.Lock()
	candidates := append([]int(nil), f.pids[name]...)
	f.mu.Unlock()

	var alive []int
	for _, pid := range candidates {
		if err := syscall.Kill(pid, 0); err == nil {
			alive = append(alive, pid)
		}
	}

	f.mu.Lock()
	f.pids[name] = alive
	f.mu.Unlock()
	return alive, nil
}

func (f *fakeLiveCgroup) CPUTimeMicros(name string) (int64, error)        { return 0, nil }
func (f *fakeLiveCgroup) MemoryHighWaterBytes(name string) (int64, error) { return 0, nil }

func (f *fakeLiveCgroup) Destroy(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pids, name)
	return nil
}

// fakeUserManager is a minimal usersetup.OSUserManager for tests that
// never touches real OS accounts.
type fakeUserManager struct{}

func (fakeUserManager) CreateUser(userName, password string, isAdmin bool) (bool, error) {
	return false, nil
}
func (fakeUserManager) AddPrivateKey(userName, privateKey string) (string, error) { return "/key", nil }
func (fakeUserManager) DerivePublicKey(privateKeyPath string) (string, error)     { return "PUBKEY", nil }
func (fakeUserManager) AddPublicKey(userName, publicKey string) (string, error)  { return "/pub", nil }
func (fakeUserManager) AddAuthorizedKey(userName, publicKey string) (string, error) {
	return "/auth", nil
}
func (fakeUserManager) RemovePrivateKey(userName string) error          { return nil }
func (fakeUserManager) RemovePublicKey(userName string) error           { return nil }
func (fakeUserManager) RemoveAuthorizedKey(userName, publicKey string) error { return nil }

// fakeMPIScripts records calls instead of shelling out.
type fakeMPIScripts struct {
	mu      sync.Mutex
	started []int
	stopped []int
}

func (f *fakeMPIScripts) StartMpiContainer(taskID int, userName, dockerImage string, nvidia bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, taskID)
	return nil
}

func (f *fakeMPIScripts) StopMpiContainer(taskID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, taskID)
	return nil
}

// fakeCompletion records every posted completion event.
type fakeCompletion struct {
	mu     sync.Mutex
	events []CompletionEvent
	fail   bool
}

func (f *fakeCompletion) Send(ctx context.Context, uri string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errFakeSend
	}
	f.events = append(f.events, payload.(CompletionEvent))
	return nil
}

func (f *fakeCompletion) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type sendErr string

func (e sendErr) Error() string { return string(e) }

const errFakeSend = sendErr("send failed")

func newTestAgent(t *testing.T) *Agent {
	return New(Deps{
		UserManager: fakeUserManager{},
		Cgroup:      newFakeLiveCgroup(),
		MPIScripts:  &fakeMPIScripts{},
		ConfigStore: &config.MemStore{},
		Monitor:     monitor.New("test-node", "test-net", zap.NewNop()),
		Completion:  &fakeCompletion{},
		Logger:      zap.NewNop(),
	})
}

func startInfoWithCommand(t *testing.T, cmdline []string) StartInfo {
	dir := t.TempDir()
	return StartInfo{
		CommandLine:          cmdline,
		StdOutFile:           filepath.Join(dir, "stdout"),
		StdErrFile:           filepath.Join(dir, "stderr"),
		WorkDirectory:        dir,
		EnvironmentVariables: map[string]string{},
	}
}

// TestStartJobAndTaskThenNaturalExitReportsCompletion grounds S1: a task
// started via StartJobAndTask runs to completion and its exit callback
// removes the process and the table entry and posts exactly one
// completion event.
func TestStartJobAndTaskThenNaturalExitReportsCompletion(t *testing.T) {
	a := newTestAgent(t)
	completion := a.completion.(*fakeCompletion)

	err := a.StartJobAndTask(StartJobAndTaskArgs{
		JobID:     1,
		TaskID:    1,
		UserName:  "",
		StartInfo: startInfoWithCommand(t, []string{"/bin/sh", "-c", "exit 0"}),
	}, "http://example.invalid/callback")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return completion.count() == 1
	}, 5*time.Second, 20*time.Millisecond)

	a.mu.RLock()
	defer a.mu.RUnlock()
	require.Nil(t, a.table.GetTask(1, 1))
	require.Empty(t, a.processes)
}

// TestCompletionCallbackIsAttemptGuardedAgainstRequeue grounds S4: a
// late-arriving completion for a superseded attempt must not erase the
// task entry a requeue has already registered, and must not re-post.
func TestCompletionCallbackIsAttemptGuardedAgainstRequeue(t *testing.T) {
	a := newTestAgent(t)

	first, _ := a.table.AddJobAndTask(9, 1)

	// simulate a requeue racing ahead of the stale attempt's completion
	a.table.RemoveTask(9, 1, first.AttemptID)
	second, isNew := a.table.AddJobAndTask(9, 1)
	require.True(t, isNew)

	onExit := a.onTaskExit(first, "http://example.invalid/callback")
	onExit(0, "", process.Statistics{Terminated: true})

	a.mu.RLock()
	defer a.mu.RUnlock()
	require.Same(t, second, a.table.GetTask(9, 1), "the requeued attempt's TaskInfo must remain")
}
