package nodeagent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// recordingUserManager tracks which users had SSH material installed and
// removed, so tests can assert on the reverse-index refcounting without
// touching real OS accounts.
type recordingUserManager struct {
	removedPrivate []string
	removedPublic  []string
	removedAuth    []string
}

func (m *recordingUserManager) CreateUser(userName, password string, isAdmin bool) (bool, error) {
	return false, nil
}
func (m *recordingUserManager) AddPrivateKey(userName, privateKey string) (string, error) {
	return "/key", nil
}
func (m *recordingUserManager) DerivePublicKey(privateKeyPath string) (string, error) {
	return "PUBKEY", nil
}
func (m *recordingUserManager) AddPublicKey(userName, publicKey string) (string, error) {
	return "/pub", nil
}
func (m *recordingUserManager) AddAuthorizedKey(userName, publicKey string) (string, error) {
	return "/auth", nil
}
func (m *recordingUserManager) RemovePrivateKey(userName string) error {
	m.removedPrivate = append(m.removedPrivate, userName)
	return nil
}
func (m *recordingUserManager) RemovePublicKey(userName string) error {
	m.removedPublic = append(m.removedPublic, userName)
	return nil
}
func (m *recordingUserManager) RemoveAuthorizedKey(userName, publicKey string) error {
	m.removedAuth = append(m.removedAuth, userName)
	return nil
}

// TestEndJobRetainsSSHMaterialWhileAnotherJobSharesTheUser grounds
// Invariant 4: two jobs mapped onto the same OS account share its SSH
// material, and ending one of them must not remove it while the other
// job is still using that account.
func TestEndJobRetainsSSHMaterialWhileAnotherJobSharesTheUser(t *testing.T) {
	users := &recordingUserManager{}
	a := New(Deps{UserManager: users})

	a.jobUsers[10] = &JobUserRecord{UserName: "hpcshared", PrivateKeyAdded: true, PublicKeyAdded: true, AuthKeyAdded: true}
	a.jobUsers[11] = &JobUserRecord{UserName: "hpcshared", PrivateKeyAdded: true, PublicKeyAdded: true, AuthKeyAdded: true}
	a.userJobs["hpcshared"] = map[int]struct{}{10: {}, 11: {}}

	a.EndJob(EndJobArgs{JobID: 10})

	require.Empty(t, users.removedPrivate, "ssh material must be retained while job 11 still uses the account")
	require.Contains(t, a.userJobs, "hpcshared")
	require.NotContains(t, a.jobUsers, 10)
	require.Contains(t, a.jobUsers, 11)

	a.EndJob(EndJobArgs{JobID: 11})

	require.Equal(t, []string{"hpcshared"}, users.removedPrivate)
	require.Equal(t, []string{"hpcshared"}, users.removedPublic)
	require.Equal(t, []string{"hpcshared"}, users.removedAuth)
	require.NotContains(t, a.userJobs, "hpcshared", "the reverse index entry itself must be dropped once empty")
}

// TestEndJobNeverDeletesTheOSAccount grounds the retained-Open-Question
// resolution: even when a job's account cleanup removes all SSH
// material, EndJob never calls anything that deletes the OS account
// itself — there is no such method on OSUserManager for EndJob to call.
func TestEndJobNeverDeletesTheOSAccount(t *testing.T) {
	users := &recordingUserManager{}
	a := New(Deps{UserManager: users})

	a.jobUsers[20] = &JobUserRecord{UserName: "solouser", PrivateKeyAdded: true}
	a.userJobs["solouser"] = map[int]struct{}{20: {}}

	a.EndJob(EndJobArgs{JobID: 20})

	require.Equal(t, []string{"solouser"}, users.removedPrivate)
	require.NotContains(t, a.userJobs, "solouser")
}

// TestEndJobForceTerminatesEveryTaskInTheJob grounds EndJob's task-sweep:
// every task belonging to the job is reported exited with the job exit
// code in the returned summary.
func TestEndJobForceTerminatesEveryTaskInTheJob(t *testing.T) {
	a := newTestAgent(t)

	err := a.StartJobAndTask(StartJobAndTaskArgs{
		JobID:     30,
		TaskID:    1,
		StartInfo: startInfoWithCommand(t, []string{"/bin/sh", "-c", "sleep 30"}),
	}, "")
	require.NoError(t, err)

	summary := a.EndJob(EndJobArgs{JobID: 30})
	require.Equal(t, 30, summary.JobID)
	require.Len(t, summary.Tasks, 1)
	require.True(t, summary.Tasks[0].Exited)
	require.Equal(t, endJobExitCode, summary.Tasks[0].ExitCode)

	a.mu.RLock()
	defer a.mu.RUnlock()
	require.Nil(t, a.table.GetTask(30, 1))
	require.Empty(t, a.processes)
}
