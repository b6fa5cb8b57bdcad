package usersetup

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeUserManager lets InstallKeys's branching be tested without touching
// real OS accounts.
type fakeUserManager struct {
	failPrivate bool
	failPublic  bool
	failAuth    bool
	derived     string
	removed     []string
}

func (f *fakeUserManager) CreateUser(userName, password string, isAdmin bool) (bool, error) {
	return false, nil
}

func (f *fakeUserManager) AddPrivateKey(userName, privateKey string) (string, error) {
	if f.failPrivate {
		return "", errFake
	}
	return "/home/" + userName + "/.ssh/id_rsa", nil
}

func (f *fakeUserManager) DerivePublicKey(privateKeyPath string) (string, error) {
	return f.derived, nil
}

func (f *fakeUserManager) AddPublicKey(userName, publicKey string) (string, error) {
	if f.failPublic {
		return "", errFake
	}
	return "/home/" + userName + "/.ssh/id_rsa.pub", nil
}

func (f *fakeUserManager) AddAuthorizedKey(userName, publicKey string) (string, error) {
	if f.failAuth {
		return "", errFake
	}
	return "/home/" + userName + "/.ssh/authorized_keys", nil
}

func (f *fakeUserManager) RemovePrivateKey(userName string) error { f.removed = append(f.removed, "private"); return nil }
func (f *fakeUserManager) RemovePublicKey(userName string) error  { f.removed = append(f.removed, "public"); return nil }
func (f *fakeUserManager) RemoveAuthorizedKey(userName, publicKey string) error {
	f.removed = append(f.removed, "auth")
	return nil
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errFake = fakeErr("fake failure")

func TestInstallKeysAllSucceed(t *testing.T) {
	m := &fakeUserManager{}
	result, err := InstallKeys(m, "bob", "PRIVATE", "PUBLIC")
	require.NoError(t, err)
	require.True(t, result.PrivateKeyAdded)
	require.True(t, result.PublicKeyAdded)
	require.True(t, result.AuthKeyAdded)
	require.Equal(t, "PUBLIC", result.PublicKey)
}

func TestInstallKeysDerivesMissingPublicKey(t *testing.T) {
	m := &fakeUserManager{derived: "DERIVED"}
	result, err := InstallKeys(m, "bob", "PRIVATE", "")
	require.NoError(t, err)
	require.Equal(t, "DERIVED", result.PublicKey)
	require.True(t, result.AuthKeyAdded)
}

// TestInstallKeysStopsAtFirstFailure grounds the original's dependent
// booleans: a failed private-key install must short-circuit the rest.
func TestInstallKeysStopsAtFirstFailure(t *testing.T) {
	m := &fakeUserManager{failPrivate: true}
	result, err := InstallKeys(m, "bob", "PRIVATE", "PUBLIC")
	require.Error(t, err)
	require.False(t, result.PrivateKeyAdded)
	require.False(t, result.PublicKeyAdded)
	require.False(t, result.AuthKeyAdded)
}

func TestInstallKeysSkipsAuthWhenPublicFails(t *testing.T) {
	m := &fakeUserManager{failPublic: true}
	result, err := InstallKeys(m, "bob", "PRIVATE", "PUBLIC")
	require.NoError(t, err)
	require.True(t, result.PrivateKeyAdded)
	require.False(t, result.PublicKeyAdded)
	require.False(t, result.AuthKeyAdded)
}
