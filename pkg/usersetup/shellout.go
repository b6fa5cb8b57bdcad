package usersetup

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ShellOutUserManager implements OSUserManager by shelling out to useradd,
// ssh-keygen and direct file writes under the target user's home
// directory, matching the original's System:: helpers one for one.
type ShellOutUserManager struct{}

// NewShellOutUserManager constructs the default OSUserManager.
func NewShellOutUserManager() *ShellOutUserManager {
	return &ShellOutUserManager{}
}

const useraddExistsExitCode = 9

func (ShellOutUserManager) CreateUser(userName, password string, isAdmin bool) (bool, error) {
	args := []string{"-m"}
	if isAdmin {
		args = append(args, "-G", "sudo")
	}
	args = append(args, userName)

	cmd := exec.Command("useradd", args...)
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == useraddExistsExitCode {
			return true, nil
		}
		return false, errors.Wrapf(err, "useradd %s", userName)
	}

	if password != "" {
		chpasswd := exec.Command("chpasswd")
		chpasswd.Stdin = strings.NewReader(fmt.Sprintf("%s:%s\n", userName, password))
		if err := chpasswd.Run(); err != nil {
			return false, errors.Wrapf(err, "set password for %s", userName)
		}
	}

	return false, nil
}

func sshDir(userName string) (string, error) {
	u, err := user.Lookup(userName)
	if err != nil {
		return "", errors.Wrapf(err, "lookup user %s", userName)
	}
	dir := filepath.Join(u.HomeDir, ".ssh")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", errors.Wrap(err, "create .ssh directory")
	}
	return dir, nil
}

func (ShellOutUserManager) AddPrivateKey(userName, privateKey string) (string, error) {
	dir, err := sshDir(userName)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "id_rsa")
	if err := os.WriteFile(path, []byte(privateKey), 0600); err != nil {
		return "", errors.Wrap(err, "write id_rsa")
	}
	return path, nil
}

func (ShellOutUserManager) DerivePublicKey(privateKeyPath string) (string, error) {
	out, err := exec.Command("ssh-keygen", "-y", "-f", privateKeyPath).Output()
	if err != nil {
		return "", errors.Wrap(err, "ssh-keygen -y")
	}
	return strings.TrimSpace(string(out)), nil
}

func (ShellOutUserManager) AddPublicKey(userName, publicKey string) (string, error) {
	dir, err := sshDir(userName)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "id_rsa.pub")
	if err := os.WriteFile(path, []byte(publicKey), 0644); err != nil {
		return "", errors.Wrap(err, "write id_rsa.pub")
	}
	return path, nil
}

func (ShellOutUserManager) AddAuthorizedKey(userName, publicKey string) (string, error) {
	dir, err := sshDir(userName)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "authorized_keys")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return "", errors.Wrap(err, "open authorized_keys")
	}
	defer f.Close()
	if _, err := f.WriteString(publicKey + "\n"); err != nil {
		return "", errors.Wrap(err, "append authorized_keys")
	}
	return path, nil
}

func (ShellOutUserManager) RemovePrivateKey(userName string) error {
	dir, err := sshDir(userName)
	if err != nil {
		return err
	}
	return removeIfExists(filepath.Join(dir, "id_rsa"))
}

func (ShellOutUserManager) RemovePublicKey(userName string) error {
	dir, err := sshDir(userName)
	if err != nil {
		return err
	}
	return removeIfExists(filepath.Join(dir, "id_rsa.pub"))
}

// RemoveAuthorizedKey strips only the matching line rather than truncating
// the whole file, since other jobs may share the same account's
// authorized_keys.
func (ShellOutUserManager) RemoveAuthorizedKey(userName, publicKey string) error {
	dir, err := sshDir(userName)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "authorized_keys")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read authorized_keys")
	}

	lines := strings.Split(string(data), "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) != strings.TrimSpace(publicKey) {
			kept = append(kept, line)
		}
	}
	return os.WriteFile(path, []byte(strings.Join(kept, "\n")), 0600)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", path)
	}
	return nil
}
