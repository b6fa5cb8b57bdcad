// Package usersetup creates per-job OS-level user accounts and installs
// the SSH key material a task needs to submit nested jobs back into the
// cluster, grounded on the System::CreateUser/AddSshKey/AddAuthorizedKey
// shell-out conventions of the original core.
package usersetup

// OSUserManager is the external collaborator for account and SSH-key
// provisioning. nodeagent calls it under its own lock (§5); OSUserManager
// itself holds no state about jobs or tasks.
type OSUserManager interface {
	// CreateUser creates userName if it does not already exist. existed
	// reports whether the account was already present (a useradd exit
	// code of 9 in the original, "user already exists").
	CreateUser(userName, password string, isAdmin bool) (existed bool, err error)
	// AddPrivateKey installs privateKey as ~userName/.ssh/id_rsa. Returns
	// the path it was written to.
	AddPrivateKey(userName, privateKey string) (path string, err error)
	// DerivePublicKey shells out to ssh-keygen to recover the public key
	// from a private key file, for the case where the caller didn't
	// supply one directly.
	DerivePublicKey(privateKeyPath string) (publicKey string, err error)
	// AddPublicKey installs publicKey as ~userName/.ssh/id_rsa.pub.
	AddPublicKey(userName, publicKey string) (path string, err error)
	// AddAuthorizedKey appends publicKey to ~userName/.ssh/authorized_keys.
	AddAuthorizedKey(userName, publicKey string) (path string, err error)
	// RemovePrivateKey, RemovePublicKey, RemoveAuthorizedKey undo the
	// corresponding Add calls. They are idempotent.
	RemovePrivateKey(userName string) error
	RemovePublicKey(userName string) error
	RemoveAuthorizedKey(userName, publicKey string) error
}

// KeyInstallResult records which of the three SSH-key artifacts were
// successfully installed, mirroring the original's three independent
// booleans (privateKeyAdded, publicKeyAdded, authKeyAdded) — each step
// depends on the one before it having succeeded.
type KeyInstallResult struct {
	PrivateKeyAdded bool
	PublicKeyAdded  bool
	AuthKeyAdded    bool
	PublicKey       string // recovered via DerivePublicKey if the caller supplied none
}

// InstallKeys runs the three-step private/public/authorized-key install,
// short-circuiting at the first failure exactly like the original: public
// key installation only attempted if the private key succeeded, and the
// authorized-key append only attempted if both succeeded.
func InstallKeys(m OSUserManager, userName, privateKey, publicKey string) (KeyInstallResult, error) {
	var result KeyInstallResult

	privatePath, err := m.AddPrivateKey(userName, privateKey)
	if err != nil {
		return result, err
	}
	result.PrivateKeyAdded = true

	if publicKey == "" {
		derived, err := m.DerivePublicKey(privatePath)
		if err != nil {
			// Matches the original: a failed key recovery is not fatal
			// to the overall task start; the public key is left empty.
			derived = ""
		}
		publicKey = derived
	}
	result.PublicKey = publicKey

	if _, err := m.AddPublicKey(userName, publicKey); err != nil {
		return result, nil
	}
	result.PublicKeyAdded = true

	if _, err := m.AddAuthorizedKey(userName, publicKey); err != nil {
		return result, nil
	}
	result.AuthKeyAdded = true

	return result, nil
}
