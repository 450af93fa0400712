package vault

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
)

const secretSize = 32

// SecretSource supplies the per-user key material checkpoints are sealed with.
type SecretSource interface {
	Secret() ([]byte, error)
}

// StaticSecret is a fixed secret, mainly for tests.
type StaticSecret []byte

func (s StaticSecret) Secret() ([]byte, error) {
	if len(s) == 0 {
		return nil, errors.New("empty static secret")
	}
	return bytes.Clone(s), nil
}

// FileSecretSource keeps a random secret in a file only the owner can read,
// bound to the machine identity. A copied secret file is useless on another
// machine.
type FileSecretSource struct {
	Path          string
	MachineIDPath []string // Candidates, first readable wins
}

// DefaultSecretPath returns $XDG_CONFIG_HOME/runbook/secret.key.
func DefaultSecretPath() string {
	return filepath.Join(xdg.ConfigHome, "runbook", "secret.key")
}

// NewFileSecretSource returns a source at the default per-user location.
func NewFileSecretSource() *FileSecretSource {
	return &FileSecretSource{
		Path:          DefaultSecretPath(),
		MachineIDPath: []string{"/etc/machine-id", "/var/lib/dbus/machine-id"},
	}
}

// Secret returns the file secret followed by the machine id, creating the
// secret on first use.
func (f *FileSecretSource) Secret() ([]byte, error) {
	secret, err := f.loadOrCreate()
	if err != nil {
		return nil, err
	}
	return append(secret, f.machineID()...), nil
}

func (f *FileSecretSource) loadOrCreate() ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	switch {
	case err == nil:
		info, statErr := os.Stat(f.Path)
		if statErr != nil {
			return nil, fmt.Errorf("stat secret: %w", statErr)
		}
		if info.Mode().Perm()&0o077 != 0 {
			return nil, fmt.Errorf("secret %s is accessible by other users (mode %v)", f.Path, info.Mode().Perm())
		}
		if len(data) != secretSize {
			return nil, fmt.Errorf("secret %s has unexpected length %d", f.Path, len(data))
		}
		return data, nil
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read secret: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create secret directory: %w", err)
	}
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	// O_EXCL so two first runs cannot both create a secret
	file, err := os.OpenFile(f.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return f.loadOrCreate()
	}
	if err != nil {
		return nil, fmt.Errorf("create secret: %w", err)
	}
	if _, err := file.Write(secret); err != nil {
		file.Close()
		return nil, fmt.Errorf("write secret: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("sync secret: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("close secret: %w", err)
	}
	return secret, nil
}

func (f *FileSecretSource) machineID() []byte {
	for _, p := range f.MachineIDPath {
		if data, err := os.ReadFile(p); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return []byte(id)
			}
		}
	}
	host, _ := os.Hostname()
	return []byte(host)
}
