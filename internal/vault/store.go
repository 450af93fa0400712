// Package vault persists checkpoints encrypted, integrity-protected and readable
// only by the principal that wrote them.
package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/runbook/internal/snapshot"
)

// DefaultLockTimeout bounds how long Save and Erase wait for the writer lock.
const DefaultLockTimeout = 5 * time.Second

var (
	// ErrNoCheckpoint is returned by Load when no checkpoint exists at the path.
	ErrNoCheckpoint = errors.New("no checkpoint found")

	// ErrLocked is returned when another writer holds the checkpoint lock.
	ErrLocked = errors.New("checkpoint is locked by another writer")

	// ErrStateCorruption matches every *StateCorruptionError.
	ErrStateCorruption = errors.New("checkpoint failed verification")

	errLockBusy = errors.New("lock busy")
)

// StateCorruptionError means a checkpoint exists but cannot be trusted.
// Resume must be refused.
type StateCorruptionError struct {
	Path   string
	Reason string
	Err    error
}

func (e *StateCorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %s: %v", ErrStateCorruption, e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v: %s: %s", ErrStateCorruption, e.Path, e.Reason)
}

func (e *StateCorruptionError) Unwrap() error {
	return e.Err
}

func (e *StateCorruptionError) Is(target error) bool {
	return target == ErrStateCorruption
}

func corrupt(path, reason string, err error) error {
	return &StateCorruptionError{Path: path, Reason: reason, Err: err}
}

// DefaultDir returns $XDG_STATE_HOME/runbook/checkpoints.
func DefaultDir() string {
	return filepath.Join(xdg.StateHome, "runbook", "checkpoints")
}

// Store reads and writes checkpoint envelopes in one directory.
type Store struct {
	dir         string
	secrets     SecretSource
	principal   snapshot.Principal
	lockTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithSecretSource replaces the per-user secret file.
func WithSecretSource(src SecretSource) Option {
	return func(s *Store) {
		s.secrets = src
	}
}

// WithPrincipal overrides the detected user and host.
func WithPrincipal(p snapshot.Principal) Option {
	return func(s *Store) {
		s.principal = p
	}
}

// WithLockTimeout sets how long writers wait for the lock. Zero means one attempt.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.lockTimeout = d
	}
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now for SavedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Store rooted at dir, or DefaultDir when dir is empty.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	s := &Store{
		dir:         dir,
		lockTimeout: DefaultLockTimeout,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.principal == (snapshot.Principal{}) {
		p, err := CurrentPrincipal()
		if err != nil {
			return nil, err
		}
		s.principal = p
	}
	if s.secrets == nil {
		s.secrets = NewFileSecretSource()
	}
	return s, nil
}

// Dir returns the checkpoint directory.
func (s *Store) Dir() string {
	return s.dir
}

// Principal returns the identity checkpoints are bound to.
func (s *Store) Principal() snapshot.Principal {
	return s.principal
}

// Path returns the well-known checkpoint location for a workflow.
func (s *Store) Path(workflowID string) string {
	return filepath.Join(s.dir, safeName(workflowID)+".checkpoint")
}

// safeName maps a workflow ID to a file name. IDs made only of safe
// characters are used as is; anything else is sanitised and suffixed with
// "~" and a hash of the raw ID, so distinct IDs never share a file.
func safeName(id string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
	if clean != "" && clean == id {
		return clean
	}
	sum := sha256.Sum256([]byte(id))
	return clean + "~" + hex.EncodeToString(sum[:4])
}

// Exists reports whether a checkpoint is present, i.e. whether a resume is available.
func (s *Store) Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// Save stamps snap with the saving principal and time, then writes it
// atomically to the workflow's path and returns that path.
func (s *Store) Save(ctx context.Context, snap *snapshot.Snapshot) (string, error) {
	if snap == nil || snap.Runtime == nil {
		return "", errors.New("save checkpoint: nil snapshot")
	}
	if snap.WorkflowID == "" {
		snap.WorkflowID = snap.Runtime.WorkflowID
	}
	snap.SchemaVersion = snapshot.SchemaVersion
	snap.SavedBy = s.principal
	snap.SavedAt = s.now().UTC()

	path := s.Path(snap.WorkflowID)
	if err := s.ensureDir(); err != nil {
		return "", err
	}

	lock, err := s.acquire(ctx, path)
	if err != nil {
		return "", err
	}
	defer lock.release()

	plaintext, err := snapshot.Encode(snap)
	if err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}
	k, err := s.keys()
	if err != nil {
		return "", err
	}
	envelope, err := seal(k, s.principal, plaintext)
	if err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}
	if err := writeAtomic(s.dir, path, envelope); err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}

	s.logger.Debug("checkpoint saved", "workflow", snap.WorkflowID, "path", path, "bytes", len(envelope))
	return path, nil
}

// Load reads and verifies the checkpoint at path. The integrity tag is checked
// before anything is decrypted; any failure is a *StateCorruptionError.
func (s *Store) Load(path string) (*snapshot.Snapshot, error) {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, corrupt(path, "stat", err)
	}
	if !info.Mode().IsRegular() {
		return nil, corrupt(path, "not a regular file", nil)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return nil, corrupt(path, fmt.Sprintf("accessible by other users (mode %v)", perm), nil)
	}
	if err := checkOwner(path); err != nil {
		return nil, corrupt(path, "ownership", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, corrupt(path, "read", err)
	}
	k, err := s.keys()
	if err != nil {
		return nil, err
	}
	plaintext, err := open(k, s.principal, data)
	if err != nil {
		return nil, corrupt(path, "envelope", err)
	}
	snap, err := snapshot.Decode(plaintext)
	if err != nil {
		return nil, corrupt(path, "document", err)
	}
	if snap.SavedBy != s.principal {
		return nil, corrupt(path, "saved by "+snap.SavedBy.String(), nil)
	}
	return snap, nil
}

// Erase overwrites the checkpoint with random bytes, then zeros, then deletes
// it. A missing checkpoint is not an error.
func (s *Store) Erase(path string) error {
	lock, err := s.acquire(context.Background(), path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer lock.release()

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("erase checkpoint: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("erase checkpoint: %w", err)
	}

	size := info.Size()
	for _, src := range []io.Reader{rand.Reader, zeros{}} {
		if err := overwrite(f, src, size); err != nil {
			f.Close()
			return fmt.Errorf("erase checkpoint: %w", err)
		}
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return fmt.Errorf("erase checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("erase checkpoint: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("erase checkpoint: %w", err)
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("erase checkpoint: %w", err)
	}

	s.logger.Debug("checkpoint erased", "path", path)
	return nil
}

func (s *Store) keys() (keys, error) {
	secret, err := s.secrets.Secret()
	if err != nil {
		return keys{}, fmt.Errorf("load checkpoint secret: %w", err)
	}
	return deriveKeys(secret, s.principal)
}

// ensureDir creates the checkpoint directory owner-only.
func (s *Store) ensureDir() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("stat checkpoint directory: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		if err := os.Chmod(s.dir, 0o700); err != nil {
			return fmt.Errorf("restrict checkpoint directory: %w", err)
		}
	}
	return nil
}

type fileLock struct {
	f *os.File
}

// acquire takes the writer lock for a checkpoint path, retrying with backoff
// until the lock timeout.
func (s *Store) acquire(ctx context.Context, path string) (*fileLock, error) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint lock: %w", err)
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if s.lockTimeout > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = 10 * time.Millisecond
		exp.MaxInterval = 250 * time.Millisecond
		exp.MaxElapsedTime = s.lockTimeout
		policy = exp
	}

	op := func() error {
		ok, err := tryLock(f)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errLockBusy
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		f.Close()
		if errors.Is(err, errLockBusy) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, err
	}
	return &fileLock{f: f}, nil
}

// release drops the lock. The lock file stays: removing it while held would
// let a waiter on the old inode and a newcomer on a fresh file both lock.
func (l *fileLock) release() {
	_ = unlock(l.f)
	_ = l.f.Close()
}

func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	ok = true
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func overwrite(f *os.File, src io.Reader, size int64) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := io.CopyN(f, src, size); err != nil {
		return err
	}
	return f.Sync()
}

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
