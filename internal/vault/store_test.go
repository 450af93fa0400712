package vault

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/runbook/internal/gate"
	"github.com/aristath/runbook/internal/sandbox"
	"github.com/aristath/runbook/internal/scheduler"
	"github.com/aristath/runbook/internal/snapshot"
)

var (
	testSecret    = StaticSecret(bytes.Repeat([]byte{0x42}, 32))
	testPrincipal = snapshot.Principal{User: "ops", Host: "db01"}
	testNow       = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	base := []Option{
		WithSecretSource(testSecret),
		WithPrincipal(testPrincipal),
		WithClock(func() time.Time { return testNow }),
		WithLockTimeout(50 * time.Millisecond),
	}
	s, err := New(filepath.Join(t.TempDir(), "checkpoints"), append(base, opts...)...)
	require.NoError(t, err)
	return s
}

func scenarioSnapshot() *snapshot.Snapshot {
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &snapshot.Snapshot{
		WorkflowID: "maintenance",
		Runtime: &scheduler.WorkflowRuntime{
			WorkflowID:   "maintenance",
			RunID:        "run-7",
			CurrentIndex: 1,
			Status:       scheduler.WorkflowRunning,
			StartedAt:    started,
			Results:      map[string]string{"backup_id": "b-17"},
			Tasks: []*scheduler.TaskRuntimeState{
				{
					Name:      "A",
					Status:    scheduler.TaskCompleted,
					Progress:  100,
					Output:    []sandbox.OutputLine{{Level: sandbox.LevelInfo, Text: "secret-ish output", Time: started}},
					StartedAt: started,
					EndedAt:   started.Add(time.Minute),
					Attempts:  1,
				},
				{Name: "B", Status: scheduler.TaskPendingReboot, Progress: 30, SuspendReason: "needs restart", Attempts: 1},
				{Name: "C", Status: scheduler.TaskNotStarted},
				{
					Name:   "D",
					Status: scheduler.TaskNotStarted,
					Approval: &gate.Decision{
						Action: gate.ActionApprove, DecidedBy: "bob", DecidedAt: started,
					},
				},
			},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	snap := scenarioSnapshot()

	path, err := s.Save(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, s.Path("maintenance"), path)
	assert.True(t, s.Exists(path))
	assert.Equal(t, testPrincipal, snap.SavedBy)
	assert.Equal(t, testNow, snap.SavedAt)

	loaded, err := s.Load(path)
	require.NoError(t, err)
	assert.Equal(t, snap, loaded)

	// Randomised nonce: same content, different ciphertext
	first, err := os.ReadFile(path)
	require.NoError(t, err)
	_, err = s.Save(context.Background(), scenarioSnapshot())
	require.NoError(t, err)
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	assert.NotContains(t, string(first), "secret-ish output")
}

func TestSavedFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX permissions")
	}
	s := newTestStore(t)
	path, err := s.Save(context.Background(), scenarioSnapshot())
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	dir, err := os.Stat(s.Dir())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), dir.Mode().Perm())

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "temporary file left behind")
	}

	// A world-readable checkpoint is refused
	require.NoError(t, os.Chmod(path, 0o644))
	_, err = s.Load(path)
	assert.ErrorIs(t, err, ErrStateCorruption)
}

func TestTamperEveryByte(t *testing.T) {
	s := newTestStore(t)
	path, err := s.Save(context.Background(), scenarioSnapshot())
	require.NoError(t, err)

	original, err := os.ReadFile(path)
	require.NoError(t, err)

	for _, mask := range []byte{0x01, 0xff} {
		for i := range original {
			tampered := bytes.Clone(original)
			tampered[i] ^= mask
			require.NoError(t, os.WriteFile(path, tampered, 0o600))

			snap, err := s.Load(path)
			if !errors.Is(err, ErrStateCorruption) {
				t.Fatalf("flip byte %d with %#x: expected StateCorruptionError, got snap=%v err=%v", i, mask, snap != nil, err)
			}
			assert.Nil(t, snap)
		}
	}

	// Truncation and extension are tampering too
	for _, data := range [][]byte{original[:len(original)-1], append(bytes.Clone(original), 'x'), {}} {
		require.NoError(t, os.WriteFile(path, data, 0o600))
		_, err := s.Load(path)
		assert.ErrorIs(t, err, ErrStateCorruption)
	}
}

func TestLoadBoundToPrincipalAndSecret(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	writer, err := New(dir, WithSecretSource(testSecret), WithPrincipal(testPrincipal))
	require.NoError(t, err)
	path, err := writer.Save(context.Background(), scenarioSnapshot())
	require.NoError(t, err)

	tests := []struct {
		name string
		opts []Option
	}{
		{
			name: "other user",
			opts: []Option{WithSecretSource(testSecret), WithPrincipal(snapshot.Principal{User: "mallory", Host: "db01"})},
		},
		{
			name: "other host",
			opts: []Option{WithSecretSource(testSecret), WithPrincipal(snapshot.Principal{User: "ops", Host: "db02"})},
		},
		{
			name: "other secret",
			opts: []Option{WithSecretSource(StaticSecret(bytes.Repeat([]byte{7}, 32))), WithPrincipal(testPrincipal)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader, err := New(dir, tt.opts...)
			require.NoError(t, err)
			_, err = reader.Load(path)
			var cerr *StateCorruptionError
			require.True(t, errors.As(err, &cerr), "expected *StateCorruptionError, got %v", err)
			assert.Equal(t, path, cerr.Path)
		})
	}
}

func TestEraseThenLoad(t *testing.T) {
	s := newTestStore(t)
	path, err := s.Save(context.Background(), scenarioSnapshot())
	require.NoError(t, err)

	require.NoError(t, s.Erase(path))
	assert.False(t, s.Exists(path))

	_, err = s.Load(path)
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	// Missing file and missing directory are both fine
	require.NoError(t, s.Erase(path))
	require.NoError(t, s.Erase(filepath.Join(t.TempDir(), "nowhere", "x.checkpoint")))
}

func TestLoadMissing(t *testing.T) {
	s := newTestStore(t)
	snap, err := s.Load(s.Path("never-saved"))
	assert.Nil(t, snap)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
	assert.NotErrorIs(t, err, ErrStateCorruption)
}

func TestSaveLocked(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("flock")
	}
	s := newTestStore(t)
	path := s.Path("maintenance")
	require.NoError(t, s.ensureDir())

	held, err := s.acquire(context.Background(), path)
	require.NoError(t, err)

	_, err = s.Save(context.Background(), scenarioSnapshot())
	assert.ErrorIs(t, err, ErrLocked)

	held.release()
	_, err = s.Save(context.Background(), scenarioSnapshot())
	assert.NoError(t, err)
}

func TestSaveLockRespectsContext(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("flock")
	}
	s := newTestStore(t, WithLockTimeout(time.Minute))
	path := s.Path("maintenance")
	require.NoError(t, s.ensureDir())

	held, err := s.acquire(context.Background(), path)
	require.NoError(t, err)
	defer held.release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Save(ctx, scenarioSnapshot())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPathIsSanitised(t *testing.T) {
	s := newTestStore(t)
	p := s.Path("../../etc/passwd")
	assert.Equal(t, s.Dir(), filepath.Dir(p))
	assert.True(t, strings.HasPrefix(filepath.Base(p), ".._.._etc_passwd~"), filepath.Base(p))
	assert.Equal(t, "kernel-upgrade.checkpoint", filepath.Base(s.Path("kernel-upgrade")))
	assert.NotEqual(t, "_.checkpoint", filepath.Base(s.Path("")))
}

func TestPathKeepsDistinctIDsApart(t *testing.T) {
	s := newTestStore(t)
	ids := []string{"a/b", "a_b", "a b", "a:b", "_", "", "a_b~00000000"}
	seen := make(map[string]string, len(ids))
	for _, id := range ids {
		p := s.Path(id)
		if prev, ok := seen[p]; ok {
			t.Errorf("%q and %q share checkpoint %s", prev, id, p)
		}
		seen[p] = id
	}
}

func TestEraseKeepsLockExclusive(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("flock")
	}
	s := newTestStore(t)
	path, err := s.Save(context.Background(), scenarioSnapshot())
	require.NoError(t, err)

	// A second writer opened the lock file and is waiting while Erase runs
	waiter, err := os.OpenFile(path+".lock", os.O_RDWR, 0)
	require.NoError(t, err)
	defer waiter.Close()

	require.NoError(t, s.Erase(path))

	ok, err := tryLock(waiter)
	require.NoError(t, err)
	require.True(t, ok, "waiter should get the lock once Erase is done")
	defer unlock(waiter)

	// A newcomer must contend for the same lock, not a fresh file
	_, err = s.Save(context.Background(), scenarioSnapshot())
	assert.ErrorIs(t, err, ErrLocked)
}

func TestFileSecretSource(t *testing.T) {
	dir := t.TempDir()
	machineID := filepath.Join(dir, "machine-id")
	require.NoError(t, os.WriteFile(machineID, []byte("abc123\n"), 0o644))

	src := &FileSecretSource{Path: filepath.Join(dir, "cfg", "secret.key"), MachineIDPath: []string{machineID}}
	first, err := src.Secret()
	require.NoError(t, err)
	assert.Len(t, first, secretSize+len("abc123"))
	assert.True(t, bytes.HasSuffix(first, []byte("abc123")))

	second, err := src.Secret()
	require.NoError(t, err)
	assert.Equal(t, first, second, "secret must be stable across calls")

	if runtime.GOOS != "windows" {
		info, err := os.Stat(src.Path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

		require.NoError(t, os.Chmod(src.Path, 0o644))
		_, err = src.Secret()
		assert.Error(t, err, "world-readable secret must be refused")
	}

	_, err = StaticSecret(nil).Secret()
	assert.Error(t, err)
}
