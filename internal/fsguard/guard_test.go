//go:build unix

package fsguard

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/agentsh/interlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAuditor struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *recordingAuditor) Record(_ context.Context, ev types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

type env struct {
	root    string
	outside string
	guard   *Guard
	audit   *recordingAuditor
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "workspace")
	outside := filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("top secret"), 0o600))

	aud := &recordingAuditor{}
	all := append([]Option{
		WithAuditor(aud),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	g, err := New(root, all...)
	require.NoError(t, err)
	return &env{root: g.Root(), outside: outside, guard: g, audit: aud}
}

func (e *env) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(e.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func requireViolation(t *testing.T, err error, reason string) {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, types.ErrFilesystemPolicyViolation)
	var pv *PolicyViolationError
	require.True(t, errors.As(err, &pv))
	if reason != "" {
		assert.Equal(t, reason, pv.Reason)
	}
}

func TestReadFile_RoundTrip(t *testing.T) {
	e := newEnv(t)
	e.write(t, "notes/today.txt", "hello")

	b, err := e.guard.ReadFile(context.Background(), "notes/today.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	b, err = e.guard.ReadFile(context.Background(), filepath.Join(e.root, "notes", "today.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	b, err = e.guard.ReadFile(context.Background(), "notes/../notes/./today.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}

func TestReadFile_RejectsEscapes(t *testing.T) {
	e := newEnv(t)
	for _, p := range []string{
		"../../etc/passwd",
		"..",
		"../outside/secret.txt",
		"a/../../outside/secret.txt",
		"/etc/passwd",
		filepath.Join(e.outside, "secret.txt"),
	} {
		b, err := e.guard.ReadFile(context.Background(), p)
		assert.Nil(t, b, p)
		requireViolation(t, err, ReasonOutsideRoot)
	}
	assert.Len(t, e.audit.events, 6)
	assert.Equal(t, types.EventFSViolation, e.audit.events[0].Type)
	assert.Equal(t, "read", e.audit.events[0].Operation)
}

func TestCheck_RunsBeforeAnySyscall(t *testing.T) {
	e := newEnv(t)
	called := false
	e.guard.hooks.afterCheck = func(string) { called = true }

	_, err := e.guard.ReadFile(context.Background(), "../../etc/passwd")
	requireViolation(t, err, ReasonOutsideRoot)
	assert.False(t, called)

	_, err = e.guard.ReadFile(context.Background(), "")
	requireViolation(t, err, ReasonEmptyPath)
	_, err = e.guard.ReadFile(context.Background(), ".")
	requireViolation(t, err, ReasonNotRegular)
	_, err = e.guard.ReadFile(context.Background(), "a\x00b")
	requireViolation(t, err, ReasonOutsideRoot)
}

func TestReadFile_SymlinkOutsideIsNotFollowed(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.Symlink(filepath.Join(e.outside, "secret.txt"), filepath.Join(e.root, "link.txt")))

	b, err := e.guard.ReadFile(context.Background(), "link.txt")
	assert.Nil(t, b)
	requireViolation(t, err, ReasonSymlink)
	assert.NotContains(t, err.Error(), "top secret")
}

func TestReadFile_SymlinkedDirectoryIsNotFollowed(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.Symlink(e.outside, filepath.Join(e.root, "sub")))

	_, err := e.guard.ReadFile(context.Background(), "sub/secret.txt")
	requireViolation(t, err, "")
}

func TestReadFile_SymlinkInsideRootIsAlsoRejected(t *testing.T) {
	e := newEnv(t)
	e.write(t, "real.txt", "x")
	require.NoError(t, os.Symlink("real.txt", filepath.Join(e.root, "alias.txt")))

	_, err := e.guard.ReadFile(context.Background(), "alias.txt")
	requireViolation(t, err, ReasonSymlink)
}

func TestReadFile_SymlinkSwapAfterCheck(t *testing.T) {
	e := newEnv(t)
	e.write(t, "data.txt", "safe")
	e.guard.hooks.afterCheck = func(string) {
		p := filepath.Join(e.root, "data.txt")
		require.NoError(t, os.Remove(p))
		require.NoError(t, os.Symlink(filepath.Join(e.outside, "secret.txt"), p))
	}

	b, err := e.guard.ReadFile(context.Background(), "data.txt")
	assert.Nil(t, b)
	requireViolation(t, err, ReasonSymlink)
}

func TestReadFile_DirectorySwapAfterCheck(t *testing.T) {
	e := newEnv(t)
	e.write(t, "sub/secret.txt", "safe")
	e.guard.hooks.afterCheck = func(string) {
		p := filepath.Join(e.root, "sub")
		require.NoError(t, os.RemoveAll(p))
		require.NoError(t, os.Symlink(e.outside, p))
	}

	b, err := e.guard.ReadFile(context.Background(), "sub/secret.txt")
	assert.Nil(t, b)
	requireViolation(t, err, "")
}

func TestReadFile_SwapAfterOpenUsesHandle(t *testing.T) {
	e := newEnv(t)
	e.write(t, "data.txt", "safe")
	e.guard.hooks.afterOpen = func(string) {
		p := filepath.Join(e.root, "data.txt")
		require.NoError(t, os.Remove(p))
		require.NoError(t, os.Symlink(filepath.Join(e.outside, "secret.txt"), p))
	}

	// The removed file's link count drops to zero but its descriptor still
	// reads the original content.
	b, err := e.guard.ReadFile(context.Background(), "data.txt")
	require.NoError(t, err)
	assert.Equal(t, "safe", string(b))
}

func TestReadFile_SizeCeiling(t *testing.T) {
	e := newEnv(t, WithMaxReadBytes(16))
	e.write(t, "small.txt", strings.Repeat("a", 16))
	e.write(t, "big.txt", strings.Repeat("a", 17))

	b, err := e.guard.ReadFile(context.Background(), "small.txt")
	require.NoError(t, err)
	assert.Len(t, b, 16)

	b, err = e.guard.ReadFile(context.Background(), "big.txt")
	assert.Nil(t, b, "oversized files are rejected, not truncated")
	requireViolation(t, err, ReasonTooLarge)
}

func TestReadFile_DefaultCeiling(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, int64(1<<20), e.guard.MaxReadBytes())
	e.write(t, "big.bin", strings.Repeat("x", 1<<20+1))
	_, err := e.guard.ReadFile(context.Background(), "big.bin")
	requireViolation(t, err, ReasonTooLarge)
}

func TestReadFile_NonRegular(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.MkdirAll(filepath.Join(e.root, "dir"), 0o755))
	_, err := e.guard.ReadFile(context.Background(), "dir")
	requireViolation(t, err, ReasonNotRegular)
}

func TestReadFile_HardLinkRejected(t *testing.T) {
	e := newEnv(t)
	e.write(t, "a.txt", "x")
	require.NoError(t, os.Link(filepath.Join(e.root, "a.txt"), filepath.Join(e.root, "b.txt")))
	_, err := e.guard.ReadFile(context.Background(), "b.txt")
	requireViolation(t, err, ReasonHardLink)
}

func TestReadFile_NotFound(t *testing.T) {
	e := newEnv(t)
	_, err := e.guard.ReadFile(context.Background(), "missing.txt")
	require.Error(t, err)
	assert.NotErrorIs(t, err, types.ErrFilesystemPolicyViolation)
	assert.Equal(t, "read failed: file does not exist", types.SafeMessage(err))
	assert.Empty(t, e.audit.events)
}

func TestWriteFile_CreatesAndReplaces(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.guard.WriteFile(ctx, "out.txt", []byte("v1")))
	require.NoError(t, e.guard.WriteFile(ctx, "out.txt", []byte("v2")))
	got, err := os.ReadFile(filepath.Join(e.root, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
	assertNoTempFiles(t, e.root)
}

func TestWriteFile_KeepsMode(t *testing.T) {
	e := newEnv(t)
	p := filepath.Join(e.root, "run.sh")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.Chmod(p, 0o755))

	require.NoError(t, e.guard.WriteFile(context.Background(), "run.sh", []byte("#!/bin/sh\necho hi\n")))
	info, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestWriteFile_RejectsEscapesAndSymlinks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	requireViolation(t, e.guard.WriteFile(ctx, "../outside/secret.txt", []byte("pwned")), ReasonOutsideRoot)

	require.NoError(t, os.Symlink(filepath.Join(e.outside, "secret.txt"), filepath.Join(e.root, "link.txt")))
	requireViolation(t, e.guard.WriteFile(ctx, "link.txt", []byte("pwned")), ReasonSymlink)

	require.NoError(t, os.Symlink(e.outside, filepath.Join(e.root, "sub")))
	requireViolation(t, e.guard.WriteFile(ctx, "sub/secret.txt", []byte("pwned")), "")

	got, err := os.ReadFile(filepath.Join(e.outside, "secret.txt"))
	require.NoError(t, err)
	assert.Equal(t, "top secret", string(got))
	assertNoTempFiles(t, e.root)
}

func TestWriteFile_RenameFailurePreservesOldContent(t *testing.T) {
	e := newEnv(t)
	e.write(t, "config.yaml", "old: true\n")
	e.guard.hooks.renameat = func(int, string, int, string) error { return errors.New("injected rename failure") }

	err := e.guard.WriteFile(context.Background(), "config.yaml", []byte("new: true\n"))
	require.Error(t, err)
	var opErr *OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, ReasonReplaceFailed, opErr.Reason)
	assert.Equal(t, "write failed: atomic replace failed", types.SafeMessage(err))

	got, rerr := os.ReadFile(filepath.Join(e.root, "config.yaml"))
	require.NoError(t, rerr)
	assert.Equal(t, "old: true\n", string(got))
	assertNoTempFiles(t, e.root)

	require.Len(t, e.audit.events, 1)
	assert.Equal(t, ReasonReplaceFailed, e.audit.events[0].Reason)
}

func TestWriteFile_RenameFailureLeavesAbsentFileAbsent(t *testing.T) {
	e := newEnv(t)
	e.guard.hooks.renameat = func(int, string, int, string) error { return errors.New("injected") }

	require.Error(t, e.guard.WriteFile(context.Background(), "new.txt", []byte("data")))
	_, err := os.Stat(filepath.Join(e.root, "new.txt"))
	assert.True(t, os.IsNotExist(err))
	assertNoTempFiles(t, e.root)
}

func TestWriteFile_SymlinkSwapOfParentAfterCheck(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.MkdirAll(filepath.Join(e.root, "sub"), 0o755))
	e.guard.hooks.afterCheck = func(string) {
		p := filepath.Join(e.root, "sub")
		require.NoError(t, os.RemoveAll(p))
		require.NoError(t, os.Symlink(e.outside, p))
	}

	requireViolation(t, e.guard.WriteFile(context.Background(), "sub/secret.txt", []byte("pwned")), "")
	got, err := os.ReadFile(filepath.Join(e.outside, "secret.txt"))
	require.NoError(t, err)
	assert.Equal(t, "top secret", string(got))
}

func TestWriteFile_MissingParent(t *testing.T) {
	e := newEnv(t)
	err := e.guard.WriteFile(context.Background(), "no/such/dir.txt", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, "write failed: parent directory does not exist", types.SafeMessage(err))
}

func TestSafeMessage_DoesNotLeakPaths(t *testing.T) {
	e := newEnv(t)
	_, err := e.guard.ReadFile(context.Background(), filepath.Join(e.outside, "secret.txt"))
	msg := types.SafeMessage(err)
	assert.Equal(t, "filesystem policy violation: path is outside the workspace", msg)
	assert.NotContains(t, msg, e.outside)
}

func TestNew_RequiresDirectory(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, nil, 0o600))
	_, err = New(f)
	assert.Error(t, err)
}

func TestNew_CanonicalizesRoot(t *testing.T) {
	base := t.TempDir()
	target := filepath.Join(base, "real")
	require.NoError(t, os.MkdirAll(target, 0o755))
	require.NoError(t, os.Symlink(target, filepath.Join(base, "alias")))

	g, err := New(filepath.Join(base, "alias"))
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)
	assert.Equal(t, want, g.Root())
}

func TestConcurrentWritesNeverMix(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := bytes.Repeat([]byte("a"), 64*1024)
	b := bytes.Repeat([]byte("b"), 64*1024)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data := a
			if i%2 == 1 {
				data = b
			}
			assert.NoError(t, e.guard.WriteFile(ctx, "shared.bin", data))
		}(i)
	}
	wg.Wait()

	got, err := e.guard.ReadFile(ctx, "shared.bin")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(got, a) || bytes.Equal(got, b))
	assertNoTempFiles(t, e.root)
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	_ = filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err == nil && strings.Contains(d.Name(), ".tmp-") {
			t.Errorf("leftover temp file %s", p)
		}
		return nil
	})
}
