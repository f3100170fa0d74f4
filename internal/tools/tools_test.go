package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentsh/interlock/internal/fsguard"
	"github.com/agentsh/interlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScope(t *testing.T) {
	tests := []struct {
		tool string
		args Args
		want string
	}{
		{FSRead, Args{"path": "a.txt"}, "filesystem.read"},
		{FSWrite, Args{"path": "a.txt"}, "filesystem.write"},
		{ShellExec, Args{"command": "ls -la"}, "shell.ls -la"},
		{ShellExec, Args{"command": "  git status "}, "shell.git status"},
		{ShellExec, nil, "shell"},
		{"media.send", Args{"to": "x"}, "media.send"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Scope(tt.tool, tt.args), tt.tool)
	}
}

func TestPath(t *testing.T) {
	p, ok := Path(FSWrite, Args{"path": "tests/out.txt"})
	assert.True(t, ok)
	assert.Equal(t, "tests/out.txt", p)

	_, ok = Path(ShellExec, Args{"command": "ls"})
	assert.False(t, ok)
}

func TestRegistry_UnknownToolIsNotImplemented(t *testing.T) {
	r := NewRegistry()
	_, err := r.Invoke(context.Background(), "media.send", nil)
	require.ErrorIs(t, err, types.ErrToolNotImplemented)
	assert.Equal(t, "tool not implemented", types.SafeMessage(err))
}

func TestRegistry_RegisterAndNames(t *testing.T) {
	r := NewRegistry()
	echo := func(_ context.Context, args Args) (Result, error) { return Result{Output: args["msg"]}, nil }
	assert.False(t, r.Register("echo", echo))
	assert.True(t, r.Register("echo", echo))
	r.Register("alpha", echo)
	assert.Equal(t, []string{"alpha", "echo"}, r.Names())

	res, err := r.Invoke(context.Background(), "echo", Args{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, Result{Tool: "echo", Output: "hi"}, res)

	r.Unregister("echo")
	_, err = r.Invoke(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, types.ErrToolNotImplemented)
}

type memFS struct {
	files map[string]string
	err   error
}

func (m *memFS) ReadFile(_ context.Context, rel string) ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	return []byte(m.files[rel]), nil
}

func (m *memFS) WriteFile(_ context.Context, rel string, data []byte) error {
	if m.err != nil {
		return m.err
	}
	m.files[rel] = string(data)
	return nil
}

func TestRegisterFS(t *testing.T) {
	fsys := &memFS{files: map[string]string{}}
	r := NewRegistry()
	RegisterFS(r, fsys)
	ctx := context.Background()

	res, err := r.Invoke(ctx, FSWrite, Args{"path": "a.txt", "content": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "wrote 5 bytes", res.Output)

	res, err = r.Invoke(ctx, FSRead, Args{"path": "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Output)

	_, err = r.Invoke(ctx, FSRead, Args{})
	var argErr *ArgError
	require.True(t, errors.As(err, &argErr))
	assert.Equal(t, "missing argument path", types.SafeMessage(err))

	_, err = r.Invoke(ctx, FSWrite, Args{"path": "a.txt"})
	assert.Equal(t, "missing argument content", types.SafeMessage(err))

	fsys.err = types.ErrFilesystemPolicyViolation
	_, err = r.Invoke(ctx, FSRead, Args{"path": "a.txt"})
	assert.ErrorIs(t, err, types.ErrFilesystemPolicyViolation)
}

func TestRegisterFS_WithGuard(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "in.txt"), []byte("data"), 0o644))
	g, err := fsguard.New(root)
	require.NoError(t, err)

	r := NewRegistry()
	RegisterFS(r, g)

	_, err = r.Invoke(context.Background(), FSRead, Args{"path": "../../etc/passwd"})
	require.ErrorIs(t, err, types.ErrFilesystemPolicyViolation)
	assert.NotContains(t, types.SafeMessage(err), "passwd")
}
