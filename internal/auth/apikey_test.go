package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAPIKeysDefaultsAndRoles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
- id: admin
  key: AAA
  role: admin
- id: approver
  key: BBB
  role: approver
- id: bot
  key: DDD
  role: Agent
- id: empty-role
  key: CCC
- id: blank
  key: ""
`), 0o644))

	a, err := LoadAPIKeys(path, "")
	require.NoError(t, err)
	assert.Equal(t, "X-API-Key", a.HeaderName())

	tests := []struct {
		key  string
		role string
	}{
		{"AAA", RoleAdmin},
		{"BBB", RoleApprover},
		{"DDD", RoleAgent},
		{"CCC", RoleAdmin}, // defaults to admin when role empty
	}
	for _, tt := range tests {
		assert.True(t, a.IsAllowed(tt.key), tt.key)
		assert.Equal(t, tt.role, a.RoleForKey(tt.key), tt.key)
	}
	assert.False(t, a.IsAllowed("nope"))
	assert.False(t, a.IsAllowed(""))
	assert.Empty(t, a.RoleForKey("AA"))
}

func TestLoadAPIKeysErrors(t *testing.T) {
	_, err := LoadAPIKeys("", "")
	assert.Error(t, err)

	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.yml")
	require.NoError(t, os.WriteFile(empty, []byte("[]"), 0o644))
	_, err = LoadAPIKeys(empty, "")
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte("- key: X\n  role: root\n"), 0o644))
	_, err = LoadAPIKeys(bad, "")
	assert.ErrorContains(t, err, "unknown role")
}

func TestPermits(t *testing.T) {
	assert.True(t, Permits(RoleAdmin, RoleAgent))
	assert.True(t, Permits(RoleAdmin, RoleApprover))
	assert.True(t, Permits(RoleAgent, RoleAgent))
	assert.False(t, Permits(RoleAgent, RoleApprover))
	assert.False(t, Permits(RoleApprover, RoleAgent))
	assert.False(t, Permits("", RoleAgent))
}

func TestNilAuthHasNoRoles(t *testing.T) {
	var a *APIKeyAuth
	assert.Empty(t, a.RoleForKey("AAA"))
}

func TestKeys_IsACopy(t *testing.T) {
	a, err := NewAPIKeyAuth("", map[string]string{"k1": RoleAgent})
	require.NoError(t, err)

	keys := a.Keys()
	assert.Equal(t, map[string]string{"k1": RoleAgent}, keys)
	keys["k2"] = RoleAdmin
	assert.Empty(t, a.RoleForKey("k2"))
}
