package coordinator

import (
	"fmt"
	"slices"

	"github.com/agentsh/interlock/internal/config"
	"github.com/agentsh/interlock/internal/tools"
)

// Role is the profile a sub-agent is spawned with.
type Role struct {
	Tools       []string
	ScopePrefix string
	PathPrefix  string
}

// DefaultRoles are available unless config overrides them by name.
func DefaultRoles() map[string]Role {
	return map[string]Role{
		"reader": {
			Tools:       []string{tools.FSRead},
			ScopePrefix: "filesystem.read",
		},
		"qa": {
			Tools:       []string{tools.FSRead, tools.FSWrite},
			ScopePrefix: "filesystem",
			PathPrefix:  "tests",
		},
		"coder": {
			Tools:       []string{tools.FSRead, tools.FSWrite},
			ScopePrefix: "filesystem",
		},
		"operator": {
			Tools:       []string{tools.ShellExec},
			ScopePrefix: "shell",
		},
	}
}

// RolesFromConfig merges configured roles over the defaults.
func RolesFromConfig(cfg map[string]config.RoleConfig) (map[string]Role, error) {
	roles := DefaultRoles()
	for name, rc := range cfg {
		if len(rc.Tools) == 0 || rc.ScopePrefix == "" {
			return nil, fmt.Errorf("role %q: tools and scope_prefix are required", name)
		}
		roles[name] = Role{
			Tools:       slices.Clone(rc.Tools),
			ScopePrefix: rc.ScopePrefix,
			PathPrefix:  rc.PathPrefix,
		}
	}
	return roles, nil
}
