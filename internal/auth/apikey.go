// Package auth authenticates admin API callers by API key. Each key carries
// a role: agent keys drive sub-agents, approver keys resolve approvals and
// admin keys may do both.
package auth

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	RoleAdmin    = "admin"
	RoleApprover = "approver"
	RoleAgent    = "agent"
)

const DefaultHeader = "X-API-Key"

type APIKeyAuth struct {
	headerName string
	keys       map[string]string // key -> role
}

type keyFileEntry struct {
	ID          string `yaml:"id"`
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
	Role        string `yaml:"role"` // agent|approver|admin
}

// NewAPIKeyAuth builds an authenticator from key -> role pairs. Empty
// roles default to admin.
func NewAPIKeyAuth(headerName string, keys map[string]string) (*APIKeyAuth, error) {
	if strings.TrimSpace(headerName) == "" {
		headerName = DefaultHeader
	}
	out := make(map[string]string, len(keys))
	for k, role := range keys {
		if strings.TrimSpace(k) == "" {
			continue
		}
		role, err := normalizeRole(role)
		if err != nil {
			return nil, err
		}
		out[k] = role
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no api keys configured")
	}
	return &APIKeyAuth{headerName: headerName, keys: out}, nil
}

func LoadAPIKeys(keysFile string, headerName string) (*APIKeyAuth, error) {
	if keysFile == "" {
		return nil, fmt.Errorf("api key auth enabled but keys_file is empty")
	}
	b, err := os.ReadFile(keysFile)
	if err != nil {
		return nil, fmt.Errorf("read api keys file: %w", err)
	}
	var entries []keyFileEntry
	if err := yaml.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("parse api keys file: %w", err)
	}
	keys := make(map[string]string, len(entries))
	for _, e := range entries {
		keys[e.Key] = e.Role
	}
	a, err := NewAPIKeyAuth(headerName, keys)
	if err != nil {
		return nil, fmt.Errorf("api keys file: %w", err)
	}
	return a, nil
}

func normalizeRole(role string) (string, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case "":
		return RoleAdmin, nil
	case RoleAdmin, RoleApprover, RoleAgent:
		return role, nil
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}
}

func (a *APIKeyAuth) HeaderName() string { return a.headerName }

// Keys returns a copy of the key -> role table.
func (a *APIKeyAuth) Keys() map[string]string {
	out := make(map[string]string, len(a.keys))
	for k, r := range a.keys {
		out[k] = r
	}
	return out
}

func (a *APIKeyAuth) IsAllowed(key string) bool {
	return a.RoleForKey(key) != ""
}

// RoleForKey returns the role of key, or "" when the key is unknown. Every
// configured key is compared in constant time.
func (a *APIKeyAuth) RoleForKey(key string) string {
	if a == nil || key == "" {
		return ""
	}
	role := ""
	for k, r := range a.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			role = r
		}
	}
	return role
}

// Permits reports whether a caller holding role may use an endpoint that
// needs want. Admin satisfies everything.
func Permits(role, want string) bool {
	return role == RoleAdmin || role == want
}
