package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentsh/interlock/internal/config"
	"github.com/agentsh/interlock/internal/oracle"
	"github.com/agentsh/interlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	ws := filepath.Join(dir, "workspace")
	require.NoError(t, os.Mkdir(ws, 0o755))
	yml := fmt.Sprintf(`
server:
  http:
    addr: 127.0.0.1:0
    api_key: admin-key
workspace_root: %s
policies:
  allow: ["shell.git status", "filesystem.read"]
  deny: ["shell.rm"]
  file: %s
audit:
  enabled: true
  sqlite_path: %s
  jsonl_path: %s
notify:
  log: true
  websocket: true
metrics:
  enabled: true
%s`, ws, filepath.Join(dir, "policy.yaml"), filepath.Join(dir, "audit.db"), filepath.Join(dir, "audit.jsonl"), extra)
	cfg, err := config.LoadFromBytes([]byte(yml))
	require.NoError(t, err)
	return cfg
}

type running struct {
	srv  *Server
	base string
	done chan error
	stop context.CancelFunc
}

func start(t *testing.T, cfg *config.Config, opts ...Option) *running {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	srv, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{srv: srv, base: "http://" + srv.Addr(), done: make(chan error, 1), stop: cancel}
	go func() { r.done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	})
	return r
}

func (r *running) do(t *testing.T, method, path, key, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, r.base+path, strings.NewReader(body))
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestServer_ServesHealthAndRequiresKey(t *testing.T) {
	r := start(t, testConfig(t, ""))

	code, body := r.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok\n", body)

	code, _ = r.do(t, http.MethodPost, "/api/v1/resolve", "", `{"scope":"shell.git status"}`)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestServer_ResolveAndAudit(t *testing.T) {
	r := start(t, testConfig(t, ""))

	code, body := r.do(t, http.MethodPost, "/api/v1/resolve", "admin-key", `{"scope":"shell.git status --short"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"decision":"allow"`)

	code, body = r.do(t, http.MethodPost, "/api/v1/resolve", "admin-key", `{"scope":"shell.rm -rf build"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"decision":"deny"`)

	code, body = r.do(t, http.MethodGet, "/api/v1/events?type="+types.EventPolicyDenied, "admin-key", "")
	require.Equal(t, http.StatusOK, code)
	var evs []types.Event
	require.NoError(t, json.Unmarshal([]byte(body), &evs))
	require.Len(t, evs, 1)
	assert.Equal(t, "shell.rm -rf build", evs[0].Scope)

	jsonl, err := os.ReadFile(r.srv.cfg.Audit.JSONLPath)
	require.NoError(t, err)
	assert.Contains(t, string(jsonl), types.EventPolicyDenied)
}

func TestServer_AllowCommandPersistsPattern(t *testing.T) {
	cfg := testConfig(t, "")
	r := start(t, cfg)

	code, body := r.do(t, http.MethodPost, "/api/v1/commands", "admin-key", `{"command":"!allow shell.make test"}`)
	require.Equal(t, http.StatusOK, code, body)

	code, body = r.do(t, http.MethodPost, "/api/v1/resolve", "admin-key", `{"scope":"shell.make test -v"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"decision":"allow"`)

	b, err := os.ReadFile(cfg.Policies.File)
	require.NoError(t, err)
	assert.Contains(t, string(b), "shell.make test")
}

func TestServer_AgentReadsWorkspaceFile(t *testing.T) {
	cfg := testConfig(t, "")
	require.NoError(t, os.WriteFile(filepath.Join(cfg.WorkspaceRoot, "notes.txt"), []byte("hello"), 0o644))
	valid := oracle.ReasonerFunc(func(context.Context, string) (string, error) { return "VALID", nil })
	r := start(t, cfg, WithReasoner(valid))

	code, body := r.do(t, http.MethodPost, "/api/v1/agents", "admin-key", `{"name":"r1","role":"reader","task":"read notes"}`)
	require.Equal(t, http.StatusCreated, code, body)

	code, body = r.do(t, http.MethodPost, "/api/v1/agents/r1/tools/fs.read", "admin-key", `{"path":"notes.txt"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Contains(t, body, `"output":"hello"`)

	code, _ = r.do(t, http.MethodPost, "/api/v1/agents/r1/tools/fs.write", "admin-key", `{"path":"notes.txt","content":"x"}`)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestServer_SpawnRejectedWithoutReasoner(t *testing.T) {
	r := start(t, testConfig(t, ""))

	code, body := r.do(t, http.MethodPost, "/api/v1/agents", "admin-key", `{"name":"r1","role":"reader","task":"read notes"}`)
	assert.Equal(t, http.StatusForbidden, code, body)
	assert.Contains(t, body, "plan could not be validated")
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	srv, err := New(context.Background(), testConfig(t, ""), WithLogger(quietLogger()))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestNew_RefusesPublicAddrWithoutKeys(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Server.HTTP.APIKey = ""
	cfg.Server.HTTP.Addr = "0.0.0.0:0"
	_, err := New(context.Background(), cfg, WithLogger(quietLogger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without api keys")
}

func TestNew_MissingWorkspaceFails(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.WorkspaceRoot = filepath.Join(t.TempDir(), "missing")
	_, err := New(context.Background(), cfg, WithLogger(quietLogger()))
	require.Error(t, err)
}

func TestNew_InvalidWaitTimeout(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Approvals.WaitTimeout = "soon"
	_, err := New(context.Background(), cfg, WithLogger(quietLogger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "approvals.wait_timeout")
}

func TestIsLoopbackListenAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:8470": true,
		"localhost:8470": true,
		"[::1]:8470":     true,
		":8470":          false,
		"0.0.0.0:8470":   false,
		"example.com:80": false,
		"":               false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackListenAddr(addr), addr)
	}
}
