// Package fsguard performs file reads and writes confined to a workspace
// root. The order of checks is fixed: lexical containment before any
// syscall, then a no-follow open of every path component starting at the
// root descriptor, then fstat of the opened descriptor. After the open the
// path string is never resolved again; all I/O goes through the handle.
package fsguard

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentsh/interlock/pkg/types"
)

const DefaultMaxReadBytes int64 = 1 << 20

// Violation reasons.
const (
	ReasonEmptyPath      = "empty path"
	ReasonOutsideRoot    = "path is outside the workspace"
	ReasonSymlink        = "symlinks are not followed"
	ReasonNotRegular     = "not a regular file"
	ReasonNotDirectory   = "path component is not a directory"
	ReasonHardLink       = "file has multiple hard links"
	ReasonOtherDevice    = "file is on a different device than the workspace"
	ReasonTooLarge       = "file exceeds the read size limit"
	ReasonUnsupported    = "confined file access is not supported on this platform"
	ReasonReplaceFailed  = "atomic replace failed"
	ReasonNotFound       = "file does not exist"
	ReasonIOFailed       = "i/o error"
	ReasonParentNotFound = "parent directory does not exist"
)

// PolicyViolationError is a confinement rejection. Its SafeReason never
// includes the requested path or any OS error text.
type PolicyViolationError struct {
	Op     string
	Path   string
	Reason string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("%s %q: %s: %s", e.Op, e.Path, types.ErrFilesystemPolicyViolation, e.Reason)
}

func (e *PolicyViolationError) Unwrap() error { return types.ErrFilesystemPolicyViolation }

func (e *PolicyViolationError) SafeReason() string {
	return types.ErrFilesystemPolicyViolation.Error() + ": " + e.Reason
}

// OpError is a failure that is not a policy decision, such as a missing
// file or a failed rename. Err keeps the OS error for logs.
type OpError struct {
	Op     string
	Path   string
	Reason string
	Err    error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %q: %s", e.Op, e.Path, e.Reason)
	}
	return fmt.Sprintf("%s %q: %s: %v", e.Op, e.Path, e.Reason, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func (e *OpError) SafeReason() string { return e.Op + " failed: " + e.Reason }

type Auditor interface {
	Record(ctx context.Context, ev types.Event)
}

type Guard struct {
	root    string
	rootDev uint64
	maxRead int64
	auditor Auditor
	log     *slog.Logger

	hooks hooks
}

// hooks let tests inject faults between the individual steps.
type hooks struct {
	afterCheck func(rel string)
	afterOpen  func(rel string)
	renameat   func(olddirfd int, oldpath string, newdirfd int, newpath string) error
}

type Option func(*Guard)

func WithMaxReadBytes(n int64) Option {
	return func(g *Guard) {
		if n > 0 {
			g.maxRead = n
		}
	}
}

func WithAuditor(a Auditor) Option { return func(g *Guard) { g.auditor = a } }

func WithLogger(l *slog.Logger) Option { return func(g *Guard) { g.log = l } }

// New binds the guard to root, which must be an existing directory. The
// root is canonicalized once here and never changes afterwards.
func New(root string, opts ...Option) (*Guard, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	info, err := os.Stat(canon)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", canon)
	}
	dev, err := deviceOf(canon)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}

	g := &Guard{
		root:    canon,
		rootDev: dev,
		maxRead: DefaultMaxReadBytes,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

func (g *Guard) Root() string { return g.root }

func (g *Guard) MaxReadBytes() int64 { return g.maxRead }

// ReadFile returns the content of rel, a path relative to the root (or an
// absolute path inside it).
func (g *Guard) ReadFile(ctx context.Context, rel string) ([]byte, error) {
	comps, err := g.check("read", rel)
	if err != nil {
		return nil, g.reject(ctx, err)
	}
	if g.hooks.afterCheck != nil {
		g.hooks.afterCheck(rel)
	}
	b, err := g.readFile(rel, comps)
	if err != nil {
		return nil, g.reject(ctx, err)
	}
	return b, nil
}

// WriteFile replaces rel with data atomically: readers see either the old
// or the new content, never a mix. The parent directory must exist.
func (g *Guard) WriteFile(ctx context.Context, rel string, data []byte) error {
	comps, err := g.check("write", rel)
	if err != nil {
		return g.reject(ctx, err)
	}
	if g.hooks.afterCheck != nil {
		g.hooks.afterCheck(rel)
	}
	if err := g.writeFile(rel, comps, data); err != nil {
		return g.reject(ctx, err)
	}
	return nil
}

// check is purely lexical and runs before any filesystem call.
func (g *Guard) check(op, rel string) ([]string, error) {
	violation := func(reason string) error {
		return &PolicyViolationError{Op: op, Path: rel, Reason: reason}
	}
	if strings.TrimSpace(rel) == "" {
		return nil, violation(ReasonEmptyPath)
	}
	if strings.ContainsRune(rel, 0) {
		return nil, violation(ReasonOutsideRoot)
	}

	p := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(p) {
		r, err := filepath.Rel(g.root, p)
		if err != nil {
			return nil, violation(ReasonOutsideRoot)
		}
		p = r
	}
	if p == "." {
		return nil, violation(ReasonNotRegular)
	}
	if p == ".." || strings.HasPrefix(p, ".."+string(filepath.Separator)) || filepath.IsAbs(p) {
		return nil, violation(ReasonOutsideRoot)
	}
	return strings.Split(p, string(filepath.Separator)), nil
}

// reject audits err and returns it unchanged.
func (g *Guard) reject(ctx context.Context, err error) error {
	var op, path, reason string
	switch e := err.(type) {
	case *PolicyViolationError:
		op, path, reason = e.Op, e.Path, e.Reason
	case *OpError:
		op, path, reason = e.Op, e.Path, e.Reason
		if e.Reason == ReasonNotFound || e.Reason == ReasonParentNotFound {
			return err
		}
		g.log.Warn("fsguard: operation failed", "op", e.Op, "path", e.Path, "error", e.Err)
	default:
		return err
	}
	if g.auditor != nil {
		g.auditor.Record(ctx, types.Event{
			Type:      types.EventFSViolation,
			Path:      path,
			Operation: op,
			Reason:    reason,
		})
	}
	return err
}
