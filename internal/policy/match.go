package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

var ErrInvalidPattern = errors.New("invalid pattern")

// Wildcard matches every scope.
const Wildcard = "*"

// ShellNamespace marks scopes whose remainder is a shell command line,
// e.g. "shell.git status".
const ShellNamespace = "shell."

// matcher is one compiled pattern. A pattern matches a scope when it:
//   - is the wildcard "*";
//   - equals the scope;
//   - is a dot-hierarchy ancestor ("filesystem" matches "filesystem.write");
//   - for shell scopes, is a whitespace-token prefix of the command
//     ("git" matches "shell.git status", "ls" does not match "shell.lsof");
//   - contains glob metacharacters and the glob matches. Globs apply to
//     shell scopes only when the pattern itself starts with "shell."
//     ("shell.git *"); any other glob is matched against non-shell scopes
//     only, so "*.read" never allows "shell.cat x.read".
//
// Tokenization is a plain whitespace split. Quoting, escapes, env
// assignments and command chaining are not understood, so "rm -rf /" does
// not match "rm -rf  '/'" or "true && rm -rf /".
type matcher struct {
	raw    string
	tokens []string

	scopeGlob glob.Glob
	cmdGlob   glob.Glob
}

func compilePattern(raw string) (matcher, error) {
	if strings.TrimSpace(raw) == "" {
		return matcher{}, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	m := matcher{
		raw:    raw,
		tokens: strings.Fields(strings.TrimPrefix(raw, ShellNamespace)),
	}
	if raw != Wildcard && strings.ContainsAny(raw, "*?[") {
		g, err := glob.Compile(raw, '.')
		if err != nil {
			return matcher{}, fmt.Errorf("%w %q: %w", ErrInvalidPattern, raw, err)
		}
		m.scopeGlob = g
		if strings.HasPrefix(raw, ShellNamespace) {
			cg, err := glob.Compile(strings.TrimPrefix(raw, ShellNamespace))
			if err != nil {
				return matcher{}, fmt.Errorf("%w %q: %w", ErrInvalidPattern, raw, err)
			}
			m.cmdGlob = cg
		}
	}
	return m, nil
}

func (m matcher) match(scope string) bool {
	if m.raw == Wildcard || m.raw == scope {
		return true
	}
	if strings.HasPrefix(scope, m.raw+".") && !strings.HasPrefix(scope, ShellNamespace) {
		return true
	}
	if m.raw == strings.TrimSuffix(ShellNamespace, ".") && strings.HasPrefix(scope, ShellNamespace) {
		return true
	}
	cmd, ok := shellCommand(scope)
	if !ok {
		return m.scopeGlob != nil && m.scopeGlob.Match(scope)
	}
	if m.cmdGlob != nil && m.cmdGlob.Match(cmd) {
		return true
	}
	return tokenPrefix(m.tokens, strings.Fields(cmd))
}

func shellCommand(scope string) (string, bool) {
	if !strings.HasPrefix(scope, ShellNamespace) {
		return "", false
	}
	cmd := strings.TrimSpace(strings.TrimPrefix(scope, ShellNamespace))
	return cmd, cmd != ""
}

func tokenPrefix(prefix, tokens []string) bool {
	if len(prefix) == 0 || len(prefix) > len(tokens) {
		return false
	}
	for i, p := range prefix {
		if tokens[i] != p {
			return false
		}
	}
	return true
}
