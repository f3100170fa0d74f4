package policy

import (
	"fmt"
	"slices"
	"strings"
)

// Policy is the two ordered pattern lists. Deny is always consulted first.
type Policy struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

func (p Policy) Validate() error {
	for _, list := range []struct {
		name     string
		patterns []string
	}{{"allow", p.Allow}, {"deny", p.Deny}} {
		for i, pat := range list.patterns {
			if strings.TrimSpace(pat) == "" {
				return fmt.Errorf("%s[%d]: empty pattern", list.name, i)
			}
			if pat != strings.TrimSpace(pat) {
				return fmt.Errorf("%s[%d]: pattern %q has surrounding whitespace", list.name, i, pat)
			}
		}
	}
	return nil
}

// Clone returns a deep copy so callers can't mutate engine state.
func (p Policy) Clone() Policy {
	return Policy{Allow: slices.Clone(p.Allow), Deny: slices.Clone(p.Deny)}
}

// Merge returns the union of base and extra, keeping base order first and
// dropping duplicates.
func Merge(base, extra Policy) Policy {
	return Policy{
		Allow: union(base.Allow, extra.Allow),
		Deny:  union(base.Deny, extra.Deny),
	}
}

func union(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, s := range append(slices.Clone(a), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
