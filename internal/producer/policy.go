package producer

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// ErrLegacySource is returned when a plan's source rootfs path matches the
// legacy deny-list. Legacy per-distro rootfs trees must not feed staged
// producers; the deny-list encodes that migration-era policy as data rather
// than hardcoded checks.
var ErrLegacySource = errors.New("legacy rootfs source is forbidden")

// DefaultLegacySourcePatterns are the directory-component sequences of the
// pre-migration per-distro layouts.
var DefaultLegacySourcePatterns = []string{
	"leviso/downloads/rootfs",
	"ralphos/downloads/rootfs",
	"acornos/downloads/rootfs",
	"iuppiteros/downloads/rootfs",
}

// SourcePolicy rejects source rootfs paths containing a forbidden
// component sequence. Patterns use glob syntax per path component (so
// "*/downloads/rootfs" bans the layout for any distro) and match the
// sequence anywhere in the path.
type SourcePolicy struct {
	patterns []string
	globs    []glob.Glob
}

// NewSourcePolicy compiles a deny-list of component-sequence patterns.
func NewSourcePolicy(patterns []string) (*SourcePolicy, error) {
	policy := &SourcePolicy{patterns: patterns}
	for _, pattern := range patterns {
		pattern = strings.Trim(pattern, "/")
		if pattern == "" {
			return nil, fmt.Errorf("empty legacy source pattern")
		}
		// the sequence may sit at either end of the path or in the middle
		for _, variant := range []string{
			pattern,
			pattern + "/**",
			"**/" + pattern,
			"**/" + pattern + "/**",
		} {
			g, err := glob.Compile(variant, '/')
			if err != nil {
				return nil, fmt.Errorf("invalid legacy source pattern %q: %v", pattern, err)
			}
			policy.globs = append(policy.globs, g)
		}
	}
	return policy, nil
}

// DefaultSourcePolicy returns the policy with the built-in deny-list.
func DefaultSourcePolicy() *SourcePolicy {
	policy, err := NewSourcePolicy(DefaultLegacySourcePatterns)
	if err != nil {
		panic(err)
	}
	return policy
}

// Check tests path against the deny-list. Matching is performed on the
// cleaned, lowercased path components.
func (p *SourcePolicy) Check(path string) error {
	normalized := normalizeComponents(path)
	for i, g := range p.globs {
		if g.Match(normalized) {
			return fmt.Errorf("%w: %q matches pattern %q", ErrLegacySource, path, p.patterns[i/4])
		}
	}
	return nil
}

func normalizeComponents(path string) string {
	cleaned := filepath.ToSlash(filepath.Clean(path))
	var components []string
	for _, part := range strings.Split(cleaned, "/") {
		if part == "" || part == "." {
			continue
		}
		components = append(components, strings.ToLower(part))
	}
	return strings.Join(components, "/")
}
