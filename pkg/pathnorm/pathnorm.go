// Package pathnorm turns raw kernel filenames into canonical tracked paths
// by matching them against the configured monitored directories and
// applying per-directory depth truncation (see spec.md §4.3).
package pathnorm

import (
	"path/filepath"
	"strings"

	"github.com/adelmonte/hdas/pkg/config"
)

const selfComponent = "hdas"

var localAutoDepthSegments = map[string]struct{}{
	"share": {},
	"state": {},
	"lib":   {},
}

// Normalizer applies the configured monitored-directory rules to raw
// kernel filenames. It holds no mutable state and is safe for concurrent
// use.
type Normalizer struct {
	home        string
	dirs        []config.MonitoredDir
	globalDepth int
	localBase   string
}

// New builds a Normalizer for the given home directory and monitored-dir
// configuration. Directories are matched in the order given (first match
// wins, per spec §4.3 "Tie-breaking").
func New(home string, dirs []config.MonitoredDir, globalDepth int) *Normalizer {
	return &Normalizer{
		home:        filepath.Clean(home),
		dirs:        dirs,
		globalDepth: globalDepth,
		localBase:   filepath.Join(filepath.Clean(home), ".local"),
	}
}

// Normalize resolves raw into a canonical path, or returns ok=false if raw
// does not fall under any monitored directory or is otherwise rejected.
func (n *Normalizer) Normalize(raw string) (canonical string, ok bool) {
	if raw == "" {
		return "", false
	}

	candidate := raw
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(n.home, candidate)
	} else {
		candidate = filepath.Clean(candidate)
	}

	for _, d := range n.dirs {
		base := n.absoluteBase(d)
		suffix, matched := n.matchBase(candidate, base)
		if !matched {
			continue
		}

		depth := d.EffectiveDepth(n.globalDepth)
		if base == n.localBase && len(suffix) > 0 {
			if _, auto := localAutoDepthSegments[suffix[0]]; auto {
				depth++
			}
		}

		var result string
		if depth == 0 {
			result = candidate
		} else {
			if len(suffix) == 0 {
				return "", false
			}
			take := depth
			if take > len(suffix) {
				take = len(suffix)
			}
			result = filepath.Join(append([]string{base}, suffix[:take]...)...)
		}

		if hasComponent(result, selfComponent) {
			return "", false
		}
		return result, true
	}

	return "", false
}

// absoluteBase resolves a monitored directory entry to an absolute,
// trailing-slash-free path.
func (n *Normalizer) absoluteBase(d config.MonitoredDir) string {
	if filepath.IsAbs(d.Path) {
		return strings.TrimSuffix(filepath.Clean(d.Path), string(filepath.Separator))
	}
	return filepath.Join(n.home, d.Path)
}

// matchBase reports whether candidate is base itself or a descendant of
// base, returning the path components beyond base when it is.
func (n *Normalizer) matchBase(candidate, base string) (suffix []string, matched bool) {
	if candidate == base {
		return nil, true
	}
	prefix := base + string(filepath.Separator)
	if !strings.HasPrefix(candidate, prefix) {
		return nil, false
	}
	rest := strings.TrimPrefix(candidate, prefix)
	return splitComponents(rest), true
}

func splitComponents(p string) []string {
	parts := strings.Split(p, string(filepath.Separator))
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func hasComponent(p, component string) bool {
	for _, c := range splitComponents(p) {
		if c == component {
			return true
		}
	}
	return false
}
