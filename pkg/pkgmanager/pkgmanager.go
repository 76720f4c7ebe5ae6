// Package pkgmanager answers "which package owns this executable path?" by
// shelling out to whichever system package manager is detected at startup
// (spec.md §4.5, §6).
package pkgmanager

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/adelmonte/hdas/internal/metrics"
)

// Unknown is returned whenever ownership cannot be determined: the backend
// exited non-zero, timed out, or produced output this adapter cannot parse.
const Unknown = "unknown"

// execFunc runs a command and returns its stdout. It exists so
// tests can substitute a fake backend without invoking real package
// managers.
type execFunc func(ctx context.Context, name string, args ...string) (string, error)

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	return string(out), err
}

// backend describes one package-manager integration: how to detect it, how
// to query an owning package, and how to check/list installed packages.
// Spec §9 notes there is no stable public hierarchy to preserve here; a
// small table of function values is simpler than an interface per backend.
type backend struct {
	name        string
	tool        string
	ownerArgs   func(path string) []string
	parseOwner  func(stdout string) (string, bool)
	installArgs func(pkg string) []string
	listArgs    []string
	parseList   func(stdout string) []string
}

var backends = []backend{
	{
		name:        "pacman",
		tool:        "pacman",
		ownerArgs:   func(path string) []string { return []string{"-Qo", path} },
		parseOwner:  parseOwnedByFormat,
		installArgs: func(pkg string) []string { return []string{"-Q", pkg} },
		listArgs:    []string{"-Qq"},
		parseList:   splitLines,
	},
	{
		name:        "dpkg",
		tool:        "dpkg",
		ownerArgs:   func(path string) []string { return []string{"-S", path} },
		parseOwner:  parseColonFormat,
		installArgs: func(pkg string) []string { return []string{"-s", pkg} },
		listArgs:    []string{"-W", "-f=${Package}\\n"},
		parseList:   splitLines,
	},
	{
		name:        "rpm",
		tool:        "rpm",
		ownerArgs:   func(path string) []string { return []string{"-qf", path} },
		parseOwner:  parseNEVRFormat,
		installArgs: func(pkg string) []string { return []string{"-q", pkg} },
		listArgs:    []string{"-qa", "--qf", "%{NAME}\\n"},
		parseList:   splitLines,
	},
	{
		name:        "xbps",
		tool:        "xbps-query",
		ownerArgs:   func(path string) []string { return []string{"-o", path} },
		parseOwner:  parseColonFormat,
		installArgs: func(pkg string) []string { return []string{pkg} },
		listArgs:    []string{"-l"},
		parseList:   parseXbpsList,
	},
	{
		name:        "apk",
		tool:        "apk",
		ownerArgs:   func(path string) []string { return []string{"info", "--who-owns", path} },
		parseOwner:  parseOwnedByFormat,
		installArgs: func(pkg string) []string { return []string{"info", "-e", pkg} },
		listArgs:    []string{"info"},
		parseList:   splitLines,
	},
}

// Adapter is the detected, ready-to-query package manager backend. A nil
// Adapter (returned alongside ErrNoBackend from Detect) means every record
// is attributed to Unknown, per spec §4.5.
type Adapter struct {
	b       backend
	timeout time.Duration
	exec    execFunc
}

// ErrNoBackend is returned by Detect when no supported package manager is
// available on PATH.
var ErrNoBackend = fmt.Errorf("no supported package manager found")

// Detect probes for a usable backend in the fixed priority order pacman,
// dpkg, rpm, xbps, apk (spec §4.5) and returns the first whose query tool
// resolves on PATH and executes against a known-good path; a non-zero exit
// status from that query still counts as a working tool.
func Detect(ctx context.Context, timeout time.Duration) (*Adapter, error) {
	return detectWith(ctx, timeout, runCommand, exec.LookPath)
}

func detectWith(ctx context.Context, timeout time.Duration, run execFunc, lookPath func(string) (string, error)) (*Adapter, error) {
	for _, b := range backends {
		if _, err := lookPath(b.tool); err != nil {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		_, err := run(probeCtx, b.tool, b.ownerArgs("/bin/sh")...)
		cancel()
		// A non-zero exit on a known-good path is fine (sh may not be
		// owned by anything resolvable); what matters is that the tool
		// itself executed rather than erroring out (e.g. missing lib).
		if err != nil {
			if _, isExit := err.(*exec.ExitError); !isExit {
				continue
			}
		}

		return &Adapter{b: b, timeout: timeout, exec: run}, nil
	}
	return nil, ErrNoBackend
}

// Name reports the detected backend's identifier ("pacman", "dpkg", ...).
func (a *Adapter) Name() string {
	if a == nil {
		return ""
	}
	return a.b.name
}

// OwnerOf answers which package owns absPath, or Unknown if the backend
// could not determine it within the adapter's timeout.
func (a *Adapter) OwnerOf(ctx context.Context, absPath string) string {
	if a == nil {
		return Unknown
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	out, err := a.exec(callCtx, a.b.tool, a.b.ownerArgs(absPath)...)
	metrics.ObservePackageManagerCall(start, a.b.name, "owner_of", errors.Is(callCtx.Err(), context.DeadlineExceeded))
	if err != nil {
		return Unknown
	}

	pkg, ok := a.b.parseOwner(out)
	if !ok {
		return Unknown
	}
	return pkg
}

// IsInstalled reports whether pkg is currently installed, used by the
// orphan query (spec §4.7).
func (a *Adapter) IsInstalled(ctx context.Context, pkg string) (bool, error) {
	if a == nil {
		return false, ErrNoBackend
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	_, err := a.exec(callCtx, a.b.tool, a.b.installArgs(pkg)...)
	metrics.ObservePackageManagerCall(start, a.b.name, "is_installed", errors.Is(callCtx.Err(), context.DeadlineExceeded))
	if err != nil {
		if _, isExit := err.(*exec.ExitError); isExit {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// InstalledSet enumerates every installed package name in one call, letting
// the orphan scan check membership in memory instead of shelling out per
// record (spec §9, "Package existence check for orphans").
func (a *Adapter) InstalledSet(ctx context.Context) (map[string]bool, error) {
	if a == nil {
		return nil, ErrNoBackend
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	out, err := a.exec(callCtx, a.b.tool, a.b.listArgs...)
	metrics.ObservePackageManagerCall(start, a.b.name, "installed_set", errors.Is(callCtx.Err(), context.DeadlineExceeded))
	if err != nil {
		return nil, fmt.Errorf("list installed packages via %s: %w", a.b.name, err)
	}

	set := make(map[string]bool)
	for _, name := range a.b.parseList(out) {
		if name != "" {
			set[name] = true
		}
	}
	return set, nil
}

var versionSuffix = regexp.MustCompile(`-\d[^-]*(-r\d+)?$`)

// parseOwnedByFormat handles "<path> is owned by <pkg> <ver>" (pacman) and
// "<path> is owned by <pkg>-<ver>" (apk).
func parseOwnedByFormat(stdout string) (string, bool) {
	idx := strings.Index(stdout, "is owned by ")
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimSpace(stdout[idx+len("is owned by "):])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", false
	}
	token := fields[0]
	return stripVersionSuffix(token), true
}

// parseColonFormat handles "<pkg>: <path>" (dpkg, xbps-query), where
// multiple owning packages are comma-separated before the colon.
func parseColonFormat(stdout string) (string, bool) {
	line := strings.TrimSpace(strings.SplitN(stdout, "\n", 2)[0])
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", false
	}
	pkgs := strings.TrimSpace(line[:idx])
	first := strings.TrimSpace(strings.SplitN(pkgs, ",", 2)[0])
	if first == "" {
		return "", false
	}
	return first, true
}

// parseNEVRFormat handles rpm's "<pkg>-<ver>-<rel>.<arch>" output.
func parseNEVRFormat(stdout string) (string, bool) {
	line := strings.TrimSpace(strings.SplitN(stdout, "\n", 2)[0])
	if line == "" {
		return "", false
	}
	parts := strings.Split(line, "-")
	if len(parts) < 3 {
		return line, true
	}
	return strings.Join(parts[:len(parts)-2], "-"), true
}

func stripVersionSuffix(token string) string {
	return versionSuffix.ReplaceAllString(token, "")
}

func splitLines(stdout string) []string {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

func parseXbpsList(stdout string) []string {
	lines := splitLines(stdout)
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		fields := strings.Fields(l)
		if len(fields) == 0 {
			continue
		}
		out = append(out, stripVersionSuffix(fields[0]))
	}
	return out
}
