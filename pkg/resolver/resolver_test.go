package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/adelmonte/hdas/pkg/pkgmanager"
)

type fakeLookup struct {
	owners map[string]string
	calls  int
}

func (f *fakeLookup) OwnerOf(_ context.Context, absPath string) string {
	f.calls++
	if pkg, ok := f.owners[absPath]; ok {
		return pkg
	}
	return pkgmanager.Unknown
}

// writeFakeProc builds a minimal /proc/<pid>/{exe,comm,stat} tree under a
// temp directory so the resolver's /proc-reading logic can be exercised
// without a real process tree.
func writeFakeProc(t *testing.T, root string, pid uint32, exeTarget, comm string, ppid uint32) {
	t.Helper()
	dir := filepath.Join(root, fmt.Sprint(pid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if exeTarget != "" {
		if err := os.Symlink(exeTarget, filepath.Join(dir, "exe")); err != nil {
			t.Fatalf("symlink exe: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644); err != nil {
		t.Fatalf("write comm: %v", err)
	}
	stat := fmt.Sprintf("%d (%s) S %d 0 0 0 0 0 0 0 0 0 0 0 0 0 0\n", pid, comm, ppid)
	if err := os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644); err != nil {
		t.Fatalf("write stat: %v", err)
	}
}

func TestResolveDirectMatch(t *testing.T) {
	root := t.TempDir()
	writeFakeProc(t, root, 1234, "/usr/bin/firefox", "firefox", 1)

	lookup := &fakeLookup{owners: map[string]string{"/usr/bin/firefox": "firefox"}}
	r := New(lookup)
	r.procRoot = root

	res := r.Resolve(context.Background(), 1234, "firefox")
	if res.Package != "firefox" || res.ViaParent {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestResolveViaParent(t *testing.T) {
	root := t.TempDir()
	// Child's exe is unreadable (missing symlink); parent resolves.
	writeFakeProc(t, root, 5678, "", "Isolated Web Co", 5013)
	writeFakeProc(t, root, 5013, "/usr/bin/firefox-developer-edition", "firefox", 1)

	lookup := &fakeLookup{owners: map[string]string{"/usr/bin/firefox-developer-edition": "firefox-developer-edition"}}
	r := New(lookup)
	r.procRoot = root

	res := r.Resolve(context.Background(), 5678, "Isolated Web Co")
	if res.Package != "firefox-developer-edition" {
		t.Errorf("expected firefox-developer-edition, got %s", res.Package)
	}
	if !res.ViaParent {
		t.Error("expected ViaParent = true")
	}
	if res.ProcessName != "Isolated Web Co" {
		t.Errorf("expected process name to stay as original comm, got %s", res.ProcessName)
	}
}

func TestResolveStopsAtPPIDOne(t *testing.T) {
	root := t.TempDir()
	writeFakeProc(t, root, 42, "", "orphan", 1)

	lookup := &fakeLookup{}
	r := New(lookup)
	r.procRoot = root

	res := r.Resolve(context.Background(), 42, "orphan")
	if res.Package != pkgmanager.Unknown {
		t.Errorf("expected unknown, got %s", res.Package)
	}
}

func TestResolveCachesLookups(t *testing.T) {
	root := t.TempDir()
	writeFakeProc(t, root, 1, "/usr/bin/app", "app", 1)

	lookup := &fakeLookup{owners: map[string]string{"/usr/bin/app": "mypkg"}}
	r := New(lookup)
	r.procRoot = root

	r.Resolve(context.Background(), 1, "app")
	r.Resolve(context.Background(), 1, "app")

	if lookup.calls != 1 {
		t.Errorf("expected 1 underlying lookup due to caching, got %d", lookup.calls)
	}
	if r.CacheSize() != 1 {
		t.Errorf("expected cache size 1, got %d", r.CacheSize())
	}
}

func TestResolveParallelShardsAndCompletesAllRequests(t *testing.T) {
	root := t.TempDir()
	writeFakeProc(t, root, 1, "/usr/bin/app", "app", 1)
	writeFakeProc(t, root, 2, "/usr/bin/other", "other", 1)

	lookup := &fakeLookup{owners: map[string]string{
		"/usr/bin/app":   "mypkg",
		"/usr/bin/other": "otherpkg",
	}}
	r := New(lookup)
	r.procRoot = root

	in := make(chan ResolvedRequest)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := r.ResolveParallel(ctx, in, 4)

	go func() {
		defer close(in)
		for i := 0; i < 20; i++ {
			req := ResolvedRequest{PID: 1, Comm: "app", Key: "/home/alice/.cache/a"}
			if i%2 == 0 {
				req = ResolvedRequest{PID: 2, Comm: "other", Key: "/home/alice/.cache/b"}
			}
			in <- req
		}
	}()

	got := 0
	for range out {
		got++
	}
	if got != 20 {
		t.Fatalf("expected 20 results, got %d", got)
	}
}

func TestResolveBoundedAt10Ancestors(t *testing.T) {
	root := t.TempDir()
	// Build a chain of 12 generations, none resolvable, none hitting ppid 0/1.
	for i := uint32(2); i <= 13; i++ {
		writeFakeProc(t, root, i, "", fmt.Sprintf("proc%d", i), i+1)
	}
	// Terminate the chain eventually to avoid an infinite real loop if the
	// cap were broken. pid 14 is 12 hops above pid 2 and resolvable, so only
	// a walk that stops after 10 ancestors ends in unknown.
	writeFakeProc(t, root, 14, "/usr/bin/beyond-cap", "root-ish", 1)

	lookup := &fakeLookup{owners: map[string]string{"/usr/bin/beyond-cap": "beyondpkg"}}
	r := New(lookup)
	r.procRoot = root

	res := r.Resolve(context.Background(), 2, "proc2")
	if res.Package != pkgmanager.Unknown {
		t.Errorf("expected unknown after exceeding ancestor cap, got %s", res.Package)
	}
}
