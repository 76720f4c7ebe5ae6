// Package resolver walks the /proc process tree to map a (pid, comm) pair
// from a kernel event to the package responsible for it (spec.md §4.4).
package resolver

import (
	"bufio"
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/adelmonte/hdas/internal/metrics"
	"github.com/adelmonte/hdas/pkg/pkgmanager"
)

const maxAncestorDepth = 10

// Result is the outcome of resolving a pid (spec §3 "Resolved Attribution").
type Result struct {
	Package     string
	ProcessName string
	ViaParent   bool
}

// Unknown is the zero-information result returned when no ancestor can be
// attributed to a package.
func Unknown(comm string) Result {
	return Result{Package: pkgmanager.Unknown, ProcessName: comm, ViaParent: false}
}

// OwnerLookup is the subset of *pkgmanager.Adapter the resolver depends on.
// Factored out as an interface so tests can substitute a fake backend.
type OwnerLookup interface {
	OwnerOf(ctx context.Context, absPath string) string
}

// Resolver resolves pids to packages, memoizing binary-path lookups in a
// process-wide cache shared across calls (spec §3 "Binary → Package
// Cache", §9 "a straightforward lock-guarded mapping suffices").
type Resolver struct {
	adapter OwnerLookup

	mu    sync.Mutex
	cache map[string]string // absolute exe path -> package | Unknown

	procRoot string
	warnOnce sync.Once
}

// New builds a Resolver backed by adapter (which may represent "no backend
// detected"; every lookup then resolves to Unknown).
func New(adapter OwnerLookup) *Resolver {
	return &Resolver{
		adapter:  adapter,
		cache:    make(map[string]string),
		procRoot: "/proc",
	}
}

// Resolve walks the ancestor chain starting at pid, returning the first
// package-resolvable process found, or Unknown if the walk is exhausted
// (spec §4.4 algorithm). ProcessName always reflects pid itself, the event's
// originating process, even when the package comes from an ancestor.
func (r *Resolver) Resolve(ctx context.Context, pid uint32, comm string) Result {
	cur := pid
	via := false
	name := r.readComm(pid, comm)

	depth := 0
	for ; depth <= maxAncestorDepth; depth++ {
		exePath, err := r.readExe(cur)
		if err == nil {
			pkg := r.lookupPackage(ctx, exePath)
			if pkg != pkgmanager.Unknown {
				metrics.ObserveResolverAncestorDepth(depth)
				return Result{Package: pkg, ProcessName: name, ViaParent: via}
			}
		}

		if depth == maxAncestorDepth {
			break
		}

		ppid, err := r.readParentPID(cur)
		if err != nil || ppid == 0 || ppid == 1 {
			break
		}

		cur = ppid
		via = true
	}

	metrics.ObserveResolverAncestorDepth(depth)
	return Unknown(name)
}

// lookupPackage consults the cache, falling back to the package manager
// adapter on a miss and memoizing the result (including Unknown, per spec
// §3).
func (r *Resolver) lookupPackage(ctx context.Context, exePath string) string {
	r.mu.Lock()
	if pkg, ok := r.cache[exePath]; ok {
		size := len(r.cache)
		r.mu.Unlock()
		metrics.ObserveResolverLookup(true, size)
		return pkg
	}
	r.mu.Unlock()

	pkg := r.adapter.OwnerOf(ctx, exePath)

	r.mu.Lock()
	r.cache[exePath] = pkg
	size := len(r.cache)
	r.mu.Unlock()

	metrics.ObserveResolverLookup(false, size)
	return pkg
}

func (r *Resolver) readExe(pid uint32) (string, error) {
	path := fmt.Sprintf("%s/%d/exe", r.procRoot, pid)
	target, err := os.Readlink(path)
	if err != nil {
		if os.IsPermission(err) {
			r.warnOnce.Do(func() {
				log.Printf("[resolver] permission denied reading /proc/<pid>/exe, degrading to unknown")
			})
		}
		return "", err
	}
	return target, nil
}

// readComm returns the process's current comm, falling back to the comm
// captured at event time if the process has since exited (spec §4.4 step 3).
func (r *Resolver) readComm(pid uint32, fallback string) string {
	path := fmt.Sprintf("%s/%d/comm", r.procRoot, pid)
	data, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	return strings.TrimRight(string(data), "\n")
}

// readParentPID parses field 4 (ppid) of /proc/<pid>/stat, scanning from
// the last ')' so that a comm field containing spaces or parentheses does
// not misalign the field offsets (spec §6).
func (r *Resolver) readParentPID(pid uint32) (uint32, error) {
	path := fmt.Sprintf("%s/%d/stat", r.procRoot, pid)
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("empty stat file for pid %d", pid)
	}
	line := scanner.Text()

	closeIdx := strings.LastIndex(line, ")")
	if closeIdx < 0 || closeIdx+2 >= len(line) {
		return 0, fmt.Errorf("malformed stat line for pid %d", pid)
	}

	fields := strings.Fields(line[closeIdx+2:])
	// fields[0] is state, fields[1] is ppid (stat fields 3 and 4).
	if len(fields) < 2 {
		return 0, fmt.Errorf("stat line for pid %d missing ppid field", pid)
	}

	ppid, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse ppid for pid %d: %w", pid, err)
	}
	return uint32(ppid), nil
}

// CacheSize reports the number of memoized binary-path entries, used by
// metrics and tests.
func (r *Resolver) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// ResolvedRequest is one pid/comm pair to resolve, shard-keyed by Key (the
// normalized path the event is destined for, so per-path ordering into the
// store is preserved even when resolution itself runs across workers).
type ResolvedRequest struct {
	PID  uint32
	Comm string
	Key  string
}

// ParallelResult pairs a ResolveParallel request with its outcome so the
// caller can correlate without a separate lookup.
type ParallelResult struct {
	Request ResolvedRequest
	Result  Result
}

// ResolveParallel shards in across workers workers by fnv32(Key) % workers,
// so all requests sharing a Key are resolved by the same goroutine and thus
// complete in submission order relative to each other. Not used by the
// default single-threaded event loop; provided as a building block for a
// future parallel pipeline.
func (r *Resolver) ResolveParallel(ctx context.Context, in <-chan ResolvedRequest, workers int) <-chan ParallelResult {
	if workers <= 0 {
		workers = 1
	}

	shards := make([]chan ResolvedRequest, workers)
	for i := range shards {
		shards[i] = make(chan ResolvedRequest)
	}
	out := make(chan ParallelResult, workers)

	var wg sync.WaitGroup
	for _, shard := range shards {
		wg.Add(1)
		go func(ch <-chan ResolvedRequest) {
			defer wg.Done()
			for req := range ch {
				res := r.Resolve(ctx, req.PID, req.Comm)
				select {
				case out <- ParallelResult{Request: req, Result: res}:
				case <-ctx.Done():
					return
				}
			}
		}(shard)
	}

	go func() {
		defer func() {
			for _, ch := range shards {
				close(ch)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case req, ok := <-in:
				if !ok {
					return
				}
				idx := fnv32(req.Key) % uint32(workers)
				select {
				case shards[idx] <- req:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

func fnv32(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
