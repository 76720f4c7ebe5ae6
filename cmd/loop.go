package cmd

import (
	"context"
	"log"
	"time"

	"github.com/adelmonte/hdas/internal/metrics"
	"github.com/adelmonte/hdas/pkg/config"
	"github.com/adelmonte/hdas/pkg/kprobe"
	"github.com/adelmonte/hdas/pkg/pathnorm"
	"github.com/adelmonte/hdas/pkg/resolver"
	"github.com/adelmonte/hdas/pkg/store"
)

// runLoop drains the kernel probe's event channel and feeds each one
// through Path Normalizer -> Resolver -> Policy -> Store (spec.md §5).
// Single-threaded by design: the bottleneck is the package-manager
// subprocess, which the resolver's binary-path cache already amortizes.
//
// Returns ctx.Err() once the context is canceled (a termination signal was
// received and the in-flight event has committed), or nil if the probe's
// event channel closes on its own.
func runLoop(ctx context.Context, probe kprobe.Manager, norm *pathnorm.Normalizer, res *resolver.Resolver, st *store.Store, cfg *config.Config) error {
	events := probe.Events()

	lostTicker := time.NewTicker(10 * time.Second)
	defer lostTicker.Stop()
	var lastLost uint64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-lostTicker.C:
			lost := probe.LostEvents()
			if lost > lastLost {
				metrics.AddKernelEventsLost(lost - lastLost)
				lastLost = lost
			}

		case evt, ok := <-events:
			if !ok {
				return nil
			}
			processEvent(ctx, evt, norm, res, st, cfg)
		}
	}
}

// processEvent handles a single decoded kernel event, never blocking
// indefinitely on the package-manager subprocess thanks to its own
// per-call timeout.
func processEvent(ctx context.Context, evt kprobe.Event, norm *pathnorm.Normalizer, res *resolver.Resolver, st *store.Store, cfg *config.Config) {
	canonical, ok := norm.Normalize(evt.Filename)
	if !ok {
		metrics.ObserveKernelEvent("unmonitored")
		return
	}

	result := res.Resolve(ctx, evt.PID, evt.Comm)

	_, ignoredProcess := cfg.IgnoredProcesses[result.ProcessName]
	_, ignoredPackage := cfg.IgnoredPackages[result.Package]

	now := time.Now().Unix()
	if err := st.Apply(canonical, result.Package, result.ProcessName, ignoredProcess, ignoredPackage, now); err != nil {
		log.Printf("[hdas] commit failed for %s: %v", canonical, err)
		metrics.ObserveKernelEvent("commit_error")
		return
	}

	if ignoredPackage {
		metrics.ObserveKernelEvent("dropped")
	} else {
		metrics.ObserveKernelEvent("committed")
	}
}
