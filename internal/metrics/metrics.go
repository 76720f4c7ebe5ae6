package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hdas"

var (
	// Registry is a dedicated Prometheus registry for all HDAS metrics.
	Registry = prometheus.NewRegistry()

	// KernelEventsTotal counts openat events delivered from the perf event
	// array, grouped by outcome.
	KernelEventsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kernel_events_total",
			Help:      "Total number of kernel events received from the probe",
		},
		[]string{"outcome"}, // committed | dropped | unmonitored | commit_error | decode_error
	)

	// KernelEventsLostTotal counts events the kernel reports as dropped
	// before userspace could read them (perf event array overflow).
	KernelEventsLostTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kprobe_events_lost_total",
			Help:      "Total number of perf events lost due to ring buffer overflow",
		},
	)

	// ResolverCacheTotal counts binary-path-to-package cache hits and misses.
	ResolverCacheTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_cache_total",
			Help:      "Total resolver lookups by cache outcome",
		},
		[]string{"outcome"}, // hit | miss
	)

	// ResolverCacheSize gauges the number of memoized binary-path entries.
	ResolverCacheSize = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resolver_cache_size",
			Help:      "Number of entries currently memoized in the binary-to-package cache",
		},
	)

	// ResolverAncestorDepth histograms how many ancestor hops were walked
	// before a pid resolved (or the walk was exhausted).
	ResolverAncestorDepth = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolver_ancestor_depth",
			Help:      "Number of process-tree ancestor hops walked per resolution",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 10},
		},
	)

	// PackageManagerCallDuration measures package manager subprocess latency.
	PackageManagerCallDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "package_manager_call_duration_ms",
			Help:      "Duration of package manager backend invocations in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"backend", "operation"}, // operation: owner_of | is_installed | installed_set
	)

	// PackageManagerTimeoutTotal counts backend calls that exceeded the
	// configured timeout, grouped by backend.
	PackageManagerTimeoutTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "package_manager_timeout_total",
			Help:      "Total package manager invocations that timed out",
		},
		[]string{"backend"},
	)

	// AttributionCommitsTotal counts store commits by the policy action
	// that produced them.
	AttributionCommitsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attribution_commits_total",
			Help:      "Total attribution store commits by policy action",
		},
		[]string{"action"}, // drop | insert | update_access
	)

	// RecordsTracked gauges the number of attribution records currently
	// stored.
	RecordsTracked = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records_tracked_total",
			Help:      "Number of attribution records currently stored",
		},
	)

	// UnknownRatio gauges the current fraction of records whose creator
	// package is unknown.
	UnknownRatio = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unknown_ratio",
			Help:      "Current fraction of attribution records with an unknown creator package",
		},
	)

	// AutoPruneRemovedTotal counts records removed by auto-prune, separate
	// from explicit prune/clean-orphans admin operations.
	AutoPruneRemovedTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_prune_removed_total",
			Help:      "Total records removed automatically because their path no longer exists on disk",
		},
	)

	// OrphansCleanedTotal counts records removed by explicit clean-orphans
	// operations.
	OrphansCleanedTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_cleaned_total",
			Help:      "Total records removed by explicit orphan cleanup",
		},
	)

	// BTFLoadDuration measures how long BTF resolution (vmlinux, local, or
	// BTFHub download) took.
	BTFLoadDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "btf_load_duration_ms",
			Help:      "Duration of BTF spec resolution in milliseconds",
			Buckets:   []float64{1, 10, 50, 100, 500, 1000, 5000, 15000},
		},
		[]string{"source"}, // kernel | local | btfhub
	)

	// AgentInfo exposes static information about the running agent.
	AgentInfo = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_info",
			Help:      "Static information about the agent",
		},
		[]string{"os", "arch", "version", "package_manager"},
	)

	// Up is a liveness gauge for the agent.
	Up = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "1 if the agent is running and healthy",
		},
	)
)

func init() {
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	Registry.MustRegister(prometheus.NewGoCollector())
	Up.Set(1)
}

// SetAgentInfo publishes a single info metric for the running agent.
func SetAgentInfo(osName, arch, version, packageManager string) {
	if osName == "" {
		osName = runtime.GOOS
	}
	if arch == "" {
		arch = runtime.GOARCH
	}
	if packageManager == "" {
		packageManager = "unknown"
	}
	if version == "" {
		version = "dev"
	}
	AgentInfo.WithLabelValues(osName, arch, version, packageManager).Set(1)
}

// ObserveKernelEvent records a single kernel event's outcome.
func ObserveKernelEvent(outcome string) {
	KernelEventsTotal.WithLabelValues(outcome).Inc()
}

// AddKernelEventsLost accumulates the perf event array's reported lost count.
func AddKernelEventsLost(count uint64) {
	if count == 0 {
		return
	}
	KernelEventsLostTotal.Add(float64(count))
}

// ObserveResolverLookup records a cache hit or miss and the current cache
// size.
func ObserveResolverLookup(hit bool, cacheSize int) {
	if hit {
		ResolverCacheTotal.WithLabelValues("hit").Inc()
	} else {
		ResolverCacheTotal.WithLabelValues("miss").Inc()
	}
	ResolverCacheSize.Set(float64(cacheSize))
}

// ObserveResolverAncestorDepth records how many ancestor hops a resolution
// took.
func ObserveResolverAncestorDepth(depth int) {
	ResolverAncestorDepth.Observe(float64(depth))
}

// ObservePackageManagerCall records backend invocation latency and, when
// timedOut is true, increments the per-backend timeout counter.
func ObservePackageManagerCall(start time.Time, backend, operation string, timedOut bool) {
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	PackageManagerCallDuration.WithLabelValues(backend, operation).Observe(elapsed)
	if timedOut {
		PackageManagerTimeoutTotal.WithLabelValues(backend).Inc()
	}
}

// ObserveAttributionCommit counts a store commit by the policy action that
// produced it.
func ObserveAttributionCommit(action string) {
	AttributionCommitsTotal.WithLabelValues(action).Inc()
}

// SetRecordsTracked reports the number of attribution records currently
// stored.
func SetRecordsTracked(count int) {
	if count < 0 {
		count = 0
	}
	RecordsTracked.Set(float64(count))
}

// SetUnknownRatio reports the current unknown-creator fraction.
func SetUnknownRatio(ratio float64) {
	UnknownRatio.Set(ratio)
}

// AddAutoPruneRemoved accumulates the auto-prune removal counter.
func AddAutoPruneRemoved(count int) {
	if count <= 0 {
		return
	}
	AutoPruneRemovedTotal.Add(float64(count))
}

// AddOrphansCleaned accumulates the explicit orphan-cleanup counter.
func AddOrphansCleaned(count int) {
	if count <= 0 {
		return
	}
	OrphansCleanedTotal.Add(float64(count))
}

// ObserveBTFLoad records how long BTF resolution took for a given source.
func ObserveBTFLoad(start time.Time, source string) {
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	BTFLoadDuration.WithLabelValues(source).Observe(elapsed)
}

// SetUp toggles the liveness gauge.
func SetUp(healthy bool) {
	if healthy {
		Up.Set(1)
		return
	}
	Up.Set(0)
}

// Serve starts the /metrics HTTP endpoint on the provided address.
func Serve(ctx context.Context, addr string, logger *log.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = log.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	srv := &http.Server{Addr: addr, Handler: mux}

	idleClosed := make(chan struct{})
	go func() {
		defer close(idleClosed)
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	logger.Printf("[Metrics] Prometheus endpoint listening on %s", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-idleClosed
		return nil
	}

	return err
}
