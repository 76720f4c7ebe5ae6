package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adelmonte/hdas/internal/metrics"
	"github.com/adelmonte/hdas/pkg/config"
	"github.com/adelmonte/hdas/pkg/kprobe"
	"github.com/adelmonte/hdas/pkg/pathnorm"
	"github.com/adelmonte/hdas/pkg/pkgmanager"
	"github.com/adelmonte/hdas/pkg/resolver"
	"github.com/adelmonte/hdas/pkg/store"
)

var configPath string

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the attribution agent until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the HDAS configuration file (YAML/JSON/TOML)")
	return cmd
}

// runAgent loads configuration, wires every component named in spec.md §4,
// and blocks on the event loop until a termination signal or fatal error.
// There is no fsnotify fallback: a kernel probe load failure is always
// fatal (exit 2).
func runAgent(ctx context.Context) error {
	cfg, warnings, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("load config: %w", err)}
	}
	for _, w := range warnings {
		log.Printf("[hdas] config: %s", w.String())
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("resolve home directory: %w", err)}
	}

	st, err := store.Open(cfg.StorePath, cfg.AutoPrune)
	if err != nil {
		return &exitError{code: 2, err: fmt.Errorf("open store: %w", err)}
	}
	defer st.Close()

	detectCtx, detectCancel := context.WithTimeout(ctx, 5*time.Second)
	adapter, err := pkgmanager.Detect(detectCtx, cfg.PackageManager.Timeout)
	detectCancel()
	switch {
	case err == nil:
		log.Printf("[hdas] package manager backend: %s", adapter.Name())
	case errors.Is(err, pkgmanager.ErrNoBackend):
		log.Printf("[hdas] no supported package manager detected, every write attributes to %q", pkgmanager.Unknown)
	default:
		return &exitError{code: 2, err: fmt.Errorf("detect package manager: %w", err)}
	}

	res := resolver.New(adapter)
	norm := pathnorm.New(home, cfg.MonitoredDirs, cfg.TrackingDepth)

	probe, err := kprobe.NewManager(&cfg.Probe)
	if err != nil {
		return &exitError{code: 2, err: fmt.Errorf("load kernel probe: %w", err)}
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enable {
		go func() {
			if err := metrics.Serve(sigCtx, cfg.Metrics.Addr, log.Default()); err != nil {
				log.Printf("[hdas] metrics server exited: %v", err)
			}
		}()
	}

	if err := probe.Start(sigCtx); err != nil {
		probe.Close()
		return &exitError{code: 2, err: fmt.Errorf("start kernel probe: %w", err)}
	}
	defer probe.Close()

	metrics.SetAgentInfo(runtime.GOOS, runtime.GOARCH, Version, adapter.Name())
	metrics.SetUp(true)
	defer metrics.SetUp(false)

	statsStop := startStatsReporter(sigCtx, st)
	defer statsStop()

	log.Printf("[hdas] attribution loop running (store=%s)", cfg.StorePath)

	err = runLoop(sigCtx, probe, norm, res, st, cfg)
	if errors.Is(err, context.Canceled) {
		return &exitError{code: 130, err: fmt.Errorf("interrupted")}
	}
	if err != nil {
		return &exitError{code: 2, err: fmt.Errorf("event loop: %w", err)}
	}
	return &exitError{code: 2, err: fmt.Errorf("event loop: kernel probe exited unexpectedly")}
}

// startStatsReporter periodically publishes store-wide gauges (records
// tracked, unknown ratio) so they are visible without waiting for an
// external collaborator to poll the store directly.
func startStatsReporter(ctx context.Context, st *store.Store) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats, _, err := st.Stats()
				if err != nil {
					log.Printf("[hdas] stats reporter: %v", err)
					continue
				}
				metrics.SetRecordsTracked(stats.TotalRecords)
				metrics.SetUnknownRatio(stats.UnknownRatio)
			}
		}
	}()
	return func() { <-done }
}
