package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MonitoredDir is a single entry from the monitored_dirs configuration list.
// Path is either a home-relative dotted segment (e.g. ".cache") or an
// absolute path (e.g. "/etc/"). Depth of 0 means "no truncation"; a negative
// value means "use the global tracking_depth default".
type MonitoredDir struct {
	Path  string
	Depth int
}

// EffectiveDepth returns the configured depth, or the global default when
// this entry did not set one.
func (d MonitoredDir) EffectiveDepth(globalDefault int) int {
	if d.Depth < 0 {
		return globalDefault
	}
	return d.Depth
}

// BTFConfig controls CO-RE relocations and BTFHub downloads for the kernel
// probe loader.
type BTFConfig struct {
	CacheDir      string
	AllowDownload bool
	HubMirror     string
}

// ProbeConfig captures settings for the kernel probe and its perf transport.
type ProbeConfig struct {
	ProgramPath     string
	EventBufferSize int
	BTF             BTFConfig
}

// PackageManagerConfig controls the package-manager adapter's subprocess
// behavior.
type PackageManagerConfig struct {
	Backend string // read from package_manager.backend; Detect does not consult it and always autodetects
	Timeout time.Duration
}

// MetricsConfig controls the Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enable bool
	Addr   string
}

// Config is the read-only configuration snapshot in effect for the process
// lifetime (see spec §3, §9 "Global state").
type Config struct {
	MonitoredDirs     []MonitoredDir
	IgnoredProcesses  map[string]struct{}
	IgnoredPackages   map[string]struct{}
	TrackingDepth     int
	AutoPrune         bool
	StorePath         string
	Probe             ProbeConfig
	PackageManager    PackageManagerConfig
	Metrics           MetricsConfig
}

// Warning is a non-fatal configuration problem (unknown key, empty list)
// that should be printed but not abort startup.
type Warning struct {
	Message string
}

func (w Warning) String() string { return w.Message }

// knownKeys enumerates every top-level configuration key this version of
// HDAS understands. Anything else in the file produces a Warning rather
// than an error, per spec §6 ("Unknown keys are warnings, not errors").
var knownKeys = map[string]struct{}{
	"monitored_dirs":     {},
	"ignored_processes":  {},
	"ignored_packages":   {},
	"tracking_depth":     {},
	"auto_prune":         {},
	"store_path":         {},
	"probe":              {},
	"package_manager":    {},
	"metrics":            {},
}

// DefaultConfig returns the built-in defaults used when no configuration
// file is present and no overrides apply.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		MonitoredDirs: []MonitoredDir{
			{Path: ".cache", Depth: -1},
			{Path: ".local", Depth: -1},
			{Path: ".config", Depth: -1},
			{Path: "/etc/", Depth: 0},
		},
		IgnoredProcesses: map[string]struct{}{
			"cat": {}, "grep": {}, "find": {}, "ls": {}, "sh": {}, "bash": {},
		},
		IgnoredPackages: map[string]struct{}{},
		TrackingDepth:   1,
		AutoPrune:       true,
		StorePath:       filepath.Join(defaultStateDir(home), "attributions.db"),
		Probe: ProbeConfig{
			ProgramPath:     "ebpf/hdas.bpf.o",
			EventBufferSize: 4096,
			BTF: BTFConfig{
				CacheDir:      defaultBTFCacheDir(),
				AllowDownload: true,
				HubMirror:     "https://github.com/aquasecurity/btfhub-archive/raw/main",
			},
		},
		PackageManager: PackageManagerConfig{
			Timeout: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Enable: true,
			Addr:   "127.0.0.1:9090",
		},
	}
}

func defaultStateDir(home string) string {
	if home == "" {
		return filepath.Join(os.TempDir(), "hdas")
	}
	return filepath.Join(home, ".local", "state", "hdas")
}

func defaultBTFCacheDir() string {
	if _, err := os.Stat("/var/cache"); err == nil || os.IsPermission(err) {
		return "/var/cache/hdas/btf"
	}
	return filepath.Join(os.TempDir(), "hdas", "btf")
}

// Load reads the declarative configuration file at path (if it exists),
// layers HDAS_-prefixed environment variables on top, and returns the
// resulting snapshot plus any non-fatal warnings. An unreadable or
// malformed file with a type mismatch is a fatal error; unknown keys and an
// empty monitored_dirs list are warnings only (spec §6, §7).
func Load(path string) (*Config, []Warning, error) {
	v := viper.New()
	v.SetEnvPrefix("HDAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var warnings []Warning

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if os.IsNotExist(err) {
				warnings = append(warnings, Warning{Message: fmt.Sprintf("config file %s not found, using defaults", path)})
			} else {
				return nil, nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	for _, key := range v.AllKeys() {
		top := strings.SplitN(key, ".", 2)[0]
		if _, ok := knownKeys[top]; !ok {
			warnings = append(warnings, Warning{Message: fmt.Sprintf("unknown configuration key %q", key)})
		}
	}

	cfg := DefaultConfig()

	if v.IsSet("tracking_depth") {
		depth, err := toInt(v.Get("tracking_depth"))
		if err != nil {
			return nil, nil, fmt.Errorf("tracking_depth: %w", err)
		}
		cfg.TrackingDepth = depth
	}
	if v.IsSet("auto_prune") {
		cfg.AutoPrune = v.GetBool("auto_prune")
	}
	if v.IsSet("store_path") {
		s, ok := v.Get("store_path").(string)
		if !ok {
			return nil, nil, fmt.Errorf("store_path: expected string")
		}
		cfg.StorePath = s
	}
	if v.IsSet("ignored_processes") {
		set, err := toStringSet(v.Get("ignored_processes"))
		if err != nil {
			return nil, nil, fmt.Errorf("ignored_processes: %w", err)
		}
		cfg.IgnoredProcesses = set
	}
	if v.IsSet("ignored_packages") {
		set, err := toStringSet(v.Get("ignored_packages"))
		if err != nil {
			return nil, nil, fmt.Errorf("ignored_packages: %w", err)
		}
		cfg.IgnoredPackages = set
	}
	if v.IsSet("monitored_dirs") {
		dirs, err := toMonitoredDirs(v.Get("monitored_dirs"))
		if err != nil {
			return nil, nil, fmt.Errorf("monitored_dirs: %w", err)
		}
		if len(dirs) == 0 {
			warnings = append(warnings, Warning{Message: "monitored_dirs is empty, no paths will be tracked"})
		}
		cfg.MonitoredDirs = dirs
	}
	if v.IsSet("probe.program_path") {
		cfg.Probe.ProgramPath = v.GetString("probe.program_path")
	}
	if v.IsSet("probe.event_buffer_size") {
		cfg.Probe.EventBufferSize = v.GetInt("probe.event_buffer_size")
	}
	if v.IsSet("probe.btf.cache_dir") {
		cfg.Probe.BTF.CacheDir = v.GetString("probe.btf.cache_dir")
	}
	if v.IsSet("probe.btf.allow_download") {
		cfg.Probe.BTF.AllowDownload = v.GetBool("probe.btf.allow_download")
	}
	if v.IsSet("probe.btf.hub_mirror") {
		cfg.Probe.BTF.HubMirror = v.GetString("probe.btf.hub_mirror")
	}
	if v.IsSet("package_manager.backend") {
		cfg.PackageManager.Backend = v.GetString("package_manager.backend")
	}
	if v.IsSet("package_manager.timeout") {
		cfg.PackageManager.Timeout = v.GetDuration("package_manager.timeout")
	}
	if v.IsSet("metrics.enable") {
		cfg.Metrics.Enable = v.GetBool("metrics.enable")
	}
	if v.IsSet("metrics.addr") {
		cfg.Metrics.Addr = v.GetString("metrics.addr")
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return cfg, warnings, nil
}

func toInt(raw interface{}) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", raw)
	}
}

func toStringSet(raw interface{}) (map[string]struct{}, error) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a list of strings, got %T", raw)
	}
	out := make(map[string]struct{}, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("expected string entries, got %T", item)
		}
		out[s] = struct{}{}
	}
	return out, nil
}

func toMonitoredDirs(raw interface{}) ([]MonitoredDir, error) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a list, got %T", raw)
	}
	out := make([]MonitoredDir, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case string:
			out = append(out, MonitoredDir{Path: v, Depth: -1})
		case map[string]interface{}:
			md := MonitoredDir{Depth: -1}
			p, ok := v["path"].(string)
			if !ok {
				return nil, fmt.Errorf("monitored dir entry missing string path")
			}
			md.Path = p
			if depthRaw, ok := v["depth"]; ok {
				depth, err := toInt(depthRaw)
				if err != nil {
					return nil, fmt.Errorf("depth: %w", err)
				}
				md.Depth = depth
			}
			out = append(out, md)
		default:
			return nil, fmt.Errorf("expected string or mapping entry, got %T", item)
		}
	}
	return out, nil
}

// Validate checks internal consistency of a loaded configuration.
func (c *Config) Validate() error {
	if c.TrackingDepth < 0 {
		return fmt.Errorf("tracking_depth must be >= 0, got %d", c.TrackingDepth)
	}
	if c.StorePath == "" {
		return fmt.Errorf("store_path must not be empty")
	}
	if c.PackageManager.Timeout <= 0 {
		return fmt.Errorf("package_manager.timeout must be positive")
	}
	if c.Probe.EventBufferSize <= 0 {
		return fmt.Errorf("probe.event_buffer_size must be positive")
	}
	for _, d := range c.MonitoredDirs {
		if d.Path == "" {
			return fmt.Errorf("monitored dir entry has empty path")
		}
	}
	return nil
}
