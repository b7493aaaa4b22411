// Package config loads the bridge daemon's configuration (spec §6): the
// recognized BRIDGE_* environment variables, with defaults matching
// spec §6 exactly, plus an optional TOML/YAML config file that can
// override any of them.
//
// Grounded on nabbar-golib's viper-based component config pattern
// (config/components/*/config.go, each of which binds a flat set of
// env-overridable settings through a single viper instance). fsnotify
// is wired transitively through viper.WatchConfig, letting a running
// daemon pick up a config file edit (log level, resource limits)
// without a restart.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	SocketPath                string
	StateDir                  string
	MaxConcurrentRequests     int
	MaxRequestsPerMinute      int
	MaxMemoryMB               int
	MaxCPUPercent             float64
	StaleTimeoutSeconds       int
	ResourceCheckIntervalSecs int
	Debug                     bool
	EtcdEndpoints             []string
}

// defaults mirrors spec §6's env var table.
var defaults = map[string]any{
	"socket_path":                 "/tmp/bridged/bridge.sock",
	"state_dir":                   "/tmp/bridged/state",
	"max_concurrent_requests":     100,
	"max_requests_per_minute":     2000,
	"max_memory_mb":               1024,
	"max_cpu_percent":             200.0,
	"stale_timeout_s":             300,
	"resource_check_interval_s":   60,
	"debug":                       false,
	"etcd_endpoints":              "",
}

// Loader wraps a viper instance bound to the BRIDGE_ env prefix. Kept
// alive after Load so Watch can later attach a change callback to the
// same instance.
type Loader struct {
	v *viper.Viper
}

// NewLoader builds a Loader with spec §6's defaults applied and
// BRIDGE_* environment variables bound. configFile may be empty — when
// set, it is read in and merged over the defaults (env vars still take
// precedence, matching viper's built-in priority order).
func NewLoader(configFile string) (*Loader, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix("bridge")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	return &Loader{v: v}, nil
}

// Load resolves the final Config from defaults, config file, and
// environment, in viper's standard override order.
func (l *Loader) Load() (Config, error) {
	cfg := Config{
		SocketPath:                l.v.GetString("socket_path"),
		StateDir:                  l.v.GetString("state_dir"),
		MaxConcurrentRequests:     l.v.GetInt("max_concurrent_requests"),
		MaxRequestsPerMinute:      l.v.GetInt("max_requests_per_minute"),
		MaxMemoryMB:               l.v.GetInt("max_memory_mb"),
		MaxCPUPercent:             l.v.GetFloat64("max_cpu_percent"),
		StaleTimeoutSeconds:       l.v.GetInt("stale_timeout_s"),
		ResourceCheckIntervalSecs: l.v.GetInt("resource_check_interval_s"),
		Debug:                     l.v.GetBool("debug"),
	}
	if raw := l.v.GetString("etcd_endpoints"); raw != "" {
		cfg.EtcdEndpoints = strings.Split(raw, ",")
	}

	if cfg.SocketPath == "" {
		return Config{}, fmt.Errorf("config: socket_path must not be empty")
	}
	if cfg.StateDir == "" {
		return Config{}, fmt.Errorf("config: state_dir must not be empty")
	}
	return cfg, nil
}

// MaxMemoryBytes converts the configured megabyte limit into the byte
// count resource.Limits expects.
func (c Config) MaxMemoryBytes() uint64 {
	return uint64(c.MaxMemoryMB) * 1024 * 1024
}

// StaleTimeout is StaleTimeoutSeconds as a time.Duration.
func (c Config) StaleTimeout() time.Duration {
	return time.Duration(c.StaleTimeoutSeconds) * time.Second
}

// ResourceCheckInterval is ResourceCheckIntervalSecs as a time.Duration.
func (c Config) ResourceCheckInterval() time.Duration {
	return time.Duration(c.ResourceCheckIntervalSecs) * time.Second
}

// Watch re-invokes onChange with the freshly reloaded Config every time
// the backing config file changes on disk. It is a no-op if the Loader
// was built without a config file. Errors from reloading are passed to
// onChange's error return rather than panicking the watcher goroutine,
// so a momentarily-invalid edit (e.g. a half-written save) doesn't kill
// config watching for the rest of the daemon's life.
func (l *Loader) Watch(onChange func(Config, error)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.Load()
		onChange(cfg, err)
	})
	l.v.WatchConfig()
}
