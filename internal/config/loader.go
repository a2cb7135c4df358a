package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: "TETHER",
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "TETHER",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (TETHER_*)
// 3. Project config (.tether/config.yaml in current directory)
// 4. User config (~/.config/tether/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		if _, err := os.Stat(l.configFile); os.IsNotExist(err) {
			// Explicit path that does not exist yet: run on defaults, the
			// same behavior as no config file at all.
			var cfg Config
			if err := l.v.Unmarshal(&cfg); err != nil {
				return nil, fmt.Errorf("unmarshaling config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return &cfg, nil
		}
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".tether")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "tether"))
		}
	}

	// Read config file (ignore not found)
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	// Log defaults
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	// Monitor defaults
	l.v.SetDefault("monitor.heartbeat_interval", "5s")
	l.v.SetDefault("monitor.low_power_interval", "15s")
	l.v.SetDefault("monitor.probe_timeout", "5s")
	l.v.SetDefault("monitor.inactivity_threshold", "30s")
	l.v.SetDefault("monitor.failure_threshold", 3)
	l.v.SetDefault("monitor.high_latency", "200ms")
	l.v.SetDefault("monitor.session_timeout", "20m")
	l.v.SetDefault("monitor.predict_window", "5m")

	// Reconnect defaults
	l.v.SetDefault("reconnect.enabled", true)
	l.v.SetDefault("reconnect.max_attempts", 5)
	l.v.SetDefault("reconnect.base_delay", "1s")
	l.v.SetDefault("reconnect.max_delay", "16s")
	l.v.SetDefault("reconnect.aggressive_mode", false)
	l.v.SetDefault("reconnect.aggressive_attempts", 3)
	l.v.SetDefault("reconnect.aggressive_interval", "500ms")
	l.v.SetDefault("reconnect.preemptive_threshold", "2m")

	// Concurrency limits
	l.v.SetDefault("limits.max_sessions_per_target", 3)
	l.v.SetDefault("limits.max_total_sessions", 10)

	// Governor defaults. The conservative ceiling pair; raise to 50MB/2%
	// on hosts where the broker plugin is memory-hungry.
	l.v.SetDefault("governor.sample_interval", "10s")
	l.v.SetDefault("governor.memory_limit_mb", 10.0)
	l.v.SetDefault("governor.cpu_limit_percent", 0.5)
	l.v.SetDefault("governor.stability_window", 3)

	// Diagnostics defaults
	l.v.SetDefault("diagnostics.parallel", true)
	l.v.SetDefault("diagnostics.parallelism", 4)
	l.v.SetDefault("diagnostics.timeout", "30s")
	l.v.SetDefault("diagnostics.stale_ping", "10m")
	l.v.SetDefault("diagnostics.abort_on_critical", true)

	// Auto-fix defaults
	l.v.SetDefault("autofix.unattended", false)
	l.v.SetDefault("autofix.registration_interval", "3s")
	l.v.SetDefault("autofix.registration_timeout", "5m")
	l.v.SetDefault("autofix.agent_verify_timeout", "1m")

	// Store defaults
	l.v.SetDefault("store.driver", "sqlite")
	l.v.SetDefault("store.path", ".tether/state/sessions.db")

	// API defaults
	l.v.SetDefault("api.addr", "127.0.0.1:7820")
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}
