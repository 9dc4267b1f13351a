// Package config resolves daemon configuration from environment
// variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults for tunables that are rarely overridden.
const (
	DefaultPrefix           = "."
	DefaultStaleness        = 45 * time.Second
	DefaultDedupTTL         = 60 * time.Second
	DefaultCacheRetention   = 40 * time.Minute
	DefaultCacheFlushDelay  = 1 * time.Second
	DefaultCachePrune       = 2 * time.Minute
	DefaultReconnectBase    = 2 * time.Second
	DefaultReconnectCap     = 30 * time.Second
	DefaultReloadDebounce   = 350 * time.Millisecond
	DefaultRateLimitBurst   = 6
	DefaultRateLimitWindow  = 30 * time.Second
	DefaultCredentialMarker = "CHIRP;;;"
)

// defaultCredentialEnvVars is the ordered list of environment variables
// probed for an out-of-band credential string.
var defaultCredentialEnvVars = []string{"CHIRP_SESSION", "SESSION_DATA", "WA_SESSION"}

// Config is the resolved daemon configuration.
type Config struct {
	Prefix     string
	OwnerJID   string
	DataDir    string
	PluginsDir string
	Footer     string

	CredentialEnvVars []string
	AutoJoinGroups    []string
	FollowChannels    []string

	Staleness       time.Duration
	DedupTTL        time.Duration
	CacheRetention  time.Duration
	CacheFlushDelay time.Duration
	CachePrune      time.Duration
	ReconnectBase   time.Duration
	ReconnectCap    time.Duration
	ReloadDebounce  time.Duration

	RateLimitBurst  int
	RateLimitWindow time.Duration

	StatusAutoView bool
	StatusReact    string

	LogLevel string
	LogDev   bool
}

// Load resolves configuration with the following priority: environment
// variables (CHIRP_ prefix), then the config file if present, then
// defaults. cfgFile may be empty, in which case chirp.yaml in the
// working directory or data dir is tried and skipped when absent.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHIRP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("prefix", DefaultPrefix)
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("plugins_dir", "plugins")
	v.SetDefault("footer", "")
	v.SetDefault("owner_jid", "")
	v.SetDefault("credential_env_vars", strings.Join(defaultCredentialEnvVars, ","))
	v.SetDefault("auto_join_groups", "")
	v.SetDefault("follow_channels", "")
	v.SetDefault("staleness", DefaultStaleness)
	v.SetDefault("dedup_ttl", DefaultDedupTTL)
	v.SetDefault("cache_retention", DefaultCacheRetention)
	v.SetDefault("cache_flush_delay", DefaultCacheFlushDelay)
	v.SetDefault("cache_prune", DefaultCachePrune)
	v.SetDefault("reconnect_base", DefaultReconnectBase)
	v.SetDefault("reconnect_cap", DefaultReconnectCap)
	v.SetDefault("reload_debounce", DefaultReloadDebounce)
	v.SetDefault("rate_limit_burst", DefaultRateLimitBurst)
	v.SetDefault("rate_limit_window", DefaultRateLimitWindow)
	v.SetDefault("status_auto_view", true)
	v.SetDefault("status_react", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_dev", false)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	} else {
		v.SetConfigName("chirp")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(defaultDataDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{
		Prefix:            v.GetString("prefix"),
		OwnerJID:          v.GetString("owner_jid"),
		DataDir:           v.GetString("data_dir"),
		PluginsDir:        v.GetString("plugins_dir"),
		Footer:            v.GetString("footer"),
		CredentialEnvVars: SplitList(v.GetString("credential_env_vars")),
		AutoJoinGroups:    SplitList(v.GetString("auto_join_groups")),
		FollowChannels:    SplitList(v.GetString("follow_channels")),
		Staleness:         v.GetDuration("staleness"),
		DedupTTL:          v.GetDuration("dedup_ttl"),
		CacheRetention:    v.GetDuration("cache_retention"),
		CacheFlushDelay:   v.GetDuration("cache_flush_delay"),
		CachePrune:        v.GetDuration("cache_prune"),
		ReconnectBase:     v.GetDuration("reconnect_base"),
		ReconnectCap:      v.GetDuration("reconnect_cap"),
		ReloadDebounce:    v.GetDuration("reload_debounce"),
		RateLimitBurst:    v.GetInt("rate_limit_burst"),
		RateLimitWindow:   v.GetDuration("rate_limit_window"),
		StatusAutoView:    v.GetBool("status_auto_view"),
		StatusReact:       v.GetString("status_react"),
		LogLevel:          v.GetString("log_level"),
		LogDev:            v.GetBool("log_dev"),
	}

	if cfg.Prefix == "" {
		return nil, fmt.Errorf("command prefix must not be empty")
	}
	return cfg, nil
}

// CredentialString probes the configured environment variables in order
// and returns the first non-empty value.
func (c *Config) CredentialString() string {
	for _, name := range c.CredentialEnvVars {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}

// CachePath returns the durable message-cache file path.
func (c *Config) CachePath() string {
	return filepath.Join(c.DataDir, "messages.json")
}

// SettingsPath returns the settings database path.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.DataDir, "settings.db")
}

// AuthDir returns the credential store directory.
func (c *Config) AuthDir() string {
	return filepath.Join(c.DataDir, "auth")
}

// SplitList splits a comma- or newline-delimited list, trimming blanks.
func SplitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chirp"
	}
	return filepath.Join(home, ".chirp")
}
