// Package config holds the tunnel's runtime settings.
package config

import (
	"fmt"
	"net"

	"dario.cat/mergo"
	"github.com/r3labs/diff/v2"
	"github.com/spf13/viper"

	"github.com/xmplusdev/xmplus-tunnel/api"
	"github.com/xmplusdev/xmplus-tunnel/helper/dnscache"
	"github.com/xmplusdev/xmplus-tunnel/helper/limiter"
	"github.com/xmplusdev/xmplus-tunnel/tunnel"
)

type Config struct {
	Log     LogConfig     `mapstructure:"Log"`
	Tunnel  TunnelConfig  `mapstructure:"Tunnel"`
	Metrics MetricsConfig `mapstructure:"Metrics"`
	Report  api.Config    `mapstructure:"Report"`
	Cache   CacheConfig   `mapstructure:"Cache"`
}

type LogConfig struct {
	Level  string `mapstructure:"Level"`
	Format string `mapstructure:"Format"`
	Output string `mapstructure:"Output"`
}

type TunnelConfig struct {
	Listen string `mapstructure:"Listen"`
	// RateLimit is bytes per second; 0 disables throttling.
	RateLimit      float64 `mapstructure:"RateLimit"`
	Burst          int     `mapstructure:"Burst"`
	LimiterScope   string  `mapstructure:"LimiterScope"`
	BucketPolicy   string  `mapstructure:"BucketPolicy"`
	DialTimeout    int     `mapstructure:"DialTimeout"`
	MaxConnections int     `mapstructure:"MaxConnections"`
	BufferSize     int     `mapstructure:"BufferSize"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"Listen"`
	Path   string `mapstructure:"Path"`
}

type CacheConfig struct {
	TTL   int                   `mapstructure:"TTL"`
	Redis *dnscache.RedisConfig `mapstructure:"Redis"`
}

func getDefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tunnel: TunnelConfig{
			Listen:       "127.0.0.1:8080",
			LimiterScope: string(limiter.ScopeSession),
			BucketPolicy: string(tunnel.BucketShared),
			DialTimeout:  10,
			BufferSize:   tunnel.DefaultBufferSize,
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Report: api.Config{
			Timeout:  30,
			Interval: 60,
		},
		Cache: CacheConfig{
			TTL: 300,
		},
	}
}

// Load decodes the settings viper has read and fills in defaults.
func Load(v *viper.Viper) (*Config, error) {
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("parse config file %s failed: %w", v.ConfigFileUsed(), err)
	}
	if err := mergo.Merge(c, getDefaultConfig()); err != nil {
		return nil, fmt.Errorf("apply config defaults failed: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Tunnel.Listen); err != nil {
		return fmt.Errorf("invalid Tunnel.Listen %q: %w", c.Tunnel.Listen, err)
	}
	if c.Tunnel.RateLimit < 0 {
		return fmt.Errorf("Tunnel.RateLimit must not be negative, got %v", c.Tunnel.RateLimit)
	}
	if c.Tunnel.Burst < 0 {
		return fmt.Errorf("Tunnel.Burst must not be negative, got %d", c.Tunnel.Burst)
	}
	if _, err := limiter.ParseScope(c.Tunnel.LimiterScope); err != nil {
		return err
	}
	if _, err := tunnel.ParseBucketPolicy(c.Tunnel.BucketPolicy); err != nil {
		return err
	}
	if c.Tunnel.MaxConnections < 0 {
		return fmt.Errorf("Tunnel.MaxConnections must not be negative, got %d", c.Tunnel.MaxConnections)
	}
	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("invalid Metrics.Listen %q: %w", c.Metrics.Listen, err)
		}
	}
	if c.Report.APIHost != "" && c.Report.NodeID <= 0 {
		return fmt.Errorf("Report.NodeID is required when Report.ApiHost is set")
	}
	if c.Report.APIHost != "" && c.Report.Interval <= 0 {
		return fmt.Errorf("Report.Interval must be positive, got %d", c.Report.Interval)
	}
	if c.Cache.Redis != nil && c.Cache.Redis.Enable && c.Cache.Redis.Addr == "" {
		return fmt.Errorf("Cache.Redis.Addr is required when Redis is enabled")
	}
	return nil
}

// Diff lists the fields that differ between c and newConfig.
func (c *Config) Diff(newConfig *Config) (diff.Changelog, error) {
	return diff.Diff(c, newConfig)
}

// NeedsRestart reports whether changes touch anything a running tunnel
// cannot pick up in place. Log settings and the rate limit apply live.
func NeedsRestart(changes diff.Changelog) bool {
	for _, change := range changes {
		switch {
		case len(change.Path) > 0 && change.Path[0] == "Log":
		case len(change.Path) == 2 && change.Path[0] == "Tunnel" && change.Path[1] == "RateLimit":
		default:
			return true
		}
	}
	return false
}
