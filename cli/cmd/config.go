package cmd

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/statupdate/cli/config"
)

// loadConfig builds the configuration for c: defaults, then the --config
// file when given, then every flag the user set explicitly. Flags left at
// their default never override the file.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	cfg.HTTP.Prefix = resolveString(c, "prefix", cfg.HTTP.Prefix)
	cfg.HTTP.Port = resolveInt(c, "port", cfg.HTTP.Port)
	cfg.Redis.Host = resolveString(c, "redis-host", cfg.Redis.Host)
	cfg.Redis.Port = resolveInt(c, "redis-port", cfg.Redis.Port)
	cfg.Redis.RetryDelay.Duration = resolveDuration(c, "redis-retry-delay", cfg.Redis.RetryDelay.Duration)
	cfg.Metrics.Addr = resolveString(c, "metrics-addr", cfg.Metrics.Addr)
	cfg.Log.Level = resolveString(c, "log-level", cfg.Log.Level)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveString returns the flag value if it was set on the command line,
// otherwise fallback.
func resolveString(c *cli.Context, name, fallback string) string {
	if c.IsSet(name) {
		return c.String(name)
	}
	return fallback
}

func resolveInt(c *cli.Context, name string, fallback int) int {
	if c.IsSet(name) {
		return c.Int(name)
	}
	return fallback
}

func resolveDuration(c *cli.Context, name string, fallback time.Duration) time.Duration {
	if c.IsSet(name) {
		return c.Duration(name)
	}
	return fallback
}
