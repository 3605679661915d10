// Package cmd provides the stat-update CLI commands.
package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/statupdate/backend"
	"github.com/pithecene-io/statupdate/cli/config"
	"github.com/pithecene-io/statupdate/server"
)

func init() {
	// -h belongs to --prefix.
	cli.HelpFlag = &cli.BoolFlag{
		Name:               "help",
		Usage:              "show help",
		DisableDefaultText: true,
	}
}

// Shared flags for read-only commands.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}
)

// ReadOnlyFlags returns the shared flags for all read-only commands.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
	}
}

// redisFlags address the counters backend. Defaults mirror config.Default so
// --help shows them; only explicitly set flags override a config file.
func redisFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "redis-host",
			Aliases: []string{"r"},
			Usage:   "Redis host holding the download counters",
			Value:   config.DefaultRedisHost,
		},
		&cli.IntFlag{
			Name:  "redis-port",
			Usage: "Redis port",
			Value: backend.DefaultPort,
		},
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to a stat-update.yaml config file",
		},
	}
}

// ServeFlags returns the flags of the root (serve) action.
func ServeFlags() []cli.Flag {
	return append([]cli.Flag{
		&cli.StringFlag{
			Name:    "prefix",
			Aliases: []string{"h"},
			Usage:   "URL prefix the redirect Location is built on",
			Value:   server.DefaultPrefix,
		},
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "HTTP listen port",
			Value:   config.DefaultHTTPPort,
		},
		&cli.DurationFlag{
			Name:  "redis-retry-delay",
			Usage: "Wait after a failed Redis connect before retrying",
			Value: backend.DefaultRetryDelay,
		},
		&cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "Serve Prometheus metrics at host:port/metrics (disabled when empty)",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level: debug, info, warn, error",
			Value: "info",
		},
	}, redisFlags()...)
}
