package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/statupdate/types"
)

// NewApp returns the stat-update CLI. Without a command it serves.
func NewApp(commit string) *cli.App {
	return &cli.App{
		Name:      types.ServiceName,
		Usage:     "Redirect gem downloads to their mirror and count them in Redis",
		UsageText: types.ServiceName + " [-h prefix] [-p port] [-r redis-host] [options]\n" + types.ServiceName + " <command> [options]",
		Version:   fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		Flags:     ServeFlags(),
		Action:    serveAction,
		Commands: []*cli.Command{
			StatsCommand(),
			VersionCommand(commit),
		},
	}
}
