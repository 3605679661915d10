package telemetry

import (
	"strings"

	"github.com/pithecene-io/statupdate/agent"
)

// Counter keys. Readers such as the stats command share these with the
// commands below.
const (
	DownloadsKey    = "downloads"
	AllDownloadsKey = "downloads:all"
)

// NameKey is the hash holding the canonical gem name of a version.
func NameKey(fullName string) string { return "v:" + fullName }

// GemKey counts downloads of every version of a gem.
func GemKey(name string) string { return "downloads:rubygem:" + name }

// VersionKey counts downloads of one version.
func VersionKey(fullName string) string { return "downloads:version:" + fullName }

// TodayKey is the per-day sorted set of versions by downloads.
func TodayKey(day string) string { return "downloads:today:" + day }

// VersionHistoryKey is the per-version hash of downloads by day.
func VersionHistoryKey(fullName string) string { return "downloads:version_history:" + fullName }

// GemHistoryKey is the per-gem hash of downloads by day.
func GemHistoryKey(name string) string { return "downloads:rubygem_history:" + name }

// UsageKey is the per-day hash of client-agent token counts for family.
func UsageKey(family agent.Family, day string) string {
	return "usage:" + string(family) + ":" + day
}

// Command is one backend command as its argument words.
type Command []string

// String renders the command space-separated, as it would be typed into a
// Redis shell.
func (c Command) String() string { return strings.Join(c, " ") }

// Args converts the command for clients that take variadic any arguments.
func (c Command) Args() []any {
	args := make([]any, len(c))
	for i, w := range c {
		args[i] = w
	}
	return args
}

// LookupCommand resolves the canonical gem name for a version.
func LookupCommand(fullName string) Command {
	return Command{"HGET", NameKey(fullName), "name"}
}

// UsageCommand counts one client-agent token for the day.
func UsageCommand(today string, tok agent.Token) Command {
	return Command{"HINCRBY", UsageKey(tok.Family, today), tok.Value, "1"}
}

// DownloadCommands returns the seven counters bumped for one download once
// the canonical name is known.
func DownloadCommands(name, fullName, today string) []Command {
	return []Command{
		{"INCR", DownloadsKey},
		{"INCR", GemKey(name)},
		{"INCR", VersionKey(fullName)},
		{"ZINCRBY", TodayKey(today), "1", fullName},
		{"ZINCRBY", AllDownloadsKey, "1", fullName},
		{"HINCRBY", VersionHistoryKey(fullName), today, "1"},
		{"HINCRBY", GemHistoryKey(name), today, "1"},
	}
}
