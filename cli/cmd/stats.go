package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/statupdate/agent"
	"github.com/pithecene-io/statupdate/cli/render"
	"github.com/pithecene-io/statupdate/telemetry"
)

// statsTimeout bounds the whole stats read.
const statsTimeout = 10 * time.Second

// DownloadStats are the download counters for one version on one day.
type DownloadStats struct {
	Version string `json:"version" yaml:"version"`
	// Name is the canonical gem name; empty when the version is unknown.
	Name  string `json:"name" yaml:"name"`
	Date  string `json:"date" yaml:"date"`
	Total int64  `json:"total" yaml:"total"`
	Gem   int64  `json:"gem" yaml:"gem"`
	// VersionTotal counts every download of this version.
	VersionTotal int64 `json:"version_total" yaml:"version_total"`
	// VersionOnDate counts downloads of this version on Date.
	VersionOnDate int64 `json:"version_on_date" yaml:"version_on_date"`
}

// UsageCount is one client-agent token count for a day.
type UsageCount struct {
	Family string `json:"family" yaml:"family"`
	Value  string `json:"value" yaml:"value"`
	Count  int64  `json:"count" yaml:"count"`
}

// StatsReport is the stats command output.
type StatsReport struct {
	Downloads DownloadStats `json:"downloads" yaml:"downloads"`
	Usage     []UsageCount  `json:"usage" yaml:"usage"`
}

// StatsCommand returns the stats command. It only reads from Redis.
func StatsCommand() *cli.Command {
	flags := append([]cli.Flag{
		&cli.StringFlag{
			Name:     "version",
			Aliases:  []string{"V"},
			Usage:    "Gem version full name, e.g. rails-7.1.3",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "date",
			Usage: "Day to report (YYYY-MM-DD, default today in UTC)",
		},
	}, redisFlags()...)

	return &cli.Command{
		Name:   "stats",
		Usage:  "Show download and client usage counters for a gem version",
		Flags:  append(flags, ReadOnlyFlags()...),
		Action: statsAction,
	}
}

func statsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	date := c.String("date")
	if date == "" {
		date = time.Now().UTC().Format(telemetry.DateLayout)
	} else if _, err := time.Parse(telemetry.DateLayout, date); err != nil {
		return fmt.Errorf("invalid --date %q: expected YYYY-MM-DD", date)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	errWriter := c.App.ErrWriter
	if errWriter == nil {
		errWriter = os.Stderr
	}
	logger, err := newLogger(cfg, errWriter)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	client := goredis.NewClient(&goredis.Options{
		Addr:            cfg.Redis.Addr(),
		Protocol:        2,
		DialTimeout:     cfg.Redis.ConnectTimeout.Duration,
		DisableIdentity: true,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(c.Context, statsTimeout)
	defer cancel()

	report, err := readStats(ctx, client, c.String("version"), date)
	if err != nil {
		return fmt.Errorf("reading counters from %s: %w", cfg.Redis.Addr(), err)
	}
	if report.Downloads.Name == "" {
		sugar.Warnf("version %s has no canonical gem name in %s; gem counter reported as 0",
			report.Downloads.Version, telemetry.NameKey(report.Downloads.Version))
	}

	if r.Format() != render.FormatTable {
		return r.Render(report)
	}
	r.Title("Downloads")
	if err := r.Render(report.Downloads); err != nil {
		return err
	}
	r.Title("Client usage on " + date)
	return r.Render(report.Usage)
}

// readStats gathers the counters written by the telemetry pipeline for
// fullName on date. Missing keys read as zero.
func readStats(ctx context.Context, client goredis.Cmdable, fullName, date string) (*StatsReport, error) {
	name, err := client.HGet(ctx, telemetry.NameKey(fullName), "name").Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, err
	}

	var (
		total, gem, version, onDate *goredis.StringCmd
		usage                       = make(map[agent.Family]*goredis.MapStringStringCmd)
	)
	_, err = client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		total = pipe.Get(ctx, telemetry.DownloadsKey)
		if name != "" {
			gem = pipe.Get(ctx, telemetry.GemKey(name))
		}
		version = pipe.Get(ctx, telemetry.VersionKey(fullName))
		onDate = pipe.HGet(ctx, telemetry.VersionHistoryKey(fullName), date)
		for _, f := range agent.Families() {
			usage[f] = pipe.HGetAll(ctx, telemetry.UsageKey(f, date))
		}
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, err
	}

	report := &StatsReport{
		Downloads: DownloadStats{Version: fullName, Name: name, Date: date},
		Usage:     []UsageCount{},
	}
	for _, field := range []struct {
		dst *int64
		cmd *goredis.StringCmd
	}{
		{&report.Downloads.Total, total},
		{&report.Downloads.Gem, gem},
		{&report.Downloads.VersionTotal, version},
		{&report.Downloads.VersionOnDate, onDate},
	} {
		n, err := counter(field.cmd)
		if err != nil {
			return nil, err
		}
		*field.dst = n
	}

	for _, f := range agent.Families() {
		counts, err := usage[f].Result()
		if err != nil {
			return nil, err
		}
		rows := make([]UsageCount, 0, len(counts))
		for value, raw := range counts {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%s field %q: %w", telemetry.UsageKey(f, date), value, err)
			}
			rows = append(rows, UsageCount{Family: string(f), Value: value, Count: n})
		}
		sort.Slice(rows, func(i, j int) bool {
			if rows[i].Count != rows[j].Count {
				return rows[i].Count > rows[j].Count
			}
			return rows[i].Value < rows[j].Value
		})
		report.Usage = append(report.Usage, rows...)
	}
	return report, nil
}

// counter reads an integer reply. A nil command or missing key is zero.
func counter(cmd *goredis.StringCmd) (int64, error) {
	if cmd == nil {
		return 0, nil
	}
	n, err := cmd.Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	return n, err
}
