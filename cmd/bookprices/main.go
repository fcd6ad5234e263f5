package main

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/alecthomas/kong"

	"github.com/bookprices/bookprices/config"
)

// CLI is the bookprices command tree.
type CLI struct {
	Database    string `help:"Path to the SQLite catalog database" default:"${database}"`
	SitesFile   string `help:"YAML site table to use instead of the built-in one" default:"${sites_file}"`
	MetricsAddr string `help:"Prometheus metrics listen address (e.g. :9090)" default:"${metrics_addr}"`
	Verbose     bool   `short:"v" help:"Enable verbose logging"`

	Scrape    ScrapeCmd    `cmd:"" help:"Scrape every catalog URL and record today's prices"`
	UpdateMin UpdateMinCmd `cmd:"" name:"update-min" help:"Recompute minimum prices from the whole price history"`
	Import    ImportCmd    `cmd:"" help:"Add books from a CSV file, skipping isbns already in the catalog"`
	Find      FindCmd      `cmd:"" help:"Search the catalog for text in any column"`
	Wipe      WipeCmd      `cmd:"" help:"Remove a book and its whole price history"`
	Sites     SitesCmd     `cmd:"" help:"List supported bookstores"`
	Price     PriceCmd     `cmd:"" help:"Look up the current price at a single product URL"`
}

func main() {
	cfg := config.DefaultConfig()
	cfg.ApplyEnv()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("bookprices"),
		kong.Description("Track book prices across online bookstores."),
		kong.UsageOnError(),
		configVars(cfg),
	)

	logger, level := newLogger(cli.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	cfg.DatabasePath = cli.Database
	cfg.SitesFile = cli.SitesFile
	cfg.MetricsAddr = cli.MetricsAddr
	cfg.Verbose = cli.Verbose

	if err := ctx.Run(&App{cfg: cfg}); err != nil {
		slog.Error("command failed", slog.String("command", ctx.Command()), slog.Any("error", err))
		os.Exit(1)
	}
}

// configVars exposes config defaults to the flag definitions.
func configVars(cfg *config.Config) kong.Vars {
	return kong.Vars{
		"database":            cfg.DatabasePath,
		"sites_file":          cfg.SitesFile,
		"metrics_addr":        cfg.MetricsAddr,
		"parallelism":         strconv.Itoa(cfg.Parallelism),
		"browser_parallelism": strconv.Itoa(cfg.BrowserParallelism),
		"delay":               cfg.Delay.String(),
		"random_delay":        cfg.RandomDelay.String(),
		"timeout":             cfg.Timeout.String(),
		"navigation_timeout":  cfg.NavigationTimeout.String(),
		"element_timeout":     cfg.ElementTimeout.String(),
		"headless":            strconv.FormatBool(cfg.Headless),
		"browser_bin":         cfg.BrowserBin,
		"browser_launches":    strconv.FormatFloat(cfg.BrowserLaunches, 'g', -1, 64),
		"cache_size":          strconv.Itoa(cfg.DocumentCacheSize),
		"cache_ttl":           cfg.DocumentCacheTTL.String(),
		"output_format":       cfg.OutputFormat,
		"user_agent":          cfg.UserAgent,
	}
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
