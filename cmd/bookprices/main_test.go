package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookprices/bookprices/config"
	"github.com/bookprices/bookprices/models"
)

func parseCLI(t *testing.T, cfg *config.Config, args ...string) (*CLI, *kong.Context) {
	t.Helper()

	cli := &CLI{}
	parser, err := kong.New(cli,
		kong.Name("bookprices"),
		kong.UsageOnError(),
		configVars(cfg),
		kong.Exit(func(code int) {
			t.Fatalf("unexpected Kong exit %d", code)
		}),
	)
	require.NoError(t, err)

	ctx, err := parser.Parse(args)
	require.NoError(t, err)
	return cli, ctx
}

func TestScrapeFlagsDefaultFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Parallelism = 3

	cli, ctx := parseCLI(t, cfg, "scrape", "--sequential", "--no-headless", "--timeout=5s")
	assert.Equal(t, "scrape", ctx.Command())
	assert.True(t, cli.Scrape.Sequential)
	assert.False(t, cli.Scrape.Headless)
	assert.Equal(t, 3, cli.Scrape.Parallel)
	assert.Equal(t, 5*time.Second, cli.Scrape.Timeout)
	assert.Equal(t, cfg.ElementTimeout, cli.Scrape.ElementTimeout)
	assert.Equal(t, "csv", cli.Scrape.Format)
	assert.Equal(t, cfg.DatabasePath, cli.Database)

	assert.Equal(t, cfg.BrowserLaunches, cli.Scrape.BrowserLaunches)

	cli.Scrape.apply(cfg)
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.Headless)
}

func TestScrapeBrowserLaunchesFlag(t *testing.T) {
	cfg := config.DefaultConfig()
	cli, _ := parseCLI(t, cfg, "scrape", "--browser-launches=0.25")
	assert.Equal(t, 0.25, cli.Scrape.BrowserLaunches)

	cli.Scrape.apply(cfg)
	assert.Equal(t, 0.25, cfg.BrowserLaunches)
	require.NoError(t, cfg.Validate())
}

func TestWipeArgument(t *testing.T) {
	cli, ctx := parseCLI(t, config.DefaultConfig(), "wipe", "9783866473256")
	assert.Equal(t, "wipe <isbn>", ctx.Command())
	assert.Equal(t, "9783866473256", cli.Wipe.ISBN)
}

func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "bookprices.db")
	out := &bytes.Buffer{}
	return &App{cfg: cfg, out: out}, out
}

func TestCatalogCommands(t *testing.T) {
	app, out := newTestApp(t)

	csvPath := filepath.Join(t.TempDir(), "books.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(
		"isbn,title,author,buecher\n"+
			"9783866473256,Der Process,Kafka,https://www.buecher.de/p/1\n"+
			"9788845292613,Il nome della rosa,Eco,\n"), 0o644))

	require.NoError(t, (&ImportCmd{File: csvPath}).Run(app))
	assert.Contains(t, out.String(), "imported 2 of 2 books")

	out.Reset()
	require.NoError(t, (&ImportCmd{File: csvPath}).Run(app))
	assert.Contains(t, out.String(), "imported 0 of 2 books")

	out.Reset()
	require.NoError(t, (&FindCmd{Text: "kafka"}).Run(app))
	assert.Contains(t, out.String(), "9783866473256")
	assert.NotContains(t, out.String(), "9788845292613")

	out.Reset()
	require.NoError(t, (&UpdateMinCmd{}).Run(app))
	assert.Contains(t, out.String(), "updated 2 books, 0 with a minimum price")

	out.Reset()
	require.NoError(t, (&WipeCmd{ISBN: "9783866473256"}).Run(app))
	out.Reset()
	require.NoError(t, (&FindCmd{Text: "kafka"}).Run(app))
	assert.NotContains(t, out.String(), "9783866473256")

	assert.Error(t, (&WipeCmd{ISBN: "123"}).Run(app))
}

func TestSitesCommand(t *testing.T) {
	app, out := newTestApp(t)

	require.NoError(t, (&SitesCmd{}).Run(app))
	assert.Contains(t, out.String(), "osiander")
	assert.Contains(t, out.String(), "dynamic")
}

func TestPrintSummary(t *testing.T) {
	start := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	result := &models.ScrapeResult{
		StartTime:    start,
		EndTime:      start.Add(2 * time.Second),
		TaskCount:    4,
		PriceCount:   2,
		AbsentCount:  1,
		ErrorCount:   1,
		FailedURLs:   []string{"https://www.hoepli.it/x"},
		ErrorsByType: map[string]int{"not_found": 1},
	}
	books := []models.Book{{ISBN: "a", MinPrice: models.Float(1)}, {ISBN: "b"}}

	var buf bytes.Buffer
	printSummary(&buf, result, books, "")
	assert.Contains(t, buf.String(), "Success rate:  75.00%")
	assert.Contains(t, buf.String(), "Books priced:  1/2")
	assert.NotContains(t, buf.String(), "Output file")
}

func TestExportObservations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.csv")
	date := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	observations := []models.PriceObservation{
		{ISBN: "9783866473256", Site: "buecher", Price: models.Float(7.95), Date: date},
		{ISBN: "9783866473256", Site: "buecher", Price: models.Float(7.95), Date: date},
		{ISBN: "9783866473256", Site: "osiander", Date: date},
	}

	require.NoError(t, exportObservations("csv", path, observations))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		"isbn,site,price,date\n"+
			"9783866473256,buecher,7.95,2024-03-09\n"+
			"9783866473256,osiander,,2024-03-09\n",
		string(data))
}

func TestExportNoObservations(t *testing.T) {
	for _, format := range []string{"csv", "json", "dual"} {
		t.Run(format, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "prices.csv")
			require.NoError(t, exportObservations(format, path, nil))
		})
	}
}

func TestScrapeEmptyCatalogWithJSONOutput(t *testing.T) {
	app, out := newTestApp(t)
	path := filepath.Join(t.TempDir(), "prices.json")

	cli, _ := parseCLI(t, app.cfg, "scrape", "--output", path, "--format", "json")
	require.NoError(t, cli.Scrape.Run(app))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Contains(t, out.String(), "Tasks:         0")
}
