package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bookprices/bookprices/config"
	"github.com/bookprices/bookprices/ledger"
	"github.com/bookprices/bookprices/models"
	"github.com/bookprices/bookprices/output"
	"github.com/bookprices/bookprices/scraper"
	"github.com/bookprices/bookprices/sites"
	"github.com/bookprices/bookprices/store"
)

// App carries what every command needs.
type App struct {
	cfg *config.Config
	out io.Writer
}

func (a *App) stdout() io.Writer {
	if a.out == nil {
		return os.Stdout
	}
	return a.out
}

func (a *App) registry() (*sites.Registry, error) {
	if a.cfg.SitesFile != "" {
		return sites.LoadRegistryFile(a.cfg.SitesFile)
	}
	return sites.DefaultRegistry()
}

func (a *App) openLedger(reg *sites.Registry) (*ledger.Ledger, func(), error) {
	s := store.NewSQLiteStore(a.cfg.DatabasePath)
	if err := s.Connect(); err != nil {
		return nil, nil, err
	}
	closeStore := func() {
		if err := s.Close(); err != nil {
			slog.Error("close database", slog.Any("error", err))
		}
	}
	return ledger.New(s, reg.IDs()), closeStore, nil
}

func (a *App) orchestrator(reg *sites.Registry, metrics *scraper.Metrics) (*scraper.Orchestrator, error) {
	static, err := scraper.NewStaticFetcher(a.cfg, metrics)
	if err != nil {
		return nil, err
	}
	var fetcher scraper.Fetcher = &scraper.Router{
		Static:  static,
		Dynamic: scraper.NewBrowserFetcher(scraper.BrowserOptionsFromConfig(a.cfg), metrics),
	}
	if a.cfg.DocumentCacheSize > 0 {
		fetcher = scraper.NewCachingFetcher(fetcher, a.cfg.DocumentCacheSize, a.cfg.DocumentCacheTTL, metrics)
	}
	return scraper.NewOrchestrator(reg, fetcher, scraper.Options{
		Parallelism:        a.cfg.Parallelism,
		BrowserParallelism: a.cfg.BrowserParallelism,
		Metrics:            metrics,
	}), nil
}

// serveMetrics starts the metrics endpoint when configured and returns its
// shutdown func.
func (a *App) serveMetrics(metrics *scraper.Metrics) func() {
	if a.cfg.MetricsAddr == "" || metrics == nil {
		return func() {}
	}
	server := &http.Server{
		Addr:    a.cfg.MetricsAddr,
		Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", a.cfg.MetricsAddr))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
	}
}

// ScrapeCmd scrapes the whole catalog.
type ScrapeCmd struct {
	Sequential        bool          `help:"Scrape one URL at a time"`
	Date              string        `help:"Observation date as YYYY-MM-DD (default today)"`
	Output            string        `short:"o" help:"Also export the observations to this file"`
	Format            string        `help:"Export format: csv, json, or dual" enum:"csv,json,dual" default:"${output_format}"`
	Parallel          int           `help:"Number of concurrent HTTP fetches" default:"${parallelism}"`
	BrowserParallel   int           `help:"Number of concurrent browser fetches" default:"${browser_parallelism}"`
	Delay             time.Duration `help:"Delay between requests to the same site" default:"${delay}"`
	RandomDelay       time.Duration `help:"Random jitter added to delay" default:"${random_delay}"`
	Timeout           time.Duration `help:"HTTP request timeout" default:"${timeout}"`
	NavigationTimeout time.Duration `help:"Browser navigation timeout" default:"${navigation_timeout}"`
	ElementTimeout    time.Duration `help:"How long the browser waits for the price to render" default:"${element_timeout}"`
	Headless          bool          `help:"Run the browser headless" negatable:"" default:"${headless}"`
	BrowserBin        string        `help:"Browser executable (default: managed by rod)" default:"${browser_bin}"`
	BrowserLaunches   float64       `help:"Browser launches allowed per second" default:"${browser_launches}"`
	CacheSize         int           `help:"Documents kept in the page cache (0 disables it)" default:"${cache_size}"`
	CacheTTL          time.Duration `help:"Page cache entry lifetime" default:"${cache_ttl}"`
	UserAgent         string        `help:"Default User-Agent header" default:"${user_agent}"`
}

func (c *ScrapeCmd) apply(cfg *config.Config) {
	cfg.OutputFile = c.Output
	cfg.OutputFormat = strings.ToLower(c.Format)
	cfg.Parallelism = c.Parallel
	cfg.BrowserParallelism = c.BrowserParallel
	cfg.Delay = c.Delay
	cfg.RandomDelay = c.RandomDelay
	cfg.Timeout = c.Timeout
	cfg.NavigationTimeout = c.NavigationTimeout
	cfg.ElementTimeout = c.ElementTimeout
	cfg.Headless = c.Headless
	cfg.BrowserBin = c.BrowserBin
	cfg.BrowserLaunches = c.BrowserLaunches
	cfg.DocumentCacheSize = c.CacheSize
	cfg.DocumentCacheTTL = c.CacheTTL
	cfg.UserAgent = c.UserAgent
}

func (c *ScrapeCmd) Run(app *App) error {
	c.apply(app.cfg)
	if err := app.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	date := time.Now()
	if c.Date != "" {
		parsed, err := time.Parse(ledger.DateLayout, c.Date)
		if err != nil {
			return fmt.Errorf("parse date: %w", err)
		}
		date = parsed
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	reg, err := app.registry()
	if err != nil {
		return err
	}
	l, closeStore, err := app.openLedger(reg)
	if err != nil {
		return err
	}
	defer closeStore()

	books, err := l.Catalog(ctx)
	if err != nil {
		return err
	}

	metrics := scraper.NewMetrics()
	stopMetrics := app.serveMetrics(metrics)
	defer stopMetrics()

	o, err := app.orchestrator(reg, metrics)
	if err != nil {
		return err
	}

	slog.Info("starting scrape",
		slog.String("database", app.cfg.DatabasePath),
		slog.Int("books", len(books)),
		slog.Int("workers", app.cfg.Parallelism),
		slog.Int("browser_workers", app.cfg.BrowserParallelism),
	)

	observations, result, err := o.ScrapeDatabase(ctx, books, date, !c.Sequential)
	if err != nil {
		return fmt.Errorf("scrape: %w", err)
	}

	updated, err := l.ApplyBatch(ctx, observations)
	if err != nil {
		return err
	}

	if app.cfg.OutputFile != "" {
		if err := exportObservations(app.cfg.OutputFormat, app.cfg.OutputFile, observations); err != nil {
			return err
		}
	}

	printSummary(app.stdout(), result, updated, app.cfg.OutputFile)
	return nil
}

func exportObservations(format, filename string, observations []models.PriceObservation) error {
	writer, err := output.New(format, filename)
	if err != nil {
		return fmt.Errorf("create writer: %w", err)
	}
	p := output.NewPipeline(writer, 64)
	p.Start(1)
	if err := p.Process(observations...); err != nil {
		_ = p.Close()
		_ = writer.Close()
		return fmt.Errorf("export observations: %w", err)
	}
	if err := p.Close(); err != nil {
		_ = writer.Close()
		return fmt.Errorf("export observations: %w", err)
	}
	stats := p.Stats()
	slog.Info("observations exported",
		slog.String("file", filename),
		slog.Int64("written", stats.Written),
		slog.Any("rejected", stats.Rejected))

	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	if err := writer.Validate(); err != nil {
		return fmt.Errorf("output validation failed: %w", err)
	}
	return nil
}

func printSummary(w io.Writer, result *models.ScrapeResult, books []models.Book, outputFile string) {
	separator := "--------------------------------------------------"
	fmt.Fprintln(w, "\n"+separator)
	fmt.Fprintln(w, "Scrape complete")

	duration := result.EndTime.Sub(result.StartTime)
	priced := 0
	for _, b := range books {
		if b.MinPrice != nil {
			priced++
		}
	}

	fmt.Fprintf(w, "  Tasks:         %d\n", result.TaskCount)
	fmt.Fprintf(w, "  Prices:        %d\n", result.PriceCount)
	fmt.Fprintf(w, "  No price:      %d\n", result.AbsentCount)
	fmt.Fprintf(w, "  Errors:        %d\n", result.ErrorCount)
	successRate := 0.0
	if result.TaskCount > 0 {
		successRate = float64(result.TaskCount-result.ErrorCount) / float64(result.TaskCount) * 100
	}
	fmt.Fprintf(w, "  Success rate:  %.2f%%\n", successRate)
	if len(result.ErrorsByType) > 0 {
		fmt.Fprintf(w, "  Error types:   %v\n", result.ErrorsByType)
	}
	fmt.Fprintf(w, "  Failed URLs:   %d\n", len(result.FailedURLs))
	fmt.Fprintf(w, "  Books priced:  %d/%d\n", priced, len(books))
	fmt.Fprintf(w, "  Duration:      %v\n", duration)
	if outputFile != "" {
		fmt.Fprintf(w, "  Output file:   %s\n", outputFile)
	}
	fmt.Fprintln(w, separator)
}

// UpdateMinCmd folds the full price history into every book's min price.
type UpdateMinCmd struct{}

func (c *UpdateMinCmd) Run(app *App) error {
	reg, err := app.registry()
	if err != nil {
		return err
	}
	l, closeStore, err := app.openLedger(reg)
	if err != nil {
		return err
	}
	defer closeStore()

	books, err := l.RecomputeMinPrices(context.Background())
	if err != nil {
		return err
	}
	priced := 0
	for _, b := range books {
		if b.MinPrice != nil {
			priced++
		}
	}
	fmt.Fprintf(app.stdout(), "updated %d books, %d with a minimum price\n", len(books), priced)
	return nil
}

// ImportCmd adds books from a CSV file.
type ImportCmd struct {
	File string `arg:"" help:"CSV file with an isbn column, book columns and one column per site id"`
}

func (c *ImportCmd) Run(app *App) error {
	reg, err := app.registry()
	if err != nil {
		return err
	}
	f, err := os.Open(c.File)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	books, err := ledger.ReadCatalogCSV(f, reg.IDs())
	if err != nil {
		return err
	}

	l, closeStore, err := app.openLedger(reg)
	if err != nil {
		return err
	}
	defer closeStore()

	inserted, err := l.ImportBooks(context.Background(), books)
	if err != nil {
		return err
	}
	fmt.Fprintf(app.stdout(), "imported %d of %d books\n", len(inserted), len(books))
	return nil
}

// FindCmd searches the catalog.
type FindCmd struct {
	Text string `arg:"" help:"Text to look for, case-insensitive"`
}

func (c *FindCmd) Run(app *App) error {
	reg, err := app.registry()
	if err != nil {
		return err
	}
	l, closeStore, err := app.openLedger(reg)
	if err != nil {
		return err
	}
	defer closeStore()

	rows, err := l.FindBook(context.Background(), c.Text)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(app.stdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ISBN\tTITLE\tAUTHOR\tMIN PRICE")
	for _, row := range rows {
		b, err := ledger.BookFromRow(row, reg.IDs())
		if err != nil {
			return err
		}
		minPrice := "-"
		if b.MinPrice != nil {
			minPrice = fmt.Sprintf("%.2f", *b.MinPrice)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.ISBN, b.Title, b.Author, minPrice)
	}
	return tw.Flush()
}

// WipeCmd removes a book everywhere.
type WipeCmd struct {
	ISBN string `arg:"" name:"isbn" help:"ISBN of the book to remove"`
}

func (c *WipeCmd) Run(app *App) error {
	if err := models.ValidateISBN(c.ISBN); err != nil {
		return err
	}
	reg, err := app.registry()
	if err != nil {
		return err
	}
	l, closeStore, err := app.openLedger(reg)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := l.WipeBook(context.Background(), c.ISBN); err != nil {
		return err
	}
	fmt.Fprintf(app.stdout(), "wiped %s\n", c.ISBN)
	return nil
}

// SitesCmd lists the site table.
type SitesCmd struct{}

func (c *SitesCmd) Run(app *App) error {
	reg, err := app.registry()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(app.stdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTRATEGY\tEXTRACTOR\tMARKERS")
	for _, a := range reg.Adapters() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.ID, a.Strategy, a.ExtractorName, strings.Join(a.Markers, ", "))
	}
	return tw.Flush()
}

// PriceCmd looks up one URL.
type PriceCmd struct {
	URL string `arg:"" name:"url" help:"Product page URL"`
}

func (c *PriceCmd) Run(app *App) error {
	reg, err := app.registry()
	if err != nil {
		return err
	}
	o, err := app.orchestrator(reg, scraper.NewMetrics())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	price, err := o.ScrapeURL(ctx, c.URL)
	if err != nil {
		return err
	}
	if price == nil {
		fmt.Fprintln(app.stdout(), "no price on page")
		return nil
	}
	fmt.Fprintf(app.stdout(), "%.2f\n", *price)
	return nil
}
