// Package scraper turns catalog rows into price observations: it builds the
// task list, fetches every page through the right fetcher, extracts and
// normalizes prices, and reports what went wrong without stopping the batch.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bookprices/bookprices/models"
	"github.com/bookprices/bookprices/parser"
	"github.com/bookprices/bookprices/sites"
)

// PrepareScrape expands books into one task per non-empty site URL, in
// catalog order and then site order.
func PrepareScrape(books []models.Book, siteIDs []string) []models.ScrapeTask {
	var tasks []models.ScrapeTask
	for _, b := range books {
		for _, site := range siteIDs {
			u := strings.TrimSpace(b.URL(site))
			if u == "" {
				continue
			}
			tasks = append(tasks, models.ScrapeTask{ISBN: b.ISBN, Site: site, URL: u})
		}
	}
	return tasks
}

// Options tunes an Orchestrator.
type Options struct {
	// Parallelism is the number of static fetch workers.
	Parallelism int
	// BrowserParallelism is the number of browser fetch workers.
	BrowserParallelism int
	Metrics            *Metrics
}

// Orchestrator scrapes task lists against a site registry.
type Orchestrator struct {
	registry *sites.Registry
	fetcher  Fetcher
	opts     Options
	metrics  *Metrics
}

// NewOrchestrator returns an orchestrator fetching through fetcher.
func NewOrchestrator(registry *sites.Registry, fetcher Fetcher, opts Options) *Orchestrator {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.BrowserParallelism <= 0 {
		opts.BrowserParallelism = 1
	}
	return &Orchestrator{
		registry: registry,
		fetcher:  fetcher,
		opts:     opts,
		metrics:  opts.Metrics,
	}
}

// taskOutcome is what happened to one task.
type taskOutcome struct {
	price  *float64
	absent string
	err    error
}

// ScrapeList scrapes every task and returns prices aligned with tasks; nil
// means no price was obtained. Per-task failures never abort the batch. With
// parallel false, tasks run one after another in the calling goroutine.
//
// The returned error is ErrMalformedTask when a task lacks an isbn, site or
// url, in which case nothing is fetched, or the context error if ctx ended
// before the batch finished.
func (o *Orchestrator) ScrapeList(ctx context.Context, tasks []models.ScrapeTask, parallel bool) ([]*float64, error) {
	outcomes, err := o.run(ctx, tasks, parallel)
	if outcomes == nil {
		return nil, err
	}
	prices := make([]*float64, len(outcomes))
	for i, out := range outcomes {
		prices[i] = out.price
	}
	return prices, err
}

// ScrapeDatabase scrapes every site URL of books and returns one observation
// per task, dated date, together with a run summary.
func (o *Orchestrator) ScrapeDatabase(ctx context.Context, books []models.Book, date time.Time, parallel bool) ([]models.PriceObservation, *models.ScrapeResult, error) {
	tasks := PrepareScrape(books, o.registry.IDs())
	result := &models.ScrapeResult{
		StartTime:    time.Now(),
		TaskCount:    len(tasks),
		ErrorsByType: make(map[string]int),
	}
	slog.Info("scrape started",
		slog.Int("books", len(books)),
		slog.Int("tasks", len(tasks)),
		slog.Bool("parallel", parallel),
	)

	outcomes, err := o.run(ctx, tasks, parallel)
	if outcomes == nil {
		return nil, nil, err
	}

	day := models.DateOnly(date)
	observations := make([]models.PriceObservation, len(tasks))
	result.Prices = make([]*float64, len(tasks))
	for i, task := range tasks {
		out := outcomes[i]
		observations[i] = models.PriceObservation{
			ISBN:  task.ISBN,
			Site:  task.Site,
			Price: out.price,
			Date:  day,
		}
		result.Prices[i] = out.price
		switch {
		case out.price != nil:
			result.PriceCount++
		case out.err != nil:
			result.ErrorCount++
			result.ErrorsByType[errorTypeLabel(out.err)]++
			result.FailedURLs = append(result.FailedURLs, task.URL)
		default:
			result.AbsentCount++
		}
	}
	result.EndTime = time.Now()

	slog.Info("scrape finished",
		slog.Int("tasks", result.TaskCount),
		slog.Int("prices", result.PriceCount),
		slog.Int("absent", result.AbsentCount),
		slog.Int("errors", result.ErrorCount),
		slog.Duration("elapsed", result.EndTime.Sub(result.StartTime)),
	)
	return observations, result, err
}

// ScrapeURL fetches a single page and returns its price. Unlike ScrapeList it
// reports why no price was obtained: an unsupported site, a fetch or a format
// error. A page without a price returns nil and no error.
func (o *Orchestrator) ScrapeURL(ctx context.Context, url string) (*float64, error) {
	task := models.ScrapeTask{URL: strings.TrimSpace(url), Site: unresolvedSite}
	if adapter, err := o.registry.Resolve(task.URL); err == nil {
		task.Site = adapter.ID
	}
	out := o.scrapeOne(ctx, task)
	if out.err != nil {
		return nil, out.err
	}
	return out.price, nil
}

// unresolvedSite labels ad hoc lookups whose URL matches no site.
const unresolvedSite = "unsupported"

func (o *Orchestrator) run(ctx context.Context, tasks []models.ScrapeTask, parallel bool) ([]taskOutcome, error) {
	for i, t := range tasks {
		if t.ISBN == "" || t.Site == "" || strings.TrimSpace(t.URL) == "" {
			return nil, fmt.Errorf("task %d (%q, %q): %w", i, t.ISBN, t.Site, ErrMalformedTask)
		}
	}

	outcomes := make([]taskOutcome, len(tasks))
	if !parallel {
		for i, t := range tasks {
			outcomes[i] = o.scrapeOne(ctx, t)
			o.logProgress(i+1, len(tasks))
		}
		return outcomes, ctx.Err()
	}

	var static, dynamic []int
	for i, t := range tasks {
		if a, err := o.registry.Resolve(t.URL); err == nil && a.Strategy == sites.StrategyDynamic {
			dynamic = append(dynamic, i)
			continue
		}
		static = append(static, i)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		finished int
	)
	pool := func(indices []int, workers int) {
		if len(indices) == 0 {
			return
		}
		if workers > len(indices) {
			workers = len(indices)
		}
		queue := make(chan int)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range queue {
					outcomes[i] = o.scrapeOne(ctx, tasks[i])
					mu.Lock()
					finished++
					n := finished
					mu.Unlock()
					o.logProgress(n, len(tasks))
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(queue)
			for _, i := range indices {
				queue <- i
			}
		}()
	}

	pool(static, o.opts.Parallelism)
	pool(dynamic, o.opts.BrowserParallelism)
	wg.Wait()

	return outcomes, ctx.Err()
}

func (o *Orchestrator) scrapeOne(ctx context.Context, task models.ScrapeTask) taskOutcome {
	out := o.resolveAndExtract(ctx, task)

	site := task.Site
	switch {
	case out.price != nil:
		o.metrics.IncTask(site, OutcomePrice)
	case out.err != nil:
		o.metrics.IncTask(site, OutcomeError)
		category := errorTypeLabel(out.err)
		o.metrics.IncError(category)
		slog.Warn("scrape failed",
			slog.String("isbn", task.ISBN),
			slog.String("site", site),
			slog.String("url", task.URL),
			slog.String("category", category),
			slog.Any("error", out.err),
		)
	default:
		o.metrics.IncTask(site, OutcomeAbsent)
		slog.Debug("no price on page",
			slog.String("isbn", task.ISBN),
			slog.String("site", site),
			slog.String("reason", out.absent),
		)
	}
	return out
}

func (o *Orchestrator) resolveAndExtract(ctx context.Context, task models.ScrapeTask) taskOutcome {
	if err := ctx.Err(); err != nil {
		return taskOutcome{err: newFetchError(task.URL, 0, err)}
	}

	adapter, err := o.registry.Resolve(task.URL)
	if err != nil {
		return taskOutcome{err: err}
	}

	doc, err := o.fetcher.Fetch(ctx, &FetchRequest{URL: task.URL, Adapter: adapter})
	if err != nil {
		var fetchErr *FetchError
		if !errors.As(err, &fetchErr) {
			err = newFetchError(task.URL, 0, err)
		}
		return taskOutcome{err: err}
	}

	extraction, err := adapter.ExtractHTML(doc.HTML)
	if err != nil {
		return taskOutcome{err: newFetchError(task.URL, doc.Status, fmt.Errorf("%w: %v", ErrMalformedDocument, err))}
	}
	if !extraction.OK() {
		return taskOutcome{absent: extraction.Reason}
	}

	price, err := parser.NormalizePrice(extraction.Raw)
	if err != nil {
		return taskOutcome{err: err}
	}
	return taskOutcome{price: &price}
}

func (o *Orchestrator) logProgress(done, total int) {
	if done%50 == 0 || done == total {
		slog.Debug("scrape progress",
			slog.Int("done", done),
			slog.Int("total", total),
		)
	}
}
