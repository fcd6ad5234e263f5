package scraper

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/bookprices/bookprices/config"
	"github.com/bookprices/bookprices/sites"
)

// FetchRequest asks for one product page.
type FetchRequest struct {
	URL     string
	Adapter *sites.Adapter
}

// Document is a retrieved page.
type Document struct {
	URL    string
	Status int
	HTML   string
}

// Fetcher retrieves a page for an adapter.
type Fetcher interface {
	Fetch(ctx context.Context, req *FetchRequest) (*Document, error)
}

// StaticFetcher retrieves pages with a single HTTP GET through colly.
type StaticFetcher struct {
	collector *colly.Collector
	metrics   *Metrics
}

// NewStaticFetcher builds a fetcher whose requests share one transport and
// per-domain limits.
func NewStaticFetcher(cfg *config.Config, metrics *Metrics) (*StaticFetcher, error) {
	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = true
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		Delay:       cfg.Delay,
		RandomDelay: cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	return &StaticFetcher{collector: collector, metrics: metrics}, nil
}

// Fetch issues one GET. Any non-2xx status or transport failure is a
// *FetchError.
func (f *StaticFetcher) Fetch(ctx context.Context, req *FetchRequest) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, newFetchError(req.URL, 0, err)
	}

	c := f.collector.Clone()
	var (
		doc      *Document
		status   int
		fetchErr error
	)
	c.OnResponse(func(r *colly.Response) {
		doc = &Document{
			URL:    r.Request.URL.String(),
			Status: r.StatusCode,
			HTML:   string(r.Body),
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	header := http.Header{}
	header.Set("User-Agent", c.UserAgent)
	if req.Adapter != nil {
		for k, v := range req.Adapter.Headers {
			header.Set(k, v)
		}
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- c.Request(http.MethodGet, req.URL, nil, nil, header)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		return nil, newFetchError(req.URL, 0, ctx.Err())
	}
	f.metrics.ObserveFetch(string(sites.StrategyStatic), time.Since(start))

	if fetchErr == nil {
		fetchErr = err
	}
	if fetchErr != nil || status >= http.StatusBadRequest {
		return nil, newFetchError(req.URL, status, fetchErr)
	}
	if doc == nil {
		return nil, newFetchError(req.URL, 0, fmt.Errorf("no response"))
	}
	return doc, nil
}

// Router sends each request to the fetcher for its adapter's strategy.
type Router struct {
	Static  Fetcher
	Dynamic Fetcher
}

// Fetch implements Fetcher.
func (r *Router) Fetch(ctx context.Context, req *FetchRequest) (*Document, error) {
	if req.Adapter != nil && req.Adapter.Strategy == sites.StrategyDynamic {
		if r.Dynamic == nil {
			return nil, newFetchError(req.URL, 0, ErrBrowser{Err: fmt.Errorf("no browser fetcher for %s", req.Adapter.ID)})
		}
		return r.Dynamic.Fetch(ctx, req)
	}
	return r.Static.Fetch(ctx, req)
}
