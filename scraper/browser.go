package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/time/rate"

	"github.com/bookprices/bookprices/config"
	"github.com/bookprices/bookprices/sites"
)

// BrowserOptions configures the headless browser.
type BrowserOptions struct {
	Headless          bool
	Bin               string
	UserAgent         string
	NavigationTimeout time.Duration
	ElementTimeout    time.Duration
	LaunchesPerSecond float64
}

// BrowserOptionsFromConfig copies the browser settings out of cfg.
func BrowserOptionsFromConfig(cfg *config.Config) BrowserOptions {
	return BrowserOptions{
		Headless:          cfg.Headless,
		Bin:               cfg.BrowserBin,
		UserAgent:         cfg.UserAgent,
		NavigationTimeout: cfg.NavigationTimeout,
		ElementTimeout:    cfg.ElementTimeout,
		LaunchesPerSecond: cfg.BrowserLaunches,
	}
}

// browserProcess is the launched browser process. Cleanup waits for it to
// exit and removes its profile directory.
type browserProcess interface {
	Kill()
	Cleanup()
}

// browserSession is one launched browser and the process behind it.
type browserSession struct {
	browser *rod.Browser
	process browserProcess
	once    sync.Once
}

func newBrowserSession(browser *rod.Browser, process browserProcess) *browserSession {
	return &browserSession{browser: browser, process: process}
}

// Close ends the session and deletes the browser profile. Safe to call twice.
func (s *browserSession) Close() {
	s.once.Do(func() {
		if s.browser != nil {
			_ = s.browser.Close()
		}
		if s.process != nil {
			s.process.Kill()
			s.process.Cleanup()
		}
	})
}

// BrowserFetcher renders pages in a fresh headless browser per fetch.
type BrowserFetcher struct {
	opts    BrowserOptions
	limiter *rate.Limiter
	metrics *Metrics
}

// NewBrowserFetcher returns a fetcher that launches at most
// opts.LaunchesPerSecond browsers per second.
func NewBrowserFetcher(opts BrowserOptions, metrics *Metrics) *BrowserFetcher {
	perSecond := opts.LaunchesPerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	return &BrowserFetcher{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		metrics: metrics,
	}
}

// Fetch launches a browser, opens req.URL, waits for any of the adapter's
// wait selectors and returns the rendered HTML. The browser is always shut
// down before Fetch returns. A wait selector that never appears is not an
// error.
func (f *BrowserFetcher) Fetch(ctx context.Context, req *FetchRequest) (*Document, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, newFetchError(req.URL, 0, err)
	}

	start := time.Now()
	session, err := f.launch()
	if err != nil {
		return nil, newFetchError(req.URL, 0, ErrBrowser{Err: err})
	}
	defer session.Close()
	f.metrics.IncBrowserLaunch()

	html, err := f.render(ctx, session.browser, req)
	f.metrics.ObserveFetch(string(sites.StrategyDynamic), time.Since(start))
	if err != nil {
		return nil, err
	}
	return &Document{URL: req.URL, Status: 200, HTML: html}, nil
}

func (f *BrowserFetcher) launch() (*browserSession, error) {
	l := launcher.New().
		Headless(f.opts.Headless).
		Set("disable-gpu").
		Set("disable-sync").
		Set("mute-audio").
		Set("disable-default-apps").
		Set("no-default-browser-check")
	if f.opts.Bin != "" {
		l = l.Bin(f.opts.Bin)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		newBrowserSession(nil, l).Close()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	return newBrowserSession(browser, l), nil
}

func (f *BrowserFetcher) render(ctx context.Context, browser *rod.Browser, req *FetchRequest) (string, error) {
	navCtx, cancel := context.WithTimeout(ctx, f.opts.NavigationTimeout)
	defer cancel()

	page, err := browser.Context(navCtx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return "", newFetchError(req.URL, 0, ErrBrowser{Err: fmt.Errorf("open page: %w", err)})
	}
	if f.opts.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: f.opts.UserAgent}); err != nil {
			slog.Debug("set user agent failed", slog.String("url", req.URL), slog.Any("error", err))
		}
	}
	if err := page.Navigate(req.URL); err != nil {
		return "", newFetchError(req.URL, 0, navigationError(navCtx, err))
	}
	if err := page.WaitLoad(); err != nil {
		return "", newFetchError(req.URL, 0, navigationError(navCtx, err))
	}

	page = page.Context(ctx)

	var waitFor []string
	if req.Adapter != nil {
		waitFor = req.Adapter.WaitSelectors
	}
	if sel, ok := waitForAny(ctx, page, waitFor, f.opts.ElementTimeout); ok {
		slog.Debug("wait selector found", slog.String("url", req.URL), slog.String("selector", sel))
	} else if len(waitFor) > 0 {
		slog.Debug("wait selectors not found", slog.String("url", req.URL))
	}

	html, err := page.HTML()
	if err != nil {
		return "", newFetchError(req.URL, 0, ErrBrowser{Err: fmt.Errorf("read page html: %w", err)})
	}
	return html, nil
}

// waitForAny polls until one of selectors is present or timeout elapses.
func waitForAny(ctx context.Context, page *rod.Page, selectors []string, timeout time.Duration) (string, bool) {
	if len(selectors) == 0 {
		return "", false
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		for _, sel := range selectors {
			has, _, err := page.Has(sel)
			if err == nil && has {
				return sel, true
			}
		}
		if time.Now().After(deadline) {
			return "", false
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-ticker.C:
		}
	}
}

// navigationError turns a timed-out navigation into a timeout and anything
// else into a browser failure.
func navigationError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return ErrBrowser{Err: err}
}
