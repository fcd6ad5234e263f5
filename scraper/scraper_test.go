package scraper

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bookprices/bookprices/config"
	"github.com/bookprices/bookprices/models"
	"github.com/bookprices/bookprices/parser"
	"github.com/bookprices/bookprices/sites"
)

const (
	testISBN     = "9783866473256"
	buecherURL   = "https://www.buecher.de/artikel/buch/das-kapital/12345/"
	osianderURL  = "https://www.osiander.de/shop/home/artikeldetails/A1234"
	hoepliURL    = "https://www.hoepli.it/libro/das-kapital/9783866473256.html"
	rizzoliURL   = "https://www.libreriarizzoli.it/libri/das-kapital/9783866473256"
	unknownURL   = "https://www.example.org/book/9783866473256"
	buecherPage  = `<html><body><div class="clearfix price-shipping-free">7,95 €</div></body></html>`
	osianderPage = `<html><body><div class="streichpreisdarstellung">
		6,99 €
		statt 7,95 €</div></body></html>`
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "server error", err: nil, statusCode: http.StatusBadGateway, expected: "server_error"},
		{name: "browser", err: ErrBrowser{Err: errors.New("no chrome")}, statusCode: 0, expected: "browser"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestFetchErrorKind(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		want   FetchErrorKind
	}{
		{name: "timeout", err: context.DeadlineExceeded, want: Transient},
		{name: "connection", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, want: Transient},
		{name: "429", status: http.StatusTooManyRequests, want: Transient},
		{name: "503", status: http.StatusServiceUnavailable, want: Transient},
		{name: "403", status: http.StatusForbidden, want: Permanent},
		{name: "404", status: http.StatusNotFound, want: Permanent},
		{name: "410", status: http.StatusGone, want: Permanent},
		{name: "malformed", err: ErrMalformedDocument, status: http.StatusOK, want: Permanent},
		{name: "browser", err: ErrBrowser{Err: errors.New("launch")}, want: Permanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := newFetchError("http://example.test/", tt.status, tt.err)
			if got.Kind != tt.want {
				t.Fatalf("kind = %s, want %s (%v)", got.Kind, tt.want, got)
			}
			if got.Temporary() != (tt.want == Transient) {
				t.Fatalf("Temporary() disagrees with kind %s", got.Kind)
			}
		})
	}
}

func TestPrepareScrape(t *testing.T) {
	books := []models.Book{
		{ISBN: "a", URLs: map[string]string{"osiander": "o-a", "buecher": "b-a"}},
		{ISBN: "b"},
		{ISBN: "c", URLs: map[string]string{"ibs": "  ", "buecher": " b-c "}},
	}

	got := PrepareScrape(books, []string{"buecher", "ibs", "osiander"})
	want := []models.ScrapeTask{
		{ISBN: "a", Site: "buecher", URL: "b-a"},
		{ISBN: "a", Site: "osiander", URL: "o-a"},
		{ISBN: "c", Site: "buecher", URL: "b-c"},
	}
	if len(got) != len(want) {
		t.Fatalf("tasks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("task %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestStaticFetcherStatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		expected string
		kind     FetchErrorKind
	}{
		{status: http.StatusTooManyRequests, expected: "rate_limited", kind: Transient},
		{status: http.StatusForbidden, expected: "forbidden", kind: Permanent},
		{status: http.StatusNotFound, expected: "not_found", kind: Permanent},
		{status: http.StatusInternalServerError, expected: "server_error", kind: Transient},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			transport := httpmock.NewMockTransport()
			transport.RegisterResponder("GET", buecherURL, httpmock.NewStringResponder(tt.status, ""))
			f := newTestStaticFetcher(t, transport)

			_, err := f.Fetch(context.Background(), &FetchRequest{URL: buecherURL})
			var fetchErr *FetchError
			if !errors.As(err, &fetchErr) {
				t.Fatalf("expected *FetchError, got %v", err)
			}
			if fetchErr.Status != tt.status {
				t.Fatalf("status = %d, want %d", fetchErr.Status, tt.status)
			}
			if fetchErr.Kind != tt.kind {
				t.Fatalf("kind = %s, want %s", fetchErr.Kind, tt.kind)
			}
			if got := errorTypeLabel(err); got != tt.expected {
				t.Fatalf("label = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestStaticFetcherAppliesAdapterHeaders(t *testing.T) {
	reg := defaultRegistry(t)
	hoepli, _ := reg.Lookup("hoepli")

	var gotUA string
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", hoepliURL, func(req *http.Request) (*http.Response, error) {
		gotUA = req.Header.Get("User-Agent")
		return httpmock.NewStringResponse(http.StatusOK, "<html></html>"), nil
	})
	f := newTestStaticFetcher(t, transport)

	doc, err := f.Fetch(context.Background(), &FetchRequest{URL: hoepliURL, Adapter: hoepli})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if doc.Status != http.StatusOK {
		t.Fatalf("status = %d", doc.Status)
	}
	if gotUA != hoepli.Headers["User-Agent"] {
		t.Fatalf("user agent = %q, want %q", gotUA, hoepli.Headers["User-Agent"])
	}
}

func TestScrapeDatabaseEndToEnd(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		t.Run(fmt.Sprintf("parallel=%v", parallel), func(t *testing.T) {
			transport := httpmock.NewMockTransport()
			transport.RegisterResponder("GET", buecherURL, httpmock.NewStringResponder(http.StatusOK, buecherPage))
			browser := newFakeFetcher(map[string]string{osianderURL: osianderPage})
			o := newTestOrchestrator(t, transport, browser)

			book, err := models.NewBook(models.Book{
				ISBN: testISBN,
				URLs: map[string]string{"buecher": buecherURL, "osiander": osianderURL},
			})
			if err != nil {
				t.Fatalf("new book: %v", err)
			}
			date := time.Date(2024, 3, 9, 18, 30, 0, 0, time.UTC)

			obs, result, err := o.ScrapeDatabase(context.Background(), []models.Book{book}, date, parallel)
			if err != nil {
				t.Fatalf("scrape: %v", err)
			}
			if len(obs) != 2 {
				t.Fatalf("observations = %d, want 2: %+v", len(obs), obs)
			}

			want := []struct {
				site  string
				price float64
			}{{"buecher", 7.95}, {"osiander", 6.99}}
			for i, w := range want {
				if obs[i].ISBN != testISBN || obs[i].Site != w.site {
					t.Fatalf("observation %d = %+v, want site %s", i, obs[i], w.site)
				}
				if obs[i].Price == nil || *obs[i].Price != w.price {
					t.Fatalf("observation %d price = %v, want %v", i, obs[i].Price, w.price)
				}
				if !obs[i].Date.Equal(models.DateOnly(date)) {
					t.Fatalf("observation %d date = %s", i, obs[i].Date)
				}
			}
			if result.TaskCount != 2 || result.PriceCount != 2 || result.ErrorCount != 0 {
				t.Fatalf("result = %+v", result)
			}
			if browser.Calls(osianderURL) != 1 {
				t.Fatalf("browser fetches = %d, want 1", browser.Calls(osianderURL))
			}
		})
	}
}

func TestScrapeListRecordsFailuresAsNil(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", buecherURL, httpmock.NewStringResponder(http.StatusOK, buecherPage))
	transport.RegisterResponder("GET", hoepliURL, httpmock.NewStringResponder(http.StatusNotFound, ""))
	transport.RegisterResponder("GET", rizzoliURL, httpmock.NewStringResponder(http.StatusOK,
		`<html><body><span class="price-value">n.d.</span></body></html>`))
	browser := newFakeFetcher(map[string]string{
		osianderURL: `<html><body><h2 class="element-headline-medium">Das Kapital</h2></body></html>`,
	})
	o := newTestOrchestrator(t, transport, browser)

	tasks := []models.ScrapeTask{
		{ISBN: testISBN, Site: "hoepli", URL: hoepliURL},
		{ISBN: testISBN, Site: "buecher", URL: buecherURL},
		{ISBN: testISBN, Site: "unknown", URL: unknownURL},
		{ISBN: testISBN, Site: "osiander", URL: osianderURL},
		{ISBN: testISBN, Site: "rizzoli", URL: rizzoliURL},
	}

	for _, parallel := range []bool{false, true} {
		prices, err := o.ScrapeList(context.Background(), tasks, parallel)
		if err != nil {
			t.Fatalf("parallel=%v: %v", parallel, err)
		}
		if len(prices) != len(tasks) {
			t.Fatalf("parallel=%v: %d prices for %d tasks", parallel, len(prices), len(tasks))
		}
		for i, p := range prices {
			if i == 1 {
				if p == nil || *p != 7.95 {
					t.Fatalf("parallel=%v: buecher price = %v, want 7.95", parallel, p)
				}
				continue
			}
			if p != nil {
				t.Fatalf("parallel=%v: task %d price = %v, want nil", parallel, i, *p)
			}
		}
	}
}

func TestScrapeListMalformedTask(t *testing.T) {
	o := newTestOrchestrator(t, httpmock.NewMockTransport(), newFakeFetcher(nil))

	_, err := o.ScrapeList(context.Background(), []models.ScrapeTask{
		{ISBN: testISBN, Site: "buecher", URL: buecherURL},
		{ISBN: testISBN, Site: "buecher", URL: ""},
	}, true)
	if !errors.Is(err, ErrMalformedTask) {
		t.Fatalf("expected ErrMalformedTask, got %v", err)
	}
}

func TestScrapeURL(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", buecherURL, httpmock.NewStringResponder(http.StatusOK, buecherPage))
	transport.RegisterResponder("GET", rizzoliURL, httpmock.NewStringResponder(http.StatusOK,
		`<html><body><span class="price-value">gratis</span></body></html>`))
	o := newTestOrchestrator(t, transport, newFakeFetcher(nil))

	price, err := o.ScrapeURL(context.Background(), buecherURL)
	if err != nil || price == nil || *price != 7.95 {
		t.Fatalf("ScrapeURL = %v, %v; want 7.95", price, err)
	}

	_, err = o.ScrapeURL(context.Background(), unknownURL)
	var unsupported *sites.UnsupportedSiteError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedSiteError, got %v", err)
	}

	_, err = o.ScrapeURL(context.Background(), rizzoliURL)
	var format *parser.FormatError
	if !errors.As(err, &format) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestRouterWithoutBrowser(t *testing.T) {
	reg := defaultRegistry(t)
	osiander, _ := reg.Lookup("osiander")
	r := &Router{Static: newFakeFetcher(nil)}

	_, err := r.Fetch(context.Background(), &FetchRequest{URL: osianderURL, Adapter: osiander})
	if got := errorTypeLabel(err); got != "browser" {
		t.Fatalf("label = %q, want browser (%v)", got, err)
	}
}

func TestCachingFetcherFetchesOnce(t *testing.T) {
	inner := newFakeFetcher(map[string]string{buecherURL: buecherPage})
	c := NewCachingFetcher(inner, 8, time.Minute, NewMetrics())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Fetch(context.Background(), &FetchRequest{URL: buecherURL}); err != nil {
				t.Errorf("fetch: %v", err)
			}
		}()
	}
	wg.Wait()
	if _, err := c.Fetch(context.Background(), &FetchRequest{URL: buecherURL}); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if got := inner.Calls(buecherURL); got != 1 {
		t.Fatalf("inner fetches = %d, want 1", got)
	}
	if c.Len() != 1 {
		t.Fatalf("cache len = %d, want 1", c.Len())
	}
}

func TestCachingFetcherSkipsFailures(t *testing.T) {
	inner := newFakeFetcher(nil)
	c := NewCachingFetcher(inner, 8, time.Minute, nil)

	for i := 0; i < 2; i++ {
		if _, err := c.Fetch(context.Background(), &FetchRequest{URL: unknownURL}); err == nil {
			t.Fatalf("expected error")
		}
	}
	if got := inner.Calls(unknownURL); got != 2 {
		t.Fatalf("inner fetches = %d, want 2", got)
	}
}

func defaultRegistry(t *testing.T) *sites.Registry {
	t.Helper()
	reg, err := sites.DefaultRegistry()
	if err != nil {
		t.Fatalf("default registry: %v", err)
	}
	return reg
}

func newTestStaticFetcher(t *testing.T, transport http.RoundTripper) *StaticFetcher {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Parallelism = 2
	cfg.Timeout = 5 * time.Second
	f, err := NewStaticFetcher(cfg, NewMetrics())
	if err != nil {
		t.Fatalf("new static fetcher: %v", err)
	}
	f.collector.WithTransport(transport)
	return f
}

func newTestOrchestrator(t *testing.T, transport http.RoundTripper, browser Fetcher) *Orchestrator {
	t.Helper()
	router := &Router{Static: newTestStaticFetcher(t, transport), Dynamic: browser}
	return NewOrchestrator(defaultRegistry(t), router, Options{
		Parallelism:        2,
		BrowserParallelism: 1,
		Metrics:            NewMetrics(),
	})
}

// fakeFetcher serves canned pages and fails for anything else.
type fakeFetcher struct {
	pages map[string]string

	mu    sync.Mutex
	calls map[string]int
}

func newFakeFetcher(pages map[string]string) *fakeFetcher {
	return &fakeFetcher{pages: pages, calls: make(map[string]int)}
}

func (f *fakeFetcher) Fetch(_ context.Context, req *FetchRequest) (*Document, error) {
	f.mu.Lock()
	f.calls[req.URL]++
	f.mu.Unlock()

	html, ok := f.pages[req.URL]
	if !ok {
		return nil, newFetchError(req.URL, http.StatusNotFound, nil)
	}
	return &Document{URL: req.URL, Status: http.StatusOK, HTML: html}, nil
}

func (f *fakeFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type fakeBrowserProcess struct {
	calls []string
}

func (p *fakeBrowserProcess) Kill()    { p.calls = append(p.calls, "kill") }
func (p *fakeBrowserProcess) Cleanup() { p.calls = append(p.calls, "cleanup") }

func TestBrowserSessionCloseRemovesProfile(t *testing.T) {
	process := &fakeBrowserProcess{}
	session := newBrowserSession(nil, process)

	session.Close()
	session.Close()

	want := []string{"kill", "cleanup"}
	if fmt.Sprint(process.calls) != fmt.Sprint(want) {
		t.Fatalf("process calls = %v, want %v", process.calls, want)
	}
}

// pacedFetcher serves canned pages after a per-URL delay and records how many
// fetches were in flight at once.
type pacedFetcher struct {
	pages  map[string]string
	delays map[string]time.Duration

	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *pacedFetcher) Fetch(ctx context.Context, req *FetchRequest) (*Document, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	select {
	case <-time.After(f.delays[req.URL]):
	case <-ctx.Done():
		return nil, newFetchError(req.URL, 0, ctx.Err())
	}

	html, ok := f.pages[req.URL]
	if !ok {
		return nil, newFetchError(req.URL, http.StatusNotFound, nil)
	}
	return &Document{URL: req.URL, Status: http.StatusOK, HTML: html}, nil
}

func TestScrapeListBrowserPoolIsSeparateAndBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	static := &pacedFetcher{pages: map[string]string{}, delays: map[string]time.Duration{}}
	browser := &pacedFetcher{pages: map[string]string{}, delays: map[string]time.Duration{}}

	var (
		tasks []models.ScrapeTask
		want  []float64
	)
	for i := 0; i < 8; i++ {
		u := fmt.Sprintf("https://www.buecher.de/artikel/buch/%d/", i)
		static.pages[u] = fmt.Sprintf(`<html><body><div class="clearfix price-shipping-free">%d,00 €</div></body></html>`, i+1)
		static.delays[u] = time.Duration(10+rng.Intn(30)) * time.Millisecond
		tasks = append(tasks, models.ScrapeTask{ISBN: testISBN, Site: "buecher", URL: u})
		want = append(want, float64(i+1))

		if i < 6 {
			u := fmt.Sprintf("https://www.osiander.de/shop/home/artikeldetails/A%d", i)
			browser.pages[u] = fmt.Sprintf(`<html><body><div class="streichpreisdarstellung">%d,50 €</div></body></html>`, i+10)
			browser.delays[u] = time.Duration(5+rng.Intn(20)) * time.Millisecond
			tasks = append(tasks, models.ScrapeTask{ISBN: testISBN, Site: "osiander", URL: u})
			want = append(want, float64(i+10)+0.5)
		}
	}

	o := NewOrchestrator(defaultRegistry(t), &Router{Static: static, Dynamic: browser}, Options{
		Parallelism:        4,
		BrowserParallelism: 1,
		Metrics:            NewMetrics(),
	})

	prices, err := o.ScrapeList(context.Background(), tasks, true)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if len(prices) != len(tasks) {
		t.Fatalf("%d prices for %d tasks", len(prices), len(tasks))
	}
	for i, p := range prices {
		if p == nil || *p != want[i] {
			t.Fatalf("task %d (%s) price = %v, want %v", i, tasks[i].URL, p, want[i])
		}
	}

	if got := browser.peak.Load(); got != 1 {
		t.Fatalf("browser fetches in flight = %d, want 1", got)
	}
	if got := static.peak.Load(); got < 2 || got > 4 {
		t.Fatalf("static fetches in flight = %d, want between 2 and 4", got)
	}
}

func TestScrapeURLLabelsTaskMetricWithSite(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", buecherURL, httpmock.NewStringResponder(http.StatusOK, buecherPage))
	o := newTestOrchestrator(t, transport, newFakeFetcher(nil))

	if _, err := o.ScrapeURL(context.Background(), buecherURL); err != nil {
		t.Fatalf("ScrapeURL: %v", err)
	}
	if _, err := o.ScrapeURL(context.Background(), unknownURL); err == nil {
		t.Fatal("expected an error for an unsupported site")
	}

	tasks := o.metrics.TasksTotal
	if got := testutil.ToFloat64(tasks.WithLabelValues("buecher", OutcomePrice)); got != 1 {
		t.Fatalf("buecher price tasks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(tasks.WithLabelValues(unresolvedSite, OutcomeError)); got != 1 {
		t.Fatalf("unsupported error tasks = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(tasks); got != 2 {
		t.Fatalf("task series = %d, want 2", got)
	}
}
