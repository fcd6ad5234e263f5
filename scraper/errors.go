package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/bookprices/bookprices/parser"
	"github.com/bookprices/bookprices/sites"
)

// ErrMalformedTask is returned by ScrapeList for a task with an empty isbn,
// site or url.
var ErrMalformedTask = errors.New("malformed scrape task")

// ErrMalformedDocument marks a fetched page that could not be parsed as HTML.
var ErrMalformedDocument = errors.New("malformed document")

// FetchErrorKind says whether a failed fetch could succeed if tried again.
type FetchErrorKind string

const (
	Transient FetchErrorKind = "transient"
	Permanent FetchErrorKind = "permanent"
)

// FetchError reports a page that could not be retrieved or rendered.
type FetchError struct {
	Kind   FetchErrorKind
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s (%s, status %d): %v", e.URL, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the failure is transient.
func (e *FetchError) Temporary() bool {
	return e.Kind == Transient
}

func newFetchError(url string, status int, err error) *FetchError {
	classified := classifyError(err, status)
	if classified == nil {
		classified = errors.New("unknown fetch failure")
	}
	return &FetchError{
		Kind:   fetchErrorKind(classified),
		URL:    url,
		Status: status,
		Err:    classified,
	}
}

func fetchErrorKind(err error) FetchErrorKind {
	var (
		timeout     ErrTimeout
		conn        ErrConnection
		rateLimited ErrRateLimited
		server      ErrServer
	)
	switch {
	case errors.As(err, &timeout), errors.As(err, &conn),
		errors.As(err, &rateLimited), errors.As(err, &server):
		return Transient
	case errors.Is(err, context.Canceled):
		return Transient
	default:
		return Permanent
	}
}

// ErrTimeout indicates a timeout while issuing a request.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrConnection indicates a network connectivity failure.
type ErrConnection struct {
	Err error
}

func (e ErrConnection) Error() string {
	return fmt.Errorf("connection: %w", e.Err).Error()
}

func (e ErrConnection) Unwrap() error {
	return e.Err
}

// ErrForbidden indicates a forbidden response (HTTP 403).
type ErrForbidden struct {
	Err error
}

func (e ErrForbidden) Error() string {
	return fmt.Errorf("forbidden: %w", e.Err).Error()
}

func (e ErrForbidden) Unwrap() error {
	return e.Err
}

// ErrNotFound indicates a missing resource (HTTP 404).
type ErrNotFound struct {
	Err error
}

func (e ErrNotFound) Error() string {
	return fmt.Errorf("not_found: %w", e.Err).Error()
}

func (e ErrNotFound) Unwrap() error {
	return e.Err
}

// ErrRateLimited indicates the target rate-limited the request.
type ErrRateLimited struct {
	Err error
}

func (e ErrRateLimited) Error() string {
	return fmt.Errorf("rate_limited: %w", e.Err).Error()
}

func (e ErrRateLimited) Unwrap() error {
	return e.Err
}

// ErrServer indicates a 5xx response.
type ErrServer struct {
	Err error
}

func (e ErrServer) Error() string {
	return fmt.Errorf("server_error: %w", e.Err).Error()
}

func (e ErrServer) Unwrap() error {
	return e.Err
}

// ErrBrowser indicates the headless browser could not be launched or driven.
type ErrBrowser struct {
	Err error
}

func (e ErrBrowser) Error() string {
	return fmt.Errorf("browser: %w", e.Err).Error()
}

func (e ErrBrowser) Unwrap() error {
	return e.Err
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	var (
		browserErr ErrBrowser
		timeoutErr ErrTimeout
	)
	if errors.As(err, &browserErr) || errors.As(err, &timeoutErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch {
		case statusCode == http.StatusForbidden:
			return ErrForbidden{Err: wrapped}
		case statusCode == http.StatusNotFound:
			return ErrNotFound{Err: wrapped}
		case statusCode == http.StatusTooManyRequests:
			return ErrRateLimited{Err: wrapped}
		case statusCode >= http.StatusInternalServerError:
			return ErrServer{Err: wrapped}
		}
		return wrapped
	}

	return err
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var conn ErrConnection
	if errors.As(err, &conn) {
		return "connection"
	}
	var forbidden ErrForbidden
	if errors.As(err, &forbidden) {
		return "forbidden"
	}
	var notFound ErrNotFound
	if errors.As(err, &notFound) {
		return "not_found"
	}
	var rateLimited ErrRateLimited
	if errors.As(err, &rateLimited) {
		return "rate_limited"
	}
	var server ErrServer
	if errors.As(err, &server) {
		return "server_error"
	}
	var browserErr ErrBrowser
	if errors.As(err, &browserErr) {
		return "browser"
	}
	var unsupported *sites.UnsupportedSiteError
	if errors.As(err, &unsupported) {
		return "unsupported_site"
	}
	var format *parser.FormatError
	if errors.As(err, &format) {
		return "price_format"
	}
	if errors.Is(err, ErrMalformedDocument) {
		return "malformed_document"
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return "http_" + string(fetchErr.Kind)
	}
	return "other"
}
