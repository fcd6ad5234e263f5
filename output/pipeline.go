package output

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/bookprices/bookprices/models"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
)

// Pipeline validates, de-duplicates and batches observations into a Writer.
type Pipeline struct {
	writer    Writer
	obsCh     chan models.PriceObservation
	batchSize int

	wg sync.WaitGroup

	seen   map[string]struct{}
	seenMu sync.Mutex

	metrics metrics

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline with a modest in-memory buffer.
func NewPipeline(writer Writer, batchSize int) *Pipeline {
	if batchSize <= 0 {
		batchSize = 64
	}
	return &Pipeline{
		writer:    writer,
		obsCh:     make(chan models.PriceObservation, 512),
		batchSize: batchSize,
		seen:      make(map[string]struct{}),
		metrics:   newMetrics(),
		shutdown:  make(chan struct{}),
	}
}

// Start launches worker goroutines. One worker keeps the input order.
func (p *Pipeline) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Process enqueues observations for writing.
func (p *Pipeline) Process(observations ...models.PriceObservation) error {
	if len(observations) == 0 {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}

	for _, obs := range observations {
		if err := p.enqueue(obs); err != nil {
			return err
		}
	}
	return nil
}

// Close waits for workers to drain the queue and prevents more submissions.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
	}
	p.mu.Unlock()

	p.closeOnce.Do(func() {
		close(p.obsCh)
	})

	p.wg.Wait()
	p.signalShutdown()
	return p.Err()
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Written  int64
	Rejected map[string]int
}

// Stats returns a snapshot of the internal counters.
func (p *Pipeline) Stats() Stats {
	return p.metrics.snapshot()
}

// StartReporting logs progress every interval until the pipeline closes.
func (p *Pipeline) StartReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				stats := p.Stats()
				slog.Info("export progress",
					slog.Int64("written", stats.Written),
					slog.Int("rejected_kinds", len(stats.Rejected)))
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	batch := make([]models.PriceObservation, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.writer.Write(batch); err != nil {
			return err
		}
		p.metrics.addWritten(len(batch))
		batch = batch[:0]
		return nil
	}

	for obs := range p.obsCh {
		if !p.accept(obs) {
			continue
		}
		batch = append(batch, obs)
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				p.setErr(fmt.Errorf("write batch: %w", err))
				return
			}
		}
	}

	if err := flush(); err != nil {
		p.setErr(fmt.Errorf("write batch: %w", err))
	}
}

func (p *Pipeline) accept(obs models.PriceObservation) bool {
	if err := models.ValidateISBN(obs.ISBN); err != nil || obs.Site == "" {
		p.metrics.addRejected("invalid_record")
		return false
	}
	if obs.Price != nil && (*obs.Price < 0 || math.IsNaN(*obs.Price) || math.IsInf(*obs.Price, 0)) {
		p.metrics.addRejected("invalid_price")
		return false
	}

	key := obs.ISBN + "|" + obs.Site + "|" + obs.Date.Format(DateLayout)
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	if _, ok := p.seen[key]; ok {
		p.metrics.addRejected("duplicate")
		return false
	}
	p.seen[key] = struct{}{}
	return true
}

func (p *Pipeline) enqueue(obs models.PriceObservation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case p.obsCh <- obs:
		return nil
	}
}

func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type metrics struct {
	mu       sync.Mutex
	written  int64
	rejected map[string]int
}

func newMetrics() metrics {
	return metrics{
		rejected: make(map[string]int),
	}
}

func (m *metrics) addWritten(n int) {
	m.mu.Lock()
	m.written += int64(n)
	m.mu.Unlock()
}

func (m *metrics) addRejected(kind string) {
	m.mu.Lock()
	m.rejected[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	rejected := make(map[string]int, len(m.rejected))
	for k, v := range m.rejected {
		rejected[k] = v
	}
	return Stats{Written: m.written, Rejected: rejected}
}
