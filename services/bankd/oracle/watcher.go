package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"swapbank/native/bank"
	"swapbank/observability"
)

// Quoter exposes the validated reference price.
type Quoter interface {
	CurrentReferencePrice(ctx context.Context) (bank.Price, error)
}

// Status is the outcome of the most recent price check.
type Status struct {
	CheckedAt time.Time
	Price     bank.Price
	Age       time.Duration
	Err       error
}

// Healthy reports whether the last check produced a usable price.
func (s Status) Healthy() bool {
	return !s.CheckedAt.IsZero() && s.Err == nil
}

// Watcher periodically checks the reference price and exports its age.
type Watcher struct {
	quoter   Quoter
	interval time.Duration
	clock    func() time.Time
	metrics  *observability.PriceMetrics
	logger   *slog.Logger
	once     sync.Once

	mu   sync.RWMutex
	last Status
}

// WatcherOption customises a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherClock overrides the time source.
func WithWatcherClock(clock func() time.Time) WatcherOption {
	return func(w *Watcher) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// WithWatcherLogger overrides the logger.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher constructs a watcher polling quoter every interval.
func NewWatcher(quoter Quoter, interval time.Duration, opts ...WatcherOption) (*Watcher, error) {
	if quoter == nil {
		return nil, fmt.Errorf("oracle: quoter required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("oracle: watch interval must be positive")
	}
	w := &Watcher{
		quoter:   quoter,
		interval: interval,
		clock:    time.Now,
		metrics:  observability.Price(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run checks the price until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if w == nil {
		return fmt.Errorf("watcher not configured")
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.once.Do(func() {
		w.logger.Info("bankd/oracle: price watcher started", "interval", w.interval.String())
	})
	for {
		w.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs a single price check.
func (w *Watcher) Tick(ctx context.Context) Status {
	now := w.clock()
	price, err := w.quoter.CurrentReferencePrice(ctx)
	status := Status{CheckedAt: now, Price: price, Err: err}
	if err != nil {
		if ctx.Err() == nil {
			reason := bank.ErrorReason(err)
			w.metrics.RecordFailure(reason)
			w.logger.Warn("bankd/oracle: reference price unusable", "reason", reason, "error", err)
		}
	} else {
		status.Age = now.Sub(price.UpdatedAt)
		w.metrics.RecordQuote(status.Age)
	}
	w.mu.Lock()
	w.last = status
	w.mu.Unlock()
	return status
}

// Last returns the most recent status.
func (w *Watcher) Last() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}
