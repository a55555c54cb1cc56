package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/recall/core"
	"github.com/poiesic/recall/storage"
)

const (
	defaultRecorderWorkers = 4
	defaultRecorderTimeout = 5 * time.Second
)

// AccessRecorder increments access counters in the background. Submissions
// never block: when every worker is busy the update is dropped and counted.
type AccessRecorder struct {
	repository storage.FragmentRepository
	pool       *ants.Pool
	workers    int
	timeout    time.Duration
	logger     *slog.Logger

	recorded atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
}

// RecorderOption configures an AccessRecorder.
type RecorderOption func(*AccessRecorder) error

// WithWorkers sets the number of concurrent update workers.
func WithWorkers(n int) RecorderOption {
	return func(r *AccessRecorder) error {
		if n < 1 {
			return fmt.Errorf("%w: workers must be at least 1", ErrInvalidOption)
		}
		r.workers = n
		return nil
	}
}

// WithRecorderTimeout bounds each counter update.
func WithRecorderTimeout(timeout time.Duration) RecorderOption {
	return func(r *AccessRecorder) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: timeout must be positive", ErrInvalidOption)
		}
		r.timeout = timeout
		return nil
	}
}

// WithRecorderLogger sets a custom logger.
func WithRecorderLogger(logger *slog.Logger) RecorderOption {
	return func(r *AccessRecorder) error {
		if logger == nil {
			logger = slog.Default()
		}
		r.logger = logger
		return nil
	}
}

// NewAccessRecorder creates a recorder backed by a nonblocking worker pool.
func NewAccessRecorder(repository storage.FragmentRepository, opts ...RecorderOption) (*AccessRecorder, error) {
	if repository == nil {
		return nil, ErrRepositoryRequired
	}

	r := &AccessRecorder{
		repository: repository,
		workers:    defaultRecorderWorkers,
		timeout:    defaultRecorderTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.logger = r.logger.With("component", "access-recorder")

	pool, err := ants.NewPool(r.workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			r.failed.Add(1)
			r.logger.Error("panic while recording access", "panic", p)
		}),
	)
	if err != nil {
		return nil, err
	}
	r.pool = pool
	return r, nil
}

// Record schedules an access increment for ids. It returns immediately.
func (r *AccessRecorder) Record(ids ...core.ID) {
	if len(ids) == 0 {
		return
	}
	batch := slices.Clone(ids)

	err := r.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.repository.IncrementAccess(ctx, batch...); err != nil {
			r.failed.Add(1)
			r.logger.Warn("failed to record access", "count", len(batch), "err", err)
			return
		}
		r.recorded.Add(uint64(len(batch)))
	})
	if err != nil {
		r.dropped.Add(uint64(len(batch)))
		if !errors.Is(err, ants.ErrPoolOverload) {
			r.logger.Warn("access recorder unavailable", "err", err)
			return
		}
		r.logger.Debug("access recorder saturated, dropping update", "count", len(batch))
	}
}

// Recorded returns how many ids were successfully incremented.
func (r *AccessRecorder) Recorded() uint64 {
	return r.recorded.Load()
}

// Dropped returns how many ids were discarded because the pool was full or closed.
func (r *AccessRecorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Failed returns how many updates failed in the store.
func (r *AccessRecorder) Failed() uint64 {
	return r.failed.Load()
}

// Close waits up to the recorder timeout for pending updates, then stops the pool.
func (r *AccessRecorder) Close() error {
	return r.pool.ReleaseTimeout(r.timeout)
}
