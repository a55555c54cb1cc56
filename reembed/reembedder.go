// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package reembed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/recall/ai"
	"github.com/poiesic/recall/core"
	"github.com/poiesic/recall/storage"
)

// Config holds configuration for the reembedding operation.
type Config struct {
	// BatchSize is the number of fragments embedded per call
	BatchSize int

	// Workers is the number of batches embedded concurrently
	Workers int

	// ReportInterval is how often to report progress (number of fragments)
	ReportInterval int

	// MaxRetries is the maximum number of attempts for each embedding call
	MaxRetries int

	// RetryDelay is the base delay for exponential backoff
	RetryDelay time.Duration

	// Filter restricts reembedding to matching fragments. Nil means all.
	Filter *core.Filter
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      100,
		Workers:        2,
		ReportInterval: 100,
		MaxRetries:     3,
		RetryDelay:     1 * time.Second,
	}
}

// Validate checks the config values.
func (c *Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive", ErrInvalidConfig)
	case c.Workers <= 0:
		return fmt.Errorf("%w: workers must be positive", ErrInvalidConfig)
	case c.MaxRetries <= 0:
		return fmt.Errorf("%w: %w", ErrInvalidConfig, ErrInvalidMaxAttempts)
	case c.RetryDelay < 0:
		return fmt.Errorf("%w: retry delay must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Stats summarizes a completed run.
type Stats struct {
	Total    int
	Embedded int
	Blank    int
	Elapsed  time.Duration
}

// Reembedder orchestrates the reembedding of all active fragments in a repository.
type Reembedder struct {
	repo      storage.FragmentRepository
	config    *Config
	progress  io.Writer
	processor *BatchProcessor
	logger    *slog.Logger
}

// NewReembedder creates a new reembedder.
// progress: where to write progress output (typically os.Stderr)
func NewReembedder(repo storage.FragmentRepository, embedder ai.Embedder, config *Config, progress io.Writer) (*Reembedder, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if progress == nil {
		progress = io.Discard
	}

	return &Reembedder{
		repo:      repo,
		config:    config,
		progress:  progress,
		processor: NewBatchProcessor(repo, embedder, config.MaxRetries, config.RetryDelay),
		logger:    slog.Default().With("component", "reembedder"),
	}, nil
}

// Run reembeds every active fragment matching the configured filter.
// The first failing batch cancels the remaining work and its error is returned.
func (r *Reembedder) Run(ctx context.Context) (*Stats, error) {
	total, err := r.repo.CountFragments(ctx, r.config.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to count fragments: %w", err)
	}
	if total == 0 {
		fmt.Fprintf(r.progress, "No fragments found (0 fragments)\n")
		return &Stats{}, nil
	}

	fmt.Fprintf(r.progress, "Starting reembedding of %d fragments (batch size: %d, workers: %d)\n",
		total, r.config.BatchSize, r.config.Workers)

	pool, err := ants.NewPool(r.config.Workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	tracker := NewProgressTracker(r.progress, total, r.config.ReportInterval)
	tracker.Start()

	var wg sync.WaitGroup
	iterErr := r.repo.ForEachFragment(ctx, r.config.Filter, r.config.BatchSize, func(batch []*core.Fragment) error {
		if err := context.Cause(ctx); err != nil {
			return err
		}
		wg.Add(1)
		// Submit blocks while every worker is busy, which bounds memory
		submitErr := pool.Submit(func() {
			defer wg.Done()
			skipped, err := r.processor.Process(ctx, batch)
			if err != nil {
				r.logger.Error("batch failed", "first_id", batch[0].Id, "size", len(batch), "err", err)
				cancel(err)
				return
			}
			tracker.Increment(len(batch), skipped)
		})
		if submitErr != nil {
			wg.Done()
			return fmt.Errorf("failed to submit batch: %w", submitErr)
		}
		return nil
	})
	wg.Wait()

	if err := context.Cause(ctx); err != nil {
		return nil, err
	}
	if iterErr != nil {
		return nil, iterErr
	}

	processed, blank := tracker.Current()
	tracker.Finish()

	elapsed := tracker.Elapsed()
	stats := &Stats{Total: processed, Embedded: processed - blank, Blank: blank, Elapsed: elapsed}
	fmt.Fprintf(r.progress, "Reembedding complete. Processed %d fragments in %v (%.1f fragments/sec)\n",
		processed, elapsed.Round(time.Second), float64(processed)/max(elapsed.Seconds(), 1e-9))

	return stats, nil
}
