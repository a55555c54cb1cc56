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


package recall

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/poiesic/recall/ai"
	"github.com/poiesic/recall/ai/cache"
	"github.com/poiesic/recall/ai/openai"
	"github.com/poiesic/recall/core"
	"github.com/poiesic/recall/ingestion"
	"github.com/poiesic/recall/reembed"
	"github.com/poiesic/recall/retrieval"
	"github.com/poiesic/recall/search"
	"github.com/poiesic/recall/storage"
	"github.com/poiesic/recall/storage/badger"
)

// ErrFilterRequired is returned by Delete when the filter would match every fragment.
var ErrFilterRequired = errors.New("delete requires a non-empty filter")

// Database wires a fragment repository and an AI provider together and
// hands out the components built on them.
type Database struct {
	backend  *badger.Backend
	repo     storage.FragmentRepository
	ownsRepo bool
	provider ai.AIProvider
	queries  ai.Embedder
	recorder *search.AccessRecorder
	logger   *slog.Logger
}

// DatabaseOption configures a Database.
type DatabaseOption func(*databaseOptions)

type databaseOptions struct {
	aiConfig  *ai.Config
	provider  ai.AIProvider
	repo      storage.FragmentRepository
	inMemory  bool
	cacheSize int
	cacheTTL  time.Duration
	workers   int
	logger    *slog.Logger
}

// WithAIConfig sets the configuration of the default OpenAI-compatible provider.
func WithAIConfig(cfg *ai.Config) DatabaseOption {
	return func(o *databaseOptions) {
		o.aiConfig = cfg
	}
}

// WithProvider uses provider instead of creating one from the AI config.
// The Database closes it on Close.
func WithProvider(provider ai.AIProvider) DatabaseOption {
	return func(o *databaseOptions) {
		o.provider = provider
	}
}

// WithRepository uses repo instead of opening a Badger store; the file
// path is then ignored. The caller keeps ownership of repo.
func WithRepository(repo storage.FragmentRepository) DatabaseOption {
	return func(o *databaseOptions) {
		o.repo = repo
	}
}

// WithInMemory opens an in-memory Badger store.
func WithInMemory() DatabaseOption {
	return func(o *databaseOptions) {
		o.inMemory = true
	}
}

// WithEmbeddingCache caches query embeddings of searchers and retrievers.
// A size of 0 disables the cache.
func WithEmbeddingCache(size int, ttl time.Duration) DatabaseOption {
	return func(o *databaseOptions) {
		o.cacheSize = size
		o.cacheTTL = ttl
	}
}

// WithAccessRecording counts result accesses in the background with the
// given number of workers. 0 disables it.
func WithAccessRecording(workers int) DatabaseOption {
	return func(o *databaseOptions) {
		o.workers = workers
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) DatabaseOption {
	return func(o *databaseOptions) {
		o.logger = logger
	}
}

// NewDatabase opens the Badger store at filePath, unless a repository is
// supplied, and an AI provider.
func NewDatabase(filePath string, opts ...DatabaseOption) (*Database, error) {
	options := &databaseOptions{
		aiConfig: ai.DefaultConfig(),
		cacheTTL: cache.DefaultTTL,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	db := &Database{
		repo:     options.repo,
		provider: options.provider,
		logger:   options.logger.With("component", "database"),
	}

	if db.repo == nil {
		backend, err := badger.OpenBackend(filePath, options.inMemory)
		if err != nil {
			return nil, err
		}
		repo, err := badger.NewFragmentRepository(backend)
		if err != nil {
			backend.Close()
			return nil, err
		}
		db.backend = backend
		db.repo = repo
		db.ownsRepo = true
	}

	if db.provider == nil {
		provider, err := openai.NewProvider(options.aiConfig)
		if err != nil {
			db.closeStore()
			return nil, err
		}
		db.provider = provider
	}

	db.queries = db.provider.Embedder()
	if options.cacheSize > 0 {
		cached, err := cache.New(db.queries,
			cache.WithSize(options.cacheSize),
			cache.WithTTL(options.cacheTTL),
			cache.WithLogger(options.logger),
		)
		if err != nil {
			db.Close()
			return nil, err
		}
		db.queries = cached
	}

	if options.workers > 0 {
		recorder, err := search.NewAccessRecorder(db.repo,
			search.WithWorkers(options.workers),
			search.WithRecorderLogger(options.logger),
		)
		if err != nil {
			db.Close()
			return nil, err
		}
		db.recorder = recorder
	}

	return db, nil
}

// Close releases the recorder, the provider and the store opened by NewDatabase.
func (db *Database) Close() error {
	if db.recorder != nil {
		if err := db.recorder.Close(); err != nil {
			db.logger.Warn("access recorder did not drain", "err", err)
		}
	}

	if err := db.provider.Close(); err != nil {
		db.logger.Error("error closing AI provider", "err", err)
	}

	return db.closeStore()
}

func (db *Database) closeStore() error {
	if !db.ownsRepo {
		return nil
	}
	if err := db.repo.Close(); err != nil {
		db.logger.Error("error closing fragment repository", "err", err)
		return err
	}
	if err := db.backend.Close(); err != nil {
		db.logger.Error("error closing backend storage", "err", err)
		return err
	}
	return nil
}

func (db *Database) Repository() storage.FragmentRepository {
	return db.repo
}

func (db *Database) Provider() ai.AIProvider {
	return db.provider
}

func (db *Database) NewIngestionPipeline(opts ...ingestion.Option) (*ingestion.Pipeline, error) {
	opts = append([]ingestion.Option{ingestion.WithLogger(db.logger)}, opts...)
	return ingestion.NewPipeline(db.repo, db.provider, opts...)
}

// NewSearcher creates a searcher that embeds queries through the cache and
// records accesses when those are enabled. opts are applied last.
func (db *Database) NewSearcher(opts ...search.Option) (*search.Searcher, error) {
	defaults := []search.Option{
		search.WithLogger(db.logger),
		search.WithEmbedder(db.queries),
	}
	if db.recorder != nil {
		defaults = append(defaults, search.WithAccessRecorder(db.recorder))
	}
	return search.NewSearcher(db.repo, db.provider, append(defaults, opts...)...)
}

// NewRetriever creates a retriever on top of a default searcher.
func (db *Database) NewRetriever(opts ...retrieval.Option) (*retrieval.Retriever, error) {
	searcher, err := db.NewSearcher()
	if err != nil {
		return nil, err
	}
	opts = append([]retrieval.Option{retrieval.WithLogger(db.logger)}, opts...)
	return retrieval.NewRetriever(searcher, opts...)
}

// NewReembedder creates a reembedder using the provider's embedder directly,
// bypassing the query cache.
func (db *Database) NewReembedder(config *reembed.Config, progress io.Writer) (*reembed.Reembedder, error) {
	return reembed.NewReembedder(db.repo, db.provider.Embedder(), config, progress)
}

// Delete soft-deletes the active fragments matching filter and returns how
// many changed. Deleting twice is harmless. An empty filter is refused.
func (db *Database) Delete(ctx context.Context, filter *core.Filter) (int, error) {
	if filter.IsEmpty() {
		return 0, ErrFilterRequired
	}
	n, err := db.repo.SoftDelete(ctx, filter)
	if err != nil {
		return 0, err
	}
	db.logger.Info("fragments deleted", "count", n)
	return n, nil
}
