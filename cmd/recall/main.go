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


package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/poiesic/recall"
	"github.com/poiesic/recall/config"
	"github.com/poiesic/recall/core"
	"github.com/poiesic/recall/ingestion"
	"github.com/poiesic/recall/reembed"
	"github.com/poiesic/recall/retrieval"
	"github.com/poiesic/recall/storage/postgres"
	"github.com/urfave/cli/v2"
)

const accessWorkers = 2

// openDatabase builds the database described by cfg. The returned cleanup
// closes everything it opened.
var openDatabase = func(ctx context.Context, cfg *config.Config) (*recall.Database, func(), error) {
	opts := []recall.DatabaseOption{
		recall.WithAIConfig(cfg.AI()),
		recall.WithEmbeddingCache(cfg.Cache.Size, cfg.Cache.TTL),
		recall.WithAccessRecording(accessWorkers),
	}

	release := func() {}
	if cfg.Store == config.StorePostgres {
		pool, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if err := postgres.Migrate(ctx, pool, cfg.Embedding.Dimension); err != nil {
			pool.Close()
			return nil, nil, err
		}
		repo, err := postgres.NewFragmentRepository(pool, postgres.WithDimension(cfg.Embedding.Dimension))
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		opts = append(opts, recall.WithRepository(repo))
		release = func() { repo.Close() }
	}

	db, err := recall.NewDatabase(cfg.DB, opts...)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, func() {
		if err := db.Close(); err != nil {
			slog.Warn("failed to close database", "err", err)
		}
		release()
	}, nil
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func filterFlags(ownerRequired bool) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "owner",
			Aliases:  []string{"o"},
			Usage:    "Owner (tenant) id",
			Required: ownerRequired,
		},
		&cli.StringFlag{Name: "project", Usage: "Project id"},
		&cli.StringFlag{Name: "document", Usage: "Document id"},
		&cli.StringFlag{Name: "source", Usage: "Source label"},
		&cli.StringSliceFlag{Name: "tag", Usage: "Tag; repeat to require several"},
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "recall",
		Usage: "Semantic retrieval over ingested text fragments",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML config file",
				Value:   "recall.yaml",
				EnvVars: []string{"RECALL_CONFIG"},
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "Dotenv file to load before reading config",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:      "ingest",
				Usage:     "Ingest one fragment per non-empty input line",
				ArgsUsage: "[file]",
				Action:    ingestCommand,
				Flags: append(filterFlags(true),
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Number of lines per ingestion call",
						Value: 100,
					},
				),
			},
			{
				Name:      "search",
				Usage:     "Rank fragments by similarity to a query",
				ArgsUsage: "<query>",
				Action:    searchCommand,
				Flags: append(filterFlags(false),
					&cli.IntFlag{Name: "k", Usage: "Number of results (defaults to config)"},
					&cli.BoolFlag{Name: "diverse", Usage: "Rerank with maximal marginal relevance"},
					&cli.Float64Flag{
						Name:  "lambda",
						Usage: "MMR trade-off between relevance (1) and diversity (0)",
						Value: 0.5,
					},
					&cli.IntFlag{Name: "fetch-k", Usage: "MMR candidate pool size (defaults to 4k)"},
				),
			},
			{
				Name:      "retrieve",
				Usage:     "Retrieve with automatic strategy selection",
				ArgsUsage: "<query>",
				Action:    retrieveCommand,
				Flags: append(filterFlags(false),
					&cli.IntFlag{Name: "k", Usage: "Number of results (defaults to config)"},
					&cli.StringFlag{
						Name:  "strategy",
						Usage: "Force a strategy (auto, relevance, diversity, hybrid)",
						Value: "auto",
					},
				),
			},
			{
				Name:   "delete",
				Usage:  "Soft delete fragments matching a filter",
				Action: deleteCommand,
				Flags: append(filterFlags(false),
					&cli.Int64SliceFlag{Name: "id", Usage: "Fragment id; repeat for several"},
				),
			},
			{
				Name:   "reembed",
				Usage:  "Recompute embeddings of all active fragments",
				Action: reembedCommand,
				Flags: append(filterFlags(false),
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Number of fragments to process in each batch",
						Value: 100,
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Number of concurrent embedding batches",
						Value: 2,
					},
					&cli.IntFlag{
						Name:  "report-interval",
						Usage: "Report progress every N fragments",
						Value: 100,
					},
					&cli.IntFlag{
						Name:  "max-retries",
						Usage: "Maximum retry attempts for failed operations",
						Value: 3,
					},
					&cli.DurationFlag{
						Name:  "retry-delay",
						Usage: "Base delay for exponential backoff",
						Value: 1 * time.Second,
					},
				),
			},
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	if err := config.LoadEnvFiles(c.StringSlice("env-file")...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withDatabase(c *cli.Context, fn func(ctx context.Context, cfg *config.Config, db *recall.Database) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}
	db, cleanup, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, cfg, db)
}

func filterFromFlags(c *cli.Context) *core.Filter {
	filter := &core.Filter{
		OwnerID:    c.String("owner"),
		ProjectID:  c.String("project"),
		DocumentID: c.String("document"),
		Source:     c.String("source"),
		Tags:       c.StringSlice("tag"),
	}
	if c.IsSet("id") {
		for _, id := range c.Int64Slice("id") {
			filter.IDs = append(filter.IDs, core.ID(id))
		}
	}
	return filter
}

func queryArg(c *cli.Context) (string, error) {
	query := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	return query, nil
}

func resultCount(c *cli.Context, cfg *config.Config) int {
	if k := c.Int("k"); k > 0 {
		return k
	}
	return cfg.Retrieval.K
}

func ingestCommand(c *cli.Context) error {
	batchSize := c.Int("batch-size")
	if batchSize <= 0 {
		return fmt.Errorf("batch-size must be greater than 0")
	}

	in := c.App.Reader
	if c.Args().Present() {
		f, err := os.Open(c.Args().First())
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	if in == nil {
		in = os.Stdin
	}

	metadata := core.Metadata{
		OwnerID:    c.String("owner"),
		ProjectID:  c.String("project"),
		DocumentID: c.String("document"),
		Source:     c.String("source"),
		Tags:       c.StringSlice("tag"),
	}

	return withDatabase(c, func(ctx context.Context, _ *config.Config, db *recall.Database) error {
		pipeline, err := db.NewIngestionPipeline()
		if err != nil {
			return err
		}

		total := 0
		flush := func(batch []ingestion.Input) error {
			ids, err := pipeline.Ingest(ctx, batch)
			if err != nil {
				return fmt.Errorf("ingestion failed: %w", err)
			}
			for i, id := range ids {
				fmt.Fprintf(c.App.Writer, "%d\t%s\n", id, batch[i].Content)
			}
			total += len(ids)
			return nil
		}

		var batch []ingestion.Input
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			batch = append(batch, ingestion.Input{Content: line, Metadata: metadata})
			if len(batch) == batchSize {
				if err := flush(batch); err != nil {
					return err
				}
				batch = nil
			}
		}
		if err := scanner.Err(); err != nil {
			return err
		}
		if len(batch) > 0 {
			if err := flush(batch); err != nil {
				return err
			}
		}
		slog.Info("ingestion complete", "fragments", total)
		return nil
	})
}

func searchCommand(c *cli.Context) error {
	query, err := queryArg(c)
	if err != nil {
		return err
	}

	return withDatabase(c, func(ctx context.Context, cfg *config.Config, db *recall.Database) error {
		searcher, err := db.NewSearcher()
		if err != nil {
			return err
		}

		k := resultCount(c, cfg)
		var hits []*core.ScoredFragment
		if c.Bool("diverse") {
			fetchK := c.Int("fetch-k")
			if fetchK <= 0 {
				fetchK = 4 * k
			}
			hits = searcher.MMRSearch(ctx, query, k, fetchK, c.Float64("lambda"), filterFromFlags(c))
		} else {
			hits = searcher.Search(ctx, query, k, filterFromFlags(c))
		}

		fmt.Fprintf(c.App.Writer, "Found %d hits\n", len(hits))
		for i, hit := range hits {
			fmt.Fprintf(c.App.Writer, "%d: '%s' (%d)[%0.3f]\n", i, hit.Fragment.Content, hit.Fragment.Id, hit.Score)
		}
		return nil
	})
}

func retrieveCommand(c *cli.Context) error {
	query, err := queryArg(c)
	if err != nil {
		return err
	}
	strategy, err := retrieval.ParseStrategy(c.String("strategy"))
	if err != nil {
		return err
	}

	return withDatabase(c, func(ctx context.Context, cfg *config.Config, db *recall.Database) error {
		retriever, err := db.NewRetriever(retrieval.WithTimeout(cfg.Retrieval.Timeout))
		if err != nil {
			return err
		}

		results := retriever.RetrieveWithStrategy(ctx, query, resultCount(c, cfg), filterFromFlags(c), strategy)
		if len(results) > 0 {
			a := results[0].Annotation
			fmt.Fprintf(c.App.Writer, "Strategy: %s (confidence %0.2f, fallback %t)\n", a.Strategy, a.Confidence, a.Fallback)
		}
		fmt.Fprintf(c.App.Writer, "Found %d hits\n", len(results))
		for i, r := range results {
			fmt.Fprintf(c.App.Writer, "%d: '%s' (%d)[%0.3f]\n", i, r.Fragment.Content, r.Fragment.Id, r.Score)
		}
		return nil
	})
}

func deleteCommand(c *cli.Context) error {
	filter := filterFromFlags(c)
	if filter.IsEmpty() {
		return fmt.Errorf("at least one filter flag is required")
	}

	return withDatabase(c, func(ctx context.Context, _ *config.Config, db *recall.Database) error {
		n, err := db.Delete(ctx, filter)
		if err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Fprintf(c.App.Writer, "Deleted %d fragments\n", n)
		return nil
	})
}

func reembedCommand(c *cli.Context) error {
	reembedConfig := &reembed.Config{
		BatchSize:      c.Int("batch-size"),
		Workers:        c.Int("workers"),
		ReportInterval: c.Int("report-interval"),
		MaxRetries:     c.Int("max-retries"),
		RetryDelay:     c.Duration("retry-delay"),
	}
	if filter := filterFromFlags(c); !filter.IsEmpty() {
		reembedConfig.Filter = filter
	}
	if err := reembedConfig.Validate(); err != nil {
		return err
	}

	return withDatabase(c, func(ctx context.Context, cfg *config.Config, db *recall.Database) error {
		progress := c.App.ErrWriter
		if progress == nil {
			progress = io.Discard
		}
		reembedder, err := db.NewReembedder(reembedConfig, progress)
		if err != nil {
			return err
		}

		fmt.Fprintf(progress, "Store: %s\n", cfg.Store)
		fmt.Fprintf(progress, "Embedding host: %s\n", cfg.Embedding.Host)
		fmt.Fprintf(progress, "Embedding model: %s\n", cfg.Embedding.Model)
		fmt.Fprintln(progress)

		stats, err := reembedder.Run(ctx)
		if err != nil {
			return fmt.Errorf("reembedding failed: %w", err)
		}
		fmt.Fprintf(c.App.Writer, "Reembedded %d of %d fragments (%d blank) in %s\n",
			stats.Embedded, stats.Total, stats.Blank, stats.Elapsed.Round(time.Millisecond))
		return nil
	})
}

func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}
