// Package cli implements the character-memory CLI commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rcliao/character-memory/internal/archive"
	"github.com/rcliao/character-memory/internal/assembler"
	"github.com/rcliao/character-memory/internal/config"
	"github.com/rcliao/character-memory/internal/embedding"
	"github.com/rcliao/character-memory/internal/engine"
	"github.com/rcliao/character-memory/internal/extraction"
	"github.com/rcliao/character-memory/internal/llm"
	"github.com/rcliao/character-memory/internal/logging"
	"github.com/rcliao/character-memory/internal/queue"
	"github.com/rcliao/character-memory/internal/ranker"
	"github.com/rcliao/character-memory/internal/store"
	"github.com/rcliao/character-memory/internal/summarizer"
	"github.com/rcliao/character-memory/internal/worker"
)

var (
	configPath string
	dbPath     string
	formatFlag string

	cfg *config.Config
	log *logrus.Logger
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "character-memory",
	Short: "Memory and context assembly for AI characters",
	Long: "Per-user, per-character memory for conversational AI. Builds token-budgeted context " +
		"bundles and learns from conversations in the background. SQLite-backed, single binary.",
	PersistentPreRunE: setup,
	SilenceUsage:      true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $CHARMEM_DB or ~/.character-memory/memory.db)")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
}

func setup(cmd *cobra.Command, args []string) error {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		c.DBPath = dbPath
	}
	l, err := logging.New(c.LogLevel, os.Stderr)
	if err != nil {
		return err
	}
	cfg, log = c, l
	return nil
}

func openStore() (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(cfg.DBPath)
}

// app is a fully wired engine and the resources it owns.
type app struct {
	store    *store.SQLiteStore
	queue    queue.Queue
	engine   *engine.Engine
	closers  []func() error
	embedder *embedding.CachedEmbedder
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.WithError(err).Warn("close")
		}
	}
	if a.embedder != nil {
		a.embedder.Close()
	}
}

func openApp(ctx context.Context) (*app, error) {
	s, err := openStore()
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{store: s, closers: []func() error{s.Close}}

	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	switch cfg.Queue.Backend {
	case "", "sqlite":
		q, err := queue.NewSQLiteQueue(a.store.DB())
		if err != nil {
			return fmt.Errorf("open queue: %w", err)
		}
		a.queue = q
	case "redis":
		q, err := queue.NewRedisQueue(ctx, queue.RedisOptions{
			Addr:       cfg.Queue.RedisAddr,
			Password:   cfg.Queue.RedisPassword,
			DB:         cfg.Queue.RedisDB,
			Prefix:     cfg.Queue.RedisPrefix,
			ClaimLease: cfg.Queue.ClaimLease,
		})
		if err != nil {
			return fmt.Errorf("open queue: %w", err)
		}
		a.queue = q
		a.closers = append(a.closers, q.Close)
	default:
		return fmt.Errorf("unknown queue backend %q (valid: sqlite, redis)", cfg.Queue.Backend)
	}

	emb, err := embedding.New(embedding.Options{
		Provider:  cfg.Embedding.Provider,
		Model:     cfg.Embedding.Model,
		URL:       cfg.Embedding.URL,
		APIKey:    cfg.Embedding.APIKey,
		Dims:      cfg.Embedding.Dims,
		CacheSize: cfg.Embedding.CacheSize,
	})
	if err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	if ce, ok := emb.(*embedding.CachedEmbedder); ok {
		a.embedder = ce
	}

	var index *store.SemanticIndex
	if emb != nil {
		dir := cfg.IndexDir
		if dir == "" {
			dir = filepath.Join(filepath.Dir(cfg.DBPath), "index")
		}
		index, err = store.NewSemanticIndex(dir)
		if err != nil {
			return fmt.Errorf("semantic index: %w", err)
		}
	}

	completer, err := llm.New(llm.Options{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		URL:      cfg.LLM.URL,
		APIKey:   cfg.LLM.APIKey,
	})
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}

	var archiver engine.Archiver
	if cfg.Mongo.URI != "" {
		m, err := archive.NewMongo(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		archiver = m
		a.closers = append(a.closers, m.Close)
	}

	e, err := engine.New(engine.Options{
		Store:     a.store,
		Queue:     a.queue,
		Index:     index,
		Embedder:  emb,
		Completer: completer,
		Archiver:  archiver,
		Ranker: ranker.Config{
			Weights: ranker.Weights{
				Semantic:   cfg.Ranker.Semantic,
				Recency:    cfg.Ranker.Recency,
				Importance: cfg.Ranker.Importance,
				Frequency:  cfg.Ranker.Frequency,
			},
			HalfLife:     time.Duration(cfg.Ranker.HalfLifeDays * float64(24*time.Hour)),
			FrequencyCap: cfg.Ranker.FrequencyCap,
			MinScore:     cfg.Ranker.MinScore,
		},
		Assembler: assembler.Config{
			PersonaCap:       cfg.Assembler.PersonaCap,
			EntitiesCap:      cfg.Assembler.EntitiesCap,
			EpisodicCap:      cfg.Assembler.EpisodicCap,
			LongTermCap:      cfg.Assembler.LongTermCap,
			WorkingMemoryCap: cfg.Assembler.WorkingMemoryCap,
			BufferCapacity:   cfg.Assembler.BufferCapacity,
			CandidateLimit:   cfg.Assembler.CandidateLimit,
			SectionTimeout:   cfg.Assembler.SectionTimeout,
			Deadline:         cfg.Assembler.Deadline,
		},
		Summarizer: summarizer.Config{
			Interval: cfg.Summarizer.Interval,
			MaxWords: cfg.Summarizer.MaxWords,
		},
		Extraction: extraction.DefaultConfig(),
		Worker: worker.Config{
			Workers:      cfg.Worker.Count,
			MaxAttempts:  cfg.Worker.MaxAttempts,
			BaseBackoff:  cfg.Worker.BaseBackoff,
			MaxBackoff:   cfg.Worker.MaxBackoff,
			PollInterval: cfg.Worker.PollInterval,
		},
		Session: engine.SessionConfig{
			Timeout:       cfg.Session.Timeout,
			SweepInterval: cfg.Session.SweepInterval,
			PruneClosed:   cfg.Session.PruneClosed,
		},
		Log: log,
	})
	if err != nil {
		return err
	}
	a.engine = e
	return nil
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
