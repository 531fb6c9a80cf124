package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	ailibmodel "github.com/cpunion/ailib/adk/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	adkmodel "google.golang.org/adk/model"
	"google.golang.org/genai"

	"github.com/cpunion/chorus/pkg/activity"
	"github.com/cpunion/chorus/pkg/character"
	"github.com/cpunion/chorus/pkg/config"
	"github.com/cpunion/chorus/pkg/engine"
	"github.com/cpunion/chorus/pkg/image"
	"github.com/cpunion/chorus/pkg/llm"
	"github.com/cpunion/chorus/pkg/retry"
	"github.com/cpunion/chorus/pkg/session"
	"github.com/cpunion/chorus/pkg/store"
)

// app holds everything a command needs.
type app struct {
	cfg      *config.Config
	storage  store.Storage
	engine   *engine.Engine
	closers  []io.Closer
	imageDir string
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}

func setupLogger(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
}

func newApp(ctx context.Context, configPath, userID string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	setupLogger(cfg.Log.Level)

	a := &app{cfg: cfg, imageDir: cfg.Images.Dir}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	storage, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a.storage = storage
	if c, isCloser := storage.(io.Closer); isCloser {
		a.closers = append(a.closers, c)
	}

	gen, err := newGenerator(ctx, cfg)
	if err != nil {
		return nil, err
	}

	catalog := character.DefaultCatalog()
	if cfg.Characters.File != "" {
		if catalog, err = character.LoadCatalog(cfg.Characters.File); err != nil {
			return nil, err
		}
	}

	var images image.Resolver = image.None{}
	if cfg.Images.Dir != "" {
		images = image.NewDirResolver(cfg.Images.Dir)
	}

	act, err := openActivity(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open activity log: %w", err)
	}
	a.closers = append(a.closers, act)

	stagger := cfg.Generation.Stagger
	if stagger == 0 {
		stagger = -1
	}
	logger := log.Logger
	e, err := engine.New(engine.Deps{
		Storage:   storage,
		Generator: gen,
		Images:    images,
		Catalog:   catalog,
		Session:   session.New(userID),
	}, engine.Options{
		StaggerDelay:  stagger,
		PendingWait:   cfg.Generation.PendingWait,
		RatePerMinute: cfg.Generation.RatePerMinute,
		Burst:         cfg.Generation.Burst,
		ImageRetry:    retry.Config{Attempts: cfg.Images.Attempts, BaseDelay: cfg.Images.Backoff},
		Logger:        &logger,
		Activity:      act,
	})
	if err != nil {
		return nil, err
	}
	a.engine = e
	ok = true
	return a, nil
}

// openActivity picks a single JSONL file for *.jsonl paths and a segmented
// directory otherwise.
func openActivity(cfg *config.Config) (activity.Logger, error) {
	path := cfg.Log.Activity
	switch {
	case path == "":
		return activity.Nop{}, nil
	case strings.HasSuffix(path, ".jsonl"):
		return activity.NewJSONLLogger(path)
	default:
		return activity.OpenSegmented(path, cfg.Log.SegmentSize)
	}
}

func openStore(cfg *config.Config) (store.Storage, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		s, err := store.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	default:
		s := store.NewJSONStore(cfg.Store.Path)
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("failed to load json store: %w", err)
		}
		return s, nil
	}
}

func newGenerator(ctx context.Context, cfg *config.Config) (llm.Generator, error) {
	switch cfg.LLM.Provider {
	case "mock":
		mock := ailibmodel.NewMockLLM(&adkmodel.LLMResponse{
			Content: genai.NewContentFromText("Love this! Thanks for sharing.", genai.RoleModel),
		})
		return llm.NewModelGenerator(mock, nil), nil
	default:
		g, err := llm.NewGemini(ctx, llm.GeminiConfig{
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini generator: %w", err)
		}
		return g, nil
	}
}
