package main

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/cellhost/internal/api"
	"github.com/mattjoyce/cellhost/internal/auth"
	"github.com/mattjoyce/cellhost/internal/bundle"
	"github.com/mattjoyce/cellhost/internal/clock"
	"github.com/mattjoyce/cellhost/internal/config"
	"github.com/mattjoyce/cellhost/internal/engine"
	"github.com/mattjoyce/cellhost/internal/guest"
	"github.com/mattjoyce/cellhost/internal/lock"
	"github.com/mattjoyce/cellhost/internal/log"
	"github.com/mattjoyce/cellhost/internal/scheduler"
	"github.com/mattjoyce/cellhost/internal/storage"
	"github.com/mattjoyce/cellhost/internal/webhook"
)

//go:embed builtin/echo.star
var echoZome []byte

// builtinZomes are available to any bundle as bundled paths without being
// packed into it.
var builtinZomes = map[string][]byte{
	"builtin/echo.star": echoZome,
}

func runStart(args []string, stderr io.Writer) int {
	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer ossignal.Stop(sigCh)
	return serve(args, stderr, sigCh)
}

// serve runs the host until a value arrives on stop or a component fails.
func serve(args []string, stderr io.Writer, stop <-chan os.Signal) int {
	cfg, configPath, code := loadConfigFromFlags("start", args, stderr)
	if cfg == nil {
		return code
	}

	log.SetupWithOptions(log.Options{
		Level:      cfg.Service.LogLevel,
		Format:     cfg.Service.LogFormat,
		File:       cfg.Service.LogFile,
		MaxSizeMB:  cfg.Service.LogMaxSizeMB,
		MaxBackups: cfg.Service.LogMaxBackups,
	})
	logger := log.WithComponent("main")
	logger.Info("cellhost starting", "version", version, "config", configPath)

	pidLockPath := lock.PathFor(cfg.Store.Path)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Store.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.Store.Path)

	eng, err := newEngine(cfg, db)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		return 1
	}
	defer eng.Close()

	if err := installCells(ctx, eng, cfg.Cells); err != nil {
		logger.Error("failed to install cells", "error", err)
		return 1
	}
	logger.Info("cell installation complete", "count", len(cfg.Cells))

	// Every component returns through g before the deferred closes run, so
	// nothing writes to a closed database.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := eng.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("dispatcher: %w", err)
		}
		return nil
	})

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{Name: t.Name, Token: t.Token, Scopes: t.Scopes, Agents: t.Agents})
		}
		apiServer := api.New(api.Config{Listen: cfg.API.Listen, Tokens: tokens}, eng, log.WithComponent("api"))
		g.Go(func() error {
			if err := apiServer.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if len(cfg.Webhooks.Endpoints) > 0 {
		whCfg, err := webhook.FromGlobalConfig(cfg.Webhooks)
		if err != nil {
			logger.Error("invalid webhooks config", "error", err)
			cancel()
			_ = g.Wait()
			return 1
		}
		whServer := webhook.New(whCfg, eng, log.WithComponent("webhook"))
		g.Go(func() error {
			if err := whServer.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("webhooks: %w", err)
			}
			return nil
		})
		logger.Info("webhook server enabled", "listen", whCfg.Listen, "endpoints", len(whCfg.Endpoints))
	}

	sched := scheduler.New(cfg, eng, log.Get())
	if sched.Len() > 0 {
		if err := sched.Start(gctx); err != nil {
			logger.Error("failed to start scheduler", "error", err)
			cancel()
			_ = g.Wait()
			return 1
		}
		g.Go(func() error {
			<-gctx.Done()
			sched.Stop()
			return nil
		})
	}

	g.Go(func() error {
		select {
		case sig := <-stop:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	logger.Info("cellhost running (press Ctrl+C to stop)")

	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}

	logger.Info("cellhost stopped")
	return 0
}

func newEngine(cfg *config.Config, db *sql.DB) (*engine.Engine, error) {
	runtime := guest.NewStarlark(
		guest.WithMaxSteps(cfg.Engine.MaxSteps),
		guest.WithLogger(log.WithComponent("guest")),
	)
	return engine.New(engine.Options{
		DB:                  db,
		Runtime:             runtime,
		Clock:               newClock(cfg.Clock),
		RequireAttestedTime: cfg.Clock.RequireAttested,
		Resolver:            newResolver(cfg),
		Workers:             cfg.Engine.Workers,
		PollInterval:        cfg.Engine.PollInterval,
		TriggerTimeout:      cfg.Engine.TriggerTimeout,
		CallTimeout:         cfg.Engine.CallTimeout,
		Logger:              log.WithComponent("engine"),
	})
}

func newResolver(cfg *config.Config) *bundle.Resolver {
	return &bundle.Resolver{
		Embedded:   builtinZomes,
		BaseDir:    cfg.Bundles.BaseDir,
		HTTPClient: &http.Client{Timeout: cfg.Bundles.FetchTimeout},
		MaxElapsed: cfg.Bundles.FetchTimeout,
		MaxBytes:   cfg.Bundles.MaxBytes,
		Logger:     log.WithComponent("bundle"),
	}
}

// newClock returns the system clock unless time sources are configured.
func newClock(cfg config.ClockConfig) clock.Clock {
	if len(cfg.Sources) == 0 {
		return clock.System{}
	}
	client := &http.Client{Timeout: cfg.Timeout}
	sources := make([]clock.Clock, 0, len(cfg.Sources))
	for _, u := range cfg.Sources {
		sources = append(sources, clock.HTTPDate{URL: u, Client: client})
	}
	minAgree := cfg.Min
	if minAgree <= 0 {
		minAgree = len(sources)/2 + 1
	}
	return &clock.Quorum{
		Sources:    sources,
		Min:        minAgree,
		Skew:       cfg.Skew,
		Timeout:    cfg.Timeout,
		MaxElapsed: cfg.MaxElapsed,
	}
}

func installCells(ctx context.Context, eng *engine.Engine, cells []config.CellConfig) error {
	for _, c := range cells {
		spec, err := cellSpec(c)
		if err != nil {
			return err
		}
		if _, err := eng.InstallCell(ctx, spec); err != nil {
			return err
		}
	}
	return nil
}

func cellSpec(c config.CellConfig) (engine.CellSpec, error) {
	spec := engine.CellSpec{
		Name:     c.Name,
		Location: bundle.Location{Path: c.Path, URL: c.URL},
		Checksum: c.Checksum,
	}
	if c.AgentSeed != "" {
		seed, err := hex.DecodeString(c.AgentSeed)
		if err != nil {
			return engine.CellSpec{}, fmt.Errorf("cell %q: agent_seed: %w", c.Name, err)
		}
		spec.AgentSeed = seed
	}
	return spec, nil
}
