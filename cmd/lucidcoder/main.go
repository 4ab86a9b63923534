package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lucidcoder/lucidcoder/internal/api"
	"github.com/lucidcoder/lucidcoder/internal/automation"
	"github.com/lucidcoder/lucidcoder/internal/branch"
	"github.com/lucidcoder/lucidcoder/internal/config"
	"github.com/lucidcoder/lucidcoder/internal/edits"
	"github.com/lucidcoder/lucidcoder/internal/events"
	"github.com/lucidcoder/lucidcoder/internal/git"
	"github.com/lucidcoder/lucidcoder/internal/goal"
	"github.com/lucidcoder/lucidcoder/internal/health"
	"github.com/lucidcoder/lucidcoder/internal/jobs"
	"github.com/lucidcoder/lucidcoder/internal/llm"
	"github.com/lucidcoder/lucidcoder/internal/metrics"
	"github.com/lucidcoder/lucidcoder/internal/project"
	"github.com/lucidcoder/lucidcoder/internal/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	defaults, err := cfg.Automation()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid automation settings")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("listen_addr", cfg.ListenAddr).
		Str("db_path", cfg.DBPath).
		Str("projects_dir", cfg.ProjectsDir).
		Str("llm_provider", cfg.LLMProvider).
		Msg("starting lucid coder")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ds, err := store.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer ds.Close()

	m := metrics.New()
	bus := events.NewBroadcaster(m, logger)
	settings := config.NewResolver(cfg)
	gitClient := git.NewClient(cfg.GitBin, logger)
	if !gitClient.Available() {
		logger.Warn().Str("git_bin", cfg.GitBin).Msg("git not found, branch workflow runs without repository history")
	}

	checker := health.NewChecker(logger)
	checker.Register("db", health.DBCheck(ds))
	checker.Register("git", health.GitCheck(gitClient))

	projects := project.NewManager(project.NewStore(ds, logger), gitClient, cfg.ProjectsDir, logger)

	runner := jobs.NewRunner(ds, logger,
		jobs.WithTimeout(cfg.JobTimeout),
		jobs.WithMaxLogLines(cfg.JobLogLines),
		jobs.WithNotifier(bus),
		jobs.WithRecorder(m),
	)
	if err := runner.Recover(); err != nil {
		logger.Warn().Err(err).Msg("failed to recover interrupted jobs (non-fatal)")
	}
	commands := jobs.NewCommandResolver(projects, settings)

	branches := branch.NewService(ds, projects, logger,
		branch.WithRepo(gitClient),
		branch.WithTestRunner(jobs.NewTestRunner(runner, commands)),
		branch.WithStyleSettings(settings),
		branch.WithNotifier(bus),
		branch.WithRecorder(m),
	)
	projects.SetBranchSeeder(branches)

	provider, err := llm.NewFromConfig(cfg, m, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure LLM provider")
	}

	goals := goal.NewService(ds, logger,
		goal.WithPlanner(goal.NewPlanner(provider, logger)),
		goal.WithNotifier(bus),
	)
	pipeline := automation.NewPipeline(goals, provider, edits.NewApplier(projects, branches, logger), logger,
		automation.WithOverviews(branches),
		automation.WithWorkspace(projects),
		automation.WithSettings(settings),
		automation.WithNotifier(bus),
		automation.WithRecorder(m),
		automation.WithDefaults(defaults),
	)

	srv := api.NewServer(api.ServerConfig{
		ListenAddr:  cfg.ListenAddr,
		Auth:        api.AuthConfig{Mode: cfg.AuthMode, APIKey: cfg.APIKey},
		RateLimit:   api.RateLimitConfig{RPS: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst},
		CORSOrigins: cfg.CORSOrigins,
	}, api.Deps{
		Projects: projects,
		Branches: branches,
		Jobs:     runner,
		Commands: commands,
		Goals:    goals,
		Pipeline: pipeline,
		Events:   bus,
		Health:   checker,
		Metrics:  m,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := runner.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("lucid coder stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("lucid coder stopped")
}
