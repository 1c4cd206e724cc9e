package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/storyloom/storyloom/internal/active"
	"github.com/storyloom/storyloom/internal/agent"
	"github.com/storyloom/storyloom/internal/block"
	"github.com/storyloom/storyloom/internal/compose"
	"github.com/storyloom/storyloom/internal/config"
	"github.com/storyloom/storyloom/internal/fragment"
	"github.com/storyloom/storyloom/internal/genlog"
	"github.com/storyloom/storyloom/internal/health"
	"github.com/storyloom/storyloom/internal/instruction"
	"github.com/storyloom/storyloom/internal/librarian"
	"github.com/storyloom/storyloom/internal/llm"
	"github.com/storyloom/storyloom/internal/metrics"
	"github.com/storyloom/storyloom/internal/pipeline"
	"github.com/storyloom/storyloom/internal/plugin"
	"github.com/storyloom/storyloom/internal/server"
	"github.com/storyloom/storyloom/internal/story"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()
	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("http_port", cfg.HTTPPort).
		Str("data_dir", cfg.DataDir).
		Bool("provider_enabled", cfg.ProviderEnabled()).
		Msg("starting storyloom")

	if !cfg.ProviderEnabled() {
		logger.Warn().Msg("ANTHROPIC_API_KEY is not set; generation endpoints will fail")
	}

	stories := story.NewStore(cfg.DataDir, logger)
	fragments := fragment.NewStore(cfg.DataDir, logger)
	logs := genlog.NewStore(cfg.DataDir, logger)
	agents := agent.NewRegistry()
	actives := active.NewRegistry()
	mets := metrics.New()

	provider := llm.NewAnthropicProvider(cfg.AnthropicAPIKey,
		llm.WithModel(cfg.Model),
		llm.WithMaxTokens(cfg.MaxTokens),
		llm.WithLogger(logger),
	)

	instructions := instruction.NewRegistry(logger)
	if err := instructions.LoadDir(cfg.InstructionDir()); err != nil {
		return err
	}
	if cfg.InstructionWatch {
		if err := instructions.Watch(); err != nil {
			logger.Warn().Err(err).Msg("instruction watcher unavailable")
		}
		defer instructions.Close()
	}

	agentOpts := agent.Options{
		MaxDepth: cfg.MaxDepth,
		MaxCalls: cfg.MaxCalls,
		Timeout:  cfg.AgentTimeout,
	}

	sched := librarian.NewScheduler(cfg.DataDir, cfg.LibrarianDebounce, agents, stories, fragments,
		actives, agentOpts, logger)
	sched.SetMetrics(mets)
	if err := sched.RegisterAnalyzeAgent(agents, provider, instructions); err != nil {
		return err
	}

	pipe, err := pipeline.New(pipeline.Deps{
		Stories:      stories,
		Fragments:    fragments,
		Logs:         logs,
		Instructions: instructions,
		Blocks:       block.NewEngine(cfg.ScriptTimeout, logger),
		Builder:      compose.NewBuilder(stories, fragments, logger),
		Agents:       agents,
		Provider:     provider,
		Scheduler:    sched,
		Actives:      actives,
		Metrics:      mets,
		AgentOpts:    agentOpts,
		HighWater:    cfg.StreamHighWater,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	checker := health.NewChecker(logger)
	checker.Register("data_dir", health.DataDirCheck(cfg.DataDir))
	checker.Register("provider", health.ProviderCheck(cfg.ProviderEnabled()))

	srv := server.New(server.Deps{
		Stories:   stories,
		Fragments: fragments,
		Logs:      logs,
		Pipeline:  pipe,
		Scheduler: sched,
		Actives:   actives,
		Plugins:   plugin.NewLoader(cfg.PluginsDir(), logger),
		Checker:   checker,
		Metrics:   mets,
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Listen(fmt.Sprintf(":%d", cfg.HTTPPort))
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		sched.Clear()
		shutdownTimer := time.AfterFunc(10*time.Second, func() { os.Exit(1) })
		defer shutdownTimer.Stop()
		return srv.Shutdown()
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info().Msg("stopped")
	return nil
}
