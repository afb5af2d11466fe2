package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roboricindustries/razzler/pkg/attachments"
	"github.com/roboricindustries/razzler/pkg/brain"
	"github.com/roboricindustries/razzler/pkg/brain/commands"
	"github.com/roboricindustries/razzler/pkg/config"
	"github.com/roboricindustries/razzler/pkg/consumer"
	"github.com/roboricindustries/razzler/pkg/directory"
	"github.com/roboricindustries/razzler/pkg/gateway"
	"github.com/roboricindustries/razzler/pkg/history"
	"github.com/roboricindustries/razzler/pkg/llm"
	"github.com/roboricindustries/razzler/pkg/metrics"
	"github.com/roboricindustries/razzler/pkg/prefs"
	"github.com/roboricindustries/razzler/pkg/producer"
	"github.com/roboricindustries/razzler/pkg/pubsub"
)

// broker is what the units need from RabbitMQ or its in-memory stand-in.
type broker interface {
	pubsub.Publisher
	pubsub.ConsumerRunner
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var memory bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the consumers, brains and producers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPipeline(ctx, cfg, logger, memory)
		},
	}
	cmd.Flags().BoolVar(&memory, "memory-broker", false, "Use an in-process queue instead of RabbitMQ (single process only).")
	return cmd
}

func connectBroker(ctx context.Context, cfg *config.Config, appID string, memory bool, logger *slog.Logger) (broker, func(), error) {
	if memory {
		logger.Warn("using in-memory broker; queued messages are lost on exit")
		return pubsub.NewMemoryBroker(logger), func() {}, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub(appID), logger)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

func runPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger, memory bool) error {
	logger.Info("starting razzler", slog.Any("config", cfg.Redacted()))

	b, closeBroker, err := connectBroker(ctx, cfg, "razzler", memory, logger)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer closeBroker()

	rdb := newRedis(cfg)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
	}

	gw, err := gateway.New(cfg.Gateway(), logger)
	if err != nil {
		return err
	}

	store, err := prefs.Open(ctx, cfg.Prefs.DBPath, prefs.NewDefaults(cfg.General.DataDir), logger)
	if err != nil {
		return err
	}
	defer store.Close()
	ledger := prefs.NewLedger(store.DB())

	dir := directory.NewStore(cfg.PhonebookPath(), logger)
	hist := history.NewStore(rdb, cfg.Signal.MessageHistoryLength, logger)
	files := attachments.NewFileStore(cfg.AttachmentsDir())

	registry, err := commands.NewRegistry(cfg.Brain.Commands)
	if err != nil {
		return err
	}
	logger.Info("handlers enabled", slog.Any("handlers", registry.Names()))

	whitelist := brain.NewWhitelist(rdb, cfg.WhitelistPath(), logger)
	if _, err := whitelist.Load(ctx); err != nil {
		return err
	}

	backend := llm.NewMetered(llm.NewOpenAIProvider(cfg.LLM(), ledger, logger), ledger, cfg.OpenAI.BudgetUSD, logger)
	deps := &commands.Deps{
		BotNumber: cfg.Signal.PhoneNumber,
		BotName:   cfg.Brain.BotName,
		Settings:  cfg.Brain,
		History:   hist,
		Window:    history.NewWindow(rdb, logger),
		LLM:       backend,
		Tokens:    llm.NewTiktokenCounter(cfg.OpenAI.Models(), logger),
		Prompts:   store,
		Files:     files,
		Location:  cfg.Location(),
		Log:       logger,
	}

	g, ctx := errgroup.WithContext(ctx)

	backoff := consumer.Options{
		BackoffBase: pubsub.Dsec(cfg.RabbitMQ.ReconnectBaseSeconds, 1),
		BackoffCap:  pubsub.Dsec(cfg.RabbitMQ.ReconnectCapSeconds, 30),
		JitterPct:   cfg.RabbitMQ.ReconnectJitterPercent,
	}
	for i := range cfg.General.NumConsumers {
		opts := backoff
		opts.Name = fmt.Sprintf("consumer-%d", i)
		c := consumer.New(gw, dir, hist, files, b, opts, logger)
		if i == 0 {
			if err := c.ScheduleGroupRefresh(ctx, cfg.General.GroupRefreshSchedule); err != nil {
				return err
			}
		}
		g.Go(func() error { return c.Run(ctx) })
	}

	var specs []pubsub.ConsumerSpec
	for i := range cfg.General.NumBrains {
		unit := brain.New(registry, deps, dir, whitelist, b, brain.Options{
			Name:   fmt.Sprintf("brain-%d", i),
			Admins: cfg.Brain.Admins,
		}, logger)
		specs = append(specs, unit.Spec())
	}
	for i := range cfg.General.NumProducers {
		unit := producer.New(gw, hist, producer.Options{
			Name:  fmt.Sprintf("producer-%d", i),
			Rate:  cfg.Signal.SendRate,
			Burst: cfg.Signal.SendBurst,
		}, logger)
		specs = append(specs, unit.Spec())
	}
	g.Go(func() error {
		err := b.RunWithConsumers(ctx, specs...)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		serveHTTP(ctx, g, &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}, logger)
	}

	logger.Info("razzler running",
		slog.Int("consumers", cfg.General.NumConsumers),
		slog.Int("brains", cfg.General.NumBrains),
		slog.Int("producers", cfg.General.NumProducers),
		slog.Int("history_cap", hist.Cap()))
	err = g.Wait()
	logger.Info("razzler stopped", slog.Any("error", err))
	return err
}

// serveHTTP runs srv in g and shuts it down when ctx ends.
func serveHTTP(ctx context.Context, g *errgroup.Group, srv *http.Server, logger *slog.Logger) {
	g.Go(func() error {
		logger.Info("http listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http %s: %w", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
