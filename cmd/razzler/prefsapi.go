package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roboricindustries/razzler/pkg/directory"
	"github.com/roboricindustries/razzler/pkg/prefs"
	"github.com/roboricindustries/razzler/pkg/prefs/api"
)

func newPrefsAPICmd(opts *rootOptions) *cobra.Command {
	var memory bool
	cmd := &cobra.Command{
		Use:   "prefs-api",
		Short: "Serve the preferences HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, closeBroker, err := connectBroker(ctx, cfg, "razzler-prefs-api", memory, logger)
			if err != nil {
				return fmt.Errorf("connect broker: %w", err)
			}
			defer closeBroker()

			rdb := newRedis(cfg)
			defer rdb.Close()

			store, err := prefs.Open(ctx, cfg.Prefs.DBPath, prefs.NewDefaults(cfg.General.DataDir), logger)
			if err != nil {
				return err
			}
			defer store.Close()

			srv := api.New(api.Config{
				JWTSecret:      cfg.Prefs.JWTSecret,
				JWTExpiry:      cfg.Prefs.JWTExpiry,
				OTPTTL:         cfg.Prefs.OTPTTL,
				CountryPrefix:  cfg.Prefs.DefaultCountryPrefix,
				AllowedOrigins: cfg.Prefs.AllowedOrigins,
			}, store, directory.NewStore(cfg.PhonebookPath(), logger), rdb, b, logger)

			g, ctx := errgroup.WithContext(ctx)
			serveHTTP(ctx, g, &http.Server{
				Addr:              cfg.Prefs.Listen,
				Handler:           srv.Routes(),
				ReadHeaderTimeout: 5 * time.Second,
			}, logger)
			err = g.Wait()
			logger.Info("prefs api stopped", slog.Any("error", err))
			return err
		},
	}
	cmd.Flags().BoolVar(&memory, "memory-broker", false, "Drop OTP messages into an in-process queue (testing only).")
	return cmd
}
