package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	app "github.com/quantumshield/backend/internal/app"
	"github.com/quantumshield/backend/internal/app/httpapi"
	"github.com/quantumshield/backend/internal/app/storage/postgres"
	"github.com/quantumshield/backend/internal/config"
	"github.com/quantumshield/backend/pkg/logger"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "quantumshield",
		Short:         "QuantumShield IoT security and ledger backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newMigrateCommand(), newArchiveCommand(), newVersionCommand())
	return root
}

func newServeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides QS_HTTP_ADDR)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	backend, err := app.OpenBackend(ctx, cfg.Storage, log.Named("storage"))
	if err != nil {
		return err
	}
	application, err := app.New(cfg, backend, log)
	if err != nil {
		backend.Close()
		return err
	}
	handler, err := httpapi.NewHandler(application, httpapi.Options{
		CORSOrigins:    cfg.AllowedOrigins(),
		StaticTokens:   cfg.APITokens(),
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		AuditLogPath:   cfg.Server.AuditLogPath,
	}, log.Named("http"))
	if err != nil {
		backend.Close()
		return err
	}
	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if serr := application.Stop(shutdownCtx); serr != nil && err == nil {
			err = serr
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply postgres schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != "postgres" {
				return fmt.Errorf("migrate requires QS_STORAGE_DRIVER=postgres, got %q", cfg.Storage.Driver)
			}
			pg, err := postgres.Open(cmd.Context(), cfg.Storage.PostgresDSN)
			if err != nil {
				return err
			}
			defer pg.Close()
			if err := pg.Migrate(); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		},
	}
}

func newArchiveCommand() *cobra.Command {
	var skipCompress bool
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Compress settled blocks and archive finished days once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			backend, err := app.OpenBackend(ctx, cfg.Storage, log.Named("storage"))
			if err != nil {
				return err
			}
			application, err := app.New(cfg, backend, log)
			if err != nil {
				backend.Close()
				return err
			}
			defer application.Stop(context.Background())

			if !skipCompress {
				if err := application.Jobs.RunNow(ctx, app.JobCompression); err != nil {
					return err
				}
			}
			return application.Jobs.RunNow(ctx, app.JobArchiving)
		},
	}
	cmd.Flags().BoolVar(&skipCompress, "skip-compress", false, "only group already compressed blocks into periods")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("quantumshield %s (%s)\n", version, commit)
		},
	}
}

func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.New(cfg.Logging), nil
}
