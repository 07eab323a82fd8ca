package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/remoteobj/internal/backend"
	"github.com/danmuck/remoteobj/internal/config"
	"github.com/danmuck/remoteobj/internal/logging"
	"github.com/danmuck/remoteobj/internal/objectstore"
	"github.com/danmuck/remoteobj/internal/observability"
	"github.com/danmuck/remoteobj/internal/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "objectd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "objectd",
		Short:         "Serve objects over the remote object protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to objectd config.toml")
	return cmd
}

func run(ctx context.Context, configPath string) error {
	observability.InitLogger("objectd")
	cfg, err := loadDaemonConfig(configPath)
	if err != nil {
		return err
	}
	if lvl, ok := logging.ParseLevel(cfg.LogLevel); ok {
		zerolog.SetGlobalLevel(lvl)
	}

	model := config.ModelConfig{}
	if cfg.ModelPath != "" {
		if model, err = config.LoadModelConfig(cfg.ModelPath); err != nil {
			return err
		}
	}
	meta, err := model.Metamodel()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	b, err := backend.New(backend.Config{
		Store:         store,
		Metamodel:     meta,
		Authenticator: model.Authenticator(),
		Authorizer:    model.Authorizer(),
		Properties:    model.Properties,
	})
	if err != nil {
		return multierr.Append(err, store.Close())
	}
	for _, svc := range model.Services {
		if _, err := b.EnsureService(ctx, svc.Name, svc.Type); err != nil {
			return multierr.Append(err, b.Close())
		}
	}

	svc, err := server.NewService(cfg.Server, b)
	if err != nil {
		return multierr.Append(err, b.Close())
	}
	log.Info().
		Str("store", cfg.Store).
		Int("types", len(meta.Types())).
		Int("pool", cfg.Server.PoolSize).
		Msg("objectd starting")
	err = svc.Run(ctx)
	return multierr.Append(err, b.Close())
}

func openStore(cfg daemonConfig) (objectstore.Store, error) {
	if cfg.Store == storeBadger {
		return objectstore.OpenBadger(cfg.StorePath)
	}
	return objectstore.NewMemoryStore(), nil
}
