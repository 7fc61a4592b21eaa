package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/pawsitter/chatcore/internal/config"
	"github.com/pawsitter/chatcore/internal/gateway"
	"github.com/pawsitter/chatcore/internal/logging"
	"github.com/pawsitter/chatcore/internal/store"
	"github.com/pawsitter/chatcore/internal/transport"
)

func main() {
	app := &cli.App{
		Name:  "chatd",
		Usage: "realtime messaging service for the pet-sitting marketplace",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a chatcore.toml configuration file",
				EnvVars: []string{"CHATCORE_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the gateway (default)",
				Action: func(c *cli.Context) error {
					return serve(c.String("config"))
				},
			},
			{
				Name:  "init-config",
				Usage: "write a sample configuration file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "path", Value: "./chatcore.toml"},
				},
				Action: func(c *cli.Context) error {
					return config.InitConfig(c.String("path"))
				},
			},
			{
				Name:  "migrate",
				Usage: "create the database schema",
				Action: func(c *cli.Context) error {
					return migrate(c.String("config"))
				},
			},
		},
		Action: func(c *cli.Context) error {
			return serve(c.String("config"))
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func load(configPath string) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport.Backend {
	case "redis":
		return transport.NewRedis(cfg.Transport.URL)
	default:
		return transport.NewMemory(), nil
	}
}

func buildStore(ctx context.Context, cfg *config.Config, tr transport.Transport) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.Store.URL, tr)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return store.NewMemory(tr), func() {}, nil
	}
}

func serve(configPath string) error {
	cfg, err := load(configPath)
	if err != nil {
		return err
	}

	tr, err := buildTransport(cfg)
	if err != nil {
		return err
	}
	defer tr.Close()

	ctx := context.Background()
	st, closeStore, err := buildStore(ctx, cfg, tr)
	if err != nil {
		return err
	}
	defer closeStore()

	srv := gateway.New(st, tr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Server.Listen)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func migrate(configPath string) error {
	cfg, err := load(configPath)
	if err != nil {
		return err
	}
	if cfg.Store.Backend != "postgres" {
		return fmt.Errorf("migrate applies to the postgres store backend only")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pg, err := store.NewPostgres(ctx, cfg.Store.URL, nil)
	if err != nil {
		return err
	}
	defer pg.Close()

	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	log.Info().Msg("schema is up to date")
	return nil
}
