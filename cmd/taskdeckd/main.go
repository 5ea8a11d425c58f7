// Command taskdeckd is the taskdeck server daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/GoCodeAlone/taskdeck/auth"
	"github.com/GoCodeAlone/taskdeck/config"
	"github.com/GoCodeAlone/taskdeck/events"
	"github.com/GoCodeAlone/taskdeck/generate"
	"github.com/GoCodeAlone/taskdeck/internal/redact"
	"github.com/GoCodeAlone/taskdeck/internal/storage"
	"github.com/GoCodeAlone/taskdeck/internal/version"
	"github.com/GoCodeAlone/taskdeck/provider"
	"github.com/GoCodeAlone/taskdeck/provider/mock"
	"github.com/GoCodeAlone/taskdeck/server"
	"github.com/GoCodeAlone/taskdeck/task"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		addr        string
		logLevel    string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("taskdeckd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML or JSONC config file")
	flagSet.StringVar(&addr, "addr", "", "listen address (overrides config)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println(version.String("taskdeckd"))
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	guard := redact.NewGuard()
	guard.AddKnownSecret("api_key", cfg.Generate.APIKey)
	logger := slog.New(guard.Handler(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	})))
	slog.SetDefault(logger)
	logger.Info("starting taskdeckd",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
	)

	db, err := storage.OpenInDir(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	users, err := auth.NewUserStore(db)
	if err != nil {
		return err
	}
	store, err := task.NewSQLiteStore(db)
	if err != nil {
		return err
	}
	bus := events.NewInMemoryBus()
	store.SetBus(bus)

	tasks := task.NewService(store, auth.ContextIdentity{})
	tasks.SetBus(bus)
	tasks.SetLogger(logger)

	p, err := newProvider(cfg.Generate)
	if err != nil {
		return err
	}
	logger.Info("generation provider ready", slog.String("provider", p.Name()))

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret = auth.GenerateSecret()
		logger.Warn("no auth.jwt_secret configured; using a random secret, tokens will not survive a restart")
	}
	guard.AddKnownSecret("jwt_secret", secret)

	srv := server.New(*cfg, version.Version, logger)
	srv.SetVerifier(auth.NewVerifier(secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL.Std()))
	srv.SetUserStore(users)
	srv.SetTaskService(tasks)
	srv.SetGenerateService(generate.NewService(p, logger))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("server stop error", slog.Any("err", err))
	}
	logger.Info("shutdown complete")
	return nil
}

func newProvider(cfg config.GenerateConfig) (provider.Provider, error) {
	if cfg.Provider == "mock" {
		return mock.New(), nil
	}
	return provider.New(provider.Config{
		Name:    cfg.Provider,
		Model:   cfg.Model,
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout.Std(),
	})
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
