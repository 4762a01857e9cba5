package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gatechat/gatechat/internal/chatlog"
	"github.com/gatechat/gatechat/internal/config"
	"github.com/gatechat/gatechat/internal/gate"
	"github.com/gatechat/gatechat/internal/httpapi"
	"github.com/gatechat/gatechat/internal/logging"
	"github.com/gatechat/gatechat/internal/policy"
	"github.com/gatechat/gatechat/internal/storage"
	"github.com/gatechat/gatechat/internal/user"
	"github.com/gatechat/gatechat/internal/ws"
)

func main() {
	if err := run(); err != nil {
		log := logging.New("server")
		log.Error().Str("err_types", logging.ErrTypes(err)).Msg("server failed")
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	storeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := openStore(storeCtx, cfg)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, store)
}

func serve(ctx context.Context, cfg config.Config, store storage.Store) error {
	log := logging.New("server")

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
	}()

	migrateCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := store.Migrate(migrateCtx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	policies, err := policy.Open(cfg.PolicyPath, policy.Policy{
		PasswordDigest: cfg.DefaultPasswordDigest(),
	})
	if err != nil {
		return fmt.Errorf("open policy store: %w", err)
	}

	userService := user.NewService(store.Users())
	sessionGate := gate.New(userService, policies, cfg.MaxUsers)
	messageService := chatlog.NewService(store.Messages(), cfg.MaxMessages)

	// Every user must start logged out; this barrier has to complete
	// before the listener accepts its first connection.
	resetCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sessionGate.Reset(resetCtx); err != nil {
		return fmt.Errorf("reset sessions: %w", err)
	}

	hub := ws.NewHub(sessionGate, messageService)
	go hub.Run(ctx)

	api := httpapi.NewHandler(sessionGate, userService, messageService, policies, hub, log)
	router := api.Router()
	router.Get("/ws", hub.HandleWS)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("db_driver", cfg.DBDriver).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err = <-errCh
	case err = <-errCh:
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.DBDriver {
	case "postgres":
		return storage.NewPostgresStore(ctx, cfg.DBURL)
	default:
		return storage.NewSQLiteStore(ctx, cfg.DBPath)
	}
}
