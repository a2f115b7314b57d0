package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/olympus-os/olympus/internal/api"
	"github.com/olympus-os/olympus/internal/auth"
	"github.com/olympus-os/olympus/internal/config"
	"github.com/olympus-os/olympus/internal/core"
	"github.com/olympus-os/olympus/internal/kv"
	"github.com/olympus-os/olympus/internal/schema"
	"github.com/olympus-os/olympus/internal/store"
)

func main() {
	issueToken := flag.String("issue-token", "", "Print a bearer token for the given user id and exit")
	seedOnly := flag.Bool("seed-only", false, "Seed empty stores from the built-in fixtures and exit")
	setPassword := flag.String("set-password", "", "Read a password from stdin, store it for the given user id and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	tokens := auth.NewTokenManager(cfg.JWTSecret)
	if *issueToken != "" {
		token, err := tokens.Generate(*issueToken)
		if err != nil {
			slog.Error("Failed to issue token", "user_id", *issueToken, "error", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	if *setPassword != "" {
		if err := storePassword(cfg, *setPassword); err != nil {
			slog.Error("Failed to set password", "user_id", *setPassword, "error", err)
			os.Exit(1)
		}
		slog.Info("Password stored", "user_id", *setPassword)
		return
	}

	if err := run(cfg, tokens, *seedOnly); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
}

func storePassword(cfg *config.Config, userID string) error {
	password, err := readPassword()
	if err != nil {
		return err
	}
	kvStore, err := kv.Open(kv.Config{Path: cfg.DatabaseURL})
	if err != nil {
		return fmt.Errorf("open key-value store: %w", err)
	}
	defer kvStore.Close()
	return auth.NewCredentialStore(kvStore, 0).SetPassword(context.Background(), userID, password)
}

func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func run(cfg *config.Config, tokens *auth.TokenManager, seedOnly bool) error {
	ctx := context.Background()

	gateway := store.NewGateway(cfg.DatabaseURL, schema.Default)
	defer gateway.Close()
	if err := gateway.Init(ctx); err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}

	if cfg.SeedOnStart || seedOnly {
		n := gateway.SeedDataIfEmpty(ctx)
		slog.Info("Seed complete", "records", n)
	}
	if seedOnly {
		return nil
	}

	kvStore, err := kv.Open(kv.Config{Path: cfg.DatabaseURL})
	if err != nil {
		return fmt.Errorf("open key-value store: %w", err)
	}
	defer kvStore.Close()

	keys, err := core.OpenAPIKeyStore(cfg.KeyringDir, cfg.KeyringPassword)
	if err != nil {
		return err
	}

	apiHandler := api.NewAPIHandler(
		gateway,
		core.NewChatService(kvStore),
		core.NewPreferenceService(kvStore),
		core.NewSettingsService(kvStore, keys),
		tokens,
		auth.NewCredentialStore(kvStore, 0),
		cfg.AutoSaveDelay,
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      api.NewRouter(apiHandler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "addr", srv.Addr, "database", cfg.DatabaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	case sig := <-quit:
		slog.Info("Shutting down server", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	apiHandler.FlushDrafts(shutdownCtx)

	slog.Info("Server exiting gracefully")
	return nil
}
