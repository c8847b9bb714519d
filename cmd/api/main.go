package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/silabot/sila/internal/config"
	"github.com/silabot/sila/internal/handler"
	"github.com/silabot/sila/internal/model/session"
	"github.com/silabot/sila/internal/service/broker"
	"github.com/silabot/sila/internal/service/lifecycle"
	"github.com/silabot/sila/internal/service/registry"
	"github.com/silabot/sila/internal/service/wa"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if err := os.MkdirAll(cfg.Session.AuthRoot, 0o700); err != nil {
		log.Fatalf("failed to create auth root %s: %v", cfg.Session.AuthRoot, err)
	}

	store := registry.New()
	events := broker.New()

	factory := func(ctx context.Context, authDir string) (session.Client, error) {
		return wa.NewClient(ctx, authDir, cfg.Session.PairClientName)
	}

	ctrl := lifecycle.New(store, events, factory, lifecycle.Options{
		AuthRoot:    cfg.Session.AuthRoot,
		IdleTimeout: cfg.Session.IdleTimeout,
		QRTerminal:  cfg.Session.QRTerminal,
	})

	router := handler.NewRouter(ctrl, events)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Sila session gateway listening on %s", serverCfg.Addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
