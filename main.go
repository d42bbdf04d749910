package main

import (
	"context"
	"errors"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/auth"
	"chatrelay/clock"
	"chatrelay/config"
	"chatrelay/db"
	"chatrelay/paramstore"
	"chatrelay/registry"
	"chatrelay/server"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Failed to load .env: %v", err)
	}

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.New(clock.Zone(cfg.TZOffsetHours))

	database, err := db.New(cfg.DBPath, clk)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	if cfg.SeedDefaults {
		if err := database.SeedDefaults(ctx); err != nil {
			log.Fatalf("Failed to seed default users: %v", err)
		}
	}

	var params paramstore.Getter
	if cfg.JWTSecretParam != "" {
		client, err := paramstore.NewFromEnvironment(ctx)
		if err != nil {
			log.Fatalf("Failed to create parameter store client: %v", err)
		}
		params = client
	}

	secret, err := auth.SecretFrom(ctx, cfg.JWTSecret, cfg.JWTSecretParam, params)
	if err != nil {
		log.Fatalf("Failed to resolve token secret: %v", err)
	}
	tokens, err := auth.NewTokens(secret, cfg.TokenTTL)
	if err != nil {
		log.Fatalf("Failed to initialize tokens: %v", err)
	}

	reg := registry.New(clk)
	srv := server.New(database, reg, tokens, clk, &server.ServerConfig{
		Addr:           cfg.Addr,
		WriteTimeout:   cfg.WriteTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
		UnreadLimit:    cfg.UnreadLimit,
	})

	control, err := listenControlSocket(cfg.ControlSocket)
	if err != nil {
		log.Printf("Failed to create control socket: %v", err)
	} else {
		go srv.ServeControl(control)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		log.Printf("Received signal, shutting down...")
	case <-srv.Stopped():
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}

	if control != nil {
		control.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	os.Remove(cfg.ControlSocket)
}

func listenControlSocket(path string) (net.Listener, error) {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	log.Printf("Control socket listening on %s", path)
	return listener, nil
}
