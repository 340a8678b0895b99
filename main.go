package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaoyuanzhu-com/claude-bridge/config"
	"github.com/xiaoyuanzhu-com/claude-bridge/log"
	"github.com/xiaoyuanzhu-com/claude-bridge/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Get()

	log.Info().
		Str("env", cfg.Env).
		Str("dataDir", cfg.DataDir).
		Msg("claude-bridge starting")

	srv, err := server.New(cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize server")
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	printAccessURLs(cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
		os.Exit(1)
	}
}

// printAccessURLs logs the addresses the server is reachable on, including
// LAN addresses so a phone on the same network can be pointed at it.
func printAccessURLs(cfg *config.Config) {
	scheme := "https"
	if cfg.IsTest() {
		scheme = "http"
	}

	log.Info().Msgf("local:   %s://localhost:%d", scheme, cfg.Port)

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		log.Info().Msgf("network: %s", fmt.Sprintf("%s://%s:%d", scheme, ipNet.IP, cfg.Port))
	}
}
