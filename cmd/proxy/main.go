// The proxy binary runs the authorisation proxy in front of the pub/sub
// store. Clients connect here instead of the store itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/voluntix/coordinator/internal/channel"
	"github.com/voluntix/coordinator/internal/config"
	"github.com/voluntix/coordinator/internal/metrics"
	"github.com/voluntix/coordinator/internal/ops"
	"github.com/voluntix/coordinator/internal/proxy"
	"github.com/voluntix/coordinator/internal/token"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the YAML configuration file")
	flag.Parse()

	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration invalid", "error", err)
		os.Exit(2)
	}

	tokens, err := token.NewService(cfg.Token.Secret)
	if err != nil {
		slog.Error("token service init failed", "error", err)
		os.Exit(2)
	}

	m := metrics.NewMetrics()
	srv, err := proxy.New(proxy.Options{
		ListenAddr:   fmt.Sprintf(":%d", cfg.Proxy.ListenPort),
		UpstreamAddr: cfg.Upstream.Addr(),
		Registry:     channel.NewRegistry(),
		Tokens:       tokens,
		Metrics:      m,
		Logger:       slog.Default(),
	})
	if err != nil {
		slog.Error("proxy init failed", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opsServer := ops.New(cfg.Ops.Addr, func() map[string]any {
		return map[string]any{"sessions": srv.Sessions()}
	}, slog.Default())
	go func() {
		if err := opsServer.Run(ctx); err != nil {
			slog.Warn("ops server stopped", "error", err)
		}
	}()

	if err := srv.Serve(ctx); err != nil {
		slog.Error("proxy stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("proxy shut down")
}
