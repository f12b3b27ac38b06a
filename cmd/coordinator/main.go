// The coordinator binary runs the platform brain: it subscribes to the
// channel catalogue through the authorisation proxy, handles registration,
// login, workflow intake and task scheduling, and persists state in MongoDB.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voluntix/coordinator/internal/client"
	"github.com/voluntix/coordinator/internal/config"
	"github.com/voluntix/coordinator/internal/handlers"
	"github.com/voluntix/coordinator/internal/metrics"
	"github.com/voluntix/coordinator/internal/ops"
	"github.com/voluntix/coordinator/internal/store"
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

	if err := run(cfg); err != nil {
		slog.Error("coordinator stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("coordinator shut down")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens, err := token.NewService(cfg.Token.Secret)
	if err != nil {
		return err
	}

	// The coordinator's own credential, shared with local tooling through
	// the token file.
	ttl := time.Duration(cfg.Token.TTLHours) * time.Hour
	coordToken, err := tokens.Issue(token.CoordinatorSubject, token.RoleCoordinator, ttl)
	if err != nil {
		return fmt.Errorf("issue coordinator token: %w", err)
	}
	if err := token.WriteFile(cfg.Token.File, coordToken); err != nil {
		return fmt.Errorf("write coordinator token: %w", err)
	}

	st, err := store.New(ctx, store.Options{URI: cfg.Store.URI, Database: cfg.Store.Database})
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	journal, err := handlers.NewJournal(cfg.Coordinator.PendingRequestsDir)
	if err != nil {
		return err
	}
	if pending, err := journal.Pending(); err == nil && len(pending) > 0 {
		slog.Info("requests pending from previous run", "count", len(pending))
	}

	m := metrics.NewMetrics()
	cli, err := client.New(ctx, client.Options{
		Addr:     fmt.Sprintf("localhost:%d", cfg.Proxy.ListenPort),
		SenderID: "coordinator",
		Token:    coordToken,
		Recorder: st,
		Metrics:  m,
		Logger:   slog.Default(),
	})
	if err != nil {
		return err
	}
	defer cli.Close()

	coord, err := handlers.New(handlers.Options{
		Bus:     cli,
		Store:   st,
		Tokens:  tokens,
		Journal: journal,
		Metrics: m,
		Logger:  slog.Default(),
	})
	if err != nil {
		return err
	}
	for name, h := range coord.Routes() {
		cli.Handle(name, h)
	}
	if err := cli.Subscribe(ctx); err != nil {
		return err
	}

	opsServer := ops.New(cfg.Ops.Addr, func() map[string]any {
		s := cli.Stats()
		return map[string]any{
			"published":  s.Published,
			"received":   s.Received,
			"dispatched": s.Dispatched,
			"dropped":    s.Dropped,
			"failed":     s.Failed,
		}
	}, slog.Default())
	go func() {
		if err := opsServer.Run(ctx); err != nil {
			slog.Warn("ops server stopped", "error", err)
		}
	}()

	slog.Info("coordinator running", "proxy_port", cfg.Proxy.ListenPort, "database", cfg.Store.Database)
	return cli.Run(ctx)
}
