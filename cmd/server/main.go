package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/dripper/service/chain"
	"github.com/brojonat/dripper/service/config"
	"github.com/brojonat/dripper/service/db"
	"github.com/brojonat/dripper/service/engine"
	"github.com/brojonat/dripper/service/evm"
	"github.com/brojonat/dripper/service/identity"
	"github.com/brojonat/dripper/service/limiter"
	"github.com/brojonat/dripper/service/metrics"
	"github.com/brojonat/dripper/service/nats"
	"github.com/brojonat/dripper/service/server"
	"github.com/brojonat/dripper/service/solana"
	"github.com/brojonat/dripper/service/substrate"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"operator_addr", cfg.OperatorAddr,
		"log_level", cfg.LogLevel,
		"chains", len(cfg.Chains),
		"cooldown", cfg.Cooldown.String(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := identity.Parse(cfg.FundingSeed)
	if err != nil {
		logger.Error("failed to parse funding secret", "error", err)
		os.Exit(1)
	}
	if !id.HasSeed() {
		logger.Warn("funding secret is a substrate URI, evm and solana networks cannot be funded")
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.NewMetrics(prometheus.DefaultRegisterer)
	}

	var (
		engineOpts []engine.Option
		serverOpts []server.Option
	)

	// Optional drip ledger
	if cfg.DatabaseURL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		if err := dbPool.Ping(ctx); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}

		store := db.NewStore(dbPool, m)
		if err := store.Migrate(ctx); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to database")

		engineOpts = append(engineOpts, engine.WithLedger(store))
		serverOpts = append(serverOpts, server.WithLedger(store))
	} else {
		logger.Warn("DATABASE_URL not set, drip ledger disabled")
	}

	// Optional drip events
	if cfg.NATSURL != "" {
		publisher, err := nats.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			logger.Error("failed to create NATS publisher", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()

		subscriber, err := nats.NewSubscriber(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to create NATS subscriber", "error", err)
			os.Exit(1)
		}
		defer subscriber.Close()

		engineOpts = append(engineOpts, engine.WithPublisher(publisher))
		serverOpts = append(serverOpts, server.WithStream(subscriber))
	} else {
		logger.Warn("NATS_URL not set, drip events disabled")
	}

	registry := chain.NewRegistry(cfg.Chains, newDialer(id, m, logger), chain.RegistryConfig{
		ConnectAttempts: cfg.ConnectAttempts,
		ConnectBackoff:  2 * time.Second,
		HealthInterval:  cfg.HealthInterval,
	}, m, logger)
	registry.Start(ctx)
	defer registry.Close()

	lim, err := limiter.New(cfg.Cooldown, m, logger)
	if err != nil {
		logger.Error("failed to create rate limiter", "error", err)
		os.Exit(1)
	}
	defer lim.Close()

	eng, err := engine.New(registry, lim, engine.Config{
		SubmitTimeout: cfg.SubmitTimeout,
		Workers:       cfg.DispatchWorkers,
	}, m, logger, engineOpts...)
	if err != nil {
		logger.Error("failed to create drip engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	serverOpts = append(serverOpts,
		server.WithOperatorAddr(cfg.OperatorAddr),
		server.WithDripToken(cfg.DripAPIToken),
	)
	if cfg.DripAPIToken == "" {
		logger.Warn("DRIP_API_TOKEN not set, requester ids are trusted from any caller")
	}

	httpServer := server.New(cfg.ServerAddr, eng, registry, fundingAddresses(id, cfg.Chains, logger), m, logger, serverOpts...)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout; in-flight drips finish first.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.SubmitTimeout+5*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// newDialer opens the backend matching each endpoint's family with the
// funding key for that family. Key errors are permanent.
func newDialer(id *identity.Identity, m *metrics.Metrics, logger *slog.Logger) chain.Dialer {
	return func(ctx context.Context, endpoint config.Chain) (chain.Backend, error) {
		switch endpoint.Family {
		case config.FamilySubstrate:
			keypair, err := id.Substrate(endpoint.AddressPrefix())
			if err != nil {
				return nil, chain.Permanent(err)
			}
			c, err := substrate.Dial(ctx, endpoint, keypair, m, logger)
			if err != nil {
				return nil, err
			}
			return c, nil

		case config.FamilyEVM:
			key, err := id.EVM()
			if err != nil {
				return nil, chain.Permanent(err)
			}
			c, err := evm.Dial(ctx, endpoint, key, m, logger)
			if err != nil {
				return nil, err
			}
			return c, nil

		case config.FamilySolana:
			key, err := id.Solana()
			if err != nil {
				return nil, chain.Permanent(err)
			}
			c, err := solana.Dial(ctx, endpoint, key, m, logger)
			if err != nil {
				return nil, err
			}
			return c, nil

		default:
			return nil, chain.Permanent(fmt.Errorf("unsupported chain family %q", endpoint.Family))
		}
	}
}

// fundingAddresses maps each network to the funding account's address on it.
func fundingAddresses(id *identity.Identity, chains []config.Chain, logger *slog.Logger) map[string]string {
	out := make(map[string]string, len(chains))
	for _, c := range chains {
		addr, err := id.Address(c)
		if err != nil {
			logger.Warn("no funding address for network", "network", c.Network, "error", err)
			continue
		}
		out[c.Network] = addr
	}
	return out
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
