package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/bravoline/boxoffice/internal/app"
	"github.com/bravoline/boxoffice/internal/clock"
	"github.com/bravoline/boxoffice/internal/config"
	"github.com/bravoline/boxoffice/internal/feed"
	"github.com/bravoline/boxoffice/internal/provider"
	"github.com/bravoline/boxoffice/internal/storage/postgres"
	"github.com/bravoline/boxoffice/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const startupTimeout = 5 * time.Second

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "boxoffice",
		Short:         "ticket inventory, fulfillment and reconciliation core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	rootCmd.AddCommand(
		workerCommand(&configPath),
		migrateCommand(&configPath),
		availabilityCommand(&configPath),
	)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func setup(configPath string) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	config.SetLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: config.LevelVar()}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply embedded schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, pool, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := migrations.Apply(cmd.Context(), pool); err != nil {
				return err
			}
			slog.Info("migrations applied")
			return nil
		},
	}
}

func workerCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "run the expiry sweeper, event retry worker and reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, pool, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer pool.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := migrations.Apply(ctx, pool); err != nil {
				return err
			}

			clk := clock.NewSystem()
			providers := buildProviders(cfg)

			ledger := app.NewLedgerService(postgres.NewLedgerRepository(pool), clk)
			reservations := app.NewReservationService(
				postgres.NewReservationRepository(pool), clk,
				app.WithDefaultTTL(cfg.ReservationTTL),
			)
			fulfillment := app.NewFulfillmentService(postgres.NewOrderRepository(pool), ledger, reservations, clk)
			intake := app.NewIntakeService(postgres.NewProviderEventRepository(pool), providers, fulfillment, clk)

			var publisher app.DiscrepancyPublisher
			if cfg.AMQPURL != "" {
				conn, err := amqp.Dial(cfg.AMQPURL)
				if err != nil {
					slog.Warn("amqp unreachable, discrepancy feed disabled", slog.Any("error", err))
				} else {
					defer conn.Close()
					publisher = feed.NewPublisher(conn)
				}
			}
			reconciliation := app.NewReconciliationService(postgres.NewReconciliationRepository(pool), providers, publisher, clk)

			// The availability cache is exercised by the storefront surface;
			// the worker only verifies Redis is reachable at startup.
			rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
			defer rdb.Close()
			if err := rdb.Ping(ctx).Err(); err != nil {
				slog.Warn("redis unreachable, availability reads fall through to postgres", slog.Any("error", err))
			}

			slog.Info("worker started",
				slog.Duration("sweep_interval", cfg.SweepInterval),
				slog.Duration("retry_interval", cfg.RetryInterval),
				slog.Duration("reconcile_interval", cfg.ReconcileInterval))

			var wg sync.WaitGroup
			wg.Add(3)
			go func() {
				defer wg.Done()
				reservations.RunSweeper(ctx, cfg.SweepInterval)
			}()
			go func() {
				defer wg.Done()
				intake.RunRetryWorker(ctx, cfg.RetryInterval, cfg.RetryBatchSize)
			}()
			go func() {
				defer wg.Done()
				reconciliation.Run(ctx, cfg.ReconcileInterval)
			}()

			<-ctx.Done()
			slog.Info("shutdown signal received")
			wg.Wait()
			slog.Info("worker stopped")
			return nil
		},
	}
}

func availabilityCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "availability <event-id>",
		Short: "print per-ticket-type availability for one event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, pool, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer pool.Close()

			ctx := cmd.Context()
			rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
			defer rdb.Close()

			catalog := postgres.NewCatalogRepository(pool)
			reader := &app.CachingAvailability{
				AvailabilityReader: app.NewLedgerService(postgres.NewLedgerRepository(pool), clock.NewSystem()),
				Redis:              rdb,
				TTL:                cfg.AvailabilityCacheTTL,
			}

			event, err := catalog.GetEvent(ctx, args[0])
			if err != nil {
				return err
			}
			ticketTypes, err := catalog.ListTicketTypesByEvent(ctx, event.ID)
			if err != nil {
				return err
			}

			fmt.Printf("%s (%s)\n", event.Name, event.StartsAt.Format(time.RFC3339))
			for _, tt := range ticketTypes {
				av, err := reader.Availability(ctx, tt.ID)
				if err != nil {
					return err
				}
				remaining := strconv.Itoa(av.Available)
				if av.Unlimited {
					remaining = "unlimited"
				}
				fmt.Printf("  %-30s sold=%d reserved=%d available=%s\n", tt.Name, av.Sold, av.Reserved, remaining)
			}
			return nil
		},
	}
}

func buildProviders(cfg *config.Config) *provider.Registry {
	clients := make([]provider.Client, 0, len(cfg.ProviderSecrets))
	for name, secret := range cfg.ProviderSecrets {
		clients = append(clients, provider.NewHMACClient(name, []byte(secret), nil))
	}
	return provider.NewRegistry(clients...)
}
