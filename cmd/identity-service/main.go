package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"provisio/internal/config"
	"provisio/internal/dedup"
	"provisio/internal/identity/api"
	"provisio/internal/identity/app"
	"provisio/internal/identity/store"
	"provisio/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig("8080")
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}

	dbConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Unable to parse database URL: %v\n", err)
	}
	dbConfig.MaxConns = 10
	dbConfig.MinConns = 2
	dbConfig.MaxConnLifetime = 30 * time.Minute
	dbConfig.MaxConnIdleTime = 5 * time.Minute
	dbConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), dbConfig)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v\n", err)
	}
	defer dbpool.Close()
	log.Println("Database connection established")

	// Ensure required tables exist (idempotent)
	if _, err := dbpool.Exec(context.Background(), `
        CREATE TABLE IF NOT EXISTS identity_records (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            username TEXT NOT NULL UNIQUE,
            canonical_user_id UUID UNIQUE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
        CREATE TABLE IF NOT EXISTS processed_messages (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            message_id UUID NOT NULL,
            source_queue TEXT NOT NULL,
            status TEXT NOT NULL,
            result_payload JSONB,
            processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            UNIQUE (message_id, source_queue)
        );
    `); err != nil {
		log.Fatalf("Failed ensuring tables: %v", err)
	}

	// The broker is not optional: without it no provisioning request ever
	// leaves this process and no completion ever arrives.
	broker := rabbitmq.NewClient(rabbitmq.ClientConfig{
		URL:             cfg.RabbitMQURL,
		ConnectAttempts: cfg.BrokerConnectAttempts,
		ConnectDelay:    cfg.BrokerConnectDelay,
		HandlerTimeout:  cfg.ConsumerTimeout,
	})
	if err := broker.Connect(context.Background()); err != nil {
		log.Fatalf("Unable to connect to RabbitMQ: %v", err)
	}

	identityRepo := store.NewPostgresIdentityRepository(dbpool)
	ledger := dedup.NewPostgresLedger(dbpool)

	completionHandler := app.NewCompletionEventHandler(identityRepo, ledger)
	if err := broker.RegisterConsumer(rabbitmq.QueueCreationCompletions, completionHandler.HandleCreationCompleted); err != nil {
		log.Fatalf("Failed to register completion consumer: %v", err)
	}
	if err := broker.StartConsuming(); err != nil {
		log.Fatalf("Failed to start consuming: %v", err)
	}

	identityHandler := api.NewIdentityHandler(identityRepo, broker)
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: api.NewRouter(identityHandler),
	}

	go func() {
		log.Printf("Identity service starting on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not start server: %s\n", err)
		}
	}()

	// Graceful shutdown: stop taking HTTP traffic, then drain in-flight
	// consumers before the connection goes away.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down identity service...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}
	broker.Close()

	log.Println("Identity service stopped")
}
