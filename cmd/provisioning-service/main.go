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
	"provisio/internal/provisioning/api"
	"provisio/internal/provisioning/app"
	"provisio/internal/provisioning/store"
	"provisio/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig("8081")
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
        CREATE TABLE IF NOT EXISTS users (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            username TEXT NOT NULL UNIQUE,
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

	broker := rabbitmq.NewClient(rabbitmq.ClientConfig{
		URL:             cfg.RabbitMQURL,
		ConnectAttempts: cfg.BrokerConnectAttempts,
		ConnectDelay:    cfg.BrokerConnectDelay,
		HandlerTimeout:  cfg.ConsumerTimeout,
	})
	if err := broker.Connect(context.Background()); err != nil {
		log.Fatalf("Unable to connect to RabbitMQ: %v", err)
	}

	userRepo := store.NewPostgresUserRepository(dbpool)
	ledger := dedup.NewPostgresLedger(dbpool)

	eventHandler := app.NewUserEventHandler(userRepo, ledger, broker)
	if err := broker.RegisterConsumer(rabbitmq.QueueCreationRequests, eventHandler.HandleCreationRequested); err != nil {
		log.Fatalf("Failed to register creation request consumer: %v", err)
	}
	if err := broker.StartConsuming(); err != nil {
		log.Fatalf("Failed to start consuming: %v", err)
	}

	userHandler := api.NewUserHandler(userRepo)
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: api.NewRouter(userHandler),
	}

	go func() {
		log.Printf("Provisioning service starting on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not start server: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down provisioning service...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}
	broker.Close()

	log.Println("Provisioning service stopped")
}
