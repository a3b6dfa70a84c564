package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/fitsync/internal/api"
	"example.com/fitsync/internal/auth"
	"example.com/fitsync/internal/config"
	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/logging"
	"example.com/fitsync/internal/outbox"
	"example.com/fitsync/internal/persistence/memory"
	persistence "example.com/fitsync/internal/persistence/postgres"
	httptransport "example.com/fitsync/internal/transport/http"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var (
		repo        domain.ActivityRepository
		outboxStore outbox.Store
	)
	if cfg.PostgresURL != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		defer pool.Close()
		if err := persistence.Migrate(ctx, pool); err != nil {
			log.Fatalf("failed to migrate schema: %v", err)
		}
		repo = persistence.NewRepository(pool)
		outboxStore = outbox.NewPostgresStore(pool)
	} else {
		logger.Warn("POSTGRES_URL not set, using in-memory repository")
		mem := memory.NewRepository()
		repo, outboxStore = mem, mem
	}

	var dispatcher *outbox.Dispatcher
	if len(cfg.KafkaBrokers) > 0 {
		producer := outbox.NewKafkaProducer(outbox.ProducerConfig{Brokers: cfg.KafkaBrokers})
		defer producer.Close()
		dispatcher = outbox.NewDispatcher(outboxStore, producer, cfg.OutboxPollInterval, cfg.OutboxBatchSize, logger)
		go dispatcher.Start(ctx)
	} else {
		logger.Warn("KAFKA_BROKERS not set, outbox events stay unpublished")
	}

	service := domain.NewService(repo, domain.WithEventTopic(cfg.ActivityTopic))

	handler := api.NewHandler(service, logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})

	serverCfg := httptransport.DefaultServerConfig(cfg.HTTPAddress)
	server := httptransport.NewServer(serverCfg,
		httptransport.CORS(cfg.CORSOrigin)(httptransport.RequestLogger(logger)(authMiddleware.Wrap(mux))))

	if err := httptransport.Serve(ctx, server, serverCfg.ShutdownTimeout, logger); err != nil {
		logger.Error("server error", "error", err)
	}
	cancel()

	if dispatcher != nil {
		dispatcher.Wait()
	}
}
