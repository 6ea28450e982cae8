package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"enx-ticketing/internal/auth"
	"enx-ticketing/internal/config"
	"enx-ticketing/internal/database/migrations"
	"enx-ticketing/internal/kafka"
	"enx-ticketing/internal/logger"
	"enx-ticketing/internal/metrics"
	"enx-ticketing/internal/security"
	"enx-ticketing/internal/tickets/codec"
	ticket_db "enx-ticketing/internal/tickets/db"
	"enx-ticketing/internal/tickets/qr"
	tickets "enx-ticketing/internal/tickets/service"
	"enx-ticketing/internal/tickets/ticket_api"
	"enx-ticketing/internal/tickets/verify"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

func openPostgres(cfg config.DatabaseConfig, log *logger.Logger) *sql.DB {
	var sqldb *sql.DB
	var err error
	maxRetries := cfg.ConnRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	for i := 0; i < maxRetries; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		sqldb, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			log.Error("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
			time.Sleep(2 * time.Second)
			continue
		}
		err = sqldb.Ping()
		if err == nil {
			break
		}
		sqldb.Close()
		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < maxRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", maxRetries, err))
	}
	return sqldb
}

func verifyConnections(ctx context.Context, cfg *config.Config, log *logger.Logger) (*bun.DB, *redis.Client) {
	sqldb := openPostgres(cfg.Database, log)
	sqldb.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.Database.MaxLifetime)
	log.Info("DATABASE", "✅ PostgreSQL connection successful")

	bunDB := bun.NewDB(sqldb, pgdialect.New())

	if !cfg.Redis.Enabled {
		log.Warn("REDIS", "Redis disabled, scanner throttling is off")
		return bunDB, nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		// The throttle fails open, so a missing Redis degrades rather than blocks startup.
		log.Warn("REDIS", fmt.Sprintf("Redis ping failed, continuing with throttle failing open: %v", err))
	} else {
		log.Info("DATABASE", fmt.Sprintf("✅ Redis connection successful to %s (DB: %d)", cfg.Redis.Addr, cfg.Redis.DB))
	}
	return bunDB, redisClient
}

// runMigrations applies pending migrations on a dedicated connection; the
// migrate driver closes the handle it is given.
func runMigrations(cfg config.DatabaseConfig, log *logger.Logger) {
	migrationDB := openPostgres(cfg, log)
	runner := migrations.NewRunner(migrationDB, migrations.DefaultOptions(), log)
	defer runner.Close()

	if err := runner.RunMigrations(); err != nil {
		log.Fatal("MIGRATION", fmt.Sprintf("Failed to run migrations: %v", err))
	}
}

func newVerifier(ctx context.Context, cfg config.AuthConfig, log *logger.Logger) auth.TokenVerifier {
	switch cfg.Mode {
	case "hmac":
		v, err := auth.NewHMACVerifier(cfg.HMACKey, cfg.OIDCIssuer)
		if err != nil {
			log.Fatal("AUTH", fmt.Sprintf("Failed to build HMAC verifier: %v", err))
		}
		log.Info("AUTH", "Using HMAC device tokens")
		return v
	default:
		v, err := auth.NewOIDCVerifier(ctx, cfg.OIDCIssuer, cfg.ClientID)
		if err != nil {
			log.Fatal("AUTH", fmt.Sprintf("Failed to reach OIDC issuer %s: %v", cfg.OIDCIssuer, err))
		}
		log.Info("AUTH", fmt.Sprintf("Using OIDC issuer %s", cfg.OIDCIssuer))
		return v
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("[CONFIG] .env file not found, using environment variables")
	}

	cfg := config.Load()
	log := logger.New(logger.Options{Service: cfg.Logging.Service, Dir: cfg.Logging.Dir})
	defer log.Close()

	log.Info("APP", "Starting Ticket Service initialization")
	if err := cfg.Validate(); err != nil {
		log.Fatal("CONFIG", fmt.Sprintf("Invalid configuration: %v", err))
	}

	ctx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	if cfg.Database.AutoMigrate {
		runMigrations(cfg.Database, log)
	}

	log.Info("APP", "Verifying database connections")
	bunDB, redisClient := verifyConnections(ctx, cfg, log)
	defer bunDB.Close()
	if redisClient != nil {
		defer redisClient.Close()
	}

	ticketCodec, err := codec.New(cfg.Ticket.Secret,
		codec.WithPrefix(cfg.Ticket.PayloadPrefix),
		codec.WithTagLength(cfg.Ticket.TagLength),
	)
	if err != nil {
		log.Fatal("CONFIG", fmt.Sprintf("Failed to build ticket codec: %v", err))
	}

	qrGenerator, err := qr.NewQRGenerator(qr.Options{
		ErrorCorrection: cfg.QR.ErrorCorrection,
		Size:            cfg.QR.Size,
		Margin:          cfg.QR.Margin,
	})
	if err != nil {
		log.Fatal("CONFIG", fmt.Sprintf("Invalid QR options: %v", err))
	}

	recorder := metrics.New(prometheus.DefaultRegisterer)
	store := ticket_db.New(bunDB)

	var (
		producer  *kafka.Producer
		publisher tickets.EventPublisher
		notifier  verify.Notifier
	)
	if cfg.Kafka.Enabled {
		topics := cfg.Kafka.Topics
		requiredTopics := []string{
			topics.TicketIssued,
			topics.TicketRedeemed,
			topics.TicketCancelled,
			topics.PaymentConfirmed,
			topics.EventUpdated,
		}
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, requiredTopics, log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		} else {
			log.Info("KAFKA", "Required topics ensured successfully")
		}

		producer = kafka.NewProducer(cfg.Kafka.Brokers, kafka.Topics{
			Issued:    topics.TicketIssued,
			Redeemed:  topics.TicketRedeemed,
			Cancelled: topics.TicketCancelled,
		}, log)
		publisher = producer
		notifier = producer
		log.Info("KAFKA", "Kafka producer initialized successfully")
	} else {
		log.Warn("KAFKA", "Kafka disabled, ticket notifications are off")
	}

	ticketService := tickets.NewTicketService(store, ticketCodec, publisher, log)
	ticketService.Metrics = recorder
	if cfg.Ticket.GraceWindow > 0 {
		ticketService.GraceWindow = cfg.Ticket.GraceWindow
	}

	var throttle verify.Throttle
	if redisClient != nil {
		throttle = security.NewScanThrottle(redisClient, log, cfg.Scan.SecurityLimit, cfg.Scan.SecurityWindow)
	}

	engine, err := verify.NewEngine(verify.Dependencies{
		Codec:       ticketCodec,
		Store:       store,
		Notifier:    notifier,
		Throttle:    throttle,
		Metrics:     recorder,
		Logger:      log,
		GraceWindow: cfg.Ticket.GraceWindow,
	})
	if err != nil {
		log.Fatal("APP", fmt.Sprintf("Failed to build verification engine: %v", err))
	}

	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		ticketService.RunExpirySweeper(ctx, cfg.Ticket.SweepInterval)
	}()

	var consumers []*kafka.Consumer
	if cfg.Kafka.Enabled {
		subscriptions := []struct {
			topic   string
			handler kafka.HandlerFunc
		}{
			{cfg.Kafka.Topics.PaymentConfirmed, kafka.PaymentConfirmedHandler(ticketService, log)},
			{cfg.Kafka.Topics.EventUpdated, kafka.EventUpdatedHandler(store, log)},
		}
		for _, sub := range subscriptions {
			consumer := kafka.NewConsumer(cfg.Kafka.Brokers, sub.topic, cfg.Kafka.GroupID, log)
			consumers = append(consumers, consumer)
			workers.Add(1)
			go func(c *kafka.Consumer, topic string, handler kafka.HandlerFunc) {
				defer workers.Done()
				if err := c.Start(ctx, handler); err != nil {
					log.Error("KAFKA", fmt.Sprintf("Consumer for %s stopped: %v", topic, err))
				}
			}(consumer, sub.topic, sub.handler)
		}
	}

	ticketHandler := ticket_api.NewHandler(ticketService, engine, qrGenerator, log, cfg.Scan.VerifyTimeout)

	log.Info("HTTP", "Setting up router and middleware")
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(ticket_api.RequestLogger(log))

	// --- Public Routes ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := bunDB.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/tickets/count", ticketHandler.GetTotalTicketsCount)
	log.Info("ROUTER", "Public endpoints registered: /health, /metrics, /api/tickets/count")

	// --- Protected Routes ---
	verifier := newVerifier(ctx, cfg.Auth, log)
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(verifier))
		log.Info("AUTH", "Token middleware applied to protected API routes")

		r.Route("/api", ticketHandler.RegisterRoutes)
		log.Info("ROUTER", "Ticket routes registered under /api/tickets")
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("🚀 Ticket Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-stop

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	}

	stopBackground()
	workers.Wait()
	for _, c := range consumers {
		if err := c.Close(); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Failed to close consumer: %v", err))
		}
	}

	engine.Wait()
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Failed to close producer: %v", err))
		}
	}
	log.Info("HTTP", "✅ Ticket Service shutdown complete")
}
