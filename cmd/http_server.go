package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/lafaom/payment-service/internal"
	"github.com/lafaom/payment-service/internal/core/events"
	"github.com/lafaom/payment-service/internal/gateway"
	"github.com/lafaom/payment-service/internal/transaction"
	transactionpostgres "github.com/lafaom/payment-service/internal/transaction/postgres"
	transactionredis "github.com/lafaom/payment-service/internal/transaction/redis"
	"github.com/lafaom/payment-service/internal/transport"
	"github.com/lafaom/payment-service/internal/transport/rest"
	"github.com/lafaom/payment-service/pkg/logger"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to handle API requests`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

type Dependencies struct {
	Config         *internal.Config
	DB             *sqlx.DB
	GormDB         *gorm.DB
	Redis          *goredis.Client
	EventBus       *events.EventBus
	KafkaForwarder *events.KafkaForwarder
	Service        *transaction.Service
	Queue          transaction.Queue
	Gateway        *gateway.Client
	Router         *chi.Mux
	Logger         *slog.Logger
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	setupRoutes(deps)

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	deps.Logger.Info("starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:              addr,
		Handler:           deps.Router,
		ReadHeaderTimeout: deps.Config.Server.ReadHeaderTimeout,
		ReadTimeout:       deps.Config.Server.ReadTimeout,
		WriteTimeout:      deps.Config.Server.WriteTimeout,
		IdleTimeout:       deps.Config.Server.IdleTimeout,
	}

	// Signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		deps.Logger.Info("received signal, shutting down...", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			deps.Logger.Error("server shutdown error", "error", err)
		}
		closeDependencies(deps)
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			deps.Logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}

	deps.Logger.Info("server stopped")
}

func setupRoutes(deps *Dependencies) {
	baseHandler := transport.NewBaseHandler(deps.Logger)

	paymentHandler := transaction.NewHandler(baseHandler, deps.Service, deps.Logger)
	webhookHandler := transaction.NewWebhookHandler(baseHandler, deps.Service, transaction.WebhookConfig{
		SecretKey:       deps.Config.Gateway.SecretKey,
		SignatureHeader: deps.Config.Gateway.SignatureHeader,
	}, deps.Logger)

	rest.RegisterAllRoutes(deps.Router, deps.DB.DB, deps.Redis, paymentHandler, webhookHandler, deps.Logger)
}

func initializeDependencies() (*Dependencies, error) {
	config, err := loadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.Init(config.Observability.Logging.Level, config.Observability.Logging.Format)
	lg := logger.LoggerWrapper()

	db, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gorm: %w", err)
	}

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	eventBus := events.NewEventBus(lg)
	var forwarder *events.KafkaForwarder
	if config.Kafka.Enabled {
		forwarder = events.NewKafkaForwarder(config.Kafka.Brokers, config.Kafka.Topic, lg)
		forwarder.Register(eventBus)
		lg.Info("kafka status forwarding enabled", "topic", config.Kafka.Topic)
	}

	gatewayClient := gateway.NewClient(gateway.Config{
		BaseURL:   config.Gateway.APIURL,
		APIKey:    config.Gateway.APIKey,
		SiteID:    config.Gateway.SiteID,
		SecretKey: config.Gateway.SecretKey,
		NotifyURL: config.Gateway.NotifyURL,
		ReturnURL: config.Gateway.ReturnURL,
		Timeout:   config.Gateway.Timeout,
	}, lg)

	repo := transactionpostgres.NewTransactionRepository(gormDB)
	queue := transactionredis.NewQueue(redisClient, transactionredis.QueueConfig{
		MaxAttempts: config.Reconciler.MaxAttempts,
		ClaimLease:  config.Reconciler.ClaimLease,
	}, lg)

	service, err := transaction.NewService(repo, queue, gatewayClient, eventBus, transaction.ServiceConfig{
		Operator:        config.Gateway.Operator,
		FirstCheckDelay: config.Reconciler.FirstCheckDelay,
	}, lg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize transaction service: %w", err)
	}

	return &Dependencies{
		Config:         config,
		DB:             db,
		GormDB:         gormDB,
		Redis:          redisClient,
		EventBus:       eventBus,
		KafkaForwarder: forwarder,
		Service:        service,
		Queue:          queue,
		Gateway:        gatewayClient,
		Router:         chi.NewRouter(),
		Logger:         lg,
	}, nil
}

func closeDependencies(deps *Dependencies) {
	if deps.KafkaForwarder != nil {
		if err := deps.KafkaForwarder.Close(); err != nil {
			deps.Logger.Error("kafka forwarder close error", "error", err)
		}
	}
	if err := deps.Redis.Close(); err != nil {
		deps.Logger.Error("redis close error", "error", err)
	}
	if err := deps.DB.Close(); err != nil {
		deps.Logger.Error("database close error", "error", err)
	}
}

// initDB initializes the database connection pool
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// verify connection; close underlying *sql.DB on failure
	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}
