package rest

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/lafaom/payment-service/internal/transaction"
	"github.com/lafaom/payment-service/internal/transport/middleware"
	"github.com/lafaom/payment-service/internal/transport/swagger"
)

func RegisterAllRoutes(router *chi.Mux, db *sql.DB, redisClient *redis.Client, paymentHandler *transaction.Handler, webhookHandler *transaction.WebhookHandler, logger *slog.Logger) {
	healthHandler := NewHealthHandler(db, redisClient)

	// Apply global middleware
	router.Use(middleware.CORS)
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	// Serve OpenAPI spec at root (outside API prefix)
	router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "./api/openapi.yml")
	})
	// Swagger UI route at root
	router.Handle("/swagger/*", swagger.Handler())

	// Prometheus scrape endpoint
	router.Handle("/metrics", promhttp.Handler())

	// Mount API under /api/v1 to match OpenAPI basePath
	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		r.Route("/payments", func(pr chi.Router) {
			pr.Post("/initiate", paymentHandler.InitiatePayment)
			pr.Post("/notification", webhookHandler.HandleNotification)
			pr.Get("/stats", paymentHandler.GetStats)
			pr.Get("/transaction/{reference}", paymentHandler.GetByReference)
			pr.Get("/payer/{payerID}", paymentHandler.ListByPayer)
			pr.Get("/{id}", paymentHandler.GetByID)
		})
	})
}
