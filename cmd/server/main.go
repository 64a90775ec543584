package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rentpay/backend/docs"
	"github.com/rentpay/backend/internal/database"
	"github.com/rentpay/backend/internal/handlers"
	mW "github.com/rentpay/backend/internal/middleware"
	"github.com/rentpay/backend/internal/services"
	"github.com/rentpay/backend/internal/vault"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title RentPay Backend API
// @version 1.0
// @description API for rent payment reconciliation and payouts
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	// Set environment variable prefix
	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")
	viper.BindEnv("redis.pool_size", "REDIS_POOL_SIZE")
	viper.BindEnv("redis.min_idle_conns", "REDIS_MIN_IDLE_CONNS")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	viper.BindEnv("vault.server_secret", "VAULT_SERVER_SECRET")
	viper.BindEnv("gateway.base_url", "GATEWAY_BASE_URL")
	viper.BindEnv("gateway.api_key", "GATEWAY_API_KEY")
	viper.BindEnv("gateway.webhook_url", "GATEWAY_WEBHOOK_URL")
	viper.BindEnv("ledger.currency", "LEDGER_CURRENCY")
	viper.BindEnv("withdrawal.fee_percent", "WITHDRAWAL_FEE_PERCENT")
	viper.BindEnv("withdrawal.min_amount", "WITHDRAWAL_MIN_AMOUNT")
	viper.BindEnv("reconcile.poll_interval", "RECONCILE_POLL_INTERVAL")
	viper.BindEnv("reconcile.poll_attempts", "RECONCILE_POLL_ATTEMPTS")
	viper.BindEnv("pin.lockout_minutes", "PIN_LOCKOUT_MINUTES")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "RentPay Backend API"
	docs.SwaggerInfo.Description = "API for rent payment reconciliation and payouts"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	fieldVault, err := vault.New(viper.GetString("vault.server_secret"))
	if err != nil {
		log.Fatalf("Failed to initialize vault: %v", err)
	}

	auditLogger := vault.NewAuditLogger()

	ledgerService := services.NewLedgerService(db)
	transactionService := services.NewTransactionService(db)
	gateways := services.NewGatewaySet(services.GatewayConfigFromViper())
	engine := services.NewReconciliationEngine(db, ledgerService, transactionService, gateways, redisClient)

	bankService := services.NewBankService()
	accountService := services.NewAccountService(db, fieldVault, bankService)
	settlementService := services.NewSettlementService()
	withdrawalService := services.NewWithdrawalService(db, ledgerService, transactionService,
		accountService, fieldVault, settlementService, auditLogger)
	availabilityService := services.NewAvailabilityService(db)
	authService := services.NewAuthService(db, redisClient)
	qrService := services.NewCheckoutQRService(redisClient)
	paymentHandler := handlers.NewPaymentHandler(db, gateways, transactionService,
		availabilityService, engine, qrService)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// Static file server for bank logos
	r.Handle("/static/bank-logos/*", http.StripPrefix("/static/bank-logos/",
		mW.StaticFileServer("./static/bank-logos")))

	// Provider webhook: unauthenticated, idempotent, always outside /api/v1
	r.Post("/payment/webhook", engine.HandleWebhook)

	r.Get("/banks", bankService.GetAllBanks)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/auth/account", authService.GetUserAccount)

			r.Post("/payments", paymentHandler.InitiatePayment)
			r.Get("/payments/{referenceId}", transactionService.GetPayment)

			r.Get("/balance", ledgerService.GetBalance)
			r.Get("/transactions", transactionService.ListTransactions)

			r.Post("/pin", accountService.SetPin)
			r.Get("/withdrawal-account", accountService.GetWithdrawalAccount)
			r.Post("/withdrawal-account", accountService.SetWithdrawalAccount)
			r.Post("/withdrawal-account/reveal", accountService.RevealWithdrawalAccount)

			r.Post("/withdrawals", withdrawalService.RequestWithdrawal)
			r.Get("/withdrawals", withdrawalService.ListWithdrawals)
			r.Post("/withdrawals/{id}/cancel", withdrawalService.CancelWithdrawal)

			// Admin endpoints
			r.Group(func(r chi.Router) {
				r.Use(mW.RequireAdmin)

				r.Get("/admin/withdrawals", withdrawalService.ListAdminWithdrawals)
				r.Put("/admin/withdrawals/{id}", withdrawalService.ResolveWithdrawal)
			})
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
