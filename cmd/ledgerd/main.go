// ledgerd is a small double-entry ledger API that demonstrates the txn
// package: every mutating request runs through a reference-counted
// transaction handle over the shared connection pool.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"txnkit/auth"
	"txnkit/db"
	"txnkit/ledger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Config struct {
	DBDriver  string
	DBDSN     string
	JWTSecret string
	Port      string
}

func loadConfig() Config {
	return Config{
		DBDriver:  getEnv("DB_DRIVER", "sqlite"),
		DBDSN:     getEnv("DB_DSN", "/data/ledger.db"),
		JWTSecret: getEnv("JWT_SECRET", "supersecretkey"),
		Port:      getEnv("PORT", "8080"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	cfg := loadConfig()

	d, err := db.Open(db.Dialect(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer d.Close()

	if err := db.RunMigrations(d.DB, d.Dialect); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	authHandler := &auth.Handler{DB: d, JWTSecret: cfg.JWTSecret}
	ledgerHandler := &ledger.Handler{DB: d}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Post("/api/auth/register", authHandler.HandleRegister)
	r.Post("/api/auth/login", authHandler.HandleLogin)

	r.Group(func(r chi.Router) {
		r.Use(authHandler.AuthMiddleware)
		r.Post("/api/accounts", ledgerHandler.HandleCreateAccount)
		r.Get("/api/accounts", ledgerHandler.HandleListAccounts)
		r.Get("/api/accounts/{id}", ledgerHandler.HandleGetAccount)
		r.Get("/api/accounts/{id}/entries", ledgerHandler.HandleListEntries)
		r.Post("/api/accounts/{id}/deposit", ledgerHandler.HandleDeposit)
		r.Post("/api/transfers", ledgerHandler.HandleTransfer)
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	go func() {
		log.Printf("ledgerd listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	log.Println("server shut down")
}
