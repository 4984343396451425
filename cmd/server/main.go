package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"

	"pharmaweb/backend/internal/alerts"
	"pharmaweb/backend/internal/basket"
	"pharmaweb/backend/internal/cache"
	"pharmaweb/backend/internal/checkout"
	"pharmaweb/backend/internal/config"
	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/events"
	"pharmaweb/backend/internal/httpapi"
	"pharmaweb/backend/internal/service"
	"pharmaweb/backend/internal/store"
	"pharmaweb/backend/internal/store/memory"
	pgstore "pharmaweb/backend/internal/store/postgres"
	sqlitestore "pharmaweb/backend/internal/store/sqlite"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		log.Fatalf("repository: %v", err)
	}
	closers := []func() error{closeRepo}

	var (
		sessions   basket.SessionStore = basket.NewMemorySessionStore()
		alertCache cache.AlertCache    = cache.NoopAlertCache{}
		publisher  events.Publisher    = events.NoopPublisher{}
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("redis unavailable (%v), using in-process baskets and no alert cache", err)
			_ = client.Close()
		} else {
			sessions = basket.NewRedisSessionStore(client)
			alertCache = cache.NewRedisAlertCache(client)
			publisher = events.NewRedisPublisher(client)
			closers = append(closers, client.Close)
			log.Println("sessions, cache, events: redis")
		}
	} else {
		log.Println("sessions: in-memory, cache: noop, events: noop")
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)
	svc := service.New(repo, service.Dependencies{
		Baskets:   basket.NewManager(repo, sessions, time.Duration(cfg.BasketTTLMinutes)*time.Minute),
		Committer: checkout.NewCommitter(repo, cfg.CommitMaxAttempts),
		Alerts:    alerts.NewEngine(alertCache, time.Duration(cfg.AlertCacheTTLSeconds)*time.Second),
		Events:    publisher,
		VerifyPIN: auth.ValidateManagerPIN,
	})

	if cfg.CatalogCSV != "" {
		if err := importCatalog(ctx, svc, cfg.CatalogCSV); err != nil {
			log.Printf("catalog import skipped: %v", err)
		}
	}

	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		LoginRate:     cfg.LoginRate,
		PINRate:       cfg.PINRate,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("pharmacy backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

// openRepository picks postgres, then sqlite, then the seeded memory store.
// A configured database that cannot be reached is fatal.
func openRepository(ctx context.Context, cfg config.Config) (store.Repository, func() error, error) {
	switch cfg.StoreKind() {
	case "postgres":
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("postgres migrate: %w", err)
		}
		log.Println("repository: postgres")
		return pg, pg.Close, nil
	case "sqlite":
		db, err := sqlitestore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite open: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("sqlite migrate: %w", err)
		}
		if err := db.Seed(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("sqlite seed: %w", err)
		}
		log.Printf("repository: sqlite (%s)", cfg.SQLitePath)
		return db, db.Close, nil
	default:
		log.Println("repository: in-memory")
		return memory.NewSeeded(), func() error { return nil }, nil
	}
}

// importCatalog loads a CSV catalog at startup on behalf of a system admin.
func importCatalog(ctx context.Context, svc *service.Service, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	systemCtx := service.WithActor(ctx, domain.Actor{
		Username:    "system",
		DisplayName: "System import",
		Role:        domain.RoleAdmin,
		SessionID:   "startup",
	})
	result, err := svc.ImportCatalog(systemCtx, file)
	if err != nil {
		return err
	}
	log.Printf("catalog import from %s: imported=%d skipped=%d invalid=%d", path, result.Imported, result.Skipped, result.Invalid)
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that repeat one digit, run in sequence, or
// appear on the common-PIN list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true, "101010": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
