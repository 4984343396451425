package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	SQLitePath            string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
	BasketTTLMinutes      int
	AlertCacheTTLSeconds  int
	CommitMaxAttempts     int
	LoginRate             string
	PINRate               string
	CatalogCSV            string
}

func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("[config] no .env file found, using process environment")
	}

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		SQLitePath:            strings.TrimSpace(os.Getenv("SQLITE_PATH")),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		BasketTTLMinutes:      getPositiveInt("BASKET_TTL_MINUTES", 120),
		AlertCacheTTLSeconds:  getPositiveInt("ALERT_CACHE_TTL_SECONDS", 60),
		CommitMaxAttempts:     getPositiveInt("COMMIT_MAX_ATTEMPTS", 5),
		LoginRate:             getEnv("LOGIN_RATE", "5-M"),
		PINRate:               getEnv("PIN_RATE", "8-M"),
		CatalogCSV:            strings.TrimSpace(os.Getenv("CATALOG_CSV")),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// StoreKind reports which backend Load's settings select: postgres wins over
// sqlite, and memory is used when neither is configured.
func (c Config) StoreKind() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.SQLitePath != "":
		return "sqlite"
	default:
		return "memory"
	}
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}
