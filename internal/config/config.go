package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/xtrntr/marketsim/internal/exchange"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StorePebble   = "pebble"
)

type Server struct {
	Addr        string
	CORSOrigins []string
	LogFile     string
	LogLevel    string
}

type Store struct {
	Driver      string // memory, postgres or pebble
	DatabaseURL string
	PebbleDir   string
}

type Kafka struct {
	Brokers []string // empty disables publishing
	Topic   string
}

type Config struct {
	Server Server
	Store  Store
	Kafka  Kafka
	Engine exchange.Config
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:        ":8080",
			CORSOrigins: []string{"*"},
			LogLevel:    "info",
		},
		Store: Store{
			Driver:    StoreMemory,
			PebbleDir: "data/pebble",
		},
		Kafka: Kafka{
			Topic: "settlements",
		},
		Engine: exchange.DefaultConfig(),
	}
}

// Load reads configuration from envPath (if it exists) and the environment.
// Priority: ENV > .env file > defaults
func Load(envPath string) (Config, error) {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Server.Addr = getEnv("HTTP_ADDR", cfg.Server.Addr)
	cfg.Server.LogFile = getEnv("LOG_FILE", cfg.Server.LogFile)
	cfg.Server.LogLevel = getEnv("LOG_LEVEL", cfg.Server.LogLevel)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}

	cfg.Store.Driver = strings.ToLower(getEnv("STORE_DRIVER", cfg.Store.Driver))
	cfg.Store.DatabaseURL = getEnv("DATABASE_URL", cfg.Store.DatabaseURL)
	cfg.Store.PebbleDir = getEnv("PEBBLE_DIR", cfg.Store.PebbleDir)

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)

	if v := os.Getenv("INSTRUMENTS"); v != "" {
		cfg.Engine.Instruments = splitList(v)
	}

	var err error
	if cfg.Engine.TickInterval, err = durationEnv("TICK_INTERVAL_MS", time.Millisecond, cfg.Engine.TickInterval); err != nil {
		return cfg, err
	}
	if cfg.Engine.Window, err = durationEnv("SETTLEMENT_WINDOW_SECONDS", time.Second, cfg.Engine.Window); err != nil {
		return cfg, err
	}
	if cfg.Engine.MomentDuration, err = durationEnv("MOMENT_DURATION_SECONDS", time.Second, cfg.Engine.MomentDuration); err != nil {
		return cfg, err
	}
	if v := os.Getenv("MATCH_EVERY_TICKS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid MATCH_EVERY_TICKS %q", v)
		}
		cfg.Engine.MatchEvery = n
	}
	if v := os.Getenv("OFFER_ID_START"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid OFFER_ID_START %q", v)
		}
		cfg.Engine.OfferIDStart = n
	}

	switch cfg.Store.Driver {
	case StoreMemory, StorePebble:
	case StorePostgres:
		if cfg.Store.DatabaseURL == "" {
			return cfg, fmt.Errorf("DATABASE_URL is required for the %s store", StorePostgres)
		}
	default:
		return cfg, fmt.Errorf("unknown STORE_DRIVER %q", cfg.Store.Driver)
	}
	return cfg, nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func durationEnv(key string, unit, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def, fmt.Errorf("invalid %s %q", key, v)
	}
	return time.Duration(n) * unit, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
