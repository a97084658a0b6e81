package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable the server needs, loaded from the environment
// with an optional .env file for local development.
type Config struct {
	HTTPAddr string

	MySQLDSN  string
	RedisAddr string

	KafkaBrokers  []string
	ConsumerGroup string

	// ConsumeInventoryEvents enables the inventory.events consumer. Leave it
	// off when this process also creates orders: the order flow reserves
	// synchronously, and applying its own RESERVE events again would be
	// redundant work.
	ConsumeInventoryEvents bool

	UserCartTTL  time.Duration
	GuestCartTTL time.Duration
	MaxCartItems int

	ReservationTTL time.Duration
	AutoCancelAge  time.Duration
	ScanInterval   time.Duration

	PublishTimeout time.Duration
	PublishRetries int
}

func Load() Config {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	return Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		MySQLDSN:  getEnv("MYSQL_DSN", "root:root@tcp(localhost:3306)/checkout?parseTime=true"),
		RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),

		KafkaBrokers:  strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
		ConsumerGroup: getEnv("CONSUMER_GROUP", "checkout-service"),

		ConsumeInventoryEvents: getBool("CONSUME_INVENTORY_EVENTS", false),

		UserCartTTL:  getDuration("USER_CART_TTL", 30*24*time.Hour),
		GuestCartTTL: getDuration("GUEST_CART_TTL", 7*24*time.Hour),
		MaxCartItems: getInt("MAX_CART_ITEMS", 100),

		ReservationTTL: getDuration("RESERVATION_TTL", 24*time.Hour),
		AutoCancelAge:  getDuration("AUTO_CANCEL_AGE", 24*time.Hour),
		ScanInterval:   getDuration("SCAN_INTERVAL", time.Hour),

		PublishTimeout: getDuration("PUBLISH_TIMEOUT", 5*time.Second),
		PublishRetries: getInt("PUBLISH_RETRIES", 3),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
