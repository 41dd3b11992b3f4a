package config

import (
	"fmt"     // Error wrapping
	"os"      // For environment variables
	"strconv" // For string to int conversion
	"time"    // Durations

	"github.com/joho/godotenv"      // For loading .env files
	"github.com/shopspring/decimal" // Fraud thresholds
	"github.com/sirupsen/logrus"    // Log level parsing
	"gorm.io/gorm/logger"           // gorm log levels

	"wallet_ledger/internal/db"
	"wallet_ledger/internal/fraud"
)

// Lock backends
const (
	LockBackendLocal = "local" // In-process mutexes, single instance only
	LockBackendRedis = "redis" // Shared SET NX locks
)

// Config holds the application configuration
type Config struct {
	AppPort string // Application port
	IsProd  bool   // Is production environment

	LogLevel logrus.Level // Application log level

	DBUser            string          // Database user
	DBPassword        string          // Database password
	DBHost            string          // Database host
	DBPort            string          // Database port
	DBName            string          // Database name
	DBLogLevel        logger.LogLevel // gorm log level
	DBMaxOpenConns    int             // Pool size
	DBMaxIdleConns    int             // Idle connections kept
	DBConnMaxLifetime time.Duration   // Connection recycling

	JWTSecret string        // JWT secret key
	JWTTTL    time.Duration // Token lifetime

	RedisAddr string        // Redis server address
	RedisPass string        // Redis password
	RedisDB   int           // Redis database number
	CacheTTL  time.Duration // Wallet and history cache lifetime

	LockBackend string        // local or redis
	LockTTL     time.Duration // Redis lock expiry
	LockMaxWait time.Duration // Longest wait for a redis lock

	DefaultCurrency   string      // Currency of wallets registered without one
	LedgerMaxAttempts int         // Unit of work attempts on conflicting updates
	Fraud             fraud.Rules // Detector thresholds
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	_ = godotenv.Load() // Load .env file if present
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv, applying defaults for unset keys
func FromEnv(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}
	rules := fraud.DefaultRules()

	cfg := &Config{
		AppPort: p.str("APP_PORT", "8080"),
		IsProd:  getenv("IS_PROD") == "true",

		DBUser:            getenv("DB_USER"),
		DBPassword:        getenv("DB_PASSWORD"),
		DBHost:            p.str("DB_HOST", "127.0.0.1"),
		DBPort:            p.str("DB_PORT", "3306"),
		DBName:            getenv("DB_NAME"),
		DBMaxOpenConns:    p.integer("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    p.integer("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: p.duration("DB_CONN_MAX_LIFETIME", 30*time.Minute),

		JWTSecret: getenv("JWT_SECRET"),
		JWTTTL:    p.duration("JWT_TTL", 24*time.Hour),

		RedisAddr: p.str("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPass: getenv("REDIS_PASS"),
		RedisDB:   p.integer("REDIS_DB", 0),
		CacheTTL:  p.duration("CACHE_TTL", 60*time.Second),

		LockBackend: p.str("LOCK_BACKEND", LockBackendLocal),
		LockTTL:     p.duration("LOCK_TTL", 10*time.Second),
		LockMaxWait: p.duration("LOCK_MAX_WAIT", 5*time.Second),

		DefaultCurrency:   p.str("DEFAULT_CURRENCY", "USD"),
		LedgerMaxAttempts: p.integer("LEDGER_MAX_ATTEMPTS", 3),
		Fraud: fraud.Rules{
			VelocityWindow:           p.duration("FRAUD_VELOCITY_WINDOW", rules.VelocityWindow),
			VelocityLimit:            p.integer("FRAUD_VELOCITY_LIMIT", rules.VelocityLimit),
			LargeWithdrawalThreshold: p.amount("FRAUD_LARGE_WITHDRAWAL", rules.LargeWithdrawalThreshold),
			OutlierWindow:            p.duration("FRAUD_OUTLIER_WINDOW", rules.OutlierWindow),
			OutlierFactor:            p.amount("FRAUD_OUTLIER_FACTOR", rules.OutlierFactor),
		},
	}

	if v := getenv("LOG_LEVEL"); v != "" {
		lvl, err := logrus.ParseLevel(v)
		if err != nil {
			p.fail("LOG_LEVEL", err)
		}
		cfg.LogLevel = lvl
	} else {
		cfg.LogLevel = logrus.InfoLevel
	}
	lvl, err := db.ParseLogLevel(getenv("DB_LOG_LEVEL"))
	if err != nil {
		p.fail("DB_LOG_LEVEL", err)
	}
	cfg.DBLogLevel = lvl

	switch cfg.LockBackend {
	case LockBackendLocal, LockBackendRedis:
	default:
		p.fail("LOCK_BACKEND", fmt.Errorf("want %q or %q, got %q", LockBackendLocal, LockBackendRedis, cfg.LockBackend))
	}

	if p.err != nil {
		return nil, p.err
	}
	return cfg, nil
}

// DSN is the MySQL data source name
func (c *Config) DSN() string {
	return c.DBUser + ":" + c.DBPassword + "@tcp(" + c.DBHost + ":" + c.DBPort + ")/" + c.DBName + "?parseTime=true&loc=UTC"
}

// DBOptions is the pool and logger setup for db.Open
func (c *Config) DBOptions(log logrus.FieldLogger) db.Options {
	return db.Options{
		LogLevel:        c.DBLogLevel,
		MaxOpenConns:    c.DBMaxOpenConns,
		MaxIdleConns:    c.DBMaxIdleConns,
		ConnMaxLifetime: c.DBConnMaxLifetime,
		Log:             log,
	}
}

// parser keeps the first malformed value it sees
type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("config %s: %w", key, err)
	}
}

func (p *parser) str(key, def string) string {
	if v := p.getenv(key); v != "" {
		return v
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return n
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return d
}

func (p *parser) amount(key string, def decimal.Decimal) decimal.Decimal {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return d
}
