package main

import (
	"context" // context package is needed for Redis operations

	"github.com/gin-gonic/gin"     // Gin web framework
	"github.com/redis/go-redis/v9" // Redis client
	"github.com/sirupsen/logrus"   // Logrus for structured logging

	"wallet_ledger/internal/api"    // HTTP handlers
	"wallet_ledger/internal/config" // Configuration
	"wallet_ledger/internal/db"     // gorm store
	"wallet_ledger/internal/ledger" // Ledger engine
	"wallet_ledger/internal/lock"   // Wallet locks
)

// Main function to set up and run the server
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}

	// Setup logger
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetLevel(cfg.LogLevel)
	log := logrus.StandardLogger()

	gdb, err := db.OpenMySQL(cfg.DSN(), cfg.DBOptions(log))
	if err != nil {
		logrus.Fatalf("failed to connect to DB: %v", err)
	}
	st := db.NewStore(gdb)

	// Setup Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})
	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		logrus.Fatalf("failed to connect to Redis: %v", err)
	}

	var locker lock.Locker = lock.NewMutexLocker()
	if cfg.LockBackend == config.LockBackendRedis {
		locker = lock.NewRedisLocker(redisClient, lock.RedisOptions{
			TTL:     cfg.LockTTL,
			MaxWait: cfg.LockMaxWait,
		}, log)
	}

	engine := ledger.NewEngine(st, st,
		ledger.WithLocker(locker),
		ledger.WithLogger(log),
		ledger.WithFraudRules(cfg.Fraud),
		ledger.WithMaxAttempts(cfg.LedgerMaxAttempts),
	)

	// Set Mode to Release if in production
	if cfg.IsProd {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	if err := r.SetTrustedProxies([]string{"127.0.0.1"}); err != nil {
		logrus.Fatalf("failed to set trusted proxies: %v", err)
	}

	api.RegisterRoutes(r, api.Deps{
		Accounts:        st,
		Ledger:          engine,
		Cache:           api.NewCache(redisClient, cfg.CacheTTL, log),
		JWTSecret:       cfg.JWTSecret,
		JWTTTL:          cfg.JWTTTL,
		DefaultCurrency: cfg.DefaultCurrency,
	})

	logrus.WithFields(logrus.Fields{
		"port":         cfg.AppPort,
		"lock_backend": cfg.LockBackend,
	}).Info("Server running")
	if err := r.Run(":" + cfg.AppPort); err != nil {
		logrus.Fatalf("server stopped: %v", err)
	}
}
