package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql" // MySQL driver for GORM
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Options tunes the connection pool and the gorm logger
type Options struct {
	LogLevel        logger.LogLevel // gorm logger level
	MaxOpenConns    int             // 0 means unlimited
	MaxIdleConns    int             // Idle connections kept in the pool
	ConnMaxLifetime time.Duration   // 0 means connections are reused forever
	Log             logrus.FieldLogger
}

// ParseLogLevel maps silent, error, warn and info to gorm log levels
func ParseLogLevel(s string) (logger.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "warn":
		return logger.Warn, nil
	case "silent":
		return logger.Silent, nil
	case "error":
		return logger.Error, nil
	case "info":
		return logger.Info, nil
	}
	return 0, fmt.Errorf("unknown gorm log level %q", s)
}

// Open connects through dialector and applies the pool settings. gorm's
// own log lines go to logrus.
func Open(dialector gorm.Dialector, opts Options) (*gorm.DB, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(log, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  opts.LogLevel,
			IgnoreRecordNotFoundError: true,
		}),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return db, nil
}

// OpenMySQL opens the MySQL database behind dsn
func OpenMySQL(dsn string, opts Options) (*gorm.DB, error) {
	return Open(mysql.Open(dsn), opts)
}

// Migrate performs automatic migration for the database schema
func Migrate(db *gorm.DB) error {
	// AutoMigrate will create tables, missing foreign keys, constraints, columns and indexes
	if err := db.AutoMigrate(&Account{}, &Wallet{}, &Transaction{}); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}
