package main

import (
	"github.com/sirupsen/logrus"

	"wallet_ledger/internal/config" // Configuration
	"wallet_ledger/internal/db"     // Schema migration
)

// Main entry point for migration
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
	logrus.SetLevel(cfg.LogLevel)

	gdb, err := db.OpenMySQL(cfg.DSN(), cfg.DBOptions(logrus.StandardLogger()))
	if err != nil {
		logrus.Fatalf("failed to connect database: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		logrus.Fatal(err)
	}
	logrus.Info("Migration completed.")
}
