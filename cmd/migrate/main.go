package main

import (
	"flag"

	"rewards/internal/config"
	"rewards/internal/db"
	"rewards/internal/logging"
)

func main() {
	down := flag.Int("down", 0, "revert this many migrations instead of applying pending ones")
	flag.Parse()

	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.AppEnv)
	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect database")
	}
	defer database.Close()

	if *down > 0 {
		if err := db.Rollback(database, *down); err != nil {
			log.WithError(err).Fatal("rollback failed")
		}
		log.WithField("steps", *down).Info("migrations reverted")
		return
	}
	applied, err := db.Migrate(database)
	if err != nil {
		log.WithError(err).Fatal("migration failed")
	}
	if !applied {
		log.Info("schema already up to date")
		return
	}
	log.Info("migrations applied")
}
