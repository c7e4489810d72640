// Command maxcore runs the MariaDB and Postgres proxy listeners
// side by side against one configuration file, following the teacher's
// cmd/tqdbproxy/main.go flag/signal shape.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mevdschee/maxcore/authuser"
	"github.com/mevdschee/maxcore/config"
	"github.com/mevdschee/maxcore/listener"
	"github.com/mevdschee/maxcore/metrics"
)

func main() {
	configPath := flag.String("config", "config.ini", "Path to configuration file")
	metricsAddr := flag.String("metrics", ":9090", "Metrics endpoint address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.MariaDB.Validate(); err != nil {
		log.Fatalf("mariadb config: %v", err)
	}
	if err := cfg.Postgres.Validate(); err != nil {
		log.Fatalf("postgres config: %v", err)
	}

	metrics.Init()
	go func() {
		http.Handle("/metrics", metrics.Handler())
		log.Printf("Metrics endpoint at http://localhost%s/metrics", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	mariadbAccounts := buildAccountCache(cfg.MariaDB.AccountDSN, "mysql", cfg.MariaDB.AuthRefreshMinInterval, authuser.LoadFromMariaDB)
	postgresAccounts := buildAccountCache(cfg.Postgres.AccountDSN, "postgres", cfg.Postgres.AuthRefreshMinInterval, authuser.LoadFromPostgres)

	mariadbListener, err := listener.NewMariaDBListener(cfg.MariaDB, mariadbAccounts)
	if err != nil {
		log.Fatalf("Failed to build MariaDB listener: %v", err)
	}
	if mariadbAccounts != nil {
		mariadbListener.RefreshFunc = mariadbAccountLoader(cfg.MariaDB.AccountDSN)
	}
	if err := mariadbListener.ListenAndServe(); err != nil {
		log.Fatalf("Failed to start MariaDB listener: %v", err)
	}
	log.Printf("[MariaDB] default backend set %q", cfg.MariaDB.Default)

	postgresListener, err := listener.NewPostgresListener(cfg.Postgres, postgresAccounts)
	if err != nil {
		log.Fatalf("Failed to build Postgres listener: %v", err)
	}
	if postgresAccounts != nil {
		postgresListener.RefreshFunc = postgresAccountLoader(cfg.Postgres.AccountDSN)
	}
	if err := postgresListener.ListenAndServe(); err != nil {
		log.Fatalf("Failed to start Postgres listener: %v", err)
	}
	log.Printf("[Postgres] default backend set %q", cfg.Postgres.Default)

	log.Println("maxcore started. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
}

// buildAccountCache opens the account-store DSN (if configured) and does
// an initial blocking load so the first client handshake already has a
// snapshot to check against; an empty dsn disables the account cache for
// that listener entirely.
func buildAccountCache(dsn, driver string, minInterval time.Duration, loadFunc func(context.Context, *sql.DB) (*authuser.Snapshot, error)) *authuser.Cache {
	if dsn == "" {
		return nil
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		log.Printf("authuser: open %s account store: %v (account cache disabled)", driver, err)
		return nil
	}
	cache := authuser.NewCache(minInterval)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := loadFunc(ctx, db)
	if err != nil {
		log.Printf("authuser: initial %s account load failed: %v (starting with an empty snapshot)", driver, err)
		return cache
	}
	cache.Publish(snap)
	return cache
}

func mariadbAccountLoader(dsn string) func(context.Context) (*authuser.Snapshot, error) {
	return func(ctx context.Context) (*authuser.Snapshot, error) {
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		return authuser.LoadFromMariaDB(ctx, db)
	}
}

func postgresAccountLoader(dsn string) func(context.Context) (*authuser.Snapshot, error) {
	return func(ctx context.Context) (*authuser.Snapshot, error) {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		return authuser.LoadFromPostgres(ctx, db)
	}
}
