package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"botgate.io/internal/migrate"
	"botgate.io/internal/obs"
)

var commands = map[string]func(context.Context, *migrate.Manager) ([]string, error){
	"up":      func(ctx context.Context, m *migrate.Manager) ([]string, error) { return nil, m.Up(ctx) },
	"down":    func(ctx context.Context, m *migrate.Manager) ([]string, error) { return nil, m.Down(ctx) },
	"seed":    func(ctx context.Context, m *migrate.Manager) ([]string, error) { return nil, m.Seed(ctx) },
	"status":  func(ctx context.Context, m *migrate.Manager) ([]string, error) { return m.Status(ctx) },
	"pending": func(ctx context.Context, m *migrate.Manager) ([]string, error) { return m.Pending(ctx) },
}

func main() {
	dsn := flag.String("dsn", os.Getenv("BOTGATE_PG_DSN"), "PostgreSQL DSN (defaults to BOTGATE_PG_DSN)")
	timeout := flag.Duration("timeout", 30*time.Second, "deadline for the whole command")
	flag.Parse()

	log := obs.Logger().WithField("component", "migrate")
	cmd, ok := commands[flag.Arg(0)]
	if !ok {
		log.Fatal("usage: migrate -dsn DSN up|down|seed|status|pending")
	}
	if *dsn == "" {
		log.Fatal("no database: set -dsn or BOTGATE_PG_DSN")
	}

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	names, err := cmd(ctx, migrate.NewManager(db, migrate.WithLogger(log)))
	if err != nil {
		log.WithError(err).WithField("command", flag.Arg(0)).Error("migrate failed")
		cancel()
		db.Close()
		os.Exit(1)
	}
	for _, name := range names {
		fmt.Println(name)
	}
}
