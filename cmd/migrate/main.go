// Command migrate applies the gatekeep PostgreSQL schema and seeds.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"gatekeep.org/internal/migrate"
	"gatekeep.org/internal/obs"
)

const usage = "usage: migrate [-dsn DSN] [-migrations DIR] [-seeds DIR] up|down|seed|status"

func main() {
	dsn := flag.String("dsn", os.Getenv("GATEKEEP_POSTGRES_DSN"), "PostgreSQL DSN (defaults to GATEKEEP_POSTGRES_DSN)")
	migrationsDir := flag.String("migrations", "", "override the embedded schema with a directory")
	seedsDir := flag.String("seeds", "", "override the embedded seeds with a directory")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	log := obs.Logger().WithField("command", flag.Arg(0))
	if err := run(*dsn, *migrationsDir, *seedsDir, *timeout, flag.Arg(0)); err != nil {
		log.WithError(err).Fatal("migrate failed")
	}
	log.Info("migrate done")
}

func run(dsn, migrationsDir, seedsDir string, timeout time.Duration, verb string) error {
	if dsn == "" {
		return errors.New("missing DSN: set -dsn or GATEKEEP_POSTGRES_DSN")
	}
	if verb == "" {
		return errors.New(usage)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	opts := []migrate.Option{migrate.WithSeeds(dirOr(seedsDir, migrate.Seeds()))}
	mgr := migrate.NewManager(db, dirOr(migrationsDir, nil), opts...)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	switch verb {
	case "up":
		return mgr.Up(ctx)
	case "down":
		err := mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingToRollback) {
			obs.Logger().Warn("nothing to roll back")
			return nil
		}
		return err
	case "seed":
		return mgr.Seed(ctx)
	case "status":
		entries, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Println(e)
		}
		return nil
	}
	return fmt.Errorf("unknown command %q; %s", verb, usage)
}

func dirOr(dir string, fallback fs.FS) fs.FS {
	if dir == "" {
		return fallback
	}
	return os.DirFS(dir)
}
