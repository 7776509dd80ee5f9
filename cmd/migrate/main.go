package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"ledgerlink.org/internal/config"
	"ledgerlink.org/internal/migrate"
	"ledgerlink.org/ops/migrations"
)

func main() {
	log.SetFlags(0)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	var (
		dsn = flag.String("dsn", cfg.PGDSN, "PostgreSQL DSN")
		dir = flag.String("dir", "", "Directory holding sql/ and seeds/ (default: embedded)")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or LEDGERLINK_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status|pending]")
	}

	var fsys fs.FS = migrations.FS
	if *dir != "" {
		fsys = os.DirFS(*dir)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, fsys, migrations.MigrationsDir, migrations.SeedsDir)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		for _, item := range history {
			fmt.Println(item)
		}
	case "pending":
		var files []migrate.File
		files, err = mgr.Pending(ctx)
		for _, f := range files {
			fmt.Println(f.Base)
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
