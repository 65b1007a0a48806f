// Package migrate applies embedded SQL migrations on startup.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/and161185/postbox/migrations"
)

// Up runs all pending postgres migrations against dsn.
func Up(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return apply(ctx, db, goose.DialectPostgres, migrations.Postgres, "postgres")
}

// UpDB runs all pending sqlite migrations against an already open handle.
func UpDB(ctx context.Context, db *sql.DB) error {
	return apply(ctx, db, goose.DialectSQLite3, migrations.SQLite, "sqlite")
}

func apply(ctx context.Context, db *sql.DB, dialect goose.Dialect, fsys fs.FS, dir string) error {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(dialect, db, sub)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	_, err = p.Up(ctx)
	return err
}
