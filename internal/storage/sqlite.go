package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gatechat/gatechat/internal/chatlog"
	"github.com/gatechat/gatechat/internal/user"
)

// SQLiteStore is the default store; the original deployment kept its
// user and chat tables in sqlite files.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("db path is required")
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// sqlite allows one writer; serializing through a single connection
	// avoids SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close(ctx context.Context) error {
	_ = ctx
	return s.db.Close()
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	migrator := NewMigrator(s.db, migrationsFS, "migrations/sqlite/*.sql", dialectSQLite)
	return migrator.Up(ctx)
}

func (s *SQLiteStore) Users() user.Repository {
	return &sqlUserRepo{db: s.db, d: dialectSQLite}
}

func (s *SQLiteStore) Messages() chatlog.Repository {
	return &sqlMessageRepo{db: s.db, d: dialectSQLite}
}
