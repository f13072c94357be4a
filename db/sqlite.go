package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"
)

type SQLiteLog struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string, logger *log.Logger) (*SQLiteLog, error) {
	if path == "" {
		path = "scribe.db"
	}
	sqldb, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := Migrate(ctx, sqldb, sqliteMigrations, logger); err != nil {
		sqldb.Close()
		return nil, err
	}
	return &SQLiteLog{db: sqldb}, nil
}

func (l *SQLiteLog) Append(ctx context.Context, e Entry) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO transcripts (session_id, started_at, ended_at, text) VALUES (?, ?, ?, ?)",
		e.SessionID, e.StartedAt.UTC(), e.EndedAt.UTC(), e.Text,
	)
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

func (l *SQLiteLog) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT id, session_id, started_at, ended_at, text FROM transcripts ORDER BY id",
	)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.StartedAt, &e.EndedAt, &e.Text); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (l *SQLiteLog) Clear(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, "DELETE FROM transcripts"); err != nil {
		return fmt.Errorf("clear transcripts: %w", err)
	}
	return nil
}

func (l *SQLiteLog) Close() error {
	return l.db.Close()
}
