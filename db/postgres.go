package db

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed db_init.sql
var initSQL string

type PostgresLog struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, databaseURL string, logger *log.Logger) (*PostgresLog, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("postgres transcript store needs DATABASE_URL")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx, initSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to execute embedded db_init.sql: %w", err)
	}
	logger.Info("postgres", "tables", "ready")
	return &PostgresLog{pool: pool}, nil
}

func (l *PostgresLog) Append(ctx context.Context, e Entry) error {
	_, err := l.pool.Exec(ctx,
		"INSERT INTO transcripts (session_id, started_at, ended_at, text) VALUES ($1, $2, $3, $4)",
		e.SessionID, e.StartedAt, e.EndedAt, e.Text,
	)
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

func (l *PostgresLog) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := l.pool.Query(ctx,
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

func (l *PostgresLog) Clear(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, "DELETE FROM transcripts"); err != nil {
		return fmt.Errorf("clear transcripts: %w", err)
	}
	return nil
}

func (l *PostgresLog) Close() error {
	l.pool.Close()
	return nil
}
