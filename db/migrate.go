package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
)

type Migration struct {
	ID          string
	Description string
	Up          func(*sql.Tx) error
}

var sqliteMigrations = []Migration{
	{
		ID:          "001_transcripts",
		Description: "Create transcripts table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS transcripts (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					session_id TEXT NOT NULL,
					started_at DATETIME NOT NULL,
					ended_at DATETIME NOT NULL,
					text TEXT NOT NULL
				)
			`)
			return err
		},
	},
	{
		ID:          "002_transcripts_session_index",
		Description: "Index transcripts by session",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS transcripts_session_id ON transcripts (session_id)`)
			return err
		},
	},
}

func Migrate(ctx context.Context, db *sql.DB, migrations []Migration, logger *log.Logger) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migration_history (
			id TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("error creating migration_history table: %w", err)
	}

	for _, migration := range migrations {
		var applied bool
		err := db.QueryRowContext(ctx, "SELECT 1 FROM migration_history WHERE id = ?", migration.ID).Scan(&applied)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("error checking migration status: %w", err)
		}
		if applied {
			logger.Debug("skipping migration", "id", migration.ID)
			continue
		}

		logger.Info("applying migration", "id", migration.ID, "description", migration.Description)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("error starting transaction: %w", err)
		}
		if err := migration.Up(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("error applying migration %s: %w", migration.ID, err)
		}
		if _, err := tx.Exec("INSERT INTO migration_history (id) VALUES (?)", migration.ID); err != nil {
			tx.Rollback()
			return fmt.Errorf("error recording migration %s: %w", migration.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("error committing migration %s: %w", migration.ID, err)
		}
	}
	return nil
}
