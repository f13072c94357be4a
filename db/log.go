// Package db persists finalized session transcripts, one entry per session.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
)

type Entry struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	Text      string    `json:"text"`
}

// TranscriptLog is an append-only record of finished sessions.
type TranscriptLog interface {
	Append(ctx context.Context, e Entry) error
	Entries(ctx context.Context) ([]Entry, error)
	Clear(ctx context.Context) error
	Close() error
}

// Open returns the log named by kind: "file", "sqlite", "postgres" or
// "none". For "none" the log is nil.
func Open(ctx context.Context, kind, location string, logger *log.Logger) (TranscriptLog, error) {
	if logger == nil {
		logger = log.Default()
	}
	switch kind {
	case "", "file":
		return NewFileLog(location), nil
	case "sqlite":
		l, err := OpenSQLite(ctx, location, logger)
		if err != nil {
			return nil, err
		}
		return l, nil
	case "postgres":
		l, err := OpenPostgres(ctx, location, logger)
		if err != nil {
			return nil, err
		}
		return l, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown transcript store %q", kind)
	}
}
