package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dkeye/Stage/internal/domain"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS presence (
	session_id     TEXT    NOT NULL,
	participant_id INTEGER NOT NULL,
	display_name   TEXT    NOT NULL DEFAULT '',
	updated_at     TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, participant_id)
)`

// SQLite keeps presence records in a sqlite database so they survive a
// server restart.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens dsn and creates the schema when missing.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	// sqlite allows one writer
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	log.Info().Str("module", "store").Str("dsn", dsn).Msg("sqlite presence store ready")
	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Put(ctx context.Context, session domain.SessionID, participant domain.ParticipantID, info domain.PresenceInfo) error {
	query := `INSERT INTO presence (session_id, participant_id, display_name, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, participant_id) DO UPDATE SET display_name = excluded.display_name, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, string(session), int64(participant), info.DisplayName, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to put presence %s/%d: %w", session, participant, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, session domain.SessionID, participant domain.ParticipantID) error {
	query := "DELETE FROM presence WHERE session_id = ? AND participant_id = ?"
	if _, err := s.db.ExecContext(ctx, query, string(session), int64(participant)); err != nil {
		return fmt.Errorf("failed to delete presence %s/%d: %w", session, participant, err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, session domain.SessionID) ([]domain.PresenceRecord, error) {
	query := "SELECT participant_id, display_name, updated_at FROM presence WHERE session_id = ? ORDER BY participant_id"
	rows, err := s.db.QueryContext(ctx, query, string(session))
	if err != nil {
		return nil, fmt.Errorf("failed to query presence for %s: %w", session, err)
	}
	defer rows.Close()

	out := make([]domain.PresenceRecord, 0)
	for rows.Next() {
		var id int64
		var name string
		var updated time.Time
		if err := rows.Scan(&id, &name, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan presence row: %w", err)
		}
		out = append(out, domain.PresenceRecord{
			SessionID:     session,
			ParticipantID: domain.ParticipantID(id),
			DisplayName:   name,
			UpdatedAt:     updated,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating presence for %s: %w", session, err)
	}
	return out, nil
}
