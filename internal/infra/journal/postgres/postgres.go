// Package postgres persists the event journal in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib" // Use pgx via database/sql

	"github.com/vietddude/shepherd/internal/core/domain"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Journal writes events to the source_events table.
type Journal struct {
	db *sqlx.DB
}

// NewJournal opens the database, applies pending migrations and returns the
// journal.
func NewJournal(ctx context.Context, cfg Config) (*Journal, error) {
	db, err := sqlx.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Goose needs the direct *sql.DB which sqlx.DB wraps.
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate db: %w", err)
	}

	return &Journal{db: db}, nil
}

type eventRow struct {
	ID          string         `db:"id"`
	EventType   string         `db:"event_type"`
	SourceID    int64          `db:"source_id"`
	URI         string         `db:"uri"`
	OldState    sql.NullString `db:"old_state"`
	NewState    sql.NullString `db:"new_state"`
	Category    sql.NullString `db:"category"`
	Severity    sql.NullString `db:"severity"`
	Persistence sql.NullString `db:"persistence"`
	Retryable   sql.NullBool   `db:"retryable"`
	Error       sql.NullString `db:"error"`
	EmittedAt   time.Time      `db:"emitted_at"`
}

func (j *Journal) Append(ctx context.Context, ev domain.SourceEvent) error {
	row := eventRow{
		ID:        ev.ID,
		EventType: string(ev.Type),
		SourceID:  int64(ev.SourceID),
		URI:       ev.URI,
		OldState:  nullString(string(ev.OldState)),
		NewState:  nullString(string(ev.NewState)),
		Error:     nullString(ev.Error),
		EmittedAt: ev.EmittedAt,
	}
	if c := ev.Classification; c != nil {
		row.Category = nullString(string(c.Category))
		row.Severity = nullString(string(c.Severity))
		row.Persistence = nullString(string(c.Persistence))
		row.Retryable = sql.NullBool{Bool: c.Retryable, Valid: true}
	}

	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO source_events
			(id, event_type, source_id, uri, old_state, new_state,
			 category, severity, persistence, retryable, error, emitted_at)
		VALUES
			(:id, :event_type, :source_id, :uri, :old_state, :new_state,
			 :category, :severity, :persistence, :retryable, :error, :emitted_at)`,
		row)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (j *Journal) Recent(ctx context.Context, limit int) ([]domain.SourceEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []eventRow
	err := j.db.SelectContext(ctx, &rows, `
		SELECT id, event_type, source_id, uri, old_state, new_state,
		       category, severity, persistence, retryable, error, emitted_at
		FROM source_events
		ORDER BY emitted_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	out := make([]domain.SourceEvent, 0, len(rows))
	for _, r := range rows {
		ev := domain.SourceEvent{
			ID:        r.ID,
			Type:      domain.EventType(r.EventType),
			SourceID:  domain.SourceID(r.SourceID),
			URI:       r.URI,
			OldState:  domain.SourceState(r.OldState.String),
			NewState:  domain.SourceState(r.NewState.String),
			Error:     r.Error.String,
			EmittedAt: r.EmittedAt,
		}
		if r.Category.Valid {
			ev.Classification = &domain.Classification{
				Category:    domain.Category(r.Category.String),
				Severity:    domain.Severity(r.Severity.String),
				Persistence: domain.Persistence(r.Persistence.String),
				Retryable:   r.Retryable.Bool,
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM source_events WHERE emitted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Health checks if the database is reachable.
func (j *Journal) Health(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
