package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IngestedConcept is the ingestion cursor row for one concept.
type IngestedConcept struct {
	ConceptID      string
	PagesIngested  int
	LastIngestedAt time.Time
}

type CursorRepository struct {
	db *pgxpool.Pool
}

func NewCursorRepository(db *pgxpool.Pool) *CursorRepository {
	return &CursorRepository{db: db}
}

// EnsureTable creates the cursor table. Called once before the worker pool
// starts so no worker ever issues DDL.
func (r *CursorRepository) EnsureTable(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS openalex_ingested_concepts (
			concept_id       TEXT PRIMARY KEY,
			pages_ingested   INT NOT NULL DEFAULT 0,
			last_ingested_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("ensure cursor table: %w", err)
	}
	return nil
}

// IngestedSet returns the concept ids already recorded as ingested, for
// skip-existing filtering.
func (r *CursorRepository) IngestedSet(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.Query(ctx, `SELECT concept_id FROM openalex_ingested_concepts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// Get returns the cursor for one concept, or nil when never ingested.
func (r *CursorRepository) Get(ctx context.Context, conceptID string) (*IngestedConcept, error) {
	var ic IngestedConcept
	err := r.db.QueryRow(ctx, `
		SELECT concept_id, pages_ingested, last_ingested_at
		FROM openalex_ingested_concepts WHERE concept_id = $1`, conceptID).
		Scan(&ic.ConceptID, &ic.PagesIngested, &ic.LastIngestedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &ic, nil
}

// Mark upserts a cursor outside any work transaction. Used when a concept
// yields zero works so there is no transaction to piggyback on.
func (r *CursorRepository) Mark(ctx context.Context, conn *pgxpool.Conn, conceptID string, pages int) error {
	q := `
		INSERT INTO openalex_ingested_concepts (concept_id, pages_ingested, last_ingested_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (concept_id) DO UPDATE SET
			pages_ingested = EXCLUDED.pages_ingested,
			last_ingested_at = NOW()`
	var err error
	if conn != nil {
		_, err = conn.Exec(ctx, q, conceptID, pages)
	} else {
		_, err = r.db.Exec(ctx, q, conceptID, pages)
	}
	if err != nil {
		return fmt.Errorf("mark concept %s ingested: %w", conceptID, err)
	}
	return nil
}
