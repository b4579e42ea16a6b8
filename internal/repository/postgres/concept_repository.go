package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/litscout/backend/internal/domain"
)

type ConceptRepository struct {
	db *pgxpool.Pool
}

func NewConceptRepository(db *pgxpool.Pool) *ConceptRepository {
	return &ConceptRepository{db: db}
}

// Upsert writes a full concept record, replacing the stub columns the work
// ingestion leaves behind.
func (r *ConceptRepository) Upsert(ctx context.Context, conn *pgxpool.Conn, c *domain.Concept) error {
	relatedJSON, err := json.Marshal(c.RelatedConcepts)
	if err != nil {
		return fmt.Errorf("marshal related_concepts: %w", err)
	}

	q := `
		INSERT INTO concepts
			(id, name, level, description, works_count, cited_by_count, related_concepts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			level = EXCLUDED.level,
			description = EXCLUDED.description,
			works_count = EXCLUDED.works_count,
			cited_by_count = EXCLUDED.cited_by_count,
			related_concepts = EXCLUDED.related_concepts`

	if conn != nil {
		_, err = conn.Exec(ctx, q, c.ID, c.Name, c.Level, c.Description, c.WorksCount, c.CitedByCount, relatedJSON)
	} else {
		_, err = r.db.Exec(ctx, q, c.ID, c.Name, c.Level, c.Description, c.WorksCount, c.CitedByCount, relatedJSON)
	}
	if err != nil {
		return fmt.Errorf("upsert concept %s: %w", c.ID, err)
	}
	return nil
}

// IDsMissingDetails lists concepts that only exist as ingestion stubs
// (no description and zero counts); the concept enrichment pass fills them.
func (r *ConceptRepository) IDsMissingDetails(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id FROM concepts
		WHERE (description IS NULL OR description = '') AND works_count = 0
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

// Count returns the concepts row count.
func (r *ConceptRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM concepts`).Scan(&n)
	return n, err
}
