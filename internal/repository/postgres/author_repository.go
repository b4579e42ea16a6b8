package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/litscout/backend/internal/domain"
)

type AuthorRepository struct {
	db *pgxpool.Pool
}

func NewAuthorRepository(db *pgxpool.Pool) *AuthorRepository {
	return &AuthorRepository{db: db}
}

// OpenAlexIDs lists the provider ids of all stored authors, the input of the
// author enrichment pass.
func (r *AuthorRepository) OpenAlexIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT external_ids->>'openalex' FROM authors
		WHERE external_ids ? 'openalex'
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

// UpsertDetails rewrites an author row from a fresh provider fetch: name,
// counts, affiliations, institutions, topics. ORCID is the strongest key,
// then the openalex external id; external_ids merge as a union.
func (r *AuthorRepository) UpsertDetails(ctx context.Context, conn *pgxpool.Conn, a *domain.AuthorDetails) error {
	affJSON, err := json.Marshal(a.Affiliations)
	if err != nil {
		return fmt.Errorf("marshal affiliations: %w", err)
	}
	lkiJSON, err := json.Marshal(a.LastKnownInstitutions)
	if err != nil {
		return fmt.Errorf("marshal last_known_institutions: %w", err)
	}
	topicsJSON, err := json.Marshal(a.Topics)
	if err != nil {
		return fmt.Errorf("marshal topics: %w", err)
	}
	extJSON, err := json.Marshal(a.ExternalIDs)
	if err != nil {
		return fmt.Errorf("marshal external_ids: %w", err)
	}

	tx, err := begin(ctx, r.db, conn)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	if a.Orcid != "" {
		err = tx.QueryRow(ctx, `SELECT id FROM authors WHERE orcid = $1`, a.Orcid).Scan(&id)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lookup author by orcid: %w", err)
		}
	}
	if id == 0 {
		if oa := a.ExternalIDs["openalex"]; oa != "" {
			err = tx.QueryRow(ctx, `SELECT id FROM authors WHERE external_ids->>'openalex' = $1`, oa).Scan(&id)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("lookup author by openalex id: %w", err)
			}
		}
	}

	if id != 0 {
		_, err = tx.Exec(ctx, `
			UPDATE authors SET
				full_name = $2,
				orcid = COALESCE(authors.orcid, NULLIF($3, '')),
				works_count = $4,
				cited_by_count = $5,
				affiliations = $6,
				last_known_institutions = $7,
				topics = $8,
				external_ids = authors.external_ids || $9::jsonb
			WHERE id = $1`,
			id, a.FullName, a.Orcid, a.WorksCount, a.CitedByCount,
			affJSON, lkiJSON, topicsJSON, extJSON)
		if err != nil {
			return fmt.Errorf("update author %d: %w", id, err)
		}
	} else {
		_, err = tx.Exec(ctx, `
			INSERT INTO authors
				(full_name, orcid, works_count, cited_by_count,
				 affiliations, last_known_institutions, topics, external_ids)
			VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8)`,
			a.FullName, a.Orcid, a.WorksCount, a.CitedByCount,
			affJSON, lkiJSON, topicsJSON, extJSON)
		if err != nil {
			return fmt.Errorf("insert author: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit author: %w", err)
	}
	return nil
}
