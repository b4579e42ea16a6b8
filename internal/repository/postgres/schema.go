package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the vector extension and all tables if absent.
// Vector columns are sized to dim, so changing EMBED_DIM requires a reset.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool, dim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS papers (
			id               BIGSERIAL PRIMARY KEY,
			title            TEXT NOT NULL,
			abstract         TEXT,
			conclusion       TEXT,
			year             INT,
			publication_date TEXT,
			doi              TEXT UNIQUE,
			field            TEXT,
			language         TEXT,
			referenced_works TEXT[],
			concepts         JSONB NOT NULL DEFAULT '{}'::jsonb,
			external_ids     JSONB NOT NULL DEFAULT '{}'::jsonb,
			source_id        TEXT,
			publisher_id     TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_papers_openalex
			ON papers ((external_ids->>'openalex'))
			WHERE external_ids ? 'openalex'`,
		`CREATE INDEX IF NOT EXISTS idx_papers_concepts ON papers USING GIN (concepts)`,
		`CREATE INDEX IF NOT EXISTS idx_papers_source ON papers (source_id)`,

		`CREATE TABLE IF NOT EXISTS authors (
			id                      BIGSERIAL PRIMARY KEY,
			full_name               TEXT NOT NULL,
			orcid                   TEXT UNIQUE,
			works_count             BIGINT NOT NULL DEFAULT 0,
			cited_by_count          BIGINT NOT NULL DEFAULT 0,
			affiliations            JSONB NOT NULL DEFAULT '[]'::jsonb,
			last_known_institutions JSONB NOT NULL DEFAULT '[]'::jsonb,
			topics                  JSONB NOT NULL DEFAULT '[]'::jsonb,
			external_ids            JSONB NOT NULL DEFAULT '{}'::jsonb
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_authors_openalex
			ON authors ((external_ids->>'openalex'))
			WHERE external_ids ? 'openalex'`,

		`CREATE TABLE IF NOT EXISTS concepts (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			level            INT NOT NULL DEFAULT 0,
			description      TEXT,
			works_count      BIGINT NOT NULL DEFAULT 0,
			cited_by_count   BIGINT NOT NULL DEFAULT 0,
			related_concepts JSONB NOT NULL DEFAULT '[]'::jsonb
		)`,

		`CREATE TABLE IF NOT EXISTS sources (
			id                     TEXT PRIMARY KEY,
			name                   TEXT NOT NULL,
			source_type            TEXT,
			host_organization_id   TEXT,
			host_organization_name TEXT,
			country_code           TEXT,
			issn_l                 TEXT,
			issn                   TEXT[],
			is_oa                  BOOLEAN NOT NULL DEFAULT FALSE,
			is_in_doaj             BOOLEAN NOT NULL DEFAULT FALSE,
			works_count            BIGINT NOT NULL DEFAULT 0,
			cited_by_count         BIGINT NOT NULL DEFAULT 0,
			homepage_url           TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS paper_authors (
			paper_id         BIGINT NOT NULL REFERENCES papers(id) ON DELETE CASCADE,
			author_id        BIGINT NOT NULL REFERENCES authors(id) ON DELETE CASCADE,
			author_order     INT NOT NULL,
			is_corresponding BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (paper_id, author_id)
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS paper_embeddings (
			paper_id      BIGINT NOT NULL REFERENCES papers(id) ON DELETE CASCADE,
			model_name    TEXT NOT NULL,
			embedding_vec vector(%d) NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (paper_id, model_name)
		)`, dim),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS concept_embeddings (
			concept_id    TEXT NOT NULL REFERENCES concepts(id) ON DELETE CASCADE,
			model_name    TEXT NOT NULL,
			embedding_vec vector(%d) NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (concept_id, model_name)
		)`, dim),

		`CREATE TABLE IF NOT EXISTS openalex_ingested_concepts (
			concept_id       TEXT PRIMARY KEY,
			pages_ingested   INT NOT NULL DEFAULT 0,
			last_ingested_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// DropAll removes every table and index owned by the schema. Used by
// migrate -force.
func DropAll(ctx context.Context, db *pgxpool.Pool) error {
	tables := []string{
		"paper_embeddings",
		"concept_embeddings",
		"paper_authors",
		"openalex_ingested_concepts",
		"papers",
		"authors",
		"concepts",
		"sources",
	}
	for _, t := range tables {
		if _, err := db.Exec(ctx, "DROP TABLE IF EXISTS "+t+" CASCADE"); err != nil {
			return fmt.Errorf("drop %s: %w", t, err)
		}
	}
	return nil
}
