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

type PaperRepository struct {
	db *pgxpool.Pool
}

func NewPaperRepository(db *pgxpool.Pool) *PaperRepository {
	return &PaperRepository{db: db}
}

// CursorMark requests an openalex_ingested_concepts upsert inside the same
// transaction as the work it accompanies.
type CursorMark struct {
	ConceptID     string
	PagesIngested int
}

// UpsertWork writes one normalized work atomically: the paper row, concept
// stubs, author rows, and associations commit or roll back together. cursor,
// when non-nil, is upserted in the same transaction (set on the last work of
// the final page so a crash re-ingests at most one page).
//
// Papers are keyed by DOI when present, else by the openalex external id.
// On conflict the metadata is refreshed, external_ids are merged as a union
// of namespaces, and source linkage is filled only when previously null.
func (r *PaperRepository) UpsertWork(ctx context.Context, conn *pgxpool.Conn, w *domain.Work, cursor *CursorMark) (int64, error) {
	tx, err := begin(ctx, r.db, conn)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	paperID, err := upsertPaperTx(ctx, tx, w)
	if err != nil {
		return 0, err
	}

	if err := upsertConceptStubsTx(ctx, tx, w.Concepts); err != nil {
		return 0, err
	}

	if err := upsertWorkAuthorsTx(ctx, tx, paperID, w.Authors); err != nil {
		return 0, err
	}

	if cursor != nil {
		if err := markConceptIngestedTx(ctx, tx, cursor.ConceptID, cursor.PagesIngested); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit work: %w", err)
	}
	return paperID, nil
}

func begin(ctx context.Context, pool *pgxpool.Pool, conn *pgxpool.Conn) (pgx.Tx, error) {
	if conn != nil {
		return conn.Begin(ctx)
	}
	return pool.Begin(ctx)
}

func upsertPaperTx(ctx context.Context, tx pgx.Tx, w *domain.Work) (int64, error) {
	conceptsJSON, err := json.Marshal(w.Concepts)
	if err != nil {
		return 0, fmt.Errorf("marshal concepts: %w", err)
	}
	extJSON, err := json.Marshal(w.ExternalIDs)
	if err != nil {
		return 0, fmt.Errorf("marshal external_ids: %w", err)
	}

	paperID, err := findPaperTx(ctx, tx, w.DOI, w.OpenAlexID())
	if err != nil {
		return 0, err
	}

	if paperID != 0 {
		_, err = tx.Exec(ctx, `
			UPDATE papers SET
				title = $2,
				abstract = CASE WHEN $3 <> '' THEN $3 ELSE papers.abstract END,
				conclusion = CASE WHEN $4 <> '' THEN $4 ELSE papers.conclusion END,
				year = COALESCE($5, papers.year),
				publication_date = CASE WHEN $6 <> '' THEN $6 ELSE papers.publication_date END,
				doi = COALESCE(papers.doi, NULLIF($7, '')),
				field = CASE WHEN $8 <> '' THEN $8 ELSE papers.field END,
				language = CASE WHEN $9 <> '' THEN $9 ELSE papers.language END,
				referenced_works = $10,
				concepts = $11,
				external_ids = papers.external_ids || $12::jsonb,
				source_id = COALESCE(papers.source_id, NULLIF($13, '')),
				publisher_id = COALESCE(papers.publisher_id, NULLIF($14, ''))
			WHERE id = $1`,
			paperID, w.Title, w.Abstract, w.Conclusion, w.Year, w.PublicationDate, w.DOI,
			w.Field, w.Language, w.ReferencedWorks, conceptsJSON, extJSON,
			w.SourceID, w.PublisherID,
		)
		if err != nil {
			return 0, fmt.Errorf("update paper %d: %w", paperID, err)
		}
		return paperID, nil
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO papers
			(title, abstract, conclusion, year, publication_date, doi, field,
			 language, referenced_works, concepts, external_ids, source_id, publisher_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11,
			NULLIF($12, ''), NULLIF($13, ''))
		RETURNING id`,
		w.Title, w.Abstract, w.Conclusion, w.Year, w.PublicationDate, w.DOI, w.Field,
		w.Language, w.ReferencedWorks, conceptsJSON, extJSON,
		w.SourceID, w.PublisherID,
	).Scan(&paperID)
	if err != nil {
		return 0, fmt.Errorf("insert paper: %w", err)
	}
	return paperID, nil
}

func findPaperTx(ctx context.Context, tx pgx.Tx, doi, openalexID string) (int64, error) {
	var id int64
	if doi != "" {
		err := tx.QueryRow(ctx, `SELECT id FROM papers WHERE doi = $1`, doi).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("lookup paper by doi: %w", err)
		}
	}
	if openalexID != "" {
		err := tx.QueryRow(ctx, `SELECT id FROM papers WHERE external_ids->>'openalex' = $1`, openalexID).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("lookup paper by openalex id: %w", err)
		}
	}
	return 0, nil
}

func upsertConceptStubsTx(ctx context.Context, tx pgx.Tx, concepts map[string]domain.ConceptRef) error {
	if len(concepts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for id, ref := range concepts {
		batch.Queue(`
			INSERT INTO concepts (id, name, level)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				level = EXCLUDED.level`,
			id, ref.Name, ref.Level)
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range concepts {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert concept stub: %w", err)
		}
	}
	return nil
}

func upsertWorkAuthorsTx(ctx context.Context, tx pgx.Tx, paperID int64, authors []domain.WorkAuthor) error {
	for _, a := range authors {
		authorID, err := upsertAuthorStubTx(ctx, tx, &a)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO paper_authors (paper_id, author_id, author_order, is_corresponding)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (paper_id, author_id) DO UPDATE SET
				author_order = EXCLUDED.author_order,
				is_corresponding = EXCLUDED.is_corresponding`,
			paperID, authorID, a.Order, a.IsCorresponding)
		if err != nil {
			return fmt.Errorf("link author %d to paper %d: %w", authorID, paperID, err)
		}
	}
	return nil
}

func upsertAuthorStubTx(ctx context.Context, tx pgx.Tx, a *domain.WorkAuthor) (int64, error) {
	extJSON, err := json.Marshal(a.ExternalIDs)
	if err != nil {
		return 0, fmt.Errorf("marshal author external_ids: %w", err)
	}

	var id int64
	if a.Orcid != "" {
		err = tx.QueryRow(ctx, `SELECT id FROM authors WHERE orcid = $1`, a.Orcid).Scan(&id)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("lookup author by orcid: %w", err)
		}
	}
	if id == 0 {
		if oa := a.ExternalIDs["openalex"]; oa != "" {
			err = tx.QueryRow(ctx, `SELECT id FROM authors WHERE external_ids->>'openalex' = $1`, oa).Scan(&id)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return 0, fmt.Errorf("lookup author by openalex id: %w", err)
			}
		}
	}

	if id != 0 {
		_, err = tx.Exec(ctx, `
			UPDATE authors SET
				full_name = $2,
				orcid = COALESCE(authors.orcid, NULLIF($3, '')),
				external_ids = authors.external_ids || $4::jsonb
			WHERE id = $1`,
			id, a.FullName, a.Orcid, extJSON)
		if err != nil {
			return 0, fmt.Errorf("update author %d: %w", id, err)
		}
		return id, nil
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO authors (full_name, orcid, external_ids)
		VALUES ($1, NULLIF($2, ''), $3)
		RETURNING id`,
		a.FullName, a.Orcid, extJSON,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert author: %w", err)
	}
	return id, nil
}

func markConceptIngestedTx(ctx context.Context, tx pgx.Tx, conceptID string, pages int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO openalex_ingested_concepts (concept_id, pages_ingested, last_ingested_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (concept_id) DO UPDATE SET
			pages_ingested = EXCLUDED.pages_ingested,
			last_ingested_at = NOW()`,
		conceptID, pages)
	if err != nil {
		return fmt.Errorf("mark concept %s ingested: %w", conceptID, err)
	}
	return nil
}

// ─── Selections for enrichment, verify, and source backfill ─────────────────

// Count returns the papers row count.
func (r *PaperRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM papers`).Scan(&n)
	return n, err
}

// OpenAlexIDsNeedingVerify lists the provider ids of papers whose abstract
// or concept map is still empty; the verify pass re-fetches these.
func (r *PaperRepository) OpenAlexIDsNeedingVerify(ctx context.Context, limit int) ([]string, error) {
	q := `
		SELECT external_ids->>'openalex'
		FROM papers
		WHERE external_ids ? 'openalex'
		  AND (abstract IS NULL OR abstract = '' OR concepts = '{}'::jsonb)
		ORDER BY id`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	return r.stringColumn(ctx, q)
}

// OpenAlexIDs lists the provider ids of all papers, optionally restricted to
// papers tagged with any of the given concept ids.
func (r *PaperRepository) OpenAlexIDs(ctx context.Context, conceptIDs []string) ([]string, error) {
	if len(conceptIDs) == 0 {
		return r.stringColumn(ctx, `
			SELECT external_ids->>'openalex' FROM papers
			WHERE external_ids ? 'openalex' ORDER BY id`)
	}
	rows, err := r.db.Query(ctx, `
		SELECT external_ids->>'openalex' FROM papers
		WHERE external_ids ? 'openalex' AND concepts ?| $1
		ORDER BY id`, conceptIDs)
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

// OpenAlexIDsMissingSource lists provider ids of papers without source
// linkage; phase one of the source backfill resolves these via batched
// works-by-id lookups.
func (r *PaperRepository) OpenAlexIDsMissingSource(ctx context.Context) ([]string, error) {
	return r.stringColumn(ctx, `
		SELECT external_ids->>'openalex' FROM papers
		WHERE external_ids ? 'openalex' AND source_id IS NULL
		ORDER BY id`)
}

// SetSource fills the source/publisher linkage of a paper identified by its
// provider id, without touching rows already linked.
func (r *PaperRepository) SetSource(ctx context.Context, conn *pgxpool.Conn, openalexID, sourceID, publisherID string) error {
	q := `
		UPDATE papers SET
			source_id = COALESCE(source_id, NULLIF($2, '')),
			publisher_id = COALESCE(publisher_id, NULLIF($3, ''))
		WHERE external_ids->>'openalex' = $1`
	var err error
	if conn != nil {
		_, err = conn.Exec(ctx, q, openalexID, sourceID, publisherID)
	} else {
		_, err = r.db.Exec(ctx, q, openalexID, sourceID, publisherID)
	}
	if err != nil {
		return fmt.Errorf("set source for %s: %w", openalexID, err)
	}
	return nil
}

func (r *PaperRepository) stringColumn(ctx context.Context, q string) ([]string, error) {
	rows, err := r.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

func collectStrings(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s *string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		if s != nil && *s != "" {
			out = append(out, *s)
		}
	}
	return out, rows.Err()
}
