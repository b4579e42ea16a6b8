package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/litscout/backend/internal/domain"
)

// AnnPaperHit is one nearest-neighbor result over paper embeddings.
type AnnPaperHit struct {
	PaperID  int64
	Distance float64
}

// AnnConceptHit is one nearest-neighbor result over concept embeddings.
type AnnConceptHit struct {
	ConceptID string
	Distance  float64
}

// ConceptPaperMatch is one (concept, paper) row of the concept-mediated
// candidate set, with the paper's provider-assigned score for that concept.
type ConceptPaperMatch struct {
	PaperID       int64
	ConceptID     string
	ConceptScore  float64
	MatchingScore float64
	Meta          domain.PaperMeta
}

type SearchRepository struct {
	db *pgxpool.Pool
}

func NewSearchRepository(db *pgxpool.Pool) *SearchRepository {
	return &SearchRepository{db: db}
}

// ─── ANN reads ──────────────────────────────────────────────────────────────

// AnnSearchPapers runs L2 nearest-neighbor over paper embeddings for one
// model label, ordered by distance ascending. probes is applied with a
// session-local override inside the read transaction.
func (r *SearchRepository) AnnSearchPapers(ctx context.Context, query []float32, model string, limit, offset, probes int) ([]AnnPaperHit, error) {
	rows, err := r.annQuery(ctx, probes, `
		SELECT paper_id, embedding_vec <-> $1 AS distance
		FROM paper_embeddings
		WHERE model_name = $2
		ORDER BY embedding_vec <-> $1
		LIMIT $3 OFFSET $4`,
		pgvector.NewVector(query), model, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ann papers: %w", err)
	}
	return scanPaperHits(rows)
}

// AnnSearchPapersByIDs computes distances for a fixed id set, used by the
// hybrid backfill for papers that only surfaced on the concept side.
func (r *SearchRepository) AnnSearchPapersByIDs(ctx context.Context, query []float32, model string, ids []int64) ([]AnnPaperHit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT paper_id, embedding_vec <-> $1 AS distance
		FROM paper_embeddings
		WHERE model_name = $2 AND paper_id = ANY($3)
		ORDER BY embedding_vec <-> $1`,
		pgvector.NewVector(query), model, ids)
	if err != nil {
		return nil, fmt.Errorf("ann papers by ids: %w", err)
	}
	return scanPaperHits(rows)
}

// AnnSearchConcepts runs L2 nearest-neighbor over concept embeddings.
func (r *SearchRepository) AnnSearchConcepts(ctx context.Context, query []float32, model string, limit, offset, probes int) ([]AnnConceptHit, error) {
	rows, err := r.annQuery(ctx, probes, `
		SELECT concept_id, embedding_vec <-> $1 AS distance
		FROM concept_embeddings
		WHERE model_name = $2
		ORDER BY embedding_vec <-> $1
		LIMIT $3 OFFSET $4`,
		pgvector.NewVector(query), model, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ann concepts: %w", err)
	}
	defer rows.Close()

	var out []AnnConceptHit
	for rows.Next() {
		var h AnnConceptHit
		if err := rows.Scan(&h.ConceptID, &h.Distance); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// annQuery wraps an ANN SELECT in a transaction so SET LOCAL ivfflat.probes
// scopes to exactly this read. Rows are drained before commit.
func (r *SearchRepository) annQuery(ctx context.Context, probes int, q string, args ...any) (pgx.Rows, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}

	if probes > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL ivfflat.probes = %d", probes)); err != nil {
			tx.Rollback(ctx)
			return nil, fmt.Errorf("set probes: %w", err)
		}
	}

	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	return &txRows{Rows: rows, tx: tx, ctx: ctx}, nil
}

// txRows commits the wrapping transaction once the row set is closed.
type txRows struct {
	pgx.Rows
	tx  pgx.Tx
	ctx context.Context
}

func (t *txRows) Close() {
	t.Rows.Close()
	if t.Rows.Err() != nil {
		t.tx.Rollback(t.ctx)
		return
	}
	t.tx.Commit(t.ctx)
}

func scanPaperHits(rows pgx.Rows) ([]AnnPaperHit, error) {
	defer rows.Close()
	var out []AnnPaperHit
	for rows.Next() {
		var h AnnPaperHit
		if err := rows.Scan(&h.PaperID, &h.Distance); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ─── Concept-mediated candidate set ─────────────────────────────────────────

// PapersByConcepts joins a ranked concept list against the papers' concept
// maps, keeping at most perConcept papers per concept ordered by
// matching_score = concept_similarity × concept_score_in_paper.
func (r *SearchRepository) PapersByConcepts(ctx context.Context, conceptIDs []string, similarities []float64, perConcept int) ([]ConceptPaperMatch, error) {
	if len(conceptIDs) == 0 || len(conceptIDs) != len(similarities) {
		return nil, nil
	}

	rows, err := r.db.Query(ctx, `
		WITH q AS (
			SELECT unnest($1::text[]) AS concept_id,
			       unnest($2::float8[]) AS similarity
		),
		matches AS (
			SELECT p.id AS paper_id,
			       q.concept_id,
			       (p.concepts->q.concept_id->>'score')::float8 AS concept_score,
			       q.similarity * (p.concepts->q.concept_id->>'score')::float8 AS matching_score,
			       p.title,
			       COALESCE(p.abstract, '') AS abstract,
			       p.external_ids,
			       COALESCE(p.source_id, '') AS source_id,
			       ROW_NUMBER() OVER (
			           PARTITION BY q.concept_id
			           ORDER BY q.similarity * (p.concepts->q.concept_id->>'score')::float8 DESC
			       ) AS rn
			FROM papers p
			JOIN q ON p.concepts ? q.concept_id
		)
		SELECT paper_id, concept_id, concept_score, matching_score,
		       title, abstract, external_ids, source_id
		FROM matches
		WHERE rn <= $3
		ORDER BY concept_id, matching_score DESC`,
		conceptIDs, similarities, perConcept)
	if err != nil {
		return nil, fmt.Errorf("papers by concepts: %w", err)
	}
	defer rows.Close()

	var out []ConceptPaperMatch
	for rows.Next() {
		var m ConceptPaperMatch
		var extRaw []byte
		if err := rows.Scan(&m.PaperID, &m.ConceptID, &m.ConceptScore, &m.MatchingScore,
			&m.Meta.Title, &m.Meta.Abstract, &extRaw, &m.Meta.SourceID); err != nil {
			return nil, err
		}
		m.Meta.PaperID = m.PaperID
		if len(extRaw) > 0 {
			if err := json.Unmarshal(extRaw, &m.Meta.ExternalIDs); err != nil {
				return nil, fmt.Errorf("decode external_ids for paper %d: %w", m.PaperID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PapersConceptsBlob loads the per-paper concept maps for hybrid rescoring.
func (r *SearchRepository) PapersConceptsBlob(ctx context.Context, paperIDs []int64) (map[int64]map[string]domain.ConceptRef, error) {
	if len(paperIDs) == 0 {
		return map[int64]map[string]domain.ConceptRef{}, nil
	}
	rows, err := r.db.Query(ctx, `SELECT id, concepts FROM papers WHERE id = ANY($1)`, paperIDs)
	if err != nil {
		return nil, fmt.Errorf("papers concepts blob: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]map[string]domain.ConceptRef, len(paperIDs))
	for rows.Next() {
		var id int64
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		m := map[string]domain.ConceptRef{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &m); err != nil {
				return nil, fmt.Errorf("decode concepts for paper %d: %w", id, err)
			}
		}
		out[id] = m
	}
	return out, rows.Err()
}

// PaperMetaByIDs loads display metadata for a result page.
func (r *SearchRepository) PaperMetaByIDs(ctx context.Context, paperIDs []int64) (map[int64]domain.PaperMeta, error) {
	if len(paperIDs) == 0 {
		return map[int64]domain.PaperMeta{}, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, title, COALESCE(abstract, ''), external_ids, COALESCE(source_id, '')
		FROM papers WHERE id = ANY($1)`, paperIDs)
	if err != nil {
		return nil, fmt.Errorf("paper meta: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]domain.PaperMeta, len(paperIDs))
	for rows.Next() {
		var m domain.PaperMeta
		var extRaw []byte
		if err := rows.Scan(&m.PaperID, &m.Title, &m.Abstract, &extRaw, &m.SourceID); err != nil {
			return nil, err
		}
		if len(extRaw) > 0 {
			if err := json.Unmarshal(extRaw, &m.ExternalIDs); err != nil {
				return nil, fmt.Errorf("decode external_ids for paper %d: %w", m.PaperID, err)
			}
		}
		out[m.PaperID] = m
	}
	return out, rows.Err()
}

// ConceptMetaByIDs loads name/description for concept search results.
func (r *SearchRepository) ConceptMetaByIDs(ctx context.Context, conceptIDs []string) (map[string]domain.Concept, error) {
	if len(conceptIDs) == 0 {
		return map[string]domain.Concept{}, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, name, level, COALESCE(description, '')
		FROM concepts WHERE id = ANY($1)`, conceptIDs)
	if err != nil {
		return nil, fmt.Errorf("concept meta: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.Concept, len(conceptIDs))
	for rows.Next() {
		var c domain.Concept
		if err := rows.Scan(&c.ID, &c.Name, &c.Level, &c.Description); err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

// PaperAuthorRow is one paper-author association with the author's name,
// used by the author aggregation mode.
type PaperAuthorRow struct {
	PaperID     int64
	AuthorID    int64
	FullName    string
	AuthorOrder int
}

// PaperAuthors lists the associations for a candidate paper set, ordered by
// paper then author_order.
func (r *SearchRepository) PaperAuthors(ctx context.Context, paperIDs []int64) ([]PaperAuthorRow, error) {
	if len(paperIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT pa.paper_id, pa.author_id, a.full_name, pa.author_order
		FROM paper_authors pa
		JOIN authors a ON a.id = pa.author_id
		WHERE pa.paper_id = ANY($1)
		ORDER BY pa.paper_id, pa.author_order`, paperIDs)
	if err != nil {
		return nil, fmt.Errorf("paper authors: %w", err)
	}
	defer rows.Close()

	var out []PaperAuthorRow
	for rows.Next() {
		var pa PaperAuthorRow
		if err := rows.Scan(&pa.PaperID, &pa.AuthorID, &pa.FullName, &pa.AuthorOrder); err != nil {
			return nil, err
		}
		out = append(out, pa)
	}
	return out, rows.Err()
}

// PaperEmbeddingCount returns the number of paper embeddings under a model
// label; search reports it as the result total.
func (r *SearchRepository) PaperEmbeddingCount(ctx context.Context, model string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM paper_embeddings WHERE model_name = $1`, model).Scan(&n)
	return n, err
}

// ConceptEmbeddingCount returns the number of concept embeddings under a
// model label.
func (r *SearchRepository) ConceptEmbeddingCount(ctx context.Context, model string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM concept_embeddings WHERE model_name = $1`, model).Scan(&n)
	return n, err
}

// SourceNames resolves source ids to display names for venue results.
func (r *SearchRepository) SourceNames(ctx context.Context, ids []string) (map[string]string, error) {
	if len(ids) == 0 {
		return map[string]string{}, nil
	}
	rows, err := r.db.Query(ctx, `SELECT id, name FROM sources WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("source names: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string, len(ids))
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = name
	}
	return out, rows.Err()
}

// ─── IVFFLAT index management ───────────────────────────────────────────────

// IndexLists reports the lists build parameter of an index, or ok=false when
// the index does not exist.
func (r *SearchRepository) IndexLists(ctx context.Context, table, index string) (int, bool, error) {
	var lists int
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(
			(SELECT option_value::int
			 FROM pg_options_to_table(ix.reloptions)
			 WHERE option_name = 'lists'), 0)
		FROM pg_class ix
		JOIN pg_index i ON i.indexrelid = ix.oid
		JOIN pg_class t ON t.oid = i.indrelid
		WHERE t.relname = $1 AND ix.relname = $2`,
		table, index).Scan(&lists)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("inspect index %s: %w", index, err)
	}
	return lists, true, nil
}

// CreateIvfflatIndex builds (or rebuilds) the L2 ANN index with the given
// lists parameter.
func (r *SearchRepository) CreateIvfflatIndex(ctx context.Context, table, index string, lists int) error {
	if _, err := r.db.Exec(ctx, "DROP INDEX IF EXISTS "+index); err != nil {
		return fmt.Errorf("drop index %s: %w", index, err)
	}
	q := fmt.Sprintf(
		"CREATE INDEX %s ON %s USING ivfflat (embedding_vec vector_l2_ops) WITH (lists = %d)",
		index, table, lists)
	if _, err := r.db.Exec(ctx, q); err != nil {
		return fmt.Errorf("create index %s: %w", index, err)
	}
	return nil
}

// EmbeddingRowCount returns the live row count of an embeddings table, the
// input of the lists heuristic.
func (r *SearchRepository) EmbeddingRowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
