package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PaperEmbedText carries the text fields the paper embedding is built from.
type PaperEmbedText struct {
	ID         int64
	Title      string
	Abstract   string
	Conclusion string
}

// ConceptEmbedText carries the text fields the concept embedding is built from.
type ConceptEmbedText struct {
	ID          string
	Name        string
	Description string
}

// PaperVector is one (paper, vector) row for a model label.
type PaperVector struct {
	ID  int64
	Vec []float32
}

// ConceptVector is one (concept, vector) row for a model label.
type ConceptVector struct {
	ID  string
	Vec []float32
}

type EmbeddingRepository struct {
	db *pgxpool.Pool
}

func NewEmbeddingRepository(db *pgxpool.Pool) *EmbeddingRepository {
	return &EmbeddingRepository{db: db}
}

// UnembeddedPapers selects papers with no embedding under the given model
// label, ordered by id. limit <= 0 means no cap.
func (r *EmbeddingRepository) UnembeddedPapers(ctx context.Context, model string, limit int) ([]PaperEmbedText, error) {
	q := `
		SELECT p.id, p.title, COALESCE(p.abstract, ''), COALESCE(p.conclusion, '')
		FROM papers p
		LEFT JOIN paper_embeddings e ON e.paper_id = p.id AND e.model_name = $1
		WHERE e.paper_id IS NULL
		ORDER BY p.id`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := r.db.Query(ctx, q, model)
	if err != nil {
		return nil, fmt.Errorf("select unembedded papers: %w", err)
	}
	defer rows.Close()

	var out []PaperEmbedText
	for rows.Next() {
		var p PaperEmbedText
		if err := rows.Scan(&p.ID, &p.Title, &p.Abstract, &p.Conclusion); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UnembeddedConcepts selects concepts with no embedding under the given model
// label, ordered by id. limit <= 0 means no cap.
func (r *EmbeddingRepository) UnembeddedConcepts(ctx context.Context, model string, limit int) ([]ConceptEmbedText, error) {
	q := `
		SELECT c.id, c.name, COALESCE(c.description, '')
		FROM concepts c
		LEFT JOIN concept_embeddings e ON e.concept_id = c.id AND e.model_name = $1
		WHERE e.concept_id IS NULL
		ORDER BY c.id`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := r.db.Query(ctx, q, model)
	if err != nil {
		return nil, fmt.Errorf("select unembedded concepts: %w", err)
	}
	defer rows.Close()

	var out []ConceptEmbedText
	for rows.Next() {
		var c ConceptEmbedText
		if err := rows.Scan(&c.ID, &c.Name, &c.Description); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertPaperEmbeddings upserts one batch in a single transaction, so a
// crash loses at most the current batch.
func (r *EmbeddingRepository) InsertPaperEmbeddings(ctx context.Context, model string, vectors []PaperVector) error {
	if len(vectors) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, v := range vectors {
		batch.Queue(`
			INSERT INTO paper_embeddings (paper_id, model_name, embedding_vec, created_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (paper_id, model_name) DO UPDATE SET
				embedding_vec = EXCLUDED.embedding_vec,
				created_at = NOW()`,
			v.ID, model, pgvector.NewVector(v.Vec))
	}
	if err := flushBatch(ctx, tx, batch, len(vectors)); err != nil {
		return fmt.Errorf("insert paper embeddings: %w", err)
	}
	return tx.Commit(ctx)
}

// InsertConceptEmbeddings upserts one batch in a single transaction.
func (r *EmbeddingRepository) InsertConceptEmbeddings(ctx context.Context, model string, vectors []ConceptVector) error {
	if len(vectors) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, v := range vectors {
		batch.Queue(`
			INSERT INTO concept_embeddings (concept_id, model_name, embedding_vec, created_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (concept_id, model_name) DO UPDATE SET
				embedding_vec = EXCLUDED.embedding_vec,
				created_at = NOW()`,
			v.ID, model, pgvector.NewVector(v.Vec))
	}
	if err := flushBatch(ctx, tx, batch, len(vectors)); err != nil {
		return fmt.Errorf("insert concept embeddings: %w", err)
	}
	return tx.Commit(ctx)
}

func flushBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch, n int) error {
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// CountPaperEmbeddings returns the row count, across all labels when model
// is empty.
func (r *EmbeddingRepository) CountPaperEmbeddings(ctx context.Context, model string) (int64, error) {
	return r.countEmbeddings(ctx, "paper_embeddings", model)
}

// CountConceptEmbeddings returns the row count, across all labels when model
// is empty.
func (r *EmbeddingRepository) CountConceptEmbeddings(ctx context.Context, model string) (int64, error) {
	return r.countEmbeddings(ctx, "concept_embeddings", model)
}

func (r *EmbeddingRepository) countEmbeddings(ctx context.Context, table, model string) (int64, error) {
	var n int64
	var err error
	if model == "" {
		err = r.db.QueryRow(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n)
	} else {
		err = r.db.QueryRow(ctx, `SELECT COUNT(*) FROM `+table+` WHERE model_name = $1`, model).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
