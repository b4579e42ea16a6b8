// Package embeddings materializes dense vectors for papers and concepts
// under a model label, resumably: only entities with no embedding for the
// label are selected, and every batch commits on its own.
package embeddings

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/litscout/backend/internal/repository/postgres"
	"github.com/litscout/backend/pkg/encoder"
)

const (
	DefaultBatchSize = 64

	encodeAttempts     = 3
	encodeRetryBackoff = 2 * time.Second // linear: 2s, 4s, 6s
)

// Store is the slice of the repository layer the pipeline writes through.
type Store interface {
	UnembeddedPapers(ctx context.Context, model string, limit int) ([]postgres.PaperEmbedText, error)
	UnembeddedConcepts(ctx context.Context, model string, limit int) ([]postgres.ConceptEmbedText, error)
	InsertPaperEmbeddings(ctx context.Context, model string, vectors []postgres.PaperVector) error
	InsertConceptEmbeddings(ctx context.Context, model string, vectors []postgres.ConceptVector) error
}

// Result counts embedded and skipped entities for one run.
type Result struct {
	Success int
	Failed  int
}

type Pipeline struct {
	store Store
	enc   encoder.Encoder
	model string
	log   *zap.SugaredLogger
}

func NewPipeline(store Store, enc encoder.Encoder, model string, log *zap.SugaredLogger) *Pipeline {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Pipeline{store: store, enc: enc, model: model, log: log}
}

// EmbedPapers embeds all papers missing a vector under the pipeline's model
// label. limit <= 0 means no cap.
func (p *Pipeline) EmbedPapers(ctx context.Context, batchSize, limit int) (Result, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var res Result
	papers, err := p.store.UnembeddedPapers(ctx, p.model, limit)
	if err != nil {
		return res, fmt.Errorf("select unembedded papers: %w", err)
	}
	p.log.Infof("embedding %d papers (model=%s, batch=%d)", len(papers), p.model, batchSize)

	// Papers with no text at all cannot be embedded; they are skipped, not
	// counted as failures.
	texts := make([]string, 0, len(papers))
	ids := make([]int64, 0, len(papers))
	for _, paper := range papers {
		text := PaperText(paper.Title, paper.Abstract, paper.Conclusion)
		if text == "" {
			continue
		}
		texts = append(texts, text)
		ids = append(ids, paper.ID)
	}

	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}

		vecs, err := p.encodeBatch(ctx, texts[start:end])
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			p.log.Warnf("batch %d-%d skipped: %v", start, end, err)
			res.Failed += end - start
			continue
		}

		rows := make([]postgres.PaperVector, end-start)
		for i := range vecs {
			rows[i] = postgres.PaperVector{ID: ids[start+i], Vec: vecs[i]}
		}
		if err := p.store.InsertPaperEmbeddings(ctx, p.model, rows); err != nil {
			return res, fmt.Errorf("write batch %d-%d: %w", start, end, err)
		}
		res.Success += end - start
		p.log.Infof("embedded %d/%d papers", res.Success, len(ids))
	}
	return res, nil
}

// EmbedConcepts embeds all concepts missing a vector under the pipeline's
// model label. limit <= 0 means no cap.
func (p *Pipeline) EmbedConcepts(ctx context.Context, batchSize, limit int) (Result, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var res Result
	concepts, err := p.store.UnembeddedConcepts(ctx, p.model, limit)
	if err != nil {
		return res, fmt.Errorf("select unembedded concepts: %w", err)
	}
	p.log.Infof("embedding %d concepts (model=%s, batch=%d)", len(concepts), p.model, batchSize)

	texts := make([]string, 0, len(concepts))
	ids := make([]string, 0, len(concepts))
	for _, c := range concepts {
		text := ConceptText(c.Name, c.Description)
		if text == "" {
			continue
		}
		texts = append(texts, text)
		ids = append(ids, c.ID)
	}

	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}

		vecs, err := p.encodeBatch(ctx, texts[start:end])
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			p.log.Warnf("batch %d-%d skipped: %v", start, end, err)
			res.Failed += end - start
			continue
		}

		rows := make([]postgres.ConceptVector, end-start)
		for i := range vecs {
			rows[i] = postgres.ConceptVector{ID: ids[start+i], Vec: vecs[i]}
		}
		if err := p.store.InsertConceptEmbeddings(ctx, p.model, rows); err != nil {
			return res, fmt.Errorf("write batch %d-%d: %w", start, end, err)
		}
		res.Success += end - start
		p.log.Infof("embedded %d/%d concepts", res.Success, len(ids))
	}
	return res, nil
}

// encodeBatch retries the encoder with linear backoff; a batch that still
// fails is abandoned rather than poisoning the run.
func (p *Pipeline) encodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= encodeAttempts; attempt++ {
		vecs, err := p.enc.Encode(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if attempt == encodeAttempts {
			break
		}
		wait := time.Duration(attempt) * encodeRetryBackoff
		p.log.Warnf("encode failed (attempt %d/%d): %v; retrying in %s", attempt, encodeAttempts, err, wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("encode after %d attempts: %w", encodeAttempts, lastErr)
}

// PaperText builds the embedding input: title, abstract, and a prefixed
// conclusion, joined by blank lines. Empty when all parts are empty.
func PaperText(title, abstract, conclusion string) string {
	var parts []string
	if s := strings.TrimSpace(title); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(abstract); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(conclusion); s != "" {
		parts = append(parts, "Conclusion: "+s)
	}
	return strings.Join(parts, "\n\n")
}

// ConceptText builds the embedding input for a concept.
func ConceptText(name, description string) string {
	var parts []string
	if s := strings.TrimSpace(name); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(description); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n\n")
}
