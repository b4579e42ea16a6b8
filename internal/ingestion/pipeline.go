// Package ingestion drives the provider-to-store pipeline: concept
// resolution, paginated work ingestion over a bounded worker pool, source
// backfill, and enrichment passes.
package ingestion

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/litscout/backend/internal/domain"
	"github.com/litscout/backend/internal/repository/postgres"
)

// MaxWorkers caps concurrency against the provider regardless of what the
// caller asks for, per its rate policy.
const MaxWorkers = 8

// Provider is the slice of the scholarly API client the pipeline consumes.
type Provider interface {
	SearchConcepts(ctx context.Context, query string, limit int) ([]domain.Concept, error)
	WorksByConcept(conceptID string, maxPages int) WorksPager
	WorksByIDs(ctx context.Context, ids []string) (map[string]domain.Work, error)
	Source(ctx context.Context, sourceID string) (*domain.Source, error)
	Author(ctx context.Context, authorID string) (*domain.AuthorDetails, error)
	Concept(ctx context.Context, conceptID string) (*domain.Concept, error)
}

// WorksPager yields one page of works at a time; a nil page means the
// sequence is finished.
type WorksPager interface {
	Next(ctx context.Context) ([]domain.Work, error)
	Exhausted() bool
}

// PaperStore is the paper-side store surface.
type PaperStore interface {
	UpsertWork(ctx context.Context, conn *pgxpool.Conn, w *domain.Work, cursor *postgres.CursorMark) (int64, error)
	OpenAlexIDs(ctx context.Context, conceptIDs []string) ([]string, error)
	OpenAlexIDsNeedingVerify(ctx context.Context, limit int) ([]string, error)
	OpenAlexIDsMissingSource(ctx context.Context) ([]string, error)
	SetSource(ctx context.Context, conn *pgxpool.Conn, openalexID, sourceID, publisherID string) error
}

// CursorStore tracks which concepts have been ingested.
type CursorStore interface {
	EnsureTable(ctx context.Context) error
	IngestedSet(ctx context.Context) (map[string]bool, error)
	Mark(ctx context.Context, conn *pgxpool.Conn, conceptID string, pages int) error
}

// ConceptStore is the concept-side store surface.
type ConceptStore interface {
	Upsert(ctx context.Context, conn *pgxpool.Conn, c *domain.Concept) error
	IDsMissingDetails(ctx context.Context) ([]string, error)
}

// SourceStore is the source-side store surface.
type SourceStore interface {
	Upsert(ctx context.Context, conn *pgxpool.Conn, s *domain.Source) error
	MissingIDs(ctx context.Context) ([]string, error)
}

// AuthorStore is the author-side store surface.
type AuthorStore interface {
	OpenAlexIDs(ctx context.Context) ([]string, error)
	UpsertDetails(ctx context.Context, conn *pgxpool.Conn, a *domain.AuthorDetails) error
}

// ConceptError records one failed task.
type ConceptError struct {
	ConceptID string
	Message   string
}

// BatchResult aggregates a multi-concept run. Task failures never abort the
// batch; they land here.
type BatchResult struct {
	RunID     uuid.UUID
	Success   int
	Failed    int
	FailedIDs []string
	Errors    []ConceptError
}

type Pipeline struct {
	provider Provider
	pool     *pgxpool.Pool // nil in tests; workers then share the store's pool
	papers   PaperStore
	cursors  CursorStore
	concepts ConceptStore
	sources  SourceStore
	authors  AuthorStore
	log      *zap.SugaredLogger
}

type Config struct {
	Provider Provider
	Pool     *pgxpool.Pool
	Papers   PaperStore
	Cursors  CursorStore
	Concepts ConceptStore
	Sources  SourceStore
	Authors  AuthorStore
	Logger   *zap.SugaredLogger
}

func NewPipeline(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Pipeline{
		provider: cfg.Provider,
		pool:     cfg.Pool,
		papers:   cfg.Papers,
		cursors:  cfg.Cursors,
		concepts: cfg.Concepts,
		sources:  cfg.Sources,
		authors:  cfg.Authors,
		log:      logger,
	}
}

// ─── Concept resolution ─────────────────────────────────────────────────────

// ResolveFields maps human field names to concepts via the provider's
// concept index: perFieldLimit concepts per field sorted by works_count,
// deduplicated keeping the higher works_count.
func (p *Pipeline) ResolveFields(ctx context.Context, fields []string, perFieldLimit int) ([]domain.Concept, error) {
	if perFieldLimit <= 0 {
		perFieldLimit = 1
	}

	byID := map[string]domain.Concept{}
	var order []string
	for _, field := range fields {
		concepts, err := p.provider.SearchConcepts(ctx, field, perFieldLimit)
		if err != nil {
			return nil, fmt.Errorf("resolve field %q: %w", field, err)
		}
		if len(concepts) == 0 {
			p.log.Warnf("field %q matched no concepts", field)
			continue
		}
		for _, c := range concepts {
			if prev, ok := byID[c.ID]; ok {
				if c.WorksCount > prev.WorksCount {
					byID[c.ID] = c
				}
				continue
			}
			byID[c.ID] = c
			order = append(order, c.ID)
		}
	}

	out := make([]domain.Concept, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

// ─── Work ingestion ─────────────────────────────────────────────────────────

// IngestConcepts fans one task per concept over a bounded worker pool. Each
// task owns its own connection; failures are collected, never propagated
// across the pool.
func (p *Pipeline) IngestConcepts(ctx context.Context, conceptIDs []string, pages, maxWorkers int, skipExisting bool) (BatchResult, error) {
	res := BatchResult{RunID: uuid.New()}

	// DDL happens once here, never inside a worker.
	if err := p.cursors.EnsureTable(ctx); err != nil {
		return res, err
	}

	todo := conceptIDs
	if skipExisting {
		ingested, err := p.cursors.IngestedSet(ctx)
		if err != nil {
			return res, err
		}
		todo = todo[:0:0]
		for _, id := range conceptIDs {
			if ingested[id] {
				p.log.Infof("concept %s already ingested, skipping", id)
				continue
			}
			todo = append(todo, id)
		}
	}
	if len(todo) == 0 {
		return res, nil
	}

	workers := clampWorkers(maxWorkers)
	p.log.Infof("run %s: ingesting %d concepts with %d workers, %d pages each",
		res.RunID, len(todo), workers, pages)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, conceptID := range todo {
		conceptID := conceptID
		g.Go(func() error {
			n, err := p.ingestConcept(gctx, conceptID, pages)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				res.FailedIDs = append(res.FailedIDs, conceptID)
				res.Errors = append(res.Errors, ConceptError{ConceptID: conceptID, Message: err.Error()})
				p.log.Warnf("concept %s failed after %d works: %v", conceptID, n, err)
				return nil
			}
			res.Success++
			p.log.Infof("concept %s done: %d works", conceptID, n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	sort.Strings(res.FailedIDs)
	return res, nil
}

// IngestConcept ingests one concept on the caller's goroutine.
func (p *Pipeline) IngestConcept(ctx context.Context, conceptID string, pages int) (int, error) {
	return p.ingestConcept(ctx, conceptID, pages)
}

func (p *Pipeline) ingestConcept(ctx context.Context, conceptID string, pages int) (int, error) {
	conn, release, err := p.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	pager := p.provider.WorksByConcept(conceptID, pages)
	ingested := 0
	pageNo := 0
	cursorMarked := false

	for {
		page, err := pager.Next(ctx)
		if err != nil {
			return ingested, fmt.Errorf("fetch page %d: %w", pageNo+1, err)
		}
		if page == nil {
			break
		}
		pageNo++

		for i := range page {
			// The cursor rides in the transaction of the final page's last
			// work, so a crash re-ingests at most one page.
			var mark *postgres.CursorMark
			if pager.Exhausted() && i == len(page)-1 {
				mark = &postgres.CursorMark{ConceptID: conceptID, PagesIngested: pageNo}
			}
			if _, err := p.papers.UpsertWork(ctx, conn, &page[i], mark); err != nil {
				if ctx.Err() != nil {
					return ingested, ctx.Err()
				}
				p.log.Warnf("work %s skipped: %v", page[i].OpenAlexID(), err)
				continue
			}
			if mark != nil {
				cursorMarked = true
			}
			ingested++
		}
	}

	if !cursorMarked {
		if err := p.cursors.Mark(ctx, conn, conceptID, pageNo); err != nil {
			return ingested, err
		}
	}
	return ingested, nil
}

// Verify re-fetches papers whose abstract or concept map is still empty and
// upserts the refreshed records. limit <= 0 means all.
func (p *Pipeline) Verify(ctx context.Context, limit, maxWorkers int) (int, error) {
	ids, err := p.papers.OpenAlexIDsNeedingVerify(ctx, limit)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	p.log.Infof("verifying %d papers with missing abstract or concepts", len(ids))

	var mu sync.Mutex
	refreshed := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(clampWorkers(maxWorkers))
	for _, chunk := range chunkStrings(ids, 50) {
		chunk := chunk
		g.Go(func() error {
			n := p.refreshChunk(gctx, chunk)
			mu.Lock()
			refreshed += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return refreshed, err
	}
	return refreshed, nil
}

func (p *Pipeline) refreshChunk(ctx context.Context, ids []string) int {
	works, err := p.provider.WorksByIDs(ctx, ids)
	if err != nil {
		p.log.Warnf("refresh chunk failed: %v", err)
		return 0
	}

	conn, release, err := p.acquire(ctx)
	if err != nil {
		p.log.Warnf("refresh chunk: %v", err)
		return 0
	}
	defer release()

	n := 0
	for id := range works {
		w := works[id]
		if _, err := p.papers.UpsertWork(ctx, conn, &w, nil); err != nil {
			p.log.Warnf("refresh %s skipped: %v", id, err)
			continue
		}
		n++
	}
	return n
}

// acquire hands a worker its own connection. With no pool configured the
// store falls back to its internal one.
func (p *Pipeline) acquire(ctx context.Context) (*pgxpool.Conn, func(), error) {
	if p.pool == nil {
		return nil, func() {}, nil
	}
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}
	return conn, conn.Release, nil
}

func clampWorkers(n int) int {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n > MaxWorkers {
		n = MaxWorkers
	}
	return n
}

func chunkStrings(s []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(s); start += size {
		end := start + size
		if end > len(s) {
			end = len(s)
		}
		out = append(out, s[start:end])
	}
	return out
}
