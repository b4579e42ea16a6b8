package ingestion

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// EnrichAuthors rewrites every stored author from a fresh provider fetch:
// counts, affiliations, institutions, topics.
func (p *Pipeline) EnrichAuthors(ctx context.Context, maxWorkers int) (int, error) {
	ids, err := p.authors.OpenAlexIDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	p.log.Infof("enriching %d authors", len(ids))

	var mu sync.Mutex
	enriched := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(clampWorkers(maxWorkers))
	for _, authorID := range ids {
		authorID := authorID
		g.Go(func() error {
			details, err := p.provider.Author(gctx, authorID)
			if err != nil {
				p.log.Warnf("fetch author %s: %v", authorID, err)
				return nil
			}
			conn, release, err := p.acquire(gctx)
			if err != nil {
				p.log.Warnf("enrich author %s: %v", authorID, err)
				return nil
			}
			defer release()

			if err := p.authors.UpsertDetails(gctx, conn, details); err != nil {
				p.log.Warnf("upsert author %s: %v", authorID, err)
				return nil
			}
			mu.Lock()
			enriched++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return enriched, err
	}
	return enriched, nil
}

// EnrichPapers re-fetches papers in batches and rewrites title, abstract,
// and concept maps. With conceptIDs set, only papers tagged with any of
// those concepts are refreshed.
func (p *Pipeline) EnrichPapers(ctx context.Context, conceptIDs []string, maxWorkers int) (int, error) {
	ids, err := p.papers.OpenAlexIDs(ctx, conceptIDs)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	p.log.Infof("enriching %d papers", len(ids))

	var mu sync.Mutex
	enriched := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(clampWorkers(maxWorkers))
	for _, chunk := range chunkStrings(ids, 50) {
		chunk := chunk
		g.Go(func() error {
			n := p.refreshChunk(gctx, chunk)
			mu.Lock()
			enriched += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return enriched, err
	}
	return enriched, nil
}

// EnrichConcepts fills description, level, and counts for concepts that only
// exist as ingestion stubs.
func (p *Pipeline) EnrichConcepts(ctx context.Context, maxWorkers int) (int, error) {
	ids, err := p.concepts.IDsMissingDetails(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	p.log.Infof("enriching %d concepts", len(ids))

	var mu sync.Mutex
	enriched := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(clampWorkers(maxWorkers))
	for _, conceptID := range ids {
		conceptID := conceptID
		g.Go(func() error {
			concept, err := p.provider.Concept(gctx, conceptID)
			if err != nil {
				p.log.Warnf("fetch concept %s: %v", conceptID, err)
				return nil
			}
			conn, release, err := p.acquire(gctx)
			if err != nil {
				p.log.Warnf("enrich concept %s: %v", conceptID, err)
				return nil
			}
			defer release()

			if err := p.concepts.Upsert(gctx, conn, concept); err != nil {
				p.log.Warnf("upsert concept %s: %v", conceptID, err)
				return nil
			}
			mu.Lock()
			enriched++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return enriched, err
	}
	return enriched, nil
}
