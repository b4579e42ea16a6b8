package ingestion

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// SourcesResult counts the two backfill phases.
type SourcesResult struct {
	PapersLinked   int
	SourcesFetched int
}

// BackfillSources links papers to their publishing sources and fills the
// sources table, in two phases:
//
//  1. papers without source_id are re-fetched in batched works-by-id lookups
//     and their linkage filled in;
//  2. distinct source ids with no sources row are fetched one by one and
//     upserted.
//
// Both phases fan chunks over the bounded worker pool.
func (p *Pipeline) BackfillSources(ctx context.Context, maxWorkers int) (SourcesResult, error) {
	var res SourcesResult
	workers := clampWorkers(maxWorkers)

	ids, err := p.papers.OpenAlexIDsMissingSource(ctx)
	if err != nil {
		return res, err
	}
	if len(ids) > 0 {
		p.log.Infof("linking sources for %d papers", len(ids))

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for _, chunk := range chunkStrings(ids, 50) {
			chunk := chunk
			g.Go(func() error {
				n := p.linkSourceChunk(gctx, chunk)
				mu.Lock()
				res.PapersLinked += n
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return res, err
		}
	}

	missing, err := p.sources.MissingIDs(ctx)
	if err != nil {
		return res, err
	}
	if len(missing) > 0 {
		p.log.Infof("fetching %d missing sources", len(missing))

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for _, sourceID := range missing {
			sourceID := sourceID
			g.Go(func() error {
				if p.fetchSource(gctx, sourceID) {
					mu.Lock()
					res.SourcesFetched++
					mu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return res, err
		}
	}

	return res, nil
}

func (p *Pipeline) linkSourceChunk(ctx context.Context, ids []string) int {
	works, err := p.provider.WorksByIDs(ctx, ids)
	if err != nil {
		p.log.Warnf("source link chunk failed: %v", err)
		return 0
	}

	conn, release, err := p.acquire(ctx)
	if err != nil {
		p.log.Warnf("source link chunk: %v", err)
		return 0
	}
	defer release()

	n := 0
	for id, w := range works {
		if w.SourceID == "" && w.PublisherID == "" {
			continue
		}
		if err := p.papers.SetSource(ctx, conn, id, w.SourceID, w.PublisherID); err != nil {
			p.log.Warnf("link source for %s: %v", id, err)
			continue
		}
		n++
	}
	return n
}

func (p *Pipeline) fetchSource(ctx context.Context, sourceID string) bool {
	src, err := p.provider.Source(ctx, sourceID)
	if err != nil {
		p.log.Warnf("fetch source %s: %v", sourceID, err)
		return false
	}

	conn, release, err := p.acquire(ctx)
	if err != nil {
		p.log.Warnf("fetch source %s: %v", sourceID, err)
		return false
	}
	defer release()

	if err := p.sources.Upsert(ctx, conn, src); err != nil {
		p.log.Warnf("upsert source %s: %v", sourceID, err)
		return false
	}
	return true
}
