// Command ingest pulls scholarly works into the local catalog.
//
//	ingest openalex --concept-id C41008148 --pages 5 [--verify]
//	ingest openalex-multi --fields "machine learning,databases" --pages 5
//	ingest sources
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/litscout/backend/internal/config"
	"github.com/litscout/backend/internal/ingestion"
	"github.com/litscout/backend/internal/repository/postgres"
	"github.com/litscout/backend/pkg/openalex"
)

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()
	log := logger.Sugar()

	if len(os.Args) < 2 {
		usage()
	}

	cfg := config.Load()
	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.Database.URL())
	if err != nil {
		log.Errorf("connect: %v", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.EnsureSchema(ctx, pool, cfg.Embed.Dim); err != nil {
		log.Errorf("schema: %v", err)
		os.Exit(1)
	}

	client := openalex.NewClient(openalex.Config{
		BaseURL: cfg.OpenAlex.BaseURL,
		Mailto:  cfg.OpenAlex.Mailto,
		Logger:  log,
	})
	papers := postgres.NewPaperRepository(pool)
	cursors := postgres.NewCursorRepository(pool)
	concepts := postgres.NewConceptRepository(pool)
	pipeline := ingestion.NewPipeline(ingestion.Config{
		Provider: ingestion.NewOpenAlexProvider(client),
		Pool:     pool,
		Papers:   papers,
		Cursors:  cursors,
		Concepts: concepts,
		Sources:  postgres.NewSourceRepository(pool),
		Authors:  postgres.NewAuthorRepository(pool),
		Logger:   log,
	})

	switch os.Args[1] {
	case "openalex":
		fs := flag.NewFlagSet("openalex", flag.ExitOnError)
		conceptID := fs.String("concept-id", "", "concept id to ingest (e.g. C41008148)")
		pages := fs.Int("pages", 1, "pages to fetch (200 works per page)")
		verify := fs.Bool("verify", false, "re-fetch papers with missing abstract or concepts afterwards")
		fs.Parse(os.Args[2:])

		if *conceptID == "" {
			log.Error("--concept-id is required")
			os.Exit(1)
		}
		if prev, err := cursors.Get(ctx, *conceptID); err == nil && prev != nil {
			log.Infof("concept %s last ingested %s (%d pages)",
				prev.ConceptID, prev.LastIngestedAt.Format("2006-01-02"), prev.PagesIngested)
		}
		n, err := pipeline.IngestConcept(ctx, *conceptID, *pages)
		if err != nil {
			log.Errorf("ingest %s: %v (%d works stored)", *conceptID, err, n)
			os.Exit(1)
		}
		log.Infof("ingested %d works for %s", n, *conceptID)

		if *verify {
			refreshed, err := pipeline.Verify(ctx, 0, 0)
			if err != nil {
				log.Errorf("verify: %v", err)
				os.Exit(1)
			}
			log.Infof("verify refreshed %d papers", refreshed)
		}
		logTotals(ctx, log, papers, concepts)

	case "openalex-multi":
		fs := flag.NewFlagSet("openalex-multi", flag.ExitOnError)
		fields := fs.String("fields", "", "comma-separated field names to resolve and ingest")
		pages := fs.Int("pages", 1, "pages per concept")
		skipExisting := fs.Bool("skip-existing", false, "skip concepts already recorded as ingested")
		perFieldLimit := fs.Int("per-field-limit", 1, "concepts resolved per field")
		maxWorkers := fs.Int("max-workers", 0, "worker cap (0 = CPU count, hard cap 8)")
		fs.Parse(os.Args[2:])

		names := splitFields(*fields)
		if len(names) == 0 {
			log.Error("--fields is required")
			os.Exit(1)
		}

		fieldConcepts, err := pipeline.ResolveFields(ctx, names, *perFieldLimit)
		if err != nil {
			log.Errorf("resolve fields: %v", err)
			os.Exit(1)
		}
		if len(fieldConcepts) == 0 {
			log.Warn("no concepts resolved, nothing to do")
			return
		}
		ids := make([]string, len(fieldConcepts))
		for i, c := range fieldConcepts {
			ids[i] = c.ID
			log.Infof("field concept: %s %q (%d works)", c.ID, c.Name, c.WorksCount)
		}

		res, err := pipeline.IngestConcepts(ctx, ids, *pages, *maxWorkers, *skipExisting)
		if err != nil {
			log.Errorf("ingest: %v", err)
			os.Exit(1)
		}
		log.Infof("run %s finished: %d ok, %d failed", res.RunID, res.Success, res.Failed)
		for _, e := range res.Errors {
			log.Warnf("  %s: %s", e.ConceptID, e.Message)
		}
		logTotals(ctx, log, papers, concepts)
		if res.Failed > 0 {
			os.Exit(1)
		}

	case "sources":
		fs := flag.NewFlagSet("sources", flag.ExitOnError)
		maxWorkers := fs.Int("max-workers", 0, "worker cap (0 = CPU count, hard cap 8)")
		fs.Parse(os.Args[2:])

		res, err := pipeline.BackfillSources(ctx, *maxWorkers)
		if err != nil {
			log.Errorf("sources: %v", err)
			os.Exit(1)
		}
		log.Infof("sources done: %d papers linked, %d sources fetched", res.PapersLinked, res.SourcesFetched)

	default:
		usage()
	}
}

func logTotals(ctx context.Context, log *zap.SugaredLogger, papers *postgres.PaperRepository, concepts *postgres.ConceptRepository) {
	np, err := papers.Count(ctx)
	if err != nil {
		return
	}
	nc, err := concepts.Count(ctx)
	if err != nil {
		return
	}
	log.Infof("catalog: %d papers, %d concepts", np, nc)
}

func splitFields(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ingest {openalex|openalex-multi|sources} [flags]")
	os.Exit(2)
}
