// Command enrich rewrites stored entities from fresh provider fetches.
//
//	enrich --authors
//	enrich --papers [--concept-ids C41008148,C2522767166]
//	enrich --concepts
package main

import (
	"context"
	"flag"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/litscout/backend/internal/config"
	"github.com/litscout/backend/internal/ingestion"
	"github.com/litscout/backend/internal/repository/postgres"
	"github.com/litscout/backend/pkg/openalex"
)

func main() {
	authors := flag.Bool("authors", false, "enrich author details")
	papers := flag.Bool("papers", false, "re-fetch and rewrite paper metadata")
	concepts := flag.Bool("concepts", false, "fill concept descriptions and counts")
	conceptIDs := flag.String("concept-ids", "", "restrict --papers to papers tagged with these concepts (comma-separated)")
	maxWorkers := flag.Int("max-workers", 0, "worker cap (0 = CPU count, hard cap 8)")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()
	log := logger.Sugar()

	if !*authors && !*papers && !*concepts {
		log.Error("nothing to do: pass --authors, --papers, or --concepts")
		os.Exit(2)
	}

	cfg := config.Load()
	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.Database.URL())
	if err != nil {
		log.Errorf("connect: %v", err)
		os.Exit(1)
	}
	defer pool.Close()

	client := openalex.NewClient(openalex.Config{
		BaseURL: cfg.OpenAlex.BaseURL,
		Mailto:  cfg.OpenAlex.Mailto,
		Logger:  log,
	})
	pipeline := ingestion.NewPipeline(ingestion.Config{
		Provider: ingestion.NewOpenAlexProvider(client),
		Pool:     pool,
		Papers:   postgres.NewPaperRepository(pool),
		Cursors:  postgres.NewCursorRepository(pool),
		Concepts: postgres.NewConceptRepository(pool),
		Sources:  postgres.NewSourceRepository(pool),
		Authors:  postgres.NewAuthorRepository(pool),
		Logger:   log,
	})

	if *authors {
		n, err := pipeline.EnrichAuthors(ctx, *maxWorkers)
		if err != nil {
			log.Errorf("enrich authors: %v", err)
			os.Exit(1)
		}
		log.Infof("enriched %d authors", n)
	}

	if *papers {
		var ids []string
		for _, id := range strings.Split(*conceptIDs, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		n, err := pipeline.EnrichPapers(ctx, ids, *maxWorkers)
		if err != nil {
			log.Errorf("enrich papers: %v", err)
			os.Exit(1)
		}
		log.Infof("enriched %d papers", n)
	}

	if *concepts {
		n, err := pipeline.EnrichConcepts(ctx, *maxWorkers)
		if err != nil {
			log.Errorf("enrich concepts: %v", err)
			os.Exit(1)
		}
		log.Infof("enriched %d concepts", n)
	}
}
