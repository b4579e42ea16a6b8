// Command search runs the retrieval modes against the local catalog.
//
//	search papers --query "graph neural networks" [--limit 10 --offset 0]
//	search concepts --query ...
//	search via-concepts --query ... [--concepts-limit 5 --papers-per-concept 10]
//	search hybrid --query ... [--paper-weight 0.8 --concept-weight 0.2]
//	search venue --query ...
//	search author --query ... [--by-order]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/litscout/backend/internal/config"
	"github.com/litscout/backend/internal/repository/postgres"
	"github.com/litscout/backend/internal/search"
	"github.com/litscout/backend/pkg/encoder"
)

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()
	log := logger.Sugar()

	if len(os.Args) < 2 {
		usage()
	}
	mode := os.Args[1]

	fs := flag.NewFlagSet(mode, flag.ExitOnError)
	query := fs.String("query", "", "free-text query")
	limit := fs.Int("limit", search.DefaultLimit, "results per page")
	offset := fs.Int("offset", 0, "pagination offset")
	conceptsLimit := fs.Int("concepts-limit", search.DefaultConceptsLimit, "top concepts considered")
	papersPerConcept := fs.Int("papers-per-concept", search.DefaultPapersPerConcept, "papers kept per concept")
	paperWeight := fs.Float64("paper-weight", search.DefaultPaperWeight, "hybrid weight of the direct leg")
	conceptWeight := fs.Float64("concept-weight", search.DefaultConceptWeight, "hybrid weight of the concept leg")
	byOrder := fs.Bool("by-order", false, "author mode: weight shares by author order")
	fs.Parse(os.Args[2:])

	cfg := config.Load()
	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.Database.URL())
	if err != nil {
		log.Errorf("connect: %v", err)
		os.Exit(1)
	}
	defer pool.Close()

	enc := encoder.NewHTTPEncoder(cfg.Embed.EncoderURL, cfg.Embed.Model, cfg.Embed.Dim)
	engine := search.NewEngine(postgres.NewSearchRepository(pool), enc, cfg.Embed.Model, log)

	params := search.Params{
		Query:            *query,
		Limit:            *limit,
		Offset:           *offset,
		ConceptsLimit:    *conceptsLimit,
		PapersPerConcept: *papersPerConcept,
		PaperWeight:      *paperWeight,
		ConceptWeight:    *conceptWeight,
		ShareByOrder:     *byOrder,
	}

	switch mode {
	case "papers":
		res, err := engine.SearchPapers(ctx, params)
		exitOn(log, err)
		fmt.Printf("%d papers (total %d)\n", len(res.Papers), res.Total)
		for i, p := range res.Papers {
			fmt.Printf("%3d. [%.4f] %s\n", *offset+i+1, p.Similarity, p.Title)
			printPaperMeta(p.ExternalIDs, p.SourceID)
		}

	case "concepts":
		res, err := engine.SearchConcepts(ctx, params)
		exitOn(log, err)
		fmt.Printf("%d concepts (total %d)\n", len(res.Concepts), res.Total)
		for i, c := range res.Concepts {
			fmt.Printf("%3d. [%.4f] %s %s\n", *offset+i+1, c.Similarity, c.ConceptID, c.Name)
		}

	case "via-concepts":
		res, err := engine.SearchPapersViaConcepts(ctx, params)
		exitOn(log, err)
		fmt.Printf("%d concepts, %d papers\n", len(res.Concepts), res.TotalPapers)
		for _, c := range res.Concepts {
			fmt.Printf("concept [%.4f] %s %s (%d papers)\n", c.Similarity, c.ConceptID, c.Name, len(c.Papers))
		}
		for i, p := range res.Papers {
			fmt.Printf("%3d. [%.4f] %s\n", *offset+i+1, p.TotalScore, p.Title)
		}

	case "hybrid":
		res, err := engine.SearchHybrid(ctx, params)
		exitOn(log, err)
		fmt.Printf("%d papers (total %d)\n", len(res.Papers), res.Total)
		for i, p := range res.Papers {
			fmt.Printf("%3d. [%.4f] (paper %.4f / concept %.4f) %s\n",
				*offset+i+1, p.CombinedScore, p.PaperScore, p.ConceptScore, p.Title)
		}

	case "venue":
		res, err := engine.SearchSources(ctx, params)
		exitOn(log, err)
		fmt.Printf("%d sources (total %d)\n", len(res.Sources), res.Total)
		for i, s := range res.Sources {
			name := s.Name
			if name == "" {
				name = s.SourceID
			}
			fmt.Printf("%3d. [%.4f] %s (%d papers)\n", *offset+i+1, s.AggregateScore, name, len(s.PaperIDs))
		}

	case "author":
		res, err := engine.SearchAuthors(ctx, params)
		exitOn(log, err)
		fmt.Printf("%d authors (total %d)\n", len(res.Authors), res.Total)
		for i, a := range res.Authors {
			fmt.Printf("%3d. [%.4f] %s (%d papers)\n", *offset+i+1, a.Score, a.FullName, len(a.PaperIDs))
		}

	default:
		usage()
	}
}

func printPaperMeta(ext map[string]string, sourceID string) {
	if doi := ext["doi"]; doi != "" {
		fmt.Printf("       doi:%s\n", doi)
	} else if oa := ext["openalex"]; oa != "" {
		fmt.Printf("       openalex:%s\n", oa)
	}
	if sourceID != "" {
		fmt.Printf("       source:%s\n", sourceID)
	}
}

func exitOn(log *zap.SugaredLogger, err error) {
	if err != nil {
		log.Errorf("search: %v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: search {papers|concepts|via-concepts|hybrid|venue|author} --query ... [flags]")
	os.Exit(2)
}
