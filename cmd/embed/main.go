// Command embed materializes vectors for papers or concepts.
//
//	embed papers [--batch-size 64] [--limit 0]
//	embed concepts [--batch-size 64] [--limit 0]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/litscout/backend/internal/config"
	"github.com/litscout/backend/internal/embeddings"
	"github.com/litscout/backend/internal/repository/postgres"
	"github.com/litscout/backend/pkg/encoder"
)

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()
	log := logger.Sugar()

	if len(os.Args) < 2 {
		usage()
	}
	kind := os.Args[1]
	if kind != "papers" && kind != "concepts" {
		usage()
	}

	fs := flag.NewFlagSet(kind, flag.ExitOnError)
	batchSize := fs.Int("batch-size", embeddings.DefaultBatchSize, "texts per encoder call")
	limit := fs.Int("limit", 0, "cap on entities to embed (0 = all)")
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
	repo := postgres.NewEmbeddingRepository(pool)
	pipeline := embeddings.NewPipeline(repo, enc, cfg.Embed.Model, log)

	var res embeddings.Result
	switch kind {
	case "papers":
		res, err = pipeline.EmbedPapers(ctx, *batchSize, *limit)
	case "concepts":
		res, err = pipeline.EmbedConcepts(ctx, *batchSize, *limit)
	}
	if err != nil {
		log.Errorf("embed %s: %v", kind, err)
		os.Exit(1)
	}
	log.Infof("embed %s done: %d embedded, %d failed", kind, res.Success, res.Failed)

	var total int64
	if kind == "papers" {
		total, err = repo.CountPaperEmbeddings(ctx, cfg.Embed.Model)
	} else {
		total, err = repo.CountConceptEmbeddings(ctx, cfg.Embed.Model)
	}
	if err == nil {
		log.Infof("%s now holds %d %s vectors", cfg.Embed.Model, total, kind)
	}
	if res.Failed > 0 {
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: embed {papers|concepts} [flags]")
	os.Exit(2)
}
