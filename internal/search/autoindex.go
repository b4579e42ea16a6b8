package search

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const (
	paperEmbeddingsTable   = "paper_embeddings"
	conceptEmbeddingsTable = "concept_embeddings"
	paperIndexName         = "idx_paper_embeddings_vec"
	conceptIndexName       = "idx_concept_embeddings_vec"

	// An existing index is kept while its lists stays within this factor of
	// the heuristic target, in either direction.
	rebuildRatio = 1.5
)

// IndexStore is the slice of the store the tuner needs.
type IndexStore interface {
	EmbeddingRowCount(ctx context.Context, table string) (int64, error)
	IndexLists(ctx context.Context, table, index string) (int, bool, error)
	CreateIvfflatIndex(ctx context.Context, table, index string, lists int) error
}

// Tuning is the resolved pair of IVFFLAT parameters for one index.
type Tuning struct {
	Lists  int
	Probes int
}

// Tuner sizes the IVFFLAT indexes to the live row counts. Tuning runs once
// per index per process; every later search reuses the cached result.
type Tuner struct {
	store IndexStore
	log   *zap.SugaredLogger

	paperOnce   sync.Once
	paper       Tuning
	paperErr    error
	conceptOnce sync.Once
	concept     Tuning
	conceptErr  error
}

func NewTuner(store IndexStore, log *zap.SugaredLogger) *Tuner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Tuner{store: store, log: log}
}

// Papers ensures the paper index and returns its tuning.
func (t *Tuner) Papers(ctx context.Context) (Tuning, error) {
	t.paperOnce.Do(func() {
		t.paper, t.paperErr = t.ensure(ctx, paperEmbeddingsTable, paperIndexName)
	})
	return t.paper, t.paperErr
}

// Concepts ensures the concept index and returns its tuning.
func (t *Tuner) Concepts(ctx context.Context) (Tuning, error) {
	t.conceptOnce.Do(func() {
		t.concept, t.conceptErr = t.ensure(ctx, conceptEmbeddingsTable, conceptIndexName)
	})
	return t.concept, t.conceptErr
}

func (t *Tuner) ensure(ctx context.Context, table, index string) (Tuning, error) {
	rows, err := t.store.EmbeddingRowCount(ctx, table)
	if err != nil {
		return Tuning{}, fmt.Errorf("tune %s: %w", index, err)
	}
	target := ListsFor(rows)

	current, exists, err := t.store.IndexLists(ctx, table, index)
	if err != nil {
		return Tuning{}, fmt.Errorf("tune %s: %w", index, err)
	}

	if exists && current > 0 && withinRatio(current, target) {
		t.log.Debugf("index %s kept: lists=%d (target %d, %d rows)", index, current, target, rows)
		return Tuning{Lists: current, Probes: ProbesFor(current)}, nil
	}

	if exists {
		t.log.Infof("index %s rebuilt: lists %d -> %d (%d rows)", index, current, target, rows)
	} else {
		t.log.Infof("index %s created: lists=%d (%d rows)", index, target, rows)
	}
	if err := t.store.CreateIvfflatIndex(ctx, table, index, target); err != nil {
		return Tuning{}, fmt.Errorf("tune %s: %w", index, err)
	}
	return Tuning{Lists: target, Probes: ProbesFor(target)}, nil
}

func withinRatio(current, target int) bool {
	c, g := float64(current), float64(target)
	return c <= g*rebuildRatio && g <= c*rebuildRatio
}

// ListsFor picks the IVFFLAT lists build parameter for a row count.
func ListsFor(rows int64) int {
	switch {
	case rows < 1_000:
		return 50
	case rows < 10_000:
		return 100
	case rows < 100_000:
		return 200
	case rows < 1_000_000:
		return 1000
	default:
		return 2000
	}
}

// ProbesFor derives the query-time probes from lists with a monotone
// staircase.
func ProbesFor(lists int) int {
	switch {
	case lists <= 50:
		return 5
	case lists <= 100:
		return 10
	case lists <= 200:
		return 20
	case lists <= 1000:
		return 50
	default:
		return 100
	}
}
