package embeddings

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litscout/backend/internal/repository/postgres"
)

type fakeEncoder struct {
	batches  [][]string
	failures int // fail this many leading calls
}

func (f *fakeEncoder) Encode(_ context.Context, texts []string) ([][]float32, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("encoder down")
	}
	f.batches = append(f.batches, texts)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (f *fakeEncoder) Dim() int { return 3 }

type fakeEmbedStore struct {
	papers   []postgres.PaperEmbedText
	concepts []postgres.ConceptEmbedText

	paperWrites   [][]postgres.PaperVector
	conceptWrites [][]postgres.ConceptVector
}

func (f *fakeEmbedStore) UnembeddedPapers(_ context.Context, _ string, limit int) ([]postgres.PaperEmbedText, error) {
	if limit > 0 && limit < len(f.papers) {
		return f.papers[:limit], nil
	}
	return f.papers, nil
}

func (f *fakeEmbedStore) UnembeddedConcepts(_ context.Context, _ string, limit int) ([]postgres.ConceptEmbedText, error) {
	if limit > 0 && limit < len(f.concepts) {
		return f.concepts[:limit], nil
	}
	return f.concepts, nil
}

func (f *fakeEmbedStore) InsertPaperEmbeddings(_ context.Context, _ string, vectors []postgres.PaperVector) error {
	f.paperWrites = append(f.paperWrites, vectors)
	return nil
}

func (f *fakeEmbedStore) InsertConceptEmbeddings(_ context.Context, _ string, vectors []postgres.ConceptVector) error {
	f.conceptWrites = append(f.conceptWrites, vectors)
	return nil
}

func TestPaperText(t *testing.T) {
	assert.Equal(t, "Title\n\nAbstract\n\nConclusion: Done",
		PaperText("Title", "Abstract", "Done"))
	assert.Equal(t, "Title", PaperText("Title", "", ""))
	assert.Equal(t, "Abstract", PaperText("", "Abstract", ""))
	assert.Equal(t, "", PaperText("", "  ", ""))
}

func TestConceptText(t *testing.T) {
	assert.Equal(t, "ML\n\nLearning from data", ConceptText("ML", "Learning from data"))
	assert.Equal(t, "ML", ConceptText("ML", ""))
}

func TestEmbedPapersBatchesAndCommitsPerBatch(t *testing.T) {
	store := &fakeEmbedStore{}
	for i := int64(1); i <= 5; i++ {
		store.papers = append(store.papers, postgres.PaperEmbedText{ID: i, Title: "paper"})
	}
	enc := &fakeEncoder{}
	p := NewPipeline(store, enc, "m", nil)

	res, err := p.EmbedPapers(context.Background(), 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Success)
	assert.Zero(t, res.Failed)

	// 5 papers at batch size 2: batches of 2, 2, 1, each written separately.
	require.Len(t, enc.batches, 3)
	require.Len(t, store.paperWrites, 3)
	assert.Len(t, store.paperWrites[2], 1)
}

func TestEmbedPapersSkipsEmptyText(t *testing.T) {
	store := &fakeEmbedStore{
		papers: []postgres.PaperEmbedText{
			{ID: 1, Title: "has text"},
			{ID: 2}, // nothing to embed
			{ID: 3, Abstract: "abstract only"},
		},
	}
	enc := &fakeEncoder{}
	p := NewPipeline(store, enc, "m", nil)

	res, err := p.EmbedPapers(context.Background(), 64, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Success)
	require.Len(t, store.paperWrites, 1)
	assert.Equal(t, int64(1), store.paperWrites[0][0].ID)
	assert.Equal(t, int64(3), store.paperWrites[0][1].ID)
}

func TestEmbedPapersSingleMissing(t *testing.T) {
	// One paper left unembedded runs exactly one encoder batch of size 1.
	store := &fakeEmbedStore{
		papers: []postgres.PaperEmbedText{{ID: 7, Title: "the gap"}},
	}
	enc := &fakeEncoder{}
	p := NewPipeline(store, enc, "m", nil)

	res, err := p.EmbedPapers(context.Background(), 64, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)
	require.Len(t, enc.batches, 1)
	assert.Len(t, enc.batches[0], 1)
}

func TestEmbedPapersRetriesEncoder(t *testing.T) {
	store := &fakeEmbedStore{
		papers: []postgres.PaperEmbedText{{ID: 1, Title: "t"}},
	}
	enc := &fakeEncoder{failures: 1} // first call fails, retry succeeds
	p := NewPipeline(store, enc, "m", nil)

	res, err := p.EmbedPapers(context.Background(), 64, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)
	assert.Zero(t, res.Failed)
}

func TestEmbedConcepts(t *testing.T) {
	store := &fakeEmbedStore{
		concepts: []postgres.ConceptEmbedText{
			{ID: "C1", Name: "ml", Description: "d"},
			{ID: "C2", Name: "db"},
		},
	}
	enc := &fakeEncoder{}
	p := NewPipeline(store, enc, "m", nil)

	res, err := p.EmbedConcepts(context.Background(), 64, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Success)
	require.Len(t, store.conceptWrites, 1)
	assert.Equal(t, "C1", store.conceptWrites[0][0].ID)
}

func TestEmbedPapersHonorsLimit(t *testing.T) {
	store := &fakeEmbedStore{}
	for i := int64(1); i <= 10; i++ {
		store.papers = append(store.papers, postgres.PaperEmbedText{ID: i, Title: "t"})
	}
	enc := &fakeEncoder{}
	p := NewPipeline(store, enc, "m", nil)

	res, err := p.EmbedPapers(context.Background(), 64, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Success)
}
