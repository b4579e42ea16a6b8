package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litscout/backend/internal/domain"
	"github.com/litscout/backend/internal/repository/postgres"
)

// ─── Fakes ──────────────────────────────────────────────────────────────────

type fakeProvider struct {
	mu        sync.Mutex
	pages     map[string][][]domain.Work // per concept
	concepts  map[string][]domain.Concept
	works     map[string]domain.Work
	sources   map[string]domain.Source
	authors   map[string]domain.AuthorDetails
	inFlight  atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeProvider) SearchConcepts(_ context.Context, query string, limit int) ([]domain.Concept, error) {
	out := f.concepts[query]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeProvider) WorksByConcept(conceptID string, maxPages int) WorksPager {
	f.mu.Lock()
	pages := f.pages[conceptID]
	f.mu.Unlock()
	if len(pages) > maxPages {
		pages = pages[:maxPages]
	}
	return &fakePager{provider: f, pages: pages}
}

func (f *fakeProvider) WorksByIDs(_ context.Context, ids []string) (map[string]domain.Work, error) {
	out := map[string]domain.Work{}
	for _, id := range ids {
		if w, ok := f.works[id]; ok {
			out[id] = w
		}
	}
	return out, nil
}

func (f *fakeProvider) Source(_ context.Context, id string) (*domain.Source, error) {
	if s, ok := f.sources[id]; ok {
		return &s, nil
	}
	return nil, errors.New("source not found")
}

func (f *fakeProvider) Author(_ context.Context, id string) (*domain.AuthorDetails, error) {
	if a, ok := f.authors[id]; ok {
		return &a, nil
	}
	return nil, errors.New("author not found")
}

func (f *fakeProvider) Concept(_ context.Context, id string) (*domain.Concept, error) {
	return &domain.Concept{ID: id, Name: "concept " + id, Description: "d"}, nil
}

type fakePager struct {
	provider *fakeProvider
	pages    [][]domain.Work
	next     int
}

func (p *fakePager) Next(ctx context.Context) ([]domain.Work, error) {
	active := p.provider.inFlight.Add(1)
	for {
		max := p.provider.maxActive.Load()
		if active <= max || p.provider.maxActive.CompareAndSwap(max, active) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	p.provider.inFlight.Add(-1)

	if p.next >= len(p.pages) {
		return nil, nil
	}
	page := p.pages[p.next]
	p.next++
	return page, nil
}

func (p *fakePager) Exhausted() bool { return p.next >= len(p.pages) }

type upsertCall struct {
	openalexID string
	cursor     *postgres.CursorMark
}

type fakePaperStore struct {
	mu          sync.Mutex
	calls       []upsertCall
	failFor     map[string]bool // works whose upsert fails
	sourceLinks map[string]string
}

func (f *fakePaperStore) UpsertWork(_ context.Context, _ *pgxpool.Conn, w *domain.Work, cursor *postgres.CursorMark) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[w.OpenAlexID()] {
		return 0, errors.New("constraint violation")
	}
	f.calls = append(f.calls, upsertCall{openalexID: w.OpenAlexID(), cursor: cursor})
	return int64(len(f.calls)), nil
}

func (f *fakePaperStore) OpenAlexIDs(context.Context, []string) ([]string, error) { return nil, nil }
func (f *fakePaperStore) OpenAlexIDsNeedingVerify(context.Context, int) ([]string, error) {
	return nil, nil
}
func (f *fakePaperStore) OpenAlexIDsMissingSource(context.Context) ([]string, error) {
	return nil, nil
}

func (f *fakePaperStore) SetSource(_ context.Context, _ *pgxpool.Conn, openalexID, sourceID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sourceLinks == nil {
		f.sourceLinks = map[string]string{}
	}
	f.sourceLinks[openalexID] = sourceID
	return nil
}

type fakeCursorStore struct {
	mu       sync.Mutex
	ensured  int
	ingested map[string]bool
	marks    map[string]int
}

func (f *fakeCursorStore) EnsureTable(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured++
	return nil
}

func (f *fakeCursorStore) IngestedSet(context.Context) (map[string]bool, error) {
	return f.ingested, nil
}

func (f *fakeCursorStore) Mark(_ context.Context, _ *pgxpool.Conn, conceptID string, pages int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.marks == nil {
		f.marks = map[string]int{}
	}
	f.marks[conceptID] = pages
	return nil
}

type fakeConceptStore struct {
	mu      sync.Mutex
	missing []string
	upserts []string
}

func (f *fakeConceptStore) Upsert(_ context.Context, _ *pgxpool.Conn, c *domain.Concept) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, c.ID)
	return nil
}

func (f *fakeConceptStore) IDsMissingDetails(context.Context) ([]string, error) {
	return f.missing, nil
}

type fakeSourceStore struct {
	mu      sync.Mutex
	missing []string
	upserts []string
}

func (f *fakeSourceStore) Upsert(_ context.Context, _ *pgxpool.Conn, s *domain.Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, s.ID)
	return nil
}

func (f *fakeSourceStore) MissingIDs(context.Context) ([]string, error) {
	return f.missing, nil
}

type fakeAuthorStore struct {
	mu      sync.Mutex
	ids     []string
	upserts []string
}

func (f *fakeAuthorStore) OpenAlexIDs(context.Context) ([]string, error) { return f.ids, nil }

func (f *fakeAuthorStore) UpsertDetails(_ context.Context, _ *pgxpool.Conn, a *domain.AuthorDetails) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, a.ExternalIDs["openalex"])
	return nil
}

func work(id string) domain.Work {
	return domain.Work{Title: "t " + id, ExternalIDs: map[string]string{"openalex": id}}
}

func newTestPipeline(provider *fakeProvider, papers *fakePaperStore, cursors *fakeCursorStore) (*Pipeline, *fakeConceptStore, *fakeSourceStore, *fakeAuthorStore) {
	concepts := &fakeConceptStore{}
	sources := &fakeSourceStore{}
	authors := &fakeAuthorStore{}
	p := NewPipeline(Config{
		Provider: provider,
		Papers:   papers,
		Cursors:  cursors,
		Concepts: concepts,
		Sources:  sources,
		Authors:  authors,
	})
	return p, concepts, sources, authors
}

// ─── Tests ──────────────────────────────────────────────────────────────────

func TestIngestConceptMarksCursorOnLastWork(t *testing.T) {
	provider := &fakeProvider{pages: map[string][][]domain.Work{
		"C1": {
			{work("W1"), work("W2")},
			{work("W3")},
		},
	}}
	papers := &fakePaperStore{}
	cursors := &fakeCursorStore{}
	p, _, _, _ := newTestPipeline(provider, papers, cursors)

	n, err := p.IngestConcept(context.Background(), "C1", 5)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, papers.calls, 3)

	// Only the final page's last work carries the cursor upsert.
	assert.Nil(t, papers.calls[0].cursor)
	assert.Nil(t, papers.calls[1].cursor)
	require.NotNil(t, papers.calls[2].cursor)
	assert.Equal(t, "C1", papers.calls[2].cursor.ConceptID)
	assert.Equal(t, 2, papers.calls[2].cursor.PagesIngested)
	// No out-of-band mark needed.
	assert.Empty(t, cursors.marks)
}

func TestIngestConceptZeroWorksStillMarksCursor(t *testing.T) {
	provider := &fakeProvider{pages: map[string][][]domain.Work{}}
	papers := &fakePaperStore{}
	cursors := &fakeCursorStore{}
	p, _, _, _ := newTestPipeline(provider, papers, cursors)

	n, err := p.IngestConcept(context.Background(), "C9", 3)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 0, cursors.marks["C9"])
	_, marked := cursors.marks["C9"]
	assert.True(t, marked)
}

func TestIngestConceptSkipsFailingWorks(t *testing.T) {
	provider := &fakeProvider{pages: map[string][][]domain.Work{
		"C1": {{work("W1"), work("W2"), work("W3")}},
	}}
	papers := &fakePaperStore{failFor: map[string]bool{"W2": true}}
	cursors := &fakeCursorStore{}
	p, _, _, _ := newTestPipeline(provider, papers, cursors)

	n, err := p.IngestConcept(context.Background(), "C1", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIngestConceptsAllSucceed(t *testing.T) {
	provider := &fakeProvider{pages: map[string][][]domain.Work{
		"C1": {{work("W1")}},
		"C2": {{work("W2")}},
	}}
	papers := &fakePaperStore{}
	cursors := &fakeCursorStore{}
	p, _, _, _ := newTestPipeline(provider, papers, cursors)

	res, err := p.IngestConcepts(context.Background(), []string{"C1", "C2", "C3"}, 1, 2, false)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Success)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 1, cursors.ensured)
}

type failingPagerProvider struct {
	*fakeProvider
	failConcept string
}

func (f *failingPagerProvider) WorksByConcept(conceptID string, maxPages int) WorksPager {
	if conceptID == f.failConcept {
		return &errorPager{}
	}
	return f.fakeProvider.WorksByConcept(conceptID, maxPages)
}

type errorPager struct{}

func (e *errorPager) Next(context.Context) ([]domain.Work, error) {
	return nil, errors.New("upstream exploded")
}
func (e *errorPager) Exhausted() bool { return false }

func TestIngestConceptsFailureIsolation(t *testing.T) {
	inner := &fakeProvider{pages: map[string][][]domain.Work{
		"C1": {{work("W1")}},
		"C3": {{work("W3")}},
	}}
	provider := &failingPagerProvider{fakeProvider: inner, failConcept: "C2"}
	papers := &fakePaperStore{}
	cursors := &fakeCursorStore{}

	p := NewPipeline(Config{
		Provider: provider,
		Papers:   papers,
		Cursors:  cursors,
		Concepts: &fakeConceptStore{},
		Sources:  &fakeSourceStore{},
		Authors:  &fakeAuthorStore{},
	})

	res, err := p.IngestConcepts(context.Background(), []string{"C1", "C2", "C3"}, 1, 2, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Success)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{"C2"}, res.FailedIDs)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, "upstream exploded")
}

func TestIngestConceptsSkipExisting(t *testing.T) {
	provider := &fakeProvider{pages: map[string][][]domain.Work{
		"C1": {{work("W1")}},
		"C2": {{work("W2")}},
	}}
	papers := &fakePaperStore{}
	cursors := &fakeCursorStore{ingested: map[string]bool{"C1": true}}
	p, _, _, _ := newTestPipeline(provider, papers, cursors)

	res, err := p.IngestConcepts(context.Background(), []string{"C1", "C2"}, 1, 2, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)
	require.Len(t, papers.calls, 1)
	assert.Equal(t, "W2", papers.calls[0].openalexID)
}

func TestIngestConceptsBoundsConcurrency(t *testing.T) {
	pages := map[string][][]domain.Work{}
	var ids []string
	for i := 0; i < 30; i++ {
		id := fmt.Sprintf("C%d", i)
		ids = append(ids, id)
		pages[id] = [][]domain.Work{{work(fmt.Sprintf("W%d", i))}}
	}
	provider := &fakeProvider{pages: pages}
	papers := &fakePaperStore{}
	cursors := &fakeCursorStore{}
	p, _, _, _ := newTestPipeline(provider, papers, cursors)

	res, err := p.IngestConcepts(context.Background(), ids, 1, 64, false)
	require.NoError(t, err)
	assert.Equal(t, 30, res.Success)
	assert.LessOrEqual(t, provider.maxActive.Load(), int32(MaxWorkers))
}

func TestResolveFieldsDedup(t *testing.T) {
	provider := &fakeProvider{concepts: map[string][]domain.Concept{
		"machine learning": {{ID: "C1", Name: "Machine learning", WorksCount: 100}},
		"ml":               {{ID: "C1", Name: "Machine learning", WorksCount: 200}},
		"databases":        {{ID: "C2", Name: "Database", WorksCount: 50}},
	}}
	p, _, _, _ := newTestPipeline(provider, &fakePaperStore{}, &fakeCursorStore{})

	concepts, err := p.ResolveFields(context.Background(), []string{"machine learning", "ml", "databases"}, 1)
	require.NoError(t, err)
	require.Len(t, concepts, 2)
	assert.Equal(t, "C1", concepts[0].ID)
	assert.Equal(t, int64(200), concepts[0].WorksCount) // keep-max on dedup
	assert.Equal(t, "C2", concepts[1].ID)
}

func TestBackfillSourcesTwoPhases(t *testing.T) {
	w := work("W1")
	w.SourceID = "S1"
	provider := &fakeProvider{
		works:   map[string]domain.Work{"W1": w},
		sources: map[string]domain.Source{"S1": {ID: "S1", Name: "Journal One"}},
	}
	papers := &fakePaperStore{}
	cursors := &fakeCursorStore{}
	p, _, sources, _ := newTestPipeline(provider, papers, cursors)

	// Wire the selections through stubs.
	sources.missing = []string{"S1"}
	withMissing := &paperStoreWithMissing{fakePaperStore: papers, missingSource: []string{"W1"}}
	p.papers = withMissing

	res, err := p.BackfillSources(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PapersLinked)
	assert.Equal(t, 1, res.SourcesFetched)
	assert.Equal(t, "S1", papers.sourceLinks["W1"])
	assert.Equal(t, []string{"S1"}, sources.upserts)
}

type paperStoreWithMissing struct {
	*fakePaperStore
	missingSource []string
}

func (f *paperStoreWithMissing) OpenAlexIDsMissingSource(context.Context) ([]string, error) {
	return f.missingSource, nil
}

func TestEnrichConcepts(t *testing.T) {
	provider := &fakeProvider{}
	p, concepts, _, _ := newTestPipeline(provider, &fakePaperStore{}, &fakeCursorStore{})
	concepts.missing = []string{"C1", "C2"}

	n, err := p.EnrichConcepts(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"C1", "C2"}, concepts.upserts)
}

func TestEnrichAuthors(t *testing.T) {
	provider := &fakeProvider{authors: map[string]domain.AuthorDetails{
		"A1": {FullName: "Alice", ExternalIDs: map[string]string{"openalex": "A1"}},
	}}
	p, _, _, authors := newTestPipeline(provider, &fakePaperStore{}, &fakeCursorStore{})
	authors.ids = []string{"A1", "A404"} // second one fails to fetch, is skipped

	n, err := p.EnrichAuthors(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"A1"}, authors.upserts)
}
