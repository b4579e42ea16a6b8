package openalex

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL}), srv
}

func TestGetRetriesOn429WithRetryAfter(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"results": []}`)
	}))

	var resp conceptsResponse
	err := client.getJSON(context.Background(), client.baseURL+"/concepts", &resp)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"results": []}`)
	}))

	var resp conceptsResponse
	err := client.getJSON(context.Background(), client.baseURL+"/concepts", &resp)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetDoesNotRetryOn404(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "not found", http.StatusNotFound)
	}))

	_, err := client.get(context.Background(), client.baseURL+"/concepts/C404")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetHonorsContextCancellation(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.get(ctx, client.baseURL+"/anything")
	require.Error(t, err)
}

func TestWorksPagerPagination(t *testing.T) {
	pages := map[string]string{
		"*": `{"meta": {"count": 3, "next_cursor": "c2"},
			  "results": [{"id": "https://openalex.org/W1", "title": "one"},
			              {"id": "https://openalex.org/W2", "title": "two"}]}`,
		"c2": `{"meta": {"count": 3, "next_cursor": null},
			   "results": [{"id": "https://openalex.org/W3", "title": "three"}]}`,
	}
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursor := r.URL.Query().Get("cursor")
		assert.Equal(t, "200", r.URL.Query().Get("per-page"))
		body, ok := pages[cursor]
		require.True(t, ok, "unexpected cursor %q", cursor)
		fmt.Fprint(w, body)
	}))

	pager := client.WorksByConcept("C1", 10)

	page1, err := pager.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "one", page1[0].Title)
	assert.False(t, pager.Exhausted())

	page2, err := pager.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.True(t, pager.Exhausted())

	page3, err := pager.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, page3)
}

func TestWorksPagerDecodesNumericIDs(t *testing.T) {
	// The provider's ids object carries mag as a bare JSON number.
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"meta": {"count": 1, "next_cursor": null},
			"results": [{"id": "https://openalex.org/W1", "title": "t",
				"ids": {"openalex": "https://openalex.org/W1", "mag": 2741809807}}]}`)
	}))

	pager := client.WorksByConcept("C1", 1)
	page, err := pager.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "W1", page[0].OpenAlexID())
	assert.Equal(t, "2741809807", page[0].ExternalIDs["mag"])
}

func TestWorksPagerMaxPages(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"meta": {"count": 1000, "next_cursor": "more"},
			"results": [{"id": "https://openalex.org/W1", "title": "t"}]}`)
	}))

	pager := client.WorksByConcept("C1", 2)
	for i := 0; i < 2; i++ {
		page, err := pager.Next(context.Background())
		require.NoError(t, err)
		require.NotNil(t, page)
	}
	assert.True(t, pager.Exhausted())

	page, err := pager.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, page)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWorksByIDs(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "openalex:W1|W2", r.URL.Query().Get("filter"))
		fmt.Fprint(w, `{"meta": {"count": 2, "next_cursor": null},
			"results": [
				{"id": "https://openalex.org/W1", "title": "one", "ids": {"openalex": "https://openalex.org/W1"}},
				{"id": "https://openalex.org/W2", "title": "two", "ids": {"openalex": "https://openalex.org/W2"}}
			]}`)
	}))

	works, err := client.WorksByIDs(context.Background(), []string{"W1", "W2"})
	require.NoError(t, err)
	require.Len(t, works, 2)
	assert.Equal(t, "one", works["W1"].Title)
	assert.Equal(t, "two", works["W2"].Title)
}

func TestSearchConcepts(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/concepts", r.URL.Path)
		assert.Equal(t, "machine learning", r.URL.Query().Get("search"))
		assert.Equal(t, "works_count:desc", r.URL.Query().Get("sort"))
		fmt.Fprint(w, `{"results": [
			{"id": "https://openalex.org/C1", "display_name": "Machine learning",
			 "level": 1, "works_count": 9000}
		]}`)
	}))

	concepts, err := client.SearchConcepts(context.Background(), "machine learning", 1)
	require.NoError(t, err)
	require.Len(t, concepts, 1)
	assert.Equal(t, "C1", concepts[0].ID)
	assert.Equal(t, int64(9000), concepts[0].WorksCount)
}
