package openalex

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortenID(t *testing.T) {
	assert.Equal(t, "C41008148", ShortenID("https://openalex.org/C41008148"))
	assert.Equal(t, "W123", ShortenID("W123"))
	assert.Equal(t, "", ShortenID(""))
}

func TestReconstructAbstract(t *testing.T) {
	abstract := ReconstructAbstract(map[string][]int{
		"networks": {2},
		"graph":    {0},
		"neural":   {1},
		"for":      {3},
		"graphs":   {4},
	})
	assert.Equal(t, "graph neural networks for graphs", abstract)
}

func TestReconstructAbstractRepeatedWords(t *testing.T) {
	abstract := ReconstructAbstract(map[string][]int{
		"the": {0, 3},
		"cat": {1},
		"sat": {2},
		"mat": {4},
	})
	assert.Equal(t, "the cat sat the mat", abstract)

	// Round-trip: every word's positions match the inverted index.
	words := strings.Split(abstract, " ")
	positions := map[string][]int{}
	for i, w := range words {
		positions[w] = append(positions[w], i)
	}
	assert.Equal(t, []int{0, 3}, positions["the"])
	assert.Equal(t, []int{4}, positions["mat"])
}

func TestReconstructAbstractEmpty(t *testing.T) {
	assert.Equal(t, "", ReconstructAbstract(nil))
	assert.Equal(t, "", ReconstructAbstract(map[string][]int{}))
}

func TestNormalizeWorkTitle(t *testing.T) {
	w := NormalizeWork(&workJSON{Title: "  A \n\t Messy   Title  "})
	assert.Equal(t, "A Messy Title", w.Title)

	w = NormalizeWork(&workJSON{Title: "   "})
	assert.Equal(t, "(untitled)", w.Title)

	w = NormalizeWork(&workJSON{Title: "", DisplayName: "Display Name"})
	assert.Equal(t, "Display Name", w.Title)
}

func TestNormalizeWorkConcepts(t *testing.T) {
	w := NormalizeWork(&workJSON{
		Title: "t",
		Concepts: []workConceptJSON{
			{ID: "https://openalex.org/C1", DisplayName: "ML", Level: 1, Score: 0.9},
			{ID: "https://openalex.org/C1", DisplayName: "ML", Level: 1, Score: 0.4}, // dup, lower
			{ID: "https://openalex.org/C2", DisplayName: "DB", Level: 1, Score: 0},   // dropped
			{ID: "https://openalex.org/C3", DisplayName: "AI", Level: 0, Score: -0.1},
			{ID: "https://openalex.org/C4", DisplayName: "NLP", Level: 2, Score: 0.5},
		},
	})

	require.Len(t, w.Concepts, 2)
	assert.Equal(t, 0.9, w.Concepts["C1"].Score)
	assert.Equal(t, 0.5, w.Concepts["C4"].Score)
	for _, ref := range w.Concepts {
		assert.Greater(t, ref.Score, 0.0)
		assert.LessOrEqual(t, ref.Score, 1.0)
	}
	// Primary field follows the highest-scoring concept.
	assert.Equal(t, "ML", w.Field)
}

func TestNormalizeWorkIDs(t *testing.T) {
	w := NormalizeWork(&workJSON{
		ID:    "https://openalex.org/W42",
		Title: "t",
		DOI:   "https://doi.org/10.1234/abc",
		IDs: map[string]interface{}{
			"openalex": "https://openalex.org/W42",
			"mag":      float64(2741809807), // numeric in provider JSON
		},
		ReferencedWorks: []string{"https://openalex.org/W1", "https://openalex.org/W2"},
	})

	assert.Equal(t, "W42", w.OpenAlexID())
	assert.Equal(t, "10.1234/abc", w.DOI)
	assert.Equal(t, "2741809807", w.ExternalIDs["mag"])
	assert.Equal(t, []string{"W1", "W2"}, w.ReferencedWorks)
}

func TestNormalizeWorkAuthors(t *testing.T) {
	raw := &workJSON{Title: "t"}
	raw.Authorships = []authorshipJSON{
		{IsCorresponding: true},
		{},
	}
	raw.Authorships[0].Author.ID = "https://openalex.org/A1"
	raw.Authorships[0].Author.DisplayName = "Ada Lovelace"
	raw.Authorships[0].Author.Orcid = "https://orcid.org/0000-0001-0002-0003"
	raw.Authorships[1].Author.DisplayName = "  " // dropped: no name

	w := NormalizeWork(raw)
	require.Len(t, w.Authors, 1)
	a := w.Authors[0]
	assert.Equal(t, "Ada Lovelace", a.FullName)
	assert.Equal(t, 1, a.Order)
	assert.True(t, a.IsCorresponding)
	assert.Equal(t, "0000-0001-0002-0003", a.Orcid)
	assert.Equal(t, "A1", a.ExternalIDs["openalex"])
}

func TestNormalizeWorkSource(t *testing.T) {
	raw := &workJSON{Title: "t", PrimaryLocation: &locationJSON{}}
	raw.PrimaryLocation.Source = &struct {
		ID                   string `json:"id"`
		DisplayName          string `json:"display_name"`
		HostOrganization     string `json:"host_organization"`
		HostOrganizationName string `json:"host_organization_name"`
	}{
		ID:               "https://openalex.org/S1",
		HostOrganization: "https://openalex.org/P1",
	}

	w := NormalizeWork(raw)
	assert.Equal(t, "S1", w.SourceID)
	assert.Equal(t, "P1", w.PublisherID)
}
