package search

import "github.com/litscout/backend/internal/domain"

// PaperResult is one direct vector search hit.
type PaperResult struct {
	domain.PaperMeta
	Distance   float64 `json:"distance"`
	Similarity float64 `json:"similarity"`
}

// PapersResult is the paginated output of the papers mode.
type PapersResult struct {
	Papers []PaperResult `json:"papers"`
	Total  int64         `json:"total"`
}

// ConceptResult is one concept hit; Papers is filled only by the
// concept-mediated mode, as the per-concept explanation list.
type ConceptResult struct {
	ConceptID   string               `json:"concept_id"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Distance    float64              `json:"distance"`
	Similarity  float64              `json:"similarity"`
	Papers      []ConceptPaperResult `json:"papers,omitempty"`
}

// ConceptPaperResult is one paper matched under a specific concept.
type ConceptPaperResult struct {
	PaperID       int64   `json:"paper_id"`
	Title         string  `json:"title"`
	ConceptScore  float64 `json:"concept_score"`
	MatchingScore float64 `json:"matching_score"`
}

// ConceptsResult is the paginated output of the concepts mode.
type ConceptsResult struct {
	Concepts []ConceptResult `json:"concepts"`
	Total    int64           `json:"total"`
}

// ScoredPaper is one paper of the concept-mediated flat list.
type ScoredPaper struct {
	domain.PaperMeta
	TotalScore float64 `json:"total_score"`
}

// ViaConceptsResult pairs the top concepts (with their per-concept paper
// lists) with the aggregated, paginated flat paper list.
type ViaConceptsResult struct {
	Concepts    []ConceptResult `json:"concepts"`
	Papers      []ScoredPaper   `json:"papers"`
	TotalPapers int             `json:"total_papers"`
}

// HybridPaper carries both legs of the combined score.
type HybridPaper struct {
	domain.PaperMeta
	PaperScore    float64 `json:"paper_score"`
	ConceptScore  float64 `json:"concept_score"`
	CombinedScore float64 `json:"combined_score"`
}

// HybridResult is the paginated output of the hybrid mode.
type HybridResult struct {
	Papers []HybridPaper `json:"papers"`
	Total  int           `json:"total"`
}

// SourceResult is one venue with its aggregate over contributing papers.
type SourceResult struct {
	SourceID       string  `json:"source_id"`
	Name           string  `json:"name,omitempty"`
	AggregateScore float64 `json:"aggregate_score"`
	PaperIDs       []int64 `json:"paper_ids"`
}

// SourcesResult is the paginated output of the venue mode.
type SourcesResult struct {
	Sources []SourceResult `json:"sources"`
	Total   int            `json:"total"`
}

// AuthorResult is one author with the share-aggregated score.
type AuthorResult struct {
	AuthorID int64   `json:"author_id"`
	FullName string  `json:"full_name"`
	Score    float64 `json:"score"`
	PaperIDs []int64 `json:"paper_ids"`
}

// AuthorsResult is the paginated output of the author mode.
type AuthorsResult struct {
	Authors []AuthorResult `json:"authors"`
	Total   int            `json:"total"`
}

// Similarity maps an L2 distance on unit vectors into (0, 1], monotone
// decreasing in distance.
func Similarity(distance float64) float64 {
	return 1.0 / (1.0 + distance)
}
