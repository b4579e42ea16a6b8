package domain

// Concept is a topical tag from the scholarly metadata provider.
// Level 0 is the top of the concept tree; higher levels are finer.
type Concept struct {
	ID              string
	Name            string
	Level           int
	Description     string
	WorksCount      int64
	CitedByCount    int64
	RelatedConcepts []RelatedConcept
}

// RelatedConcept is a lightweight reference to a neighboring concept.
type RelatedConcept struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Level int     `json:"level"`
	Score float64 `json:"score,omitempty"`
}
