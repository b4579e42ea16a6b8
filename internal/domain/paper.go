package domain

// ConceptRef is one entry of a paper's concept map, keyed by the short
// OpenAlex concept id (e.g. "C41008148"). Scores are provider-assigned and
// always in (0, 1] after normalization.
type ConceptRef struct {
	Name  string  `json:"name"`
	Level int     `json:"level"`
	Score float64 `json:"score"`
}

// Work is the normalized paper record produced at the ingestion boundary.
// Downstream code only ever sees this shape, never raw provider JSON.
type Work struct {
	Title           string
	Abstract        string
	Conclusion      string
	Year            *int
	PublicationDate string
	DOI             string
	Field           string
	Language        string
	SourceID        string
	PublisherID     string
	ReferencedWorks []string
	Concepts        map[string]ConceptRef
	ExternalIDs     map[string]string
	Authors         []WorkAuthor
}

// WorkAuthor is an author as it appears on a specific work.
type WorkAuthor struct {
	FullName        string
	Order           int // 1-based
	IsCorresponding bool
	Orcid           string
	Affiliation     string
	ExternalIDs     map[string]string
}

// OpenAlexID returns the short provider id of the work, if known.
func (w *Work) OpenAlexID() string {
	return w.ExternalIDs["openalex"]
}

// PaperMeta is the stored paper metadata carried through search results.
type PaperMeta struct {
	PaperID     int64             `json:"paper_id"`
	Title       string            `json:"title"`
	Abstract    string            `json:"abstract,omitempty"`
	ExternalIDs map[string]string `json:"external_ids,omitempty"`
	SourceID    string            `json:"source_id,omitempty"`
}
