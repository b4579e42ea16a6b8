package domain

// Institution is an affiliation record as returned by the provider.
type Institution struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	Type        string `json:"type,omitempty"`
	Years       []int  `json:"years,omitempty"`
}

// AuthorDetails is the full author record written by enrichment.
type AuthorDetails struct {
	FullName              string
	Orcid                 string
	WorksCount            int64
	CitedByCount          int64
	Affiliations          []Institution
	LastKnownInstitutions []Institution
	Topics                []AuthorTopic
	ExternalIDs           map[string]string
}

// AuthorTopic is one of the provider's per-author topic entries.
type AuthorTopic struct {
	ID    string  `json:"id,omitempty"`
	Name  string  `json:"name,omitempty"`
	Count int64   `json:"count,omitempty"`
	Share float64 `json:"share,omitempty"`
}
