package domain

// Source is a publishing venue: journal, conference proceedings, or
// repository. The id is the provider's short id (e.g. "S137773608").
type Source struct {
	ID                   string
	Name                 string
	SourceType           string
	HostOrganizationID   string
	HostOrganizationName string
	CountryCode          string
	ISSNL                string
	ISSN                 []string
	IsOA                 bool
	IsInDOAJ             bool
	WorksCount           int64
	CitedByCount         int64
	HomepageURL          string
}
