package openalex

import (
	"sort"
	"strconv"
	"strings"

	"github.com/litscout/backend/internal/domain"
)

// ─── Provider response types ────────────────────────────────────────────────

type worksResponse struct {
	Meta struct {
		Count      int     `json:"count"`
		NextCursor *string `json:"next_cursor"`
	} `json:"meta"`
	Results []workJSON `json:"results"`
}

type conceptsResponse struct {
	Results []conceptJSON `json:"results"`
}

type workJSON struct {
	ID                    string             `json:"id"`
	Title                 string             `json:"title"`
	DisplayName           string             `json:"display_name"`
	AbstractInvertedIndex map[string][]int   `json:"abstract_inverted_index"`
	PublicationYear       *int               `json:"publication_year"`
	PublicationDate       string             `json:"publication_date"`
	DOI                   string             `json:"doi"`
	Language              string             `json:"language"`
	ReferencedWorks       []string           `json:"referenced_works"`
	Concepts              []workConceptJSON  `json:"concepts"`
	Authorships           []authorshipJSON   `json:"authorships"`
	PrimaryLocation       *locationJSON      `json:"primary_location"`
	// The ids object mixes strings with numbers (mag is numeric).
	IDs map[string]interface{} `json:"ids"`
}

type workConceptJSON struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name"`
	Level       int     `json:"level"`
	Score       float64 `json:"score"`
}

type authorshipJSON struct {
	AuthorPosition  string `json:"author_position"`
	IsCorresponding bool   `json:"is_corresponding"`
	Author          struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
		Orcid       string `json:"orcid"`
	} `json:"author"`
	Institutions []struct {
		DisplayName string `json:"display_name"`
	} `json:"institutions"`
}

type locationJSON struct {
	Source *struct {
		ID                   string `json:"id"`
		DisplayName          string `json:"display_name"`
		HostOrganization     string `json:"host_organization"`
		HostOrganizationName string `json:"host_organization_name"`
	} `json:"source"`
}

type conceptJSON struct {
	ID              string  `json:"id"`
	DisplayName     string  `json:"display_name"`
	Description     string  `json:"description"`
	Level           int     `json:"level"`
	WorksCount      int64   `json:"works_count"`
	CitedByCount    int64   `json:"cited_by_count"`
	RelatedConcepts []struct {
		ID          string  `json:"id"`
		DisplayName string  `json:"display_name"`
		Level       int     `json:"level"`
		Score       float64 `json:"score"`
	} `json:"related_concepts"`
}

type sourceJSON struct {
	ID                   string   `json:"id"`
	DisplayName          string   `json:"display_name"`
	Type                 string   `json:"type"`
	HostOrganization     string   `json:"host_organization"`
	HostOrganizationName string   `json:"host_organization_name"`
	CountryCode          string   `json:"country_code"`
	ISSNL                string   `json:"issn_l"`
	ISSN                 []string `json:"issn"`
	IsOA                 bool     `json:"is_oa"`
	IsInDOAJ             bool     `json:"is_in_doaj"`
	WorksCount           int64    `json:"works_count"`
	CitedByCount         int64    `json:"cited_by_count"`
	HomepageURL          string   `json:"homepage_url"`
}

type authorJSON struct {
	ID           string                 `json:"id"`
	DisplayName  string                 `json:"display_name"`
	Orcid        string                 `json:"orcid"`
	WorksCount   int64                  `json:"works_count"`
	CitedByCount int64                  `json:"cited_by_count"`
	IDs          map[string]interface{} `json:"ids"`
	Affiliations []struct {
		Institution institutionJSON `json:"institution"`
		Years       []int           `json:"years"`
	} `json:"affiliations"`
	LastKnownInstitutions []institutionJSON `json:"last_known_institutions"`
	Topics                []struct {
		ID          string  `json:"id"`
		DisplayName string  `json:"display_name"`
		Count       int64   `json:"count"`
		Share       float64 `json:"share"`
	} `json:"topics"`
}

type institutionJSON struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	CountryCode string `json:"country_code"`
	Type        string `json:"type"`
}

// ─── Normalization ──────────────────────────────────────────────────────────

// ShortenID reduces a full OpenAlex URL id to its trailing segment, e.g.
// "https://openalex.org/C41008148" → "C41008148".
func ShortenID(full string) string {
	if full == "" {
		return ""
	}
	if idx := strings.LastIndex(full, "/"); idx >= 0 {
		return full[idx+1:]
	}
	return full
}

// CollapseWhitespace joins all whitespace-separated fields with single
// spaces, trimming the ends.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

const untitled = "(untitled)"

// NormalizeWork transforms a provider work into the internal record:
// whitespace-collapsed title with an "(untitled)" fallback, abstract decoded
// from the inverted index, short ids everywhere, concept scores ≤0 dropped
// (keep-max on duplicate ids), primary field from the highest-scoring
// concept.
func NormalizeWork(w *workJSON) domain.Work {
	title := CollapseWhitespace(w.Title)
	if title == "" {
		title = CollapseWhitespace(w.DisplayName)
	}
	if title == "" {
		title = untitled
	}

	concepts := make(map[string]domain.ConceptRef, len(w.Concepts))
	var field string
	var fieldScore float64
	for _, c := range w.Concepts {
		if c.Score <= 0 {
			continue
		}
		id := ShortenID(c.ID)
		if id == "" {
			continue
		}
		if prev, ok := concepts[id]; !ok || c.Score > prev.Score {
			concepts[id] = domain.ConceptRef{Name: c.DisplayName, Level: c.Level, Score: c.Score}
		}
		if c.Score > fieldScore {
			fieldScore = c.Score
			field = c.DisplayName
		}
	}

	authors := make([]domain.WorkAuthor, 0, len(w.Authorships))
	for i, a := range w.Authorships {
		name := strings.TrimSpace(a.Author.DisplayName)
		if name == "" {
			continue
		}
		affiliation := ""
		if len(a.Institutions) > 0 {
			affiliation = a.Institutions[0].DisplayName
		}
		ext := map[string]string{}
		if a.Author.ID != "" {
			ext["openalex"] = ShortenID(a.Author.ID)
		}
		if a.Author.Orcid != "" {
			ext["orcid"] = a.Author.Orcid
		}
		authors = append(authors, domain.WorkAuthor{
			FullName:        name,
			Order:           i + 1,
			IsCorresponding: a.IsCorresponding,
			Orcid:           stripOrcidURL(a.Author.Orcid),
			Affiliation:     affiliation,
			ExternalIDs:     ext,
		})
	}

	ext := map[string]string{}
	if w.ID != "" {
		ext["openalex"] = ShortenID(w.ID)
	}
	for ns, raw := range w.IDs {
		id := idString(raw)
		if ns == "openalex" || id == "" {
			continue
		}
		ext[ns] = ShortenID(id)
	}

	referenced := make([]string, 0, len(w.ReferencedWorks))
	for _, r := range w.ReferencedWorks {
		referenced = append(referenced, ShortenID(r))
	}

	var sourceID, publisherID string
	if w.PrimaryLocation != nil && w.PrimaryLocation.Source != nil {
		sourceID = ShortenID(w.PrimaryLocation.Source.ID)
		publisherID = ShortenID(w.PrimaryLocation.Source.HostOrganization)
	}

	return domain.Work{
		Title:           title,
		Abstract:        ReconstructAbstract(w.AbstractInvertedIndex),
		Year:            w.PublicationYear,
		PublicationDate: w.PublicationDate,
		DOI:             stripDOIURL(w.DOI),
		Field:           field,
		Language:        w.Language,
		SourceID:        sourceID,
		PublisherID:     publisherID,
		ReferencedWorks: referenced,
		Concepts:        concepts,
		ExternalIDs:     ext,
		Authors:         authors,
	}
}

func normalizeConcept(c *conceptJSON) domain.Concept {
	related := make([]domain.RelatedConcept, 0, len(c.RelatedConcepts))
	for _, rc := range c.RelatedConcepts {
		related = append(related, domain.RelatedConcept{
			ID:    ShortenID(rc.ID),
			Name:  rc.DisplayName,
			Level: rc.Level,
			Score: rc.Score,
		})
	}
	return domain.Concept{
		ID:              ShortenID(c.ID),
		Name:            c.DisplayName,
		Level:           c.Level,
		Description:     c.Description,
		WorksCount:      c.WorksCount,
		CitedByCount:    c.CitedByCount,
		RelatedConcepts: related,
	}
}

func normalizeSource(s *sourceJSON) domain.Source {
	return domain.Source{
		ID:                   ShortenID(s.ID),
		Name:                 s.DisplayName,
		SourceType:           s.Type,
		HostOrganizationID:   ShortenID(s.HostOrganization),
		HostOrganizationName: s.HostOrganizationName,
		CountryCode:          s.CountryCode,
		ISSNL:                s.ISSNL,
		ISSN:                 s.ISSN,
		IsOA:                 s.IsOA,
		IsInDOAJ:             s.IsInDOAJ,
		WorksCount:           s.WorksCount,
		CitedByCount:         s.CitedByCount,
		HomepageURL:          s.HomepageURL,
	}
}

func normalizeAuthor(a *authorJSON) domain.AuthorDetails {
	affiliations := make([]domain.Institution, 0, len(a.Affiliations))
	for _, aff := range a.Affiliations {
		affiliations = append(affiliations, domain.Institution{
			ID:          ShortenID(aff.Institution.ID),
			Name:        aff.Institution.DisplayName,
			CountryCode: aff.Institution.CountryCode,
			Type:        aff.Institution.Type,
			Years:       aff.Years,
		})
	}

	lastKnown := make([]domain.Institution, 0, len(a.LastKnownInstitutions))
	for _, inst := range a.LastKnownInstitutions {
		lastKnown = append(lastKnown, domain.Institution{
			ID:          ShortenID(inst.ID),
			Name:        inst.DisplayName,
			CountryCode: inst.CountryCode,
			Type:        inst.Type,
		})
	}

	topics := make([]domain.AuthorTopic, 0, len(a.Topics))
	for _, t := range a.Topics {
		topics = append(topics, domain.AuthorTopic{
			ID:    ShortenID(t.ID),
			Name:  t.DisplayName,
			Count: t.Count,
			Share: t.Share,
		})
	}

	ext := map[string]string{}
	if a.ID != "" {
		ext["openalex"] = ShortenID(a.ID)
	}
	for ns, raw := range a.IDs {
		id := idString(raw)
		if ns == "openalex" || id == "" {
			continue
		}
		ext[ns] = id
	}

	return domain.AuthorDetails{
		FullName:              a.DisplayName,
		Orcid:                 stripOrcidURL(a.Orcid),
		WorksCount:            a.WorksCount,
		CitedByCount:          a.CitedByCount,
		Affiliations:          affiliations,
		LastKnownInstitutions: lastKnown,
		Topics:                topics,
		ExternalIDs:           ext,
	}
}

// ReconstructAbstract rebuilds a plain-text abstract from the provider's
// inverted-index representation {"word": [pos, ...], ...}, joining words by
// ascending position with single spaces.
func ReconstructAbstract(invertedIndex map[string][]int) string {
	if len(invertedIndex) == 0 {
		return ""
	}

	type wordPos struct {
		pos  int
		word string
	}

	var pairs []wordPos
	for word, positions := range invertedIndex {
		for _, pos := range positions {
			pairs = append(pairs, wordPos{pos: pos, word: word})
		}
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].pos < pairs[j].pos })

	words := make([]string, 0, len(pairs))
	for _, p := range pairs {
		words = append(words, p.word)
	}
	return strings.Join(words, " ")
}

// idString flattens one value of a provider ids object. Numeric ids (mag)
// arrive as JSON numbers and are rendered without an exponent.
func idString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return ""
	}
}

func stripDOIURL(doi string) string {
	doi = strings.TrimPrefix(doi, "https://doi.org/")
	doi = strings.TrimPrefix(doi, "http://doi.org/")
	return doi
}

func stripOrcidURL(orcid string) string {
	orcid = strings.TrimPrefix(orcid, "https://orcid.org/")
	return strings.Trim(orcid, "/")
}
