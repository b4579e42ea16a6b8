package ingestion

import (
	"github.com/litscout/backend/pkg/openalex"
)

// openAlexProvider adapts *openalex.Client to the Provider interface; the
// only impedance is the pager's concrete return type.
type openAlexProvider struct {
	*openalex.Client
}

// NewOpenAlexProvider wraps the client for use by the pipeline.
func NewOpenAlexProvider(c *openalex.Client) Provider {
	return openAlexProvider{Client: c}
}

func (p openAlexProvider) WorksByConcept(conceptID string, maxPages int) WorksPager {
	return p.Client.WorksByConcept(conceptID, maxPages)
}
