package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/litscout/backend/internal/domain"
	"github.com/litscout/backend/internal/repository/postgres"
	"github.com/litscout/backend/pkg/encoder"
)

const (
	DefaultLimit            = 10
	DefaultConceptsLimit    = 5
	DefaultPapersPerConcept = 10
	DefaultPaperWeight      = 0.8
	DefaultConceptWeight    = 0.2

	// The historical default both weights once shared; renormalization
	// replaces the weight still equal to it. Compatibility rule, not policy.
	legacyDefaultWeight = 0.4

	// Venue aggregation runs the hybrid ranker effectively unbounded.
	sourceSearchLimit = 1_000_000_000
)

// Store is the slice of the repository layer the engine reads from.
type Store interface {
	IndexStore
	AnnSearchPapers(ctx context.Context, query []float32, model string, limit, offset, probes int) ([]postgres.AnnPaperHit, error)
	AnnSearchPapersByIDs(ctx context.Context, query []float32, model string, ids []int64) ([]postgres.AnnPaperHit, error)
	AnnSearchConcepts(ctx context.Context, query []float32, model string, limit, offset, probes int) ([]postgres.AnnConceptHit, error)
	PapersByConcepts(ctx context.Context, conceptIDs []string, similarities []float64, perConcept int) ([]postgres.ConceptPaperMatch, error)
	PapersConceptsBlob(ctx context.Context, paperIDs []int64) (map[int64]map[string]domain.ConceptRef, error)
	PaperMetaByIDs(ctx context.Context, paperIDs []int64) (map[int64]domain.PaperMeta, error)
	ConceptMetaByIDs(ctx context.Context, conceptIDs []string) (map[string]domain.Concept, error)
	PaperAuthors(ctx context.Context, paperIDs []int64) ([]postgres.PaperAuthorRow, error)
	PaperEmbeddingCount(ctx context.Context, model string) (int64, error)
	ConceptEmbeddingCount(ctx context.Context, model string) (int64, error)
	SourceNames(ctx context.Context, ids []string) (map[string]string, error)
}

// Params are the knobs shared by all search modes. Zero values resolve to
// defaults in normalize.
type Params struct {
	Query            string
	Limit            int
	Offset           int
	ConceptsLimit    int // K_c: top concepts considered by the mediated modes
	PapersPerConcept int // K_p: papers kept per concept
	PaperWeight      float64
	ConceptWeight    float64
	ShareByOrder     bool // author mode: weight shares by author order
}

func (p *Params) normalize() {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.ConceptsLimit <= 0 {
		p.ConceptsLimit = DefaultConceptsLimit
	}
	if p.PapersPerConcept <= 0 {
		p.PapersPerConcept = DefaultPapersPerConcept
	}
	if p.PaperWeight == 0 && p.ConceptWeight == 0 {
		p.PaperWeight = DefaultPaperWeight
		p.ConceptWeight = DefaultConceptWeight
	}
	if sum := p.PaperWeight + p.ConceptWeight; sum != 1 {
		if p.PaperWeight == legacyDefaultWeight {
			p.PaperWeight = 1 - p.ConceptWeight
		} else {
			p.ConceptWeight = 1 - p.PaperWeight
		}
	}
}

// Engine runs the search modes against one store, one encoder, and one
// model label. Safe for concurrent use.
type Engine struct {
	store Store
	enc   encoder.Encoder
	tuner *Tuner
	model string
	log   *zap.SugaredLogger
}

func NewEngine(store Store, enc encoder.Encoder, model string, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		store: store,
		enc:   enc,
		tuner: NewTuner(store, log),
		model: model,
		log:   log,
	}
}

// embedQuery returns nil without calling the encoder when the query is
// blank; every mode maps that to an empty result.
func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	vecs, err := e.enc.Encode(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("encoder returned no vector")
	}
	return vecs[0], nil
}

// ─── Papers mode ────────────────────────────────────────────────────────────

// SearchPapers is direct nearest-neighbor over paper embeddings.
func (e *Engine) SearchPapers(ctx context.Context, p Params) (PapersResult, error) {
	p.normalize()
	out := PapersResult{Papers: []PaperResult{}}

	vec, err := e.embedQuery(ctx, p.Query)
	if err != nil {
		return out, err
	}
	if vec == nil {
		return out, nil
	}

	tun, err := e.tuner.Papers(ctx)
	if err != nil {
		return out, err
	}
	hits, err := e.store.AnnSearchPapers(ctx, vec, e.model, p.Limit, p.Offset, tun.Probes)
	if err != nil {
		return out, err
	}
	out.Total, err = e.store.PaperEmbeddingCount(ctx, e.model)
	if err != nil {
		return out, err
	}

	ids := make([]int64, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.PaperID)
	}
	meta, err := e.store.PaperMetaByIDs(ctx, ids)
	if err != nil {
		return out, err
	}

	for _, h := range hits {
		out.Papers = append(out.Papers, PaperResult{
			PaperMeta:  meta[h.PaperID],
			Distance:   h.Distance,
			Similarity: Similarity(h.Distance),
		})
	}
	return out, nil
}

// ─── Concepts mode ──────────────────────────────────────────────────────────

// SearchConcepts is nearest-neighbor over concept embeddings.
func (e *Engine) SearchConcepts(ctx context.Context, p Params) (ConceptsResult, error) {
	p.normalize()
	out := ConceptsResult{Concepts: []ConceptResult{}}

	vec, err := e.embedQuery(ctx, p.Query)
	if err != nil {
		return out, err
	}
	if vec == nil {
		return out, nil
	}

	hits, err := e.annConcepts(ctx, vec, p.Limit, p.Offset)
	if err != nil {
		return out, err
	}
	out.Total, err = e.store.ConceptEmbeddingCount(ctx, e.model)
	if err != nil {
		return out, err
	}

	concepts, err := e.conceptResults(ctx, hits)
	if err != nil {
		return out, err
	}
	out.Concepts = concepts
	return out, nil
}

func (e *Engine) annConcepts(ctx context.Context, vec []float32, limit, offset int) ([]postgres.AnnConceptHit, error) {
	tun, err := e.tuner.Concepts(ctx)
	if err != nil {
		return nil, err
	}
	return e.store.AnnSearchConcepts(ctx, vec, e.model, limit, offset, tun.Probes)
}

func (e *Engine) conceptResults(ctx context.Context, hits []postgres.AnnConceptHit) ([]ConceptResult, error) {
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ConceptID)
	}
	meta, err := e.store.ConceptMetaByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]ConceptResult, 0, len(hits))
	for _, h := range hits {
		m := meta[h.ConceptID]
		out = append(out, ConceptResult{
			ConceptID:   h.ConceptID,
			Name:        m.Name,
			Description: m.Description,
			Distance:    h.Distance,
			Similarity:  Similarity(h.Distance),
		})
	}
	return out, nil
}

// ─── Concept-mediated mode ──────────────────────────────────────────────────

// SearchPapersViaConcepts ranks papers through their concept tags: top K_c
// concepts by ANN, then papers weighted by concept similarity times the
// paper's own score for that concept.
func (e *Engine) SearchPapersViaConcepts(ctx context.Context, p Params) (ViaConceptsResult, error) {
	p.normalize()
	out := ViaConceptsResult{Concepts: []ConceptResult{}, Papers: []ScoredPaper{}}

	vec, err := e.embedQuery(ctx, p.Query)
	if err != nil {
		return out, err
	}
	if vec == nil {
		return out, nil
	}

	concepts, scored, err := e.viaConcepts(ctx, vec, p.ConceptsLimit, p.PapersPerConcept)
	if err != nil {
		return out, err
	}
	if concepts != nil {
		out.Concepts = concepts
	}
	out.TotalPapers = len(scored)
	out.Papers = paginate(scored, p.Limit, p.Offset)
	return out, nil
}

// viaConcepts computes the full concept-mediated candidate set: the top
// concepts with per-concept paper lists, and all candidate papers sorted by
// total_score = Σ matching_score / K_c. Dividing by K_c rather than the
// matched count rewards papers covering many of the top concepts.
func (e *Engine) viaConcepts(ctx context.Context, vec []float32, kc, kp int) ([]ConceptResult, []ScoredPaper, error) {
	hits, err := e.annConcepts(ctx, vec, kc, 0)
	if err != nil {
		return nil, nil, err
	}
	if len(hits) == 0 {
		return nil, nil, nil
	}

	concepts, err := e.conceptResults(ctx, hits)
	if err != nil {
		return nil, nil, err
	}

	ids := make([]string, len(hits))
	sims := make([]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ConceptID
		sims[i] = Similarity(h.Distance)
	}

	matches, err := e.store.PapersByConcepts(ctx, ids, sims, kp)
	if err != nil {
		return nil, nil, err
	}

	byConcept := make(map[string][]ConceptPaperResult, len(ids))
	totals := map[int64]float64{}
	metas := map[int64]domain.PaperMeta{}
	for _, m := range matches {
		byConcept[m.ConceptID] = append(byConcept[m.ConceptID], ConceptPaperResult{
			PaperID:       m.PaperID,
			Title:         m.Meta.Title,
			ConceptScore:  m.ConceptScore,
			MatchingScore: m.MatchingScore,
		})
		totals[m.PaperID] += m.MatchingScore / float64(kc)
		metas[m.PaperID] = m.Meta
	}
	for i := range concepts {
		concepts[i].Papers = byConcept[concepts[i].ConceptID]
	}

	scored := make([]ScoredPaper, 0, len(totals))
	for id, score := range totals {
		scored = append(scored, ScoredPaper{PaperMeta: metas[id], TotalScore: score})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].TotalScore != scored[j].TotalScore {
			return scored[i].TotalScore > scored[j].TotalScore
		}
		return scored[i].PaperID < scored[j].PaperID
	})
	return concepts, scored, nil
}

// ─── Hybrid mode ────────────────────────────────────────────────────────────

// SearchHybrid combines the direct and concept-mediated rankings with a
// convex weight pair.
func (e *Engine) SearchHybrid(ctx context.Context, p Params) (HybridResult, error) {
	p.normalize()
	out := HybridResult{Papers: []HybridPaper{}}

	vec, err := e.embedQuery(ctx, p.Query)
	if err != nil {
		return out, err
	}
	if vec == nil {
		return out, nil
	}

	candidates, err := e.hybridCandidates(ctx, vec, p)
	if err != nil {
		return out, err
	}
	out.Total = len(candidates)
	out.Papers = paginate(candidates, p.Limit, p.Offset)
	return out, nil
}

// hybridCandidates builds the full combined ranking. Papers surfacing on
// only one leg get the missing leg computed rather than zeroed: a targeted
// ANN lookup for the paper side, a concept-map rescore for the concept side.
func (e *Engine) hybridCandidates(ctx context.Context, vec []float32, p Params) ([]HybridPaper, error) {
	n := p.Offset + p.Limit
	if n < p.Limit { // overflow on the venue mode's huge limit
		n = p.Limit
	}

	tun, err := e.tuner.Papers(ctx)
	if err != nil {
		return nil, err
	}
	direct, err := e.store.AnnSearchPapers(ctx, vec, e.model, n, 0, tun.Probes)
	if err != nil {
		return nil, err
	}

	concepts, scored, err := e.viaConcepts(ctx, vec, p.ConceptsLimit, p.PapersPerConcept)
	if err != nil {
		return nil, err
	}
	if len(scored) > n {
		scored = scored[:n]
	}

	paperScore := make(map[int64]float64, len(direct))
	for _, h := range direct {
		paperScore[h.PaperID] = Similarity(h.Distance)
	}
	conceptScore := make(map[int64]float64, len(scored))
	for _, s := range scored {
		conceptScore[s.PaperID] = s.TotalScore
	}

	union := make([]int64, 0, len(paperScore)+len(conceptScore))
	seen := map[int64]bool{}
	for _, h := range direct {
		if !seen[h.PaperID] {
			seen[h.PaperID] = true
			union = append(union, h.PaperID)
		}
	}
	for _, s := range scored {
		if !seen[s.PaperID] {
			seen[s.PaperID] = true
			union = append(union, s.PaperID)
		}
	}
	if len(union) == 0 {
		return nil, nil
	}

	var missingPaper []int64
	for _, id := range union {
		if _, ok := paperScore[id]; !ok {
			missingPaper = append(missingPaper, id)
		}
	}
	if len(missingPaper) > 0 {
		hits, err := e.store.AnnSearchPapersByIDs(ctx, vec, e.model, missingPaper)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			paperScore[h.PaperID] = Similarity(h.Distance)
		}
	}

	var missingConcept []int64
	for _, id := range union {
		if _, ok := conceptScore[id]; !ok {
			missingConcept = append(missingConcept, id)
		}
	}
	if len(missingConcept) > 0 && len(concepts) > 0 {
		blobs, err := e.store.PapersConceptsBlob(ctx, missingConcept)
		if err != nil {
			return nil, err
		}
		for _, id := range missingConcept {
			var total float64
			for _, c := range concepts {
				if ref, ok := blobs[id][c.ConceptID]; ok {
					total += c.Similarity * ref.Score / float64(p.ConceptsLimit)
				}
			}
			conceptScore[id] = total
		}
	}

	meta, err := e.store.PaperMetaByIDs(ctx, union)
	if err != nil {
		return nil, err
	}

	out := make([]HybridPaper, 0, len(union))
	for _, id := range union {
		ps := paperScore[id]
		cs := conceptScore[id]
		out = append(out, HybridPaper{
			PaperMeta:     meta[id],
			PaperScore:    ps,
			ConceptScore:  cs,
			CombinedScore: p.PaperWeight*ps + p.ConceptWeight*cs,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CombinedScore != out[j].CombinedScore {
			return out[i].CombinedScore > out[j].CombinedScore
		}
		return out[i].PaperID < out[j].PaperID
	})
	return out, nil
}

// ─── Venue mode ─────────────────────────────────────────────────────────────

// SearchSources runs the hybrid ranker unbounded, then aggregates combined
// scores per publishing source.
func (e *Engine) SearchSources(ctx context.Context, p Params) (SourcesResult, error) {
	p.normalize()
	out := SourcesResult{Sources: []SourceResult{}}

	vec, err := e.embedQuery(ctx, p.Query)
	if err != nil {
		return out, err
	}
	if vec == nil {
		return out, nil
	}

	wide := p
	wide.Limit = sourceSearchLimit
	wide.Offset = 0
	candidates, err := e.hybridCandidates(ctx, vec, wide)
	if err != nil {
		return out, err
	}

	agg := map[string]*SourceResult{}
	var order []string
	for _, c := range candidates {
		if c.SourceID == "" {
			continue
		}
		s, ok := agg[c.SourceID]
		if !ok {
			s = &SourceResult{SourceID: c.SourceID}
			agg[c.SourceID] = s
			order = append(order, c.SourceID)
		}
		s.AggregateScore += c.CombinedScore
		s.PaperIDs = append(s.PaperIDs, c.PaperID)
	}

	sources := make([]SourceResult, 0, len(order))
	for _, id := range order {
		sources = append(sources, *agg[id])
	}
	sort.Slice(sources, func(i, j int) bool {
		if sources[i].AggregateScore != sources[j].AggregateScore {
			return sources[i].AggregateScore > sources[j].AggregateScore
		}
		return sources[i].SourceID < sources[j].SourceID
	})

	out.Total = len(sources)
	page := paginate(sources, p.Limit, p.Offset)

	ids := make([]string, 0, len(page))
	for _, s := range page {
		ids = append(ids, s.SourceID)
	}
	names, err := e.store.SourceNames(ctx, ids)
	if err != nil {
		return out, err
	}
	for i := range page {
		page[i].Name = names[page[i].SourceID]
	}
	out.Sources = page
	return out, nil
}

// ─── Author mode ────────────────────────────────────────────────────────────

// SearchAuthors aggregates the concept-mediated candidate set per author.
// Each paper's score is split among its authors: equal shares by default,
// 1/order harmonic shares when ShareByOrder is set.
func (e *Engine) SearchAuthors(ctx context.Context, p Params) (AuthorsResult, error) {
	p.normalize()
	out := AuthorsResult{Authors: []AuthorResult{}}

	vec, err := e.embedQuery(ctx, p.Query)
	if err != nil {
		return out, err
	}
	if vec == nil {
		return out, nil
	}

	_, scored, err := e.viaConcepts(ctx, vec, p.ConceptsLimit, p.PapersPerConcept)
	if err != nil {
		return out, err
	}
	if len(scored) == 0 {
		return out, nil
	}

	paperIDs := make([]int64, 0, len(scored))
	totals := make(map[int64]float64, len(scored))
	for _, s := range scored {
		paperIDs = append(paperIDs, s.PaperID)
		totals[s.PaperID] = s.TotalScore
	}

	rows, err := e.store.PaperAuthors(ctx, paperIDs)
	if err != nil {
		return out, err
	}

	byPaper := map[int64][]postgres.PaperAuthorRow{}
	for _, r := range rows {
		byPaper[r.PaperID] = append(byPaper[r.PaperID], r)
	}

	agg := map[int64]*AuthorResult{}
	var order []int64
	for _, pid := range paperIDs {
		authors := byPaper[pid]
		if len(authors) == 0 {
			continue
		}

		var weightSum float64
		if p.ShareByOrder {
			for _, a := range authors {
				weightSum += 1.0 / float64(a.AuthorOrder)
			}
		}

		for _, a := range authors {
			share := totals[pid] / float64(len(authors))
			if p.ShareByOrder {
				share = totals[pid] * (1.0 / float64(a.AuthorOrder)) / weightSum
			}
			res, ok := agg[a.AuthorID]
			if !ok {
				res = &AuthorResult{AuthorID: a.AuthorID, FullName: a.FullName}
				agg[a.AuthorID] = res
				order = append(order, a.AuthorID)
			}
			res.Score += share
			res.PaperIDs = append(res.PaperIDs, pid)
		}
	}

	authors := make([]AuthorResult, 0, len(order))
	for _, id := range order {
		authors = append(authors, *agg[id])
	}
	sort.Slice(authors, func(i, j int) bool {
		if authors[i].Score != authors[j].Score {
			return authors[i].Score > authors[j].Score
		}
		return authors[i].AuthorID < authors[j].AuthorID
	})

	out.Total = len(authors)
	out.Authors = paginate(authors, p.Limit, p.Offset)
	return out, nil
}

// paginate slices [offset, offset+limit), clamping to the bounds.
func paginate[T any](s []T, limit, offset int) []T {
	if offset >= len(s) {
		return []T{}
	}
	end := offset + limit
	if end > len(s) || end < offset {
		end = len(s)
	}
	return s[offset:end]
}
