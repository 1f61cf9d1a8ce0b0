// Package identify turns the evidence collected for an artifact into platform identifiers.
package identify

import (
	"context"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/vuln-identify/cpe"
	"github.com/aquasecurity/vuln-identify/evidence"
	"github.com/aquasecurity/vuln-identify/index"
	"github.com/aquasecurity/vuln-identify/log"
)

const defaultLimit = 10

type Searcher interface {
	Search(vendorTerms, productTerms []string, limit int) ([]index.Candidate, error)
}

// Identified is an accepted platform identifier and the evidence that led to it.
type Identified struct {
	Identifier cpe.Identifier      `json:"identifier"`
	Confidence evidence.Confidence `json:"confidence"`
	Score      float64             `json:"score"`
	Evidence   []evidence.Evidence `json:"evidence"`
}

type options struct {
	limit  int
	logger *zap.SugaredLogger
}

type option func(*options)

// WithLimit caps the number of index candidates considered per artifact.
func WithLimit(limit int) option {
	return func(opts *options) { opts.limit = limit }
}

func WithLogger(logger *zap.SugaredLogger) option {
	return func(opts *options) { opts.logger = logger }
}

type Resolver struct {
	*options
	searcher Searcher
}

func NewResolver(searcher Searcher, opts ...option) *Resolver {
	o := &options{
		limit:  defaultLimit,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Resolver{options: o, searcher: searcher}
}

// Identify returns the identifiers plausibly describing the artifact.
// Missing evidence or an unusable index yields no identifiers rather than an error.
func (r *Resolver) Identify(ctx context.Context, a *evidence.Artifact) ([]Identified, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Errorf("identify %s: %w", a.ID, err)
	}

	vendors := collect(a, evidence.Vendor)
	products := collect(a, evidence.Product)
	if len(vendors) == 0 && len(products) == 0 {
		r.logger.Debugw("no vendor or product evidence", "artifact", a.ID)
		return nil, nil
	}

	candidates, err := r.searcher.Search(values(vendors), values(products), r.limit)
	if err != nil {
		r.logger.Warnw("index search failed, no candidates", "artifact", a.ID, "err", err)
		return nil, nil
	}

	ver, hasVersion := strongestVersion(a)

	var identified []Identified
	for _, c := range candidates {
		// each kind of evidence the artifact carries has to back the candidate
		vendorHits := overlapping(vendors, c.Identifier.Vendor)
		productHits := overlapping(products, c.Identifier.Product)
		if (len(vendors) > 0 && len(vendorHits) == 0) || (len(products) > 0 && len(productHits) == 0) {
			r.logger.Debugw("candidate not backed by evidence", "artifact", a.ID, "cpe", c.Identifier.String(),
				"vendorHits", len(vendorHits), "productHits", len(productHits))
			continue
		}
		contributing := append(vendorHits, productHits...)

		conf, _ := evidence.Combine(lo.Map(contributing, func(e evidence.Evidence, _ int) evidence.Confidence {
			return e.Confidence
		})...)

		id := cpe.Identifier{
			Part:    c.Identifier.Part,
			Vendor:  c.Identifier.Vendor,
			Product: c.Identifier.Product,
		}
		if hasVersion {
			id.Version = ver.Value
		}
		identified = append(identified, Identified{
			Identifier: id,
			Confidence: conf,
			Score:      c.Score,
			Evidence:   contributing,
		})
	}
	return identified, nil
}

func collect(a *evidence.Artifact, t evidence.Type) []evidence.Evidence {
	var es []evidence.Evidence
	for e := range a.Evidence(t) {
		es = append(es, e)
	}
	return es
}

func values(es []evidence.Evidence) []string {
	return lo.Map(es, func(e evidence.Evidence, _ int) string { return e.Value })
}

// overlapping keeps the evidence sharing at least one token with name.
func overlapping(es []evidence.Evidence, name string) []evidence.Evidence {
	tokens := index.Tokenize(name)
	return lo.Filter(es, func(e evidence.Evidence, _ int) bool {
		return lo.Some(index.Tokenize(e.Value), tokens)
	})
}

// strongestVersion picks the most confident version evidence; the first one wins a tie.
func strongestVersion(a *evidence.Artifact) (evidence.Evidence, bool) {
	var (
		best  evidence.Evidence
		found bool
	)
	for e := range a.Evidence(evidence.Version) {
		if !found || e.Confidence > best.Confidence {
			best, found = e, true
		}
	}
	return best, found
}
