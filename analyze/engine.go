// Package analyze resolves artifacts to the vulnerabilities affecting them.
package analyze

import (
	"context"
	"slices"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/vuln-identify/cpe"
	"github.com/aquasecurity/vuln-identify/evidence"
	"github.com/aquasecurity/vuln-identify/identify"
	"github.com/aquasecurity/vuln-identify/log"
	"github.com/aquasecurity/vuln-identify/metrics"
)

const defaultWorkers = 4

type Identifier interface {
	Identify(ctx context.Context, a *evidence.Artifact) ([]identify.Identified, error)
}

// Finding is one identifier accepted for an artifact and what it is vulnerable to.
type Finding struct {
	Identifier cpe.Identifier      `json:"identifier"`
	Confidence evidence.Confidence `json:"confidence"`
	Matches    []Match             `json:"vulnerabilities"`
}

type Report struct {
	ArtifactID string    `json:"artifact"`
	Path       string    `json:"path"`
	Raw        []Finding `json:"raw,omitempty"`
	Findings   []Finding `json:"findings"`
	Error      string    `json:"error,omitempty"`
	Err        error     `json:"-"`
}

// MaxScore is the highest base score of any reported vulnerability.
func (r Report) MaxScore() float64 {
	var best float64
	for _, f := range r.Findings {
		for _, m := range f.Matches {
			if s, ok := m.Record.HighestScore(); ok && s.BaseScore > best {
				best = s.BaseScore
			}
		}
	}
	return best
}

type options struct {
	workers  int
	registry *evidence.Registry
	pre      []PreFilter
	post     []PostFilter
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
}

type option func(*options)

func WithWorkers(n int) option {
	return func(opts *options) { opts.workers = n }
}

// WithRegistry runs the extractors on every artifact before identification.
func WithRegistry(r *evidence.Registry) option {
	return func(opts *options) { opts.registry = r }
}

func WithPreFilters(filters ...PreFilter) option {
	return func(opts *options) { opts.pre = append(opts.pre, filters...) }
}

func WithPostFilters(filters ...PostFilter) option {
	return func(opts *options) { opts.post = append(opts.post, filters...) }
}

func WithMetrics(m *metrics.Metrics) option {
	return func(opts *options) { opts.metrics = m }
}

func WithLogger(logger *zap.SugaredLogger) option {
	return func(opts *options) { opts.logger = logger }
}

type Engine struct {
	*options
	identifier Identifier
	resolver   *Resolver
}

func NewEngine(identifier Identifier, resolver *Resolver, opts ...option) *Engine {
	o := &options{
		workers: defaultWorkers,
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.workers < 1 {
		o.workers = 1
	}
	return &Engine{options: o, identifier: identifier, resolver: resolver}
}

// Analyze processes the artifacts in parallel. A failing artifact gets its
// error recorded in its report and does not stop the others; the returned
// error aggregates every per-artifact failure.
func (e *Engine) Analyze(ctx context.Context, artifacts []*evidence.Artifact) ([]Report, error) {
	reports := make([]Report, len(artifacts))

	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, a := range artifacts {
		g.Go(func() error {
			reports[i] = e.analyze(ctx, a)
			return nil
		})
	}
	_ = g.Wait()

	var errs error
	for _, r := range reports {
		e.metrics.ArtifactAnalyzed(r.Err != nil)
		if r.Err != nil {
			errs = multierror.Append(errs, r.Err)
			continue
		}
		for _, f := range r.Findings {
			e.metrics.Findings(len(f.Matches))
		}
	}
	return reports, errs
}

func (e *Engine) analyze(ctx context.Context, a *evidence.Artifact) Report {
	report := Report{ArtifactID: a.ID, Path: a.Path}
	raw, err := e.findings(ctx, a)
	if err == nil {
		report.Raw = raw
		report.Findings, err = e.postFilter(ctx, a, raw)
	}
	if err != nil {
		e.logger.Warnw("artifact analysis failed", "artifact", a.ID, "err", err)
		report.Err = xerrors.Errorf("artifact %s: %w", a.ID, err)
		report.Error = report.Err.Error()
	}
	return report
}

func (e *Engine) findings(ctx context.Context, a *evidence.Artifact) ([]Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.registry != nil {
		if err := e.registry.Extract(ctx, a); err != nil {
			return nil, err
		}
	}
	for _, f := range e.pre {
		if err := f.Before(ctx, a); err != nil {
			return nil, xerrors.Errorf("pre filter: %w", err)
		}
	}

	ids, err := e.identifier.Identify(ctx, a)
	if err != nil {
		return nil, err
	}

	var found []Finding
	for _, id := range ids {
		matches, err := e.resolver.Resolve(ctx, id)
		if err != nil {
			return nil, err
		}
		found = append(found, Finding{
			Identifier: id.Identifier,
			Confidence: id.Confidence,
			Matches:    matches,
		})
	}
	return found, nil
}

func (e *Engine) postFilter(ctx context.Context, a *evidence.Artifact, raw []Finding) ([]Finding, error) {
	findings := slices.Clone(raw)
	for _, f := range e.post {
		var err error
		if findings, err = f.After(ctx, a, findings); err != nil {
			return nil, xerrors.Errorf("post filter: %w", err)
		}
	}
	return findings, nil
}
