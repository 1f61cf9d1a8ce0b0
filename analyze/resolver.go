package analyze

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/vuln-identify/evidence"
	"github.com/aquasecurity/vuln-identify/identify"
	"github.com/aquasecurity/vuln-identify/log"
	"github.com/aquasecurity/vuln-identify/types"
	"github.com/aquasecurity/vuln-identify/version"
)

type VulnerabilitySource interface {
	FindByVendorProduct(ctx context.Context, vendor, product string) ([]types.VulnerabilityRecord, error)
}

// Match is a vulnerability affecting an identifier and the rule that matched.
type Match struct {
	Record     types.VulnerabilityRecord    `json:"record"`
	Rule       types.VulnerableSoftwareRule `json:"matchedRule"`
	Confidence evidence.Confidence          `json:"confidence"`
}

type Resolver struct {
	source VulnerabilitySource
	logger *zap.SugaredLogger
}

func NewResolver(source VulnerabilitySource, logger *zap.SugaredLogger) *Resolver {
	if logger == nil {
		logger = log.Logger
	}
	return &Resolver{source: source, logger: logger}
}

// Resolve returns one match per vulnerability id, using the first vulnerable
// rule whose pattern and version range cover the identifier.
func (r *Resolver) Resolve(ctx context.Context, id identify.Identified) ([]Match, error) {
	records, err := r.source.FindByVendorProduct(ctx, id.Identifier.Vendor, id.Identifier.Product)
	if err != nil {
		return nil, xerrors.Errorf("unable to look up %s: %w", id.Identifier, err)
	}
	if id.Identifier.Version == "" {
		r.logger.Debugw("identifier has no version, only unbounded rules can match", "cpe", id.Identifier.String())
	} else if _, ok := version.Parse(id.Identifier.Version); !ok {
		r.logger.Debugw("unparseable version, falling back to literal comparison", "cpe", id.Identifier.String())
	}

	seen := map[string]struct{}{}
	var matches []Match
	for _, rec := range records {
		if _, ok := seen[rec.ID]; ok {
			continue
		}
		for _, rule := range rec.Rules {
			if !rule.Vulnerable || !rule.Pattern.MatchesProduct(id.Identifier) {
				continue
			}
			if !version.Matches(id.Identifier.Version, rule) {
				continue
			}
			seen[rec.ID] = struct{}{}
			matches = append(matches, Match{Record: rec, Rule: rule, Confidence: id.Confidence})
			break
		}
	}
	return matches, nil
}
