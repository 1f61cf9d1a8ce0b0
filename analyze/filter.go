package analyze

import (
	"context"
	"strings"

	"github.com/samber/lo"

	"github.com/aquasecurity/vuln-identify/cpe"
	"github.com/aquasecurity/vuln-identify/evidence"
)

// PreFilter may add evidence to an artifact before identification.
type PreFilter interface {
	Before(ctx context.Context, a *evidence.Artifact) error
}

// PostFilter may drop findings after resolution. It must not modify its input.
type PostFilter interface {
	After(ctx context.Context, a *evidence.Artifact, findings []Finding) ([]Finding, error)
}

// HintRule adds evidence to artifacts carrying evidence of type When whose
// value contains Contains.
type HintRule struct {
	When     evidence.Type
	Contains string
	Add      []evidence.Evidence
}

type Hints struct {
	Rules []HintRule
}

func (h Hints) Before(_ context.Context, a *evidence.Artifact) error {
	for _, rule := range h.Rules {
		needle := strings.ToLower(rule.Contains)
		hit := false
		for e := range a.Evidence(rule.When) {
			if strings.Contains(strings.ToLower(e.Value), needle) {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		for _, add := range rule.Add {
			if err := a.AddEvidence(add.Type, add.Source, add.Name, add.Value, add.Confidence); err != nil {
				return err
			}
		}
	}
	return nil
}

// Suppression removes vulnerabilities by id and whole identifiers by pattern.
type Suppression struct {
	IDs         []string
	Identifiers []cpe.Identifier
}

func (s Suppression) After(_ context.Context, _ *evidence.Artifact, findings []Finding) ([]Finding, error) {
	var kept []Finding
	for _, f := range findings {
		if lo.SomeBy(s.Identifiers, func(p cpe.Identifier) bool { return p.Matches(f.Identifier) }) {
			continue
		}
		f.Matches = lo.Filter(f.Matches, func(m Match, _ int) bool {
			return !lo.Contains(s.IDs, m.Record.ID)
		})
		kept = append(kept, f)
	}
	return kept, nil
}
