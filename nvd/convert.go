package nvd

import (
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/goark/go-cvss/v3/metric"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/vuln-identify/cpe"
	"github.com/aquasecurity/vuln-identify/types"
)

const statusRejected = "Rejected"

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, xerrors.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// convert maps an API entry onto a stored record. Rejected entries and
// entries without applicability data come back without rules.
func convert(c CVE, logger *zap.SugaredLogger) (types.VulnerabilityRecord, error) {
	published, err := parseTimestamp(c.Published)
	if err != nil {
		return types.VulnerabilityRecord{}, xerrors.Errorf("%s published: %w", c.ID, err)
	}
	lastModified, err := parseTimestamp(c.LastModified)
	if err != nil {
		return types.VulnerabilityRecord{}, xerrors.Errorf("%s lastModified: %w", c.ID, err)
	}

	r := types.VulnerabilityRecord{
		ID:           c.ID,
		Published:    published,
		LastModified: lastModified,
	}
	for _, d := range c.Descriptions {
		r.Descriptions = append(r.Descriptions, types.Description{Lang: d.Lang, Value: d.Value})
	}
	for _, ref := range c.References {
		r.References = append(r.References, types.Reference{URL: ref.URL, Source: ref.Source, Tags: ref.Tags})
	}
	for _, w := range c.Weaknesses {
		for _, d := range w.Description {
			r.Weaknesses = append(r.Weaknesses, d.Value)
		}
	}
	r.Scores = scores(c.Metrics)
	r.Ecosystem = mapEcosystem(r.Description())

	if c.VulnStatus == statusRejected {
		return r, nil
	}
	for _, conf := range c.Configurations {
		for _, node := range conf.Nodes {
			for _, m := range node.CpeMatch {
				pattern, err := cpe.Parse(m.Criteria)
				if err != nil {
					logger.Debugw("skipping invalid criteria", "cve", c.ID, "criteria", m.Criteria, "err", err)
					continue
				}
				r.Rules = append(r.Rules, types.VulnerableSoftwareRule{
					Pattern:               pattern,
					VersionStartIncluding: m.VersionStartIncluding,
					VersionStartExcluding: m.VersionStartExcluding,
					VersionEndIncluding:   m.VersionEndIncluding,
					VersionEndExcluding:   m.VersionEndExcluding,
					Vulnerable:            m.Vulnerable && !node.Negate && !conf.Negate,
					MatchCriteriaID:       m.MatchCriteriaID,
				})
			}
		}
	}
	return r, nil
}

func scores(m Metrics) []types.Score {
	var out []types.Score
	add := func(scheme string, metrics []CvssMetric) {
		for _, cm := range metrics {
			out = append(out, v3Score(scheme, cm))
		}
	}
	add(types.CVSSv40, m.CvssMetricV40)
	add(types.CVSSv31, m.CvssMetricV31)
	add(types.CVSSv30, m.CvssMetricV30)
	for _, cm := range m.CvssMetricV2 {
		out = append(out, types.Score{
			Scheme:    types.CVSSv2,
			Source:    cm.Source,
			Type:      cm.Type,
			Vector:    cm.CvssData.VectorString,
			BaseScore: cm.CvssData.BaseScore,
			Severity:  cm.BaseSeverity,
		})
	}
	return out
}

// v3Score fills a missing base score from the vector.
func v3Score(scheme string, cm CvssMetric) types.Score {
	s := types.Score{
		Scheme:    scheme,
		Source:    cm.Source,
		Type:      cm.Type,
		Vector:    cm.CvssData.VectorString,
		BaseScore: cm.CvssData.BaseScore,
		Severity:  cm.CvssData.BaseSeverity,
	}
	if scheme == types.CVSSv40 || s.Vector == "" || (s.BaseScore > 0 && s.Severity != "") {
		return s
	}
	bm, err := metric.NewBase().Decode(s.Vector)
	if err != nil {
		return s
	}
	if s.BaseScore == 0 {
		s.BaseScore = bm.Score()
	}
	if s.Severity == "" {
		s.Severity = strings.ToUpper(bm.Severity().String())
	}
	return s
}
