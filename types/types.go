package types

import (
	"time"

	"github.com/aquasecurity/vuln-identify/cpe"
)

// SchemaVersion is bumped whenever the stored layout changes; a mismatch forces a full sync.
const SchemaVersion = 1

type VulnerabilityRecord struct {
	ID           string                   `json:"id"`
	Descriptions []Description            `json:"descriptions,omitempty"`
	Scores       []Score                  `json:"scores,omitempty"`
	References   []Reference              `json:"references,omitempty"`
	Weaknesses   []string                 `json:"weaknesses,omitempty"`
	Ecosystem    string                   `json:"ecosystem,omitempty"`
	Published    time.Time                `json:"published"`
	LastModified time.Time                `json:"lastModified"`
	Rules        []VulnerableSoftwareRule `json:"rules"`
}

type Description struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type Reference struct {
	URL    string   `json:"url"`
	Source string   `json:"source,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

const (
	CVSSv2  = "cvssV2"
	CVSSv30 = "cvssV30"
	CVSSv31 = "cvssV31"
	CVSSv40 = "cvssV40"
)

type Score struct {
	Scheme    string  `json:"scheme"`
	Source    string  `json:"source,omitempty"`
	Type      string  `json:"type,omitempty"`
	Vector    string  `json:"vector,omitempty"`
	BaseScore float64 `json:"baseScore"`
	Severity  string  `json:"severity,omitempty"`
}

// Description returns the English description, or the first one.
func (r VulnerabilityRecord) Description() string {
	for _, d := range r.Descriptions {
		if d.Lang == "en" {
			return d.Value
		}
	}
	if len(r.Descriptions) > 0 {
		return r.Descriptions[0].Value
	}
	return ""
}

// HighestScore returns the strongest base score across all schemes.
func (r VulnerabilityRecord) HighestScore() (Score, bool) {
	var (
		best  Score
		found bool
	)
	for _, s := range r.Scores {
		if !found || s.BaseScore > best.BaseScore {
			best, found = s, true
		}
	}
	return best, found
}

// VulnerableSoftwareRule declares which versions of a platform are affected.
type VulnerableSoftwareRule struct {
	Pattern               cpe.Identifier `json:"pattern"`
	VersionStartIncluding string         `json:"versionStartIncluding,omitempty"`
	VersionStartExcluding string         `json:"versionStartExcluding,omitempty"`
	VersionEndIncluding   string         `json:"versionEndIncluding,omitempty"`
	VersionEndExcluding   string         `json:"versionEndExcluding,omitempty"`
	Vulnerable            bool           `json:"vulnerable"`
	MatchCriteriaID       string         `json:"matchCriteriaId,omitempty"`
}

func (r VulnerableSoftwareRule) HasBounds() bool {
	return r.VersionStartIncluding != "" || r.VersionStartExcluding != "" ||
		r.VersionEndIncluding != "" || r.VersionEndExcluding != ""
}

// CorpusMetadata describes the synchronized corpus. TotalRecordCount is the
// size of the remote corpus, StoredRecordCount the number of records kept
// locally; records without applicability rules are not kept.
type CorpusMetadata struct {
	LastModified      time.Time `json:"lastModified"`
	TotalRecordCount  int       `json:"totalRecordCount"`
	StoredRecordCount int       `json:"storedRecordCount"`
	LastFullSyncAt    time.Time `json:"lastFullSyncAt"`
	SchemaVersion     int       `json:"schemaVersion"`
}
