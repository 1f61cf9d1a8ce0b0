package evidence

import (
	"strings"

	"golang.org/x/xerrors"
)

// Confidence is the trust level of a piece of evidence or of something derived from it.
type Confidence int

const (
	Low Confidence = iota + 1
	Medium
	High
	Highest
)

var confidenceNames = map[Confidence]string{
	Low:     "LOW",
	Medium:  "MEDIUM",
	High:    "HIGH",
	Highest: "HIGHEST",
}

func (c Confidence) String() string {
	if s, ok := confidenceNames[c]; ok {
		return s
	}
	return "UNKNOWN"
}

func (c Confidence) Valid() bool {
	return c >= Low && c <= Highest
}

func ParseConfidence(s string) (Confidence, error) {
	for c, name := range confidenceNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return c, nil
		}
	}
	return 0, xerrors.Errorf("unknown confidence %q", s)
}

func (c Confidence) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, xerrors.Errorf("invalid confidence %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *Confidence) UnmarshalText(b []byte) error {
	parsed, err := ParseConfidence(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Combine returns the weakest of the given levels.
// It reports false when nothing is given: no evidence, no derived confidence.
func Combine(cs ...Confidence) (Confidence, bool) {
	if len(cs) == 0 {
		return 0, false
	}
	lowest := cs[0]
	for _, c := range cs[1:] {
		if c < lowest {
			lowest = c
		}
	}
	return lowest, true
}
