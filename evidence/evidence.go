package evidence

import (
	"iter"
	"strings"
	"sync"

	"golang.org/x/xerrors"
)

type Type int

const (
	Vendor Type = iota
	Product
	Version
)

func (t Type) String() string {
	switch t {
	case Vendor:
		return "VENDOR"
	case Product:
		return "PRODUCT"
	case Version:
		return "VERSION"
	}
	return "UNKNOWN"
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Evidence is a single observed fact about an artifact.
type Evidence struct {
	Source     string     `json:"source"`
	Name       string     `json:"name"`
	Value      string     `json:"value"`
	Confidence Confidence `json:"confidence"`
	Type       Type       `json:"type"`
}

type key struct {
	t                   Type
	source, name, value string
}

// Artifact is a scanned file or package and the evidence collected about it.
// Evidence may be appended from several goroutines.
type Artifact struct {
	ID   string
	Path string

	mu    sync.RWMutex
	seen  map[key]struct{}
	items [3][]Evidence
}

func NewArtifact(id, path string) *Artifact {
	return &Artifact{
		ID:   id,
		Path: path,
		seen: map[key]struct{}{},
	}
}

// AddEvidence appends evidence of type t. Identical (source, name, value)
// tuples within a type are stored once; conflicting values are all kept.
func (a *Artifact) AddEvidence(t Type, source, name, value string, confidence Confidence) error {
	if strings.TrimSpace(value) == "" {
		return xerrors.Errorf("empty %s evidence value from %s/%s", t, source, name)
	}
	if t < Vendor || t > Version {
		return xerrors.Errorf("unknown evidence type %d", int(t))
	}
	if !confidence.Valid() {
		return xerrors.Errorf("invalid confidence %d", int(confidence))
	}

	k := key{t: t, source: source, name: name, value: value}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.seen == nil {
		a.seen = map[key]struct{}{}
	}
	if _, ok := a.seen[k]; ok {
		return nil
	}
	a.seen[k] = struct{}{}
	a.items[t] = append(a.items[t], Evidence{
		Source:     source,
		Name:       name,
		Value:      value,
		Confidence: confidence,
		Type:       t,
	})
	return nil
}

// Evidence returns the evidence of type t in insertion order. Each call to
// the returned sequence walks a snapshot taken when iteration starts.
func (a *Artifact) Evidence(t Type) iter.Seq[Evidence] {
	return func(yield func(Evidence) bool) {
		if t < Vendor || t > Version {
			return
		}
		a.mu.RLock()
		snapshot := a.items[t][:len(a.items[t]):len(a.items[t])]
		a.mu.RUnlock()

		for _, e := range snapshot {
			if !yield(e) {
				return
			}
		}
	}
}

func (a *Artifact) Len(t Type) int {
	if t < Vendor || t > Version {
		return 0
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.items[t])
}
