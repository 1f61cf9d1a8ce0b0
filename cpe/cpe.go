// Package cpe parses and compares CPE-like platform identifiers.
package cpe

import (
	"net/url"
	"strings"

	"golang.org/x/xerrors"
)

const (
	Any = "*"
	NA  = "-"

	prefix23 = "cpe:2.3:"
	prefix22 = "cpe:/"
)

type Part string

const (
	Application Part = "a"
	OS          Part = "o"
	Hardware    Part = "h"
	AnyPart     Part = Any
)

// Identifier is an 11 component platform name. Empty components are treated as Any.
type Identifier struct {
	Part      Part   `json:"part"`
	Vendor    string `json:"vendor"`
	Product   string `json:"product"`
	Version   string `json:"version,omitempty"`
	Update    string `json:"update,omitempty"`
	Edition   string `json:"edition,omitempty"`
	Language  string `json:"language,omitempty"`
	SwEdition string `json:"swEdition,omitempty"`
	TargetSw  string `json:"targetSw,omitempty"`
	TargetHw  string `json:"targetHw,omitempty"`
	Other     string `json:"other,omitempty"`
}

// Parse accepts CPE 2.3 formatted strings and CPE 2.2 URIs.
func Parse(s string) (Identifier, error) {
	switch {
	case strings.HasPrefix(s, prefix23):
		return parse23(s)
	case strings.HasPrefix(s, prefix22):
		return parse22(s)
	}
	return Identifier{}, xerrors.Errorf("unknown CPE format: %q", s)
}

func MustParse(s string) Identifier {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func parse23(s string) (Identifier, error) {
	parts := splitEscaped(strings.TrimPrefix(s, prefix23))
	if len(parts) != 11 {
		return Identifier{}, xerrors.Errorf("CPE %q has %d components, want 11", s, len(parts))
	}
	id := fromComponents(parts)
	if err := id.validatePart(); err != nil {
		return Identifier{}, xerrors.Errorf("invalid CPE %q: %w", s, err)
	}
	return id, nil
}

func parse22(s string) (Identifier, error) {
	raw := strings.Split(strings.TrimPrefix(s, prefix22), ":")
	if len(raw) > 7 {
		return Identifier{}, xerrors.Errorf("CPE URI %q has too many components", s)
	}
	parts := make([]string, 11)
	for i := range parts {
		parts[i] = Any
	}
	for i, r := range raw {
		v, err := url.PathUnescape(r)
		if err != nil {
			return Identifier{}, xerrors.Errorf("unable to decode CPE URI %q: %w", s, err)
		}
		if v == "" {
			v = Any
		}
		parts[i] = v
	}
	// packed edition: ~edition~sw_edition~target_sw~target_hw~other
	if len(raw) > 5 && strings.HasPrefix(parts[5], "~") {
		packed := strings.Split(parts[5], "~")
		if len(packed) == 6 {
			parts[5] = orAny(packed[1])
			parts[7] = orAny(packed[2])
			parts[8] = orAny(packed[3])
			parts[9] = orAny(packed[4])
			parts[10] = orAny(packed[5])
		}
	}
	id := fromComponents(parts)
	if err := id.validatePart(); err != nil {
		return Identifier{}, xerrors.Errorf("invalid CPE URI %q: %w", s, err)
	}
	return id, nil
}

func fromComponents(p []string) Identifier {
	return Identifier{
		Part:      Part(strings.ToLower(p[0])),
		Vendor:    p[1],
		Product:   p[2],
		Version:   p[3],
		Update:    p[4],
		Edition:   p[5],
		Language:  p[6],
		SwEdition: p[7],
		TargetSw:  p[8],
		TargetHw:  p[9],
		Other:     p[10],
	}
}

func (id Identifier) validatePart() error {
	switch id.Part {
	case Application, OS, Hardware, AnyPart:
		return nil
	}
	return xerrors.Errorf("unknown part %q", id.Part)
}

func orAny(s string) string {
	if s == "" {
		return Any
	}
	return s
}

func splitEscaped(s string) []string {
	var (
		parts []string
		cur   strings.Builder
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
		case c == ':':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(parts, cur.String())
}

func (id Identifier) components() []string {
	return []string{string(id.Part), id.Vendor, id.Product, id.Version, id.Update, id.Edition,
		id.Language, id.SwEdition, id.TargetSw, id.TargetHw, id.Other}
}

// String renders the CPE 2.3 formatted string.
func (id Identifier) String() string {
	comps := id.components()
	for i, c := range comps {
		comps[i] = escape(orAny(c))
	}
	return prefix23 + strings.Join(comps, ":")
}

func escape(s string) string {
	if s == Any || s == NA {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `:`, `\:`)
	return r.Replace(s)
}

// MatchComponent compares a single component. Any in the pattern matches
// everything, NA matches only an absent value.
func MatchComponent(pattern, value string) bool {
	switch pattern {
	case "", Any:
		return true
	case NA:
		return value == "" || value == NA
	}
	if value == "" || value == Any {
		return false
	}
	return strings.EqualFold(pattern, value)
}

// MatchesProduct reports whether the pattern id covers other's part, vendor and product.
func (id Identifier) MatchesProduct(other Identifier) bool {
	return MatchComponent(string(id.Part), string(other.Part)) &&
		MatchComponent(id.Vendor, other.Vendor) &&
		MatchComponent(id.Product, other.Product)
}

// Matches compares every component.
func (id Identifier) Matches(other Identifier) bool {
	p, o := id.components(), other.components()
	for i := range p {
		if !MatchComponent(p[i], o[i]) {
			return false
		}
	}
	return true
}
