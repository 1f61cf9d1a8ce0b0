// Package index searches known vendor and product names by free text.
package index

import (
	"context"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/samber/lo"
	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/vuln-identify/cpe"
)

var ErrNotReady = xerrors.New("identification index is not built")

// ProductSource lists every (part, vendor, product) known to the corpus.
type ProductSource interface {
	VendorProducts(ctx context.Context) ([]cpe.Identifier, error)
}

type Candidate struct {
	Identifier cpe.Identifier
	Score      float64
	// Exact is set when a query term equals the vendor or product string.
	Exact bool
}

type document struct {
	id      cpe.Identifier
	vendor  []string
	product []string
}

type snapshot struct {
	docs     []document
	vendors  map[string][]int
	products map[string][]int
}

// Index is safe for concurrent use. Rebuild swaps in a complete snapshot;
// searches see either the previous or the new one.
type Index struct {
	current atomic.Pointer[snapshot]
}

func New() *Index {
	return &Index{}
}

func (idx *Index) Ready() bool {
	return idx.current.Load() != nil
}

// Len returns the number of indexed products.
func (idx *Index) Len() int {
	snap := idx.current.Load()
	if snap == nil {
		return 0
	}
	return len(snap.docs)
}

func (idx *Index) Rebuild(ctx context.Context, src ProductSource) error {
	ids, err := src.VendorProducts(ctx)
	if err != nil {
		return xerrors.Errorf("unable to list products: %w", err)
	}
	idx.current.Store(build(ids))
	return nil
}

func build(ids []cpe.Identifier) *snapshot {
	keyed := lo.UniqBy(lo.Map(ids, func(id cpe.Identifier, _ int) cpe.Identifier {
		return cpe.Identifier{Part: id.Part, Vendor: strings.ToLower(id.Vendor), Product: strings.ToLower(id.Product)}
	}), func(id cpe.Identifier) string {
		return string(id.Part) + ":" + id.Vendor + ":" + id.Product
	})
	slices.SortFunc(keyed, func(a, b cpe.Identifier) int {
		if c := strings.Compare(a.Vendor, b.Vendor); c != 0 {
			return c
		}
		if c := strings.Compare(a.Product, b.Product); c != 0 {
			return c
		}
		return strings.Compare(string(a.Part), string(b.Part))
	})

	snap := &snapshot{
		docs:     make([]document, 0, len(keyed)),
		vendors:  map[string][]int{},
		products: map[string][]int{},
	}
	for i, id := range keyed {
		d := document{id: id, vendor: Tokenize(id.Vendor), product: Tokenize(id.Product)}
		snap.docs = append(snap.docs, d)
		for _, tok := range d.vendor {
			snap.vendors[tok] = append(snap.vendors[tok], i)
		}
		for _, tok := range d.product {
			snap.products[tok] = append(snap.products[tok], i)
		}
	}
	return snap
}

// Tokenize lower-cases s and splits it on anything that is not a letter or
// digit. The compacted form without separators is included, so that
// "django_project" is found by "djangoproject".
func Tokenize(s string) []string {
	s = strings.ToLower(s)
	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) > 1 {
		tokens = append(tokens, strings.Join(tokens, ""))
	}
	return lo.Uniq(tokens)
}

func tokenizeAll(terms []string) []string {
	var tokens []string
	for _, t := range terms {
		tokens = append(tokens, Tokenize(t)...)
	}
	return lo.Uniq(tokens)
}

type hit struct {
	vendor, product int
}

// Search runs an OR query of the vendor terms against vendor names and the
// product terms against product names. Candidates are ranked by token
// coverage of both fields; on equal scores an exact string match wins.
func (idx *Index) Search(vendorTerms, productTerms []string, limit int) ([]Candidate, error) {
	snap := idx.current.Load()
	if snap == nil {
		return nil, ErrNotReady
	}

	qv, qp := tokenizeAll(vendorTerms), tokenizeAll(productTerms)
	if len(qv) == 0 && len(qp) == 0 {
		return nil, nil
	}

	hits := map[int]*hit{}
	get := func(i int) *hit {
		h, ok := hits[i]
		if !ok {
			h = &hit{}
			hits[i] = h
		}
		return h
	}
	for _, tok := range qv {
		for _, i := range snap.vendors[tok] {
			get(i).vendor++
		}
	}
	for _, tok := range qp {
		for _, i := range snap.products[tok] {
			get(i).product++
		}
	}

	exactVendors := normalized(vendorTerms)
	exactProducts := normalized(productTerms)

	candidates := make([]Candidate, 0, len(hits))
	for i, h := range hits {
		d := snap.docs[i]
		candidates = append(candidates, Candidate{
			Identifier: d.id,
			Score:      coverage(h.vendor, len(d.vendor), len(qv)) + coverage(h.product, len(d.product), len(qp)),
			Exact:      lo.Contains(exactVendors, d.id.Vendor) || lo.Contains(exactProducts, d.id.Product),
		})
	}

	slices.SortFunc(candidates, func(a, b Candidate) int {
		switch {
		case a.Score != b.Score:
			if a.Score > b.Score {
				return -1
			}
			return 1
		case a.Exact != b.Exact:
			if a.Exact {
				return -1
			}
			return 1
		}
		if c := strings.Compare(a.Identifier.Vendor, b.Identifier.Vendor); c != 0 {
			return c
		}
		if c := strings.Compare(a.Identifier.Product, b.Identifier.Product); c != 0 {
			return c
		}
		return strings.Compare(string(a.Identifier.Part), string(b.Identifier.Part))
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// coverage is the share of the union of document and query tokens that matched.
func coverage(matched, docTokens, queryTokens int) float64 {
	if matched == 0 {
		return 0
	}
	return float64(matched) / float64(docTokens+queryTokens-matched)
}

func normalized(terms []string) []string {
	return lo.Map(terms, func(t string, _ int) string {
		return strings.ToLower(strings.TrimSpace(t))
	})
}
