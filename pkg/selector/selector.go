// Package selector turns a requested category into an ordered list
// of fetch candidates. Ordering is fully deterministic: for normal
// categories government sources lead; for compromised categories the
// alternatives lead and government sources are demoted with a trust
// discount.
package selector

import (
	"errors"
	"fmt"
	"sort"

	"github.com/healthsignal/sentinel/pkg/catalog"
)

var ErrNoSourceAvailable = errors.New("no source available")

const (
	// governmentDemotion is added to a government source's priority
	// when the requested category is compromise-flagged.
	governmentDemotion = 100

	// compromisedTrustDiscount scales a government source's declared
	// reliability when the category is compromise-flagged.
	compromisedTrustDiscount = 0.7
)

// Availability is the predicate the health tracker exposes.
type Availability interface {
	IsAvailable(sourceID string) bool
}

// Selector produces ordered candidate lists from the catalog.
type Selector struct {
	catalog *catalog.Catalog
	health  Availability
}

// New wires a selector to its catalog and health predicate.
func New(c *catalog.Catalog, health Availability) *Selector {
	return &Selector{catalog: c, health: health}
}

// Candidates returns the sources to try for a category, best first.
//
// Normal category: government sources before alternative sources,
// each group by ascending priority. Compromised category: the order
// flips and demoted government descriptors carry a discounted
// reliability, so a later confidence score reflects the reduced
// trust. Sources currently marked unavailable are dropped. An empty
// result is a hard error.
func (s *Selector) Candidates(category string) ([]catalog.Descriptor, error) {
	matched := s.catalog.ForCategory(category)
	compromised := s.catalog.IsCompromised(category)

	var candidates []catalog.Descriptor
	for _, d := range matched {
		if !s.health.IsAvailable(d.ID) {
			continue
		}
		if compromised && d.Kind == catalog.KindGovernment {
			d.Priority += governmentDemotion
			d.Reliability *= compromisedTrustDiscount
		}
		candidates = append(candidates, d)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: category %q", ErrNoSourceAvailable, category)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if ka, kb := kindRank(a.Kind, compromised), kindRank(b.Kind, compromised); ka != kb {
			return ka < kb
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Reliability != b.Reliability {
			return a.Reliability > b.Reliability
		}
		return a.ID < b.ID
	})

	return candidates, nil
}

// kindRank orders groups: 0 sorts first. Government leads unless the
// category is compromised.
func kindRank(k catalog.Kind, compromised bool) int {
	if compromised {
		if k == catalog.KindAlternative {
			return 0
		}
		return 1
	}
	if k == catalog.KindGovernment {
		return 0
	}
	return 1
}
