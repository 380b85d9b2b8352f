package intent

import (
	"strconv"
	"strings"
)

// Pending holds the alternates offered in the previous turn of a session.
type Pending struct {
	Alternates []Candidate
	RawText    string
}

// Empty reports whether there is nothing to choose from.
func (p Pending) Empty() bool {
	return len(p.Alternates) == 0
}

// Choose resolves a follow-up that picks an alternate by number ("1", "2",
// "3", optionally with a leading "#" or trailing ".") or by repeating its
// canonical phrasing. The chosen intent has full confidence.
func (p Pending) Choose(text string) (Intent, bool) {
	s := strings.TrimSpace(strings.ToLower(text))
	s = strings.TrimSuffix(strings.TrimPrefix(s, "#"), ".")

	for i, alt := range p.Alternates {
		if s == strconv.Itoa(i+1) || s == alt.Canonical {
			return Intent{
				Type:       alt.Type,
				Target:     alt.Target,
				RawText:    p.RawText,
				Confidence: 1.0,
				Stage:      StageSession,
				Canonical:  alt.Canonical,
			}, true
		}
	}
	return Intent{}, false
}
