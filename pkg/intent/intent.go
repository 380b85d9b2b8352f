// Package intent turns free text into a structured Intent.
//
// Recognition runs up to three stages over a versioned phrase table: an
// exact rule match, a typo tolerant fuzzy match and an embedding based
// semantic match. Which stages run is decided by the intent tier chain; the
// Pipeline stops at the first stage that is confident enough and otherwise
// merges every candidate into one ranked answer with alternates.
package intent

import (
	"fmt"
	"strings"
)

// Type is the kind of request the user made.
type Type string

const (
	TypeInstall  Type = "install"
	TypeRemove   Type = "remove"
	TypeUpdate   Type = "update"
	TypeSearch   Type = "search"
	TypeRollback Type = "rollback"
	TypeQuery    Type = "query"
	TypeUnknown  Type = "unknown"
)

// Types lists the recognizable types in table order.
var Types = []Type{TypeInstall, TypeRemove, TypeUpdate, TypeSearch, TypeRollback, TypeQuery}

// Query targets.
const (
	QueryGenerations = "generations"
	QueryInstalled   = "installed"
	QueryStatus      = "status"
)

// Stage names.
const (
	StageRule     = "rule"
	StageFuzzy    = "fuzzy"
	StageSemantic = "semantic"
	StageSession  = "session"
)

// Candidate is one interpretation of the input.
type Candidate struct {
	Type       Type    `json:"type"`
	Target     string  `json:"target,omitempty"`
	Confidence float64 `json:"confidence"`
	Stage      string  `json:"stage"`

	// Canonical is the phrasing that the rule stage recognizes with full
	// confidence, e.g. "install firefox".
	Canonical string `json:"canonical"`

	order int
}

// Key identifies the interpretation independent of how it was found.
func (c Candidate) Key() string {
	return string(c.Type) + "\x00" + c.Target
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s (%.2f)", c.Canonical, c.Confidence)
}

// Intent is the recognized request. It is created per request and never
// persisted: RawText is the user's own words.
type Intent struct {
	Type       Type        `json:"type"`
	Target     string      `json:"target,omitempty"`
	RawText    string      `json:"raw_text"`
	Confidence float64     `json:"confidence"`
	Stage      string      `json:"stage,omitempty"`
	Canonical  string      `json:"canonical,omitempty"`
	Alternates []Candidate `json:"alternates,omitempty"`

	// TableVersion is the phrase table the intent was recognized against.
	TableVersion string `json:"table_version,omitempty"`
}

// Known reports whether the intent has a recognized type.
func (i Intent) Known() bool {
	return i.Type != TypeUnknown && i.Type != ""
}

// HasTarget reports whether a target was extracted.
func (i Intent) HasTarget() bool {
	return i.Target != ""
}

func (i Intent) String() string {
	if i.Target == "" {
		return fmt.Sprintf("%s (%.2f via %s)", i.Type, i.Confidence, i.Stage)
	}
	return fmt.Sprintf("%s %s (%.2f via %s)", i.Type, i.Target, i.Confidence, i.Stage)
}

// AmbiguousIntentError signals that the caller should ask the user to pick
// one of the alternates. It is not a failure.
type AmbiguousIntentError struct {
	Intent Intent
}

func (e *AmbiguousIntentError) Error() string {
	choices := make([]string, 0, len(e.Intent.Alternates))
	for i, alt := range e.Intent.Alternates {
		choices = append(choices, fmt.Sprintf("%d) %s", i+1, alt.Canonical))
	}
	if len(choices) == 0 {
		return "request is ambiguous"
	}
	return "request is ambiguous: did you mean " + strings.Join(choices, ", ") + "?"
}

// Ambiguity returns an *AmbiguousIntentError when the intent is below
// threshold and offers alternates, nil otherwise.
func (i Intent) Ambiguity(threshold float64) error {
	if i.Confidence >= threshold || len(i.Alternates) == 0 {
		return nil
	}
	return &AmbiguousIntentError{Intent: i}
}

func fromCandidate(c Candidate, raw, version string) Intent {
	return Intent{
		Type:         c.Type,
		Target:       c.Target,
		RawText:      raw,
		Confidence:   c.Confidence,
		Stage:        c.Stage,
		Canonical:    c.Canonical,
		TableVersion: version,
	}
}
