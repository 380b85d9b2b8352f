package intent

import (
	"errors"

	"github.com/nixh/nixh/pkg/capability"
	"github.com/nixh/nixh/pkg/tier"
)

// Intent tier names.
const (
	SubsystemIntent = "intent"
	TierFull        = "full"
	TierStandard    = "standard"
	TierRules       = "rules"
)

// errNoSemantic makes the full tier fall through when no embedder could be
// selected.
var errNoSemantic = errors.New("semantic stage unavailable")

// NewChain builds the intent chain. semantic is called when the full tier is
// instantiated and may return nil.
func NewChain(semantic func() *SemanticStage) (*tier.Chain[Recognizer], error) {
	return tier.NewChain(SubsystemIntent,
		tier.Tier[Recognizer]{
			Name:        TierFull,
			Priority:    30,
			Requires:    func(s capability.Snapshot) bool { return s.Memory.AtLeast(capability.MemoryMedium) },
			Description: "rule, fuzzy and semantic stages",
			Instantiate: func() (Recognizer, error) {
				sem := semantic()
				if sem == nil {
					return Recognizer{}, errNoSemantic
				}
				return Recognizer{Tier: TierFull, Stages: []Stage{RuleStage{}, FuzzyStage{}, sem}}, nil
			},
		},
		tier.Tier[Recognizer]{
			Name:        TierStandard,
			Priority:    20,
			Universal:   true,
			Description: "rule and fuzzy stages",
			Instantiate: func() (Recognizer, error) {
				return Recognizer{Tier: TierStandard, Stages: []Stage{RuleStage{}, FuzzyStage{}}}, nil
			},
		},
		tier.Tier[Recognizer]{
			Name:        TierRules,
			Priority:    10,
			Universal:   true,
			Description: "exact phrasings only",
			Instantiate: func() (Recognizer, error) {
				return Recognizer{Tier: TierRules, Stages: []Stage{RuleStage{}}}, nil
			},
		},
	)
}
