package render

import (
	"github.com/nixh/nixh/pkg/capability"
	"github.com/nixh/nixh/pkg/tier"
)

// Render tier names.
const (
	SubsystemRender = "render"
	TierRich        = "rich"
	TierBasic       = "basic"
	TierPlain       = "plain"
)

// NewChain builds the render chain. Styling never changes what is said, so
// a lower tier is not disclosed.
func NewChain() (*tier.Chain[Renderer], error) {
	c, err := tier.NewChain(SubsystemRender,
		tier.Tier[Renderer]{
			Name:        TierRich,
			Priority:    30,
			Requires:    func(s capability.Snapshot) bool { return s.Terminal == capability.TerminalRich },
			Description: "colour and markdown",
			Instantiate: func() (Renderer, error) { return Rich(), nil },
		},
		tier.Tier[Renderer]{
			Name:     TierBasic,
			Priority: 20,
			Requires: func(s capability.Snapshot) bool {
				return s.Terminal == capability.TerminalRich || s.Terminal == capability.TerminalBasic
			},
			Description: "bold and faint text",
			Instantiate: func() (Renderer, error) { return Basic(), nil },
		},
		tier.Tier[Renderer]{
			Name:        TierPlain,
			Universal:   true,
			Description: "text without escape codes",
			Instantiate: func() (Renderer, error) { return Plain(), nil },
		},
	)
	if err != nil {
		return nil, err
	}
	c.Disclose = func(string, string) string { return "" }
	return c, nil
}
