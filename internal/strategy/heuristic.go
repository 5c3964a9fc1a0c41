package strategy

import (
	"fmt"
	"math/rand/v2"

	"github.com/dyluth/opbalance/pkg/proposal"
	"github.com/rs/zerolog"
)

// Heuristic weights groups by the size of the parameter block they move.
// Each group gets a concentration t_i from its dimension; with a positive
// scale s the Dirichlet concentrations are s*t_i, with a negative scale
// they are t_i/sum(t), the maximum variance setting. The expected weights
// are proportional to t in both cases.
type Heuristic struct {
	scale  float64
	src    rand.Source
	groups []*proposal.Group
	logger zerolog.Logger
}

// NewHeuristic creates a heuristic strategy. A zero scale is rejected.
func NewHeuristic(scale float64, src rand.Source) (*Heuristic, error) {
	if scale == 0 {
		return nil, fmt.Errorf("%w: heuristic scale must be non-zero", proposal.ErrConfiguration)
	}
	return &Heuristic{scale: scale, src: src}, nil
}

func (h *Heuristic) Name() string { return NameHeuristic }

func (h *Heuristic) Init(env Env) error {
	if err := proposal.ValidateGroups(env.Groups); err != nil {
		return err
	}
	h.groups = env.Groups
	h.logger = env.Logger.With().Str("strategy", NameHeuristic).Logger()
	return nil
}

// Concentration returns the dimensional concentration t of a group.
func Concentration(g *proposal.Group) float64 {
	if g.Alpha == 0 || g.Dimension == 0 {
		return 0
	}
	switch g.Scaling {
	case proposal.ScalingNodeHeights:
		return float64(g.Dimension) / 2
	case proposal.ScalingFixed:
		return g.FixedConcentration
	default:
		return float64(g.Dimension)
	}
}

// Alphas returns the Dirichlet concentrations the heuristic draws from.
func (h *Heuristic) Alphas() ([]float64, error) {
	if len(h.groups) == 0 {
		return nil, fmt.Errorf("%w: no proposal groups", proposal.ErrConfiguration)
	}
	t := make([]float64, len(h.groups))
	total := 0.0
	for i, g := range h.groups {
		t[i] = Concentration(g)
		total += t[i]
	}
	if total <= 0 {
		return nil, fmt.Errorf("%w: no group has a positive dimension", proposal.ErrConfiguration)
	}
	for i := range t {
		if h.scale > 0 {
			t[i] *= h.scale
		} else {
			t[i] /= total
		}
	}
	return t, nil
}

func (h *Heuristic) SampleWeights() ([]float64, error) {
	alpha, err := h.Alphas()
	if err != nil {
		return nil, err
	}
	w, err := sampleDirichlet(h.src, alpha)
	if err != nil {
		return nil, err
	}
	h.logger.Debug().Float64("scale", h.scale).Floats64("alpha", alpha).Floats64("weights", w).Msg("sampled weights")
	return w, nil
}
