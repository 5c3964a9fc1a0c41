package strategy

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/dyluth/opbalance/pkg/proposal"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// maxGammaRetries bounds redraws when every gamma variate underflows to zero.
const maxGammaRetries = 16

// Dirichlet draws weights from a Dirichlet distribution whose concentrations
// are the groups' prior Alpha values.
type Dirichlet struct {
	src    rand.Source
	groups []*proposal.Group
	logger zerolog.Logger
}

// NewDirichlet creates a Dirichlet strategy drawing from src.
func NewDirichlet(src rand.Source) *Dirichlet {
	return &Dirichlet{src: src}
}

func (d *Dirichlet) Name() string { return NameDirichlet }

func (d *Dirichlet) Init(env Env) error {
	if err := proposal.ValidateGroups(env.Groups); err != nil {
		return err
	}
	d.groups = env.Groups
	d.logger = env.Logger.With().Str("strategy", NameDirichlet).Logger()
	return nil
}

func (d *Dirichlet) SampleWeights() ([]float64, error) {
	if len(d.groups) == 0 {
		return nil, fmt.Errorf("%w: no proposal groups", proposal.ErrConfiguration)
	}
	alpha := make([]float64, len(d.groups))
	for i, g := range d.groups {
		alpha[i] = g.Alpha
	}
	w, err := sampleDirichlet(d.src, alpha)
	if err != nil {
		return nil, err
	}
	d.logger.Debug().Floats64("alpha", alpha).Floats64("weights", w).Msg("sampled weights")
	return w, nil
}

// sampleDirichlet normalises independent Gamma(alpha_i, 1) draws. A zero
// concentration yields exactly zero weight.
func sampleDirichlet(src rand.Source, alpha []float64) ([]float64, error) {
	if len(alpha) == 0 {
		return nil, fmt.Errorf("%w: no proposal groups", proposal.ErrConfiguration)
	}
	positive := false
	for i, a := range alpha {
		if a < 0 || math.IsNaN(a) || math.IsInf(a, 0) {
			return nil, fmt.Errorf("%w: concentration %d is %v", proposal.ErrConfiguration, i, a)
		}
		if a > 0 {
			positive = true
		}
	}
	if !positive {
		return nil, fmt.Errorf("%w: every group has zero concentration", proposal.ErrConfiguration)
	}

	w := make([]float64, len(alpha))
	for attempt := 0; attempt < maxGammaRetries; attempt++ {
		for i, a := range alpha {
			w[i] = 0
			if a > 0 {
				w[i] = distuv.Gamma{Alpha: a, Beta: 1, Src: src}.Rand()
			}
		}
		if total := floats.Sum(w); total > 0 {
			floats.Scale(1/total, w)
			return w, nil
		}
	}
	return nil, fmt.Errorf("dirichlet draw underflowed for concentrations %v", alpha)
}
