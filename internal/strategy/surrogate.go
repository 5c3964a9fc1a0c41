package strategy

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"

	"github.com/bytedance/sonic"
	"github.com/dyluth/opbalance/internal/simplex"
	"github.com/dyluth/opbalance/pkg/ledger"
	"github.com/dyluth/opbalance/pkg/proposal"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// Features maps feature names to values for surrogate routing.
type Features map[string]float64

// ModelFeatures summarises the data set and model being sampled.
type ModelFeatures struct {
	Taxa            int     `yaml:"taxa" toml:"taxa"`
	Sites           int     `yaml:"sites" toml:"sites"`
	Patterns        int     `yaml:"patterns" toml:"patterns"`
	Partitions      int     `yaml:"partitions" toml:"partitions"`
	Calibrations    int     `yaml:"calibrations" toml:"calibrations"`
	GapProportion   float64 `yaml:"gap_proportion" toml:"gap_proportion"`
	TreeHeight      float64 `yaml:"tree_height" toml:"tree_height"`
	CharacterStates int     `yaml:"character_states" toml:"character_states"`
}

// Features flattens the model features plus each group's configured weight
// and dimension (named "<group>.weight" and "<group>.dim").
func (m ModelFeatures) Features(groups []*proposal.Group) Features {
	f := Features{
		"taxa":             float64(m.Taxa),
		"sites":            float64(m.Sites),
		"patterns":         float64(m.Patterns),
		"partitions":       float64(m.Partitions),
		"calibrations":     float64(m.Calibrations),
		"gap_proportion":   m.GapProportion,
		"tree_height":      m.TreeHeight,
		"character_states": float64(m.CharacterStates),
	}
	for _, g := range groups {
		f[ledger.WeightColumn(g.ID)] = g.Weight
		f[ledger.DimColumn(g.ID)] = float64(g.Dimension)
	}
	return f
}

// LeafFit predicts log ESS = Intercept + Slope*log(weight) for one group.
type LeafFit struct {
	Intercept float64 `json:"intercept"`
	Slope     float64 `json:"slope"`
}

// Node is one entry of the tree arena. Internal nodes send x[Feature] <=
// Threshold to Left, everything else to Right; a node with a Leaf is
// terminal.
type Node struct {
	Feature   string             `json:"feature,omitempty"`
	Threshold float64            `json:"threshold,omitempty"`
	Left      int                `json:"left,omitempty"`
	Right     int                `json:"right,omitempty"`
	Leaf      map[string]LeafFit `json:"leaf,omitempty"`
}

// SurrogateModel is a pre-fitted regression tree. Nodes[0] is the root.
type SurrogateModel struct {
	Groups []string `json:"groups"`
	Nodes  []Node   `json:"nodes"`
}

// LoadSurrogate reads and validates a model file.
func LoadSurrogate(path string) (*SurrogateModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read surrogate model: %w", err)
	}
	var m SurrogateModel
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse surrogate model %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("surrogate model %s: %w", path, err)
	}
	return &m, nil
}

// Validate checks the arena: children point forward, so routing always
// terminates.
func (m *SurrogateModel) Validate() error {
	if len(m.Nodes) == 0 {
		return fmt.Errorf("no nodes")
	}
	for i, n := range m.Nodes {
		if n.Leaf != nil {
			for _, g := range m.Groups {
				if _, ok := n.Leaf[g]; !ok {
					return fmt.Errorf("leaf %d has no fit for group %q", i, g)
				}
			}
			continue
		}
		if n.Feature == "" {
			return fmt.Errorf("node %d has neither a feature nor a leaf", i)
		}
		for _, c := range []int{n.Left, n.Right} {
			if c <= i || c >= len(m.Nodes) {
				return fmt.Errorf("node %d has invalid child %d", i, c)
			}
		}
	}
	return nil
}

// Route returns the leaf index reached by f.
func (m *SurrogateModel) Route(f Features) (int, error) {
	i := 0
	for m.Nodes[i].Leaf == nil {
		n := m.Nodes[i]
		v, ok := f[n.Feature]
		if !ok {
			return 0, fmt.Errorf("surrogate needs feature %q", n.Feature)
		}
		if v <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return i, nil
}

// Surrogate proposes the weights that minimise the balance distance
// predicted by a pre-fitted model for the current data set.
type Surrogate struct {
	path     string
	features Features
	src      rand.Source
	model    *SurrogateModel
	groups   []*proposal.Group
	logger   zerolog.Logger
}

// NewSurrogate creates a surrogate strategy for the model at path.
// features may be nil and are completed with per-group features at Init.
func NewSurrogate(path string, features Features, src rand.Source) *Surrogate {
	return &Surrogate{path: path, features: features, src: src}
}

func (s *Surrogate) Name() string { return NameSurrogate }

func (s *Surrogate) Init(env Env) error {
	if err := proposal.ValidateGroups(env.Groups); err != nil {
		return err
	}
	if s.path == "" {
		return fmt.Errorf("%w: surrogate needs a model path", proposal.ErrConfiguration)
	}
	m, err := LoadSurrogate(s.path)
	if err != nil {
		return err
	}
	for _, g := range env.Groups {
		if !contains(m.Groups, g.ID) {
			return fmt.Errorf("%w: surrogate model has no group %q", proposal.ErrConfiguration, g.ID)
		}
	}

	merged := Features{}
	for _, g := range env.Groups {
		merged[ledger.WeightColumn(g.ID)] = g.Weight
		merged[ledger.DimColumn(g.ID)] = float64(g.Dimension)
	}
	for k, v := range s.features {
		merged[k] = v
	}
	s.features = merged
	s.model = m
	s.groups = env.Groups
	s.logger = env.Logger.With().Str("strategy", NameSurrogate).Logger()
	return nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// PredictDistance is the balance distance the leaf predicts for w.
func PredictDistance(leaf map[string]LeafFit, groups []string, w []float64) float64 {
	ess := make([]float64, len(groups))
	for i, g := range groups {
		fit := leaf[g]
		ess[i] = math.Exp(fit.Intercept + fit.Slope*math.Log(math.Max(w[i], minDistance)))
	}
	d, err := simplex.BalanceDistance(ess)
	if err != nil {
		return math.Inf(1)
	}
	return d
}

func (s *Surrogate) SampleWeights() ([]float64, error) {
	if len(s.groups) == 0 {
		return nil, fmt.Errorf("%w: no proposal groups", proposal.ErrConfiguration)
	}
	leafIdx, err := s.model.Route(s.features)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", proposal.ErrConfiguration, err)
	}
	leaf := s.model.Nodes[leafIdx].Leaf
	ids := proposal.IDs(s.groups)
	if len(ids) == 1 {
		return []float64{1}, nil
	}

	objective := func(c []float64) float64 {
		return PredictDistance(leaf, ids, simplex.InverseStickBreak(clampCoords(c)))
	}

	uniform := make([]float64, len(ids))
	for i := range uniform {
		uniform[i] = 1 / float64(len(ids))
	}
	start, _ := simplex.StickBreak(uniform)
	starts := [][]float64{start}
	for i := 0; i < DefaultRandomStarts; i++ {
		w, err := sampleDirichlet(s.src, ones(len(ids)))
		if err != nil {
			return nil, err
		}
		if c, err := simplex.StickBreak(simplex.Interior(w, interiorEps)); err == nil {
			starts = append(starts, c)
		}
	}

	best, bestF := clampCoords(start), objective(start)
	problem := optimize.Problem{Func: objective}
	settings := &optimize.Settings{MajorIterations: 400, FuncEvaluations: 4000}
	for _, st := range starts {
		res, err := optimize.Minimize(problem, st, settings, &optimize.NelderMead{})
		if err != nil || res == nil || floats.HasNaN(res.X) {
			continue
		}
		if res.F < bestF {
			best, bestF = clampCoords(res.X), res.F
		}
	}

	w := simplex.InverseStickBreak(best)
	s.logger.Info().Int("leaf", leafIdx).Float64("predicted_distance", bestF).Floats64("weights", w).Msg("proposed weights")
	return w, nil
}
