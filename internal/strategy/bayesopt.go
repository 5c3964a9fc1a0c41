package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/dyluth/opbalance/internal/filelock"
	"github.com/dyluth/opbalance/internal/simplex"
	"github.com/dyluth/opbalance/pkg/ledger"
	"github.com/dyluth/opbalance/pkg/proposal"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// BayesOpt defaults.
const (
	DefaultExplorativity = 0.01
	DefaultBandwidth     = 1.0
	DefaultNoise         = 1e-4
	DefaultRandomStarts  = 4

	// interiorEps pulls boundary weight vectors into the open simplex.
	interiorEps = 1e-6
	// coordBound clamps stick-breaking coordinates during the search.
	coordBound = 8.0
	// minDistance floors the distance before taking its log.
	minDistance = 1e-12
)

// ErrNoObservations is returned by Persist before any ESS has been
// committed for the instance.
var ErrNoObservations = errors.New("no efficiency observations for instance")

// BayesOptOptions configures the sequential Bayesian optimiser.
type BayesOptOptions struct {
	HistoryPath   string
	Resume        bool
	Explorativity float64
	Bandwidth     float64
	Noise         float64
	RandomStarts  int
	Lock          filelock.Options
}

func (o *BayesOptOptions) applyDefaults() {
	if o.Explorativity == 0 {
		o.Explorativity = DefaultExplorativity
	}
	if o.Bandwidth <= 0 {
		o.Bandwidth = DefaultBandwidth
	}
	if o.Noise <= 0 {
		o.Noise = DefaultNoise
	}
	if o.RandomStarts < 0 {
		o.RandomStarts = 0
	} else if o.RandomStarts == 0 {
		o.RandomStarts = DefaultRandomStarts
	}
}

// BayesOpt fits a Gaussian process to the log balance distance of past
// trials, over stick-breaking coordinates of their weights, and proposes the
// weights maximising expected improvement.
type BayesOpt struct {
	opts     BayesOptOptions
	src      rand.Source
	env      Env
	ids      []string
	history  *History
	fallback Strategy
	// slot is the history index this process writes to, -1 before the
	// first Persist.
	slot   int
	logger zerolog.Logger
}

// NewBayesOpt creates the optimiser.
func NewBayesOpt(opts BayesOptOptions, src rand.Source) *BayesOpt {
	opts.applyDefaults()
	return &BayesOpt{opts: opts, src: src, slot: -1}
}

func (b *BayesOpt) Name() string { return NameBayesOpt }

func (b *BayesOpt) Init(env Env) error {
	if err := proposal.ValidateGroups(env.Groups); err != nil {
		return err
	}
	if b.opts.HistoryPath == "" {
		return fmt.Errorf("%w: bayesopt needs a history path", proposal.ErrConfiguration)
	}
	b.env = env
	b.ids = proposal.IDs(env.Groups)
	b.logger = env.Logger.With().Str("strategy", NameBayesOpt).Logger()

	h, err := LoadHistory(b.opts.HistoryPath)
	if err != nil {
		return err
	}
	b.history = h

	b.fallback = env.Fallback
	if b.fallback == nil {
		hs, _ := NewHeuristic(DefaultScale, b.src)
		b.fallback = hs
	}
	return b.fallback.Init(env)
}

// History returns the history loaded at Init.
func (b *BayesOpt) History() *History { return b.history }

type observation struct {
	weights []float64
	coords  []float64
	logDist float64
}

func (b *BayesOpt) observations() []observation {
	var obs []observation
	for _, s := range b.history.Samples {
		w, ok := s.WeightVector(b.ids)
		if !ok || math.IsNaN(s.Distance) || math.IsInf(s.Distance, 0) || s.Distance < 0 {
			continue
		}
		y, err := simplex.StickBreak(simplex.Interior(w, interiorEps))
		if err != nil {
			continue
		}
		obs = append(obs, observation{
			weights: w,
			coords:  y,
			logDist: math.Log(math.Max(s.Distance, minDistance)),
		})
	}
	return obs
}

func (b *BayesOpt) SampleWeights() ([]float64, error) {
	if len(b.ids) == 0 {
		return nil, fmt.Errorf("%w: no proposal groups", proposal.ErrConfiguration)
	}
	obs := b.observations()
	if len(obs) == 0 {
		b.logger.Info().Str("fallback", b.fallback.Name()).Msg("no trial history, using fallback strategy")
		return b.fallback.SampleWeights()
	}

	w, acq, err := b.propose(obs)
	if err != nil {
		inc := incumbent(obs)
		b.logger.Warn().Err(err).Floats64("weights", inc.weights).Msg("optimisation failed, reusing best historical weights")
		return append([]float64(nil), inc.weights...), nil
	}
	b.logger.Info().Int("trials", len(obs)).Float64("acquisition", acq).Floats64("weights", w).Msg("proposed weights")
	return w, nil
}

func incumbent(obs []observation) observation {
	best := obs[0]
	for _, o := range obs[1:] {
		if o.logDist < best.logDist {
			best = o
		}
	}
	return best
}

// acquisition builds the negated EI objective over clamped coordinates.
func (b *BayesOpt) acquisition(obs []observation) (func([]float64) float64, error) {
	x := make([][]float64, len(obs))
	y := make([]float64, len(obs))
	for i, o := range obs {
		x[i], y[i] = o.coords, o.logDist
	}
	model, err := fitGP(x, y, b.opts.Bandwidth, b.opts.Noise)
	if err != nil {
		return nil, err
	}
	best := incumbent(obs).logDist - b.opts.Explorativity
	return func(c []float64) float64 {
		mu, sigma := model.predict(clampCoords(c))
		return expectedImprovement(mu, sigma, best)
	}, nil
}

// propose maximises EI from every historical point and a few random ones.
// The winner is never worse than the best historical point.
func (b *BayesOpt) propose(obs []observation) ([]float64, float64, error) {
	ei, err := b.acquisition(obs)
	if err != nil {
		return nil, 0, err
	}

	var bestCoords []float64
	bestEI := math.Inf(-1)
	consider := func(c []float64) {
		c = clampCoords(c)
		if v := ei(c); !math.IsNaN(v) && v > bestEI {
			bestEI, bestCoords = v, c
		}
	}

	starts := make([][]float64, 0, len(obs)+b.opts.RandomStarts)
	for _, o := range obs {
		starts = append(starts, o.coords)
		consider(o.coords)
	}
	for i := 0; i < b.opts.RandomStarts; i++ {
		w, err := sampleDirichlet(b.src, ones(len(b.ids)))
		if err != nil {
			return nil, 0, err
		}
		c, err := simplex.StickBreak(simplex.Interior(w, interiorEps))
		if err != nil {
			continue
		}
		starts = append(starts, c)
	}

	problem := optimize.Problem{Func: func(c []float64) float64 { return -ei(c) }}
	settings := &optimize.Settings{MajorIterations: 400, FuncEvaluations: 4000}
	for _, s := range starts {
		res, err := optimize.Minimize(problem, s, settings, &optimize.NelderMead{})
		if err != nil || res == nil {
			b.logger.Debug().Err(err).Msg("nelder-mead start failed")
			continue
		}
		if floats.HasNaN(res.X) {
			continue
		}
		consider(res.X)
	}

	if bestCoords == nil || math.IsInf(bestEI, -1) {
		return nil, 0, errors.New("expected improvement is undefined everywhere")
	}
	return simplex.InverseStickBreak(bestCoords), bestEI, nil
}

func clampCoords(c []float64) []float64 {
	out := make([]float64, len(c))
	for i, v := range c {
		out[i] = math.Max(-coordBound, math.Min(coordBound, v))
	}
	return out
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

// Persist records the current trial in the history file. The first call
// of a process appends a sample, or takes over the last one when resuming;
// later calls update that same sample.
func (b *BayesOpt) Persist(ctx context.Context) error {
	if b.env.Store == nil {
		return fmt.Errorf("%w: bayesopt persist needs a ledger", proposal.ErrConfiguration)
	}
	sample, err := b.currentSample()
	if err != nil {
		return err
	}

	lock := filelock.New(b.opts.HistoryPath, b.opts.Lock)
	return lock.With(ctx, func() error {
		h, err := LoadHistory(b.opts.HistoryPath)
		if err != nil {
			return err
		}
		switch {
		case b.slot >= 0 && b.slot < len(h.Samples):
			h.Samples[b.slot] = sample
		case b.slot < 0 && b.opts.Resume && len(h.Samples) > 0:
			b.slot = len(h.Samples) - 1
			h.Samples[b.slot] = sample
		default:
			h.Samples = append(h.Samples, sample)
			h.TrialCount++
			b.slot = len(h.Samples) - 1
		}
		if err := h.Save(b.opts.HistoryPath); err != nil {
			return err
		}
		b.history = h
		b.logger.Info().
			Int("trial", h.TrialCount).
			Int("slot", b.slot).
			Float64("distance", sample.Distance).
			Msg("trial persisted")
		return nil
	})
}

// currentSample summarises the instance's ledger rows: mean non-NA ESS per
// group, the largest committed state count and the weights in force.
func (b *BayesOpt) currentSample() (Sample, error) {
	t, err := b.env.Store.Read()
	if err != nil {
		return Sample{}, err
	}
	rows := t.RowsFor(b.env.Key.Instance)
	if len(rows) == 0 {
		return Sample{}, fmt.Errorf("%w: %s", ErrNoObservations, b.env.Key.Instance)
	}

	s := Sample{Weights: map[string]float64{}, ESS: map[string]float64{}}
	ess := make([]float64, len(b.ids))
	for i, g := range b.env.Groups {
		sum, n := 0.0, 0
		weight := math.NaN()
		for _, r := range rows {
			if v, err := t.ReadFloat(r, ledger.ESSColumn(g.ID)); err == nil && !math.IsNaN(v) {
				sum += v
				n++
			}
			if math.IsNaN(weight) {
				if v, err := t.ReadFloat(r, ledger.WeightColumn(g.ID)); err == nil {
					weight = v
				}
			}
		}
		if n == 0 {
			return Sample{}, fmt.Errorf("%w: group %s", ErrNoObservations, g.ID)
		}
		if math.IsNaN(weight) {
			weight = g.Weight
		}
		ess[i] = sum / float64(n)
		s.ESS[g.ID] = ess[i]
		s.Weights[g.ID] = weight
	}
	for _, r := range rows {
		if v, err := t.ReadFloat(r, ledger.ColNStates); err == nil && !math.IsNaN(v) && int64(v) > s.NStates {
			s.NStates = int64(v)
		}
	}

	d, err := simplex.BalanceDistance(ess)
	if err != nil {
		return Sample{}, err
	}
	s.Distance = d
	return s, nil
}
