// Package efficiency measures how well each proposal group mixes (effective
// sample size from the sampler's trace logs) and how long the chain takes,
// and commits those observations to the shared ledger.
package efficiency

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/dyluth/opbalance/pkg/ledger"
	"github.com/dyluth/opbalance/pkg/proposal"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

// MinTraceLines is the number of logged states at or below which a trace is
// considered not yet informative.
const MinTraceLines = 5

// DefaultRuntimeColumn is the cumulative runtime column of the runtime log.
const DefaultRuntimeColumn = "runtime"

// Clock reports time elapsed since the chain ensemble started.
type Clock interface {
	Elapsed() time.Duration
}

// Options configures an Analyzer.
type Options struct {
	Key           ledger.Key
	BurnInPercent float64
	RuntimeLog    string
	RuntimeColumn string
	Clock         Clock
	Logger        zerolog.Logger
}

// Analyzer computes per-group efficiency for one replicate.
type Analyzer struct {
	store  *ledger.Store
	groups []*proposal.Group
	opts   Options
	logger zerolog.Logger
}

// Observation is one round of efficiency measurements. MinESS holds NaN for
// groups skipped this round.
type Observation struct {
	MinESS          []float64
	Mean            float64
	SD              float64
	CV              float64
	NStates         int64
	RuntimeRaw      float64
	RuntimeSmoothed float64
}

// New creates an analyzer writing to store for opts.Key.
func New(store *ledger.Store, groups []*proposal.Group, opts Options) (*Analyzer, error) {
	if err := opts.Key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", proposal.ErrConfiguration, err)
	}
	if err := proposal.ValidateGroups(groups); err != nil {
		return nil, err
	}
	if opts.BurnInPercent < 0 || opts.BurnInPercent >= 100 {
		return nil, fmt.Errorf("%w: burn-in must be in [0,100), got %v", proposal.ErrConfiguration, opts.BurnInPercent)
	}
	if opts.RuntimeColumn == "" {
		opts.RuntimeColumn = DefaultRuntimeColumn
	}
	return &Analyzer{
		store:  store,
		groups: groups,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "efficiency").Str("key", opts.Key.String()).Logger(),
	}, nil
}

// ComputeMinESS returns the smallest finite ESS over the group's tracked
// metrics. ok is false when the log is not yet informative or no metric has
// a usable ESS; that is a skip, not an error.
func (a *Analyzer) ComputeMinESS(g *proposal.Group) (float64, bool, error) {
	if g.TraceLog == "" {
		return 0, false, nil
	}
	tr, err := ReadTrace(g.TraceLog)
	if errors.Is(err, os.ErrNotExist) {
		a.logger.Debug().Str("group", g.ID).Str("trace", g.TraceLog).Msg("trace not written yet")
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if tr.Len() <= MinTraceLines {
		a.logger.Debug().Str("group", g.ID).Int("lines", tr.Len()).Msg("trace not yet informative")
		return 0, false, nil
	}
	tr = tr.DropBurnIn(a.opts.BurnInPercent)

	metrics := g.Metrics
	if len(metrics) == 0 {
		metrics = tr.Columns[1:]
	}

	minESS, found := math.Inf(1), false
	for _, m := range metrics {
		values, ok := tr.Column(m)
		if !ok {
			return 0, false, fmt.Errorf("trace %s has no column %q", g.TraceLog, m)
		}
		ess := ESS(values, tr.StepSize())
		if math.IsNaN(ess) || ess < 0 {
			continue
		}
		if ess < minESS {
			minESS = ess
		}
		found = true
	}
	if !found {
		return 0, false, nil
	}
	return minESS, true, nil
}

// Observe measures every group without touching the ledger.
func (a *Analyzer) Observe(nstates int64) (*Observation, error) {
	obs := &Observation{
		MinESS:          make([]float64, len(a.groups)),
		NStates:         nstates,
		RuntimeRaw:      nan,
		RuntimeSmoothed: nan,
	}

	var finite []float64
	for i, g := range a.groups {
		ess, ok, err := a.ComputeMinESS(g)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", g.ID, err)
		}
		if !ok {
			obs.MinESS[i] = nan
			continue
		}
		obs.MinESS[i] = ess
		finite = append(finite, ess)
	}

	obs.Mean, obs.SD, obs.CV = nan, nan, nan
	switch len(finite) {
	case 0:
	case 1:
		obs.Mean, obs.SD = finite[0], 0
	default:
		obs.Mean, obs.SD = stat.MeanStdDev(finite, nil)
	}
	if obs.Mean > 0 {
		obs.CV = obs.SD / obs.Mean
	}

	if a.opts.Clock != nil {
		obs.RuntimeRaw = a.opts.Clock.Elapsed().Seconds()
	}
	if a.opts.RuntimeLog != "" {
		if err := a.observeRuntime(obs); err != nil {
			a.logger.Warn().Err(err).Msg("runtime log unusable this round")
		}
	}
	return obs, nil
}

func (a *Analyzer) observeRuntime(obs *Observation) error {
	tr, err := ReadTrace(a.opts.RuntimeLog)
	if err != nil {
		return err
	}
	durations, err := Durations(tr, a.opts.RuntimeColumn)
	if err != nil {
		return err
	}
	if len(durations) == 0 {
		return nil
	}
	if math.IsNaN(obs.RuntimeRaw) {
		cum, _ := tr.Column(a.opts.RuntimeColumn)
		obs.RuntimeRaw = cum[len(cum)-1]
	}
	n := obs.NStates
	if n <= 0 {
		n = tr.States[len(tr.States)-1]
	}
	obs.RuntimeSmoothed = ComputeSmoothedRuntime(durations, n)
	return nil
}

// CommitObservations measures every group and commits the results to this
// replicate's ledger row. On failure the live ledger keeps its last valid
// state and the error is returned for the caller to log.
func (a *Analyzer) CommitObservations(ctx context.Context, nstates int64) (*Observation, error) {
	obs, err := a.Observe(nstates)
	if err != nil {
		a.logger.Error().Err(err).Msg("efficiency computation failed")
		return nil, err
	}

	key := a.opts.Key
	err = a.store.Commit(ctx, "observations", []ledger.Key{key}, func(t *ledger.Table) error {
		row, ok := t.LocateRow(key)
		if !ok {
			var err error
			if row, err = t.AppendRow(key); err != nil {
				return err
			}
		}
		for i, g := range a.groups {
			if err := t.WriteFloat(row, ledger.ESSColumn(g.ID), obs.MinESS[i]); err != nil {
				return err
			}
		}
		writes := []struct {
			col string
			v   float64
		}{
			{ledger.ColMinESSMean, obs.Mean},
			{ledger.ColMinESSSD, obs.SD},
			{ledger.ColMinESSCV, obs.CV},
			{ledger.ColNStates, float64(obs.NStates)},
			{ledger.ColRuntimeRaw, obs.RuntimeRaw},
			{ledger.ColRuntimeSmoothed, obs.RuntimeSmoothed},
		}
		for _, w := range writes {
			if err := t.WriteFloat(row, w.col, w.v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit observations: %w", err)
	}

	for i, g := range a.groups {
		if !math.IsNaN(obs.MinESS[i]) {
			g.MinESS = obs.MinESS[i]
		}
	}
	a.logger.Info().
		Floats64("min_ess", obs.MinESS).
		Float64("mean", obs.Mean).
		Float64("cv", obs.CV).
		Int64("nstates", obs.NStates).
		Float64("runtime_smoothed", obs.RuntimeSmoothed).
		Msg("observations committed")
	return obs, nil
}
