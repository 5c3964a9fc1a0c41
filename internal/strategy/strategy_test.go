package strategy

import (
	"context"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dyluth/opbalance/internal/filelock"
	"github.com/dyluth/opbalance/internal/simplex"
	"github.com/dyluth/opbalance/pkg/ledger"
	"github.com/dyluth/opbalance/pkg/proposal"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func testGroups() []*proposal.Group {
	return []*proposal.Group{
		{ID: "tree", Alpha: 1, Dimension: 10},
		{ID: "clock", Alpha: 1, Dimension: 50},
		{ID: "subst", Alpha: 1, Dimension: 5},
	}
}

func testEnv(groups []*proposal.Group) Env {
	return Env{Groups: groups, Logger: zerolog.Nop()}
}

func TestNew(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			s, err := New(name, Options{Seed: 1, Scale: 2})
			require.NoError(t, err)
			assert.Equal(t, name, s.Name())
		})
	}

	t.Run("unknown name", func(t *testing.T) {
		_, err := New("annealing", Options{})
		assert.ErrorIs(t, err, proposal.ErrConfiguration)
	})

	t.Run("zero heuristic scale", func(t *testing.T) {
		_, err := New(NameHeuristic, Options{Scale: 0})
		assert.ErrorIs(t, err, proposal.ErrConfiguration)
	})
}

func TestDirichlet(t *testing.T) {
	t.Run("zero concentration gives exactly zero weight", func(t *testing.T) {
		groups := testGroups()
		groups[1].Alpha = 0
		d := NewDirichlet(newSource(42))
		require.NoError(t, d.Init(testEnv(groups)))

		for i := 0; i < 200; i++ {
			w, err := d.SampleWeights()
			require.NoError(t, err)
			require.Len(t, w, 3)
			assert.Equal(t, 0.0, w[1])
			assert.InDelta(t, 1.0, floats.Sum(w), 1e-12)
		}
	})

	t.Run("all zero concentrations", func(t *testing.T) {
		groups := testGroups()
		for _, g := range groups {
			g.Alpha = 0
		}
		d := NewDirichlet(newSource(1))
		require.NoError(t, d.Init(testEnv(groups)))
		_, err := d.SampleWeights()
		assert.ErrorIs(t, err, proposal.ErrConfiguration)
	})

	t.Run("empty group list", func(t *testing.T) {
		d := NewDirichlet(newSource(1))
		assert.ErrorIs(t, d.Init(testEnv(nil)), proposal.ErrConfiguration)
		_, err := d.SampleWeights()
		assert.ErrorIs(t, err, proposal.ErrConfiguration)
	})
}

func TestHeuristic(t *testing.T) {
	t.Run("mean weights follow dimensions", func(t *testing.T) {
		h, err := NewHeuristic(5, newSource(7))
		require.NoError(t, err)
		require.NoError(t, h.Init(testEnv(testGroups())))

		const draws = 10000
		mean := make([]float64, 3)
		for i := 0; i < draws; i++ {
			w, err := h.SampleWeights()
			require.NoError(t, err)
			floats.Add(mean, w)
		}
		floats.Scale(1.0/draws, mean)

		assert.InDelta(t, 10.0/65, mean[0], 0.01)
		assert.InDelta(t, 50.0/65, mean[1], 0.01)
		assert.InDelta(t, 5.0/65, mean[2], 0.01)
	})

	t.Run("concentrations", func(t *testing.T) {
		groups := []*proposal.Group{
			{ID: "a", Alpha: 1, Dimension: 10},
			{ID: "heights", Alpha: 1, Dimension: 10, Scaling: proposal.ScalingNodeHeights},
			{ID: "fixed", Alpha: 1, Dimension: 99, Scaling: proposal.ScalingFixed, FixedConcentration: 2},
			{ID: "off", Alpha: 0, Dimension: 10},
			{ID: "empty", Alpha: 1, Dimension: 0},
		}
		assert.Equal(t, []float64{10, 5, 2, 0, 0}, []float64{
			Concentration(groups[0]), Concentration(groups[1]), Concentration(groups[2]),
			Concentration(groups[3]), Concentration(groups[4]),
		})

		pos, _ := NewHeuristic(3, newSource(1))
		require.NoError(t, pos.Init(testEnv(groups)))
		alpha, err := pos.Alphas()
		require.NoError(t, err)
		assert.Equal(t, []float64{30, 15, 6, 0, 0}, alpha)

		neg, _ := NewHeuristic(-1, newSource(1))
		require.NoError(t, neg.Init(testEnv(groups)))
		alpha, err = neg.Alphas()
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float64{10.0 / 17, 5.0 / 17, 2.0 / 17, 0, 0}, alpha, 1e-12)
	})

	t.Run("no positive dimension", func(t *testing.T) {
		h, _ := NewHeuristic(1, newSource(1))
		require.NoError(t, h.Init(testEnv([]*proposal.Group{{ID: "a", Alpha: 1}})))
		_, err := h.SampleWeights()
		assert.ErrorIs(t, err, proposal.ErrConfiguration)
	})
}

func TestExpectedImprovement(t *testing.T) {
	assert.Equal(t, 0.0, expectedImprovement(1, 0, 0))
	assert.Equal(t, 0.5, expectedImprovement(0, 0, 0.5))
	assert.Greater(t, expectedImprovement(0, 1, 0), expectedImprovement(0, 0.1, 0))
	assert.Greater(t, expectedImprovement(-1, 0.5, 0), expectedImprovement(1, 0.5, 0))
}

func TestGP_InterpolatesTrainingPoints(t *testing.T) {
	x := [][]float64{{-1}, {0}, {1.5}}
	y := []float64{0.2, -0.4, 1.0}
	model, err := fitGP(x, y, 1.0, 1e-6)
	require.NoError(t, err)

	for i := range x {
		mu, sigma := model.predict(x[i])
		assert.InDelta(t, y[i], mu, 1e-3)
		assert.Less(t, sigma, 0.01)
	}
	_, far := model.predict([]float64{20})
	assert.InDelta(t, 1.0, far, 1e-6)
}

func writeHistory(t *testing.T, path string, samples []Sample) {
	t.Helper()
	h := &History{TrialCount: len(samples), Samples: samples}
	require.NoError(t, h.Save(path))
}

func twoGroupHistory() []Sample {
	var out []Sample
	for _, w := range []float64{0.1, 0.3, 0.5, 0.7, 0.9} {
		essA, essB := 1000*w, 300*(1-w)
		d, _ := simplex.BalanceDistance([]float64{essA, essB})
		out = append(out, Sample{
			Weights:  map[string]float64{"a": w, "b": 1 - w},
			ESS:      map[string]float64{"a": essA, "b": essB},
			Distance: d,
			NStates:  1000000,
		})
	}
	return out
}

func TestBayesOpt_AcquisitionNotWorseThanHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	writeHistory(t, path, twoGroupHistory())

	groups := []*proposal.Group{{ID: "a", Alpha: 1, Dimension: 1}, {ID: "b", Alpha: 1, Dimension: 1}}
	b := NewBayesOpt(BayesOptOptions{HistoryPath: path}, newSource(3))
	require.NoError(t, b.Init(testEnv(groups)))

	obs := b.observations()
	require.Len(t, obs, 5)

	w, acq, err := b.propose(obs)
	require.NoError(t, err)
	require.Len(t, w, 2)
	assert.InDelta(t, 1.0, floats.Sum(w), 1e-9)

	ei, err := b.acquisition(obs)
	require.NoError(t, err)
	for _, o := range obs {
		assert.GreaterOrEqual(t, acq, ei(o.coords))
	}

	sampled, err := b.SampleWeights()
	require.NoError(t, err)
	assert.Len(t, sampled, 2)
}

func TestBayesOpt_FallsBackWithoutHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	groups := testGroups()

	b := NewBayesOpt(BayesOptOptions{HistoryPath: path}, newSource(5))
	require.NoError(t, b.Init(testEnv(groups)))
	assert.Empty(t, b.History().Samples)

	w, err := b.SampleWeights()
	require.NoError(t, err)
	assert.Len(t, w, 3)
	assert.InDelta(t, 1.0, floats.Sum(w), 1e-12)
}

func TestBayesOpt_NumericalFailureUsesIncumbent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	writeHistory(t, path, twoGroupHistory())

	groups := []*proposal.Group{{ID: "a", Alpha: 1, Dimension: 1}, {ID: "b", Alpha: 1, Dimension: 1}}
	b := NewBayesOpt(BayesOptOptions{HistoryPath: path}, newSource(3))
	b.opts.Bandwidth = math.NaN()
	require.NoError(t, b.Init(testEnv(groups)))

	w, err := b.SampleWeights()
	require.NoError(t, err)

	best := b.History().Best([]string{"a", "b"})
	want, _ := b.History().Samples[best].WeightVector([]string{"a", "b"})
	assert.Equal(t, want, w)
}

func setupLedger(t *testing.T, groups []*proposal.Group, instance string, ess map[string][]float64, weights []float64) *ledger.Store {
	t.Helper()
	store := ledger.NewStore(filepath.Join(t.TempDir(), "ledger.tsv"), ledger.StoreOptions{
		Lock:   filelock.Options{PollInterval: time.Millisecond},
		Logger: zerolog.Nop(),
	})
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, ledger.Schema(proposal.IDs(groups))))

	replicates := len(ess[groups[0].ID])
	err := store.Commit(ctx, "test", nil, func(tbl *ledger.Table) error {
		for r := 0; r < replicates; r++ {
			row, err := tbl.AppendRow(ledger.Key{Instance: instance, Replicate: string(rune('a' + r))})
			if err != nil {
				return err
			}
			for i, g := range groups {
				if err := tbl.WriteFloat(row, ledger.WeightColumn(g.ID), weights[i]); err != nil {
					return err
				}
				if err := tbl.WriteFloat(row, ledger.ESSColumn(g.ID), ess[g.ID][r]); err != nil {
					return err
				}
			}
			if err := tbl.WriteFloat(row, ledger.ColNStates, float64(1000*(r+1))); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return store
}

func TestBayesOpt_Persist(t *testing.T) {
	groups := []*proposal.Group{{ID: "a", Alpha: 1, Dimension: 1}, {ID: "b", Alpha: 1, Dimension: 1}}
	store := setupLedger(t, groups, "inst", map[string][]float64{
		"a": {100, math.NaN(), 300},
		"b": {50, 70, 90},
	}, []float64{0.25, 0.75})
	historyPath := filepath.Join(t.TempDir(), "history.json")
	ctx := context.Background()

	newOpt := func(resume bool) *BayesOpt {
		b := NewBayesOpt(BayesOptOptions{
			HistoryPath: historyPath,
			Resume:      resume,
			Lock:        filelock.Options{PollInterval: time.Millisecond},
		}, newSource(9))
		env := testEnv(groups)
		env.Store = store
		env.Key = ledger.Key{Instance: "inst", Replicate: "a"}
		require.NoError(t, b.Init(env))
		return b
	}

	first := newOpt(false)
	require.NoError(t, first.Persist(ctx))
	require.NoError(t, first.Persist(ctx))

	h, err := LoadHistory(historyPath)
	require.NoError(t, err)
	assert.Equal(t, 1, h.TrialCount, "repeated persists of one process update one sample")
	require.Len(t, h.Samples, 1)

	s := h.Samples[0]
	assert.InDelta(t, 200, s.ESS["a"], 1e-9, "NA replicates are ignored")
	assert.InDelta(t, 70, s.ESS["b"], 1e-9)
	assert.Equal(t, int64(3000), s.NStates)
	assert.Equal(t, 0.25, s.Weights["a"])
	wantDist, _ := simplex.BalanceDistance([]float64{200, 70})
	assert.InDelta(t, wantDist, s.Distance, 1e-12)

	second := newOpt(false)
	require.NoError(t, second.Persist(ctx))
	h, _ = LoadHistory(historyPath)
	assert.Equal(t, 2, h.TrialCount)
	assert.Len(t, h.Samples, 2)

	resumed := newOpt(true)
	require.NoError(t, resumed.Persist(ctx))
	h, _ = LoadHistory(historyPath)
	assert.Equal(t, 2, h.TrialCount, "resuming overwrites the last trial")
	assert.Len(t, h.Samples, 2)

	_, err = os.Stat(historyPath + ".lock")
	assert.True(t, os.IsNotExist(err))
}

func TestBayesOpt_PersistWithoutObservations(t *testing.T) {
	groups := []*proposal.Group{{ID: "a", Alpha: 1, Dimension: 1}, {ID: "b", Alpha: 1, Dimension: 1}}
	store := setupLedger(t, groups, "inst", map[string][]float64{
		"a": {math.NaN()},
		"b": {1},
	}, []float64{0.5, 0.5})

	b := NewBayesOpt(BayesOptOptions{HistoryPath: filepath.Join(t.TempDir(), "h.json")}, newSource(1))
	env := testEnv(groups)
	env.Store = store
	env.Key = ledger.Key{Instance: "inst", Replicate: "a"}
	require.NoError(t, b.Init(env))

	assert.ErrorIs(t, b.Persist(context.Background()), ErrNoObservations)
}

func TestHistory_FileFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h.json")
	content := `{"trialCount": 3, "samples": [{"a.weight": 0.4, "b.weight": 0.6, "a.ess": 10, "b.ess": 20, "distance": 0.2, "nstates": 5000}]}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	h, err := LoadHistory(path)
	require.NoError(t, err)
	assert.Equal(t, 3, h.TrialCount)
	require.Len(t, h.Samples, 1)
	assert.Equal(t, map[string]float64{"a": 0.4, "b": 0.6}, h.Samples[0].Weights)
	assert.Equal(t, int64(5000), h.Samples[0].NStates)
	assert.Equal(t, []string{"a", "b"}, h.GroupIDs())
	assert.Equal(t, 0, h.Best([]string{"a", "b"}))
	assert.Equal(t, -1, h.Best([]string{"a", "c"}))
}

func writeModel(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const testModel = `{
  "groups": ["a", "b"],
  "nodes": [
    {"feature": "taxa", "threshold": 50, "left": 1, "right": 2},
    {"leaf": {"a": {"intercept": 5, "slope": 1}, "b": {"intercept": 5, "slope": 1}}},
    {"leaf": {"a": {"intercept": 7, "slope": 1}, "b": {"intercept": 5, "slope": 1}}}
  ]
}`

func TestSurrogateModel_Route(t *testing.T) {
	m, err := LoadSurrogate(writeModel(t, testModel))
	require.NoError(t, err)

	leaf, err := m.Route(Features{"taxa": 50})
	require.NoError(t, err)
	assert.Equal(t, 1, leaf)

	leaf, err = m.Route(Features{"taxa": 51})
	require.NoError(t, err)
	assert.Equal(t, 2, leaf)

	_, err = m.Route(Features{"sites": 1})
	assert.Error(t, err)
}

func TestSurrogateModel_Validate(t *testing.T) {
	_, err := LoadSurrogate(writeModel(t, `{"groups":["a"],"nodes":[{"feature":"taxa","left":0,"right":1},{"leaf":{"a":{}}}]}`))
	assert.Error(t, err, "a node pointing at itself would loop")

	_, err = LoadSurrogate(writeModel(t, `{"groups":["a","b"],"nodes":[{"leaf":{"a":{}}}]}`))
	assert.Error(t, err)

	_, err = LoadSurrogate(writeModel(t, `{"groups":["a"],"nodes":[]}`))
	assert.Error(t, err)
}

func TestSurrogate_SampleWeights(t *testing.T) {
	groups := []*proposal.Group{{ID: "a", Alpha: 1, Dimension: 1}, {ID: "b", Alpha: 1, Dimension: 1}}
	path := writeModel(t, testModel)

	t.Run("symmetric leaf balances evenly", func(t *testing.T) {
		s := NewSurrogate(path, Features{"taxa": 10}, newSource(1))
		require.NoError(t, s.Init(testEnv(groups)))
		w, err := s.SampleWeights()
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float64{0.5, 0.5}, w, 1e-3)
	})

	t.Run("efficient group gets less weight", func(t *testing.T) {
		s := NewSurrogate(path, Features{"taxa": 100}, newSource(1))
		require.NoError(t, s.Init(testEnv(groups)))
		w, err := s.SampleWeights()
		require.NoError(t, err)
		// exp(7)*wa = exp(5)*wb balances the two groups.
		wantA := 1 / (1 + math.Exp(2))
		assert.InDelta(t, wantA, w[0], 1e-3)
		assert.Less(t, PredictDistance(s.model.Nodes[2].Leaf, []string{"a", "b"}, w), 1e-2)
	})

	t.Run("unknown group", func(t *testing.T) {
		s := NewSurrogate(path, Features{"taxa": 1}, newSource(1))
		err := s.Init(testEnv([]*proposal.Group{{ID: "c", Alpha: 1}}))
		assert.ErrorIs(t, err, proposal.ErrConfiguration)
	})
}

func TestModelFeatures(t *testing.T) {
	groups := []*proposal.Group{{ID: "tree", Weight: 0.3, Dimension: 12}}
	f := ModelFeatures{Taxa: 20, TreeHeight: 1.5}.Features(groups)
	assert.Equal(t, 20.0, f["taxa"])
	assert.Equal(t, 1.5, f["tree_height"])
	assert.Equal(t, 0.3, f["tree.weight"])
	assert.Equal(t, 12.0, f["tree.dim"])
}

func TestSampleDirichlet_FlatConcentration(t *testing.T) {
	w, err := sampleDirichlet(rand.NewPCG(1, 2), ones(4))
	require.NoError(t, err)
	assert.Len(t, w, 4)
	assert.InDelta(t, 1.0, floats.Sum(w), 1e-12)
}
