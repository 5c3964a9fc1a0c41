package controller

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/opbalance/internal/filelock"
	"github.com/dyluth/opbalance/internal/strategy"
	"github.com/dyluth/opbalance/pkg/ledger"
	"github.com/dyluth/opbalance/pkg/proposal"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingOperator struct {
	calls  int
	weight float64
}

func (o *countingOperator) SetWeight(w float64) {
	o.calls++
	o.weight = w
}

type countingObserver struct {
	mu      sync.Mutex
	reasons []string
}

func (o *countingObserver) LedgerCommitted(_ context.Context, ev ledger.CommitEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reasons = append(o.reasons, ev.Reason)
	return nil
}

func (o *countingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.reasons)
}

func testGroups() ([]*proposal.Group, []*countingOperator) {
	ops := []*countingOperator{{}, {}}
	return []*proposal.Group{
		{ID: "tree", Alpha: 1, Dimension: 40, Operator: ops[0]},
		{ID: "clock", Alpha: 1, Dimension: 10, Operator: ops[1]},
	}, ops
}

func setupStore(t *testing.T, obs ledger.Observer) *ledger.Store {
	t.Helper()
	store := ledger.NewStore(filepath.Join(t.TempDir(), "ledger.tsv"), ledger.StoreOptions{
		Lock:     filelock.Options{PollInterval: time.Millisecond},
		Observer: obs,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, store.Create(context.Background(), ledger.Schema([]string{"tree", "clock"})))
	return store
}

func heuristic(t *testing.T, seed uint64) strategy.Strategy {
	t.Helper()
	s, err := strategy.New(strategy.NameHeuristic, strategy.Options{Seed: seed, Scale: 5})
	require.NoError(t, err)
	return s
}

func baseOptions(t *testing.T, store *ledger.Store, replicate string, owner bool, seed uint64) Options {
	return Options{
		Key:          ledger.Key{Instance: "inst", Replicate: replicate},
		Replicates:   []string{"r1", "r2"},
		OwnsWeights:  owner,
		Role:         RolePrimary,
		Cadence:      10,
		ChainLength:  30,
		WaitInterval: 5 * time.Millisecond,
		WaitTimeout:  5 * time.Second,
		Store:        store,
		Strategy:     heuristic(t, seed),
		Logger:       zerolog.Nop(),
	}
}

func TestNew_Validation(t *testing.T) {
	store := setupStore(t, nil)
	groups, _ := testGroups()
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*Options)
		groups []*proposal.Group
	}{
		{"empty groups", func(*Options) {}, []*proposal.Group{}},
		{"missing key", func(o *Options) { o.Key = ledger.Key{} }, groups},
		{"zero cadence", func(o *Options) { o.Cadence = 0 }, groups},
		{"no store", func(o *Options) { o.Store = nil }, groups},
		{"no strategy", func(o *Options) { o.Strategy = nil }, groups},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := baseOptions(t, store, "r1", true, 1)
			tt.mutate(&opts)
			_, err := New(ctx, opts, tt.groups)
			assert.ErrorIs(t, err, proposal.ErrConfiguration)
		})
	}
}

func TestNew_OwnerWritesWeightsForEveryReplicate(t *testing.T) {
	store := setupStore(t, nil)
	groups, _ := testGroups()

	c, err := New(context.Background(), baseOptions(t, store, "r1", true, 11), groups)
	require.NoError(t, err)
	assert.Equal(t, WeightsPending, c.State())

	tbl, err := store.Read()
	require.NoError(t, err)
	require.Equal(t, 2, tbl.Len())
	for _, rep := range []string{"r1", "r2"} {
		row, ok := tbl.LocateRow(ledger.Key{Instance: "inst", Replicate: rep})
		require.True(t, ok, rep)
		started, _ := tbl.ReadBool(row, ledger.ColStarted)
		assert.True(t, started)
		w, _ := tbl.ReadFloat(row, ledger.WeightColumn("tree"))
		assert.Equal(t, c.Weights()[0], w)
		dim, _ := tbl.ReadCell(row, ledger.DimColumn("tree"))
		assert.Equal(t, "40", dim)
	}
}

func TestNew_OwnerRestartKeepsCommittedWeights(t *testing.T) {
	store := setupStore(t, nil)
	groups, _ := testGroups()
	ctx := context.Background()

	first, err := New(ctx, baseOptions(t, store, "r1", true, 1), groups)
	require.NoError(t, err)

	opts := baseOptions(t, store, "r1", true, 2)
	opts.Replicates = []string{"r1", "r2", "r3"}
	second, err := New(ctx, opts, groups)
	require.NoError(t, err)
	assert.Equal(t, first.Weights(), second.Weights(), "the started flag is checked and set in one commit")

	tbl, _ := store.Read()
	row, ok := tbl.LocateRow(ledger.Key{Instance: "inst", Replicate: "r3"})
	require.True(t, ok, "missing replicate rows are added with the committed weights")
	w, _ := tbl.ReadFloat(row, ledger.WeightColumn("clock"))
	assert.Equal(t, first.Weights()[1], w)
}

func TestNew_ReplicaWaitsForOwner(t *testing.T) {
	store := setupStore(t, nil)
	ctx := context.Background()

	type result struct {
		c   *Controller
		err error
	}
	done := make(chan result, 1)
	replicaGroups, _ := testGroups()
	replicaOpts := baseOptions(t, store, "r2", false, 3)
	go func() {
		c, err := New(ctx, replicaOpts, replicaGroups)
		done <- result{c, err}
	}()

	select {
	case <-done:
		t.Fatal("replica returned before the owner committed")
	case <-time.After(50 * time.Millisecond):
	}

	groups, _ := testGroups()
	owner, err := New(ctx, baseOptions(t, store, "r1", true, 4), groups)
	require.NoError(t, err)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, owner.Weights(), r.c.Weights())
	case <-time.After(5 * time.Second):
		t.Fatal("replica never saw the owner's weights")
	}
}

func TestNew_ReplicaTimesOut(t *testing.T) {
	store := setupStore(t, nil)
	groups, _ := testGroups()
	opts := baseOptions(t, store, "r2", false, 1)
	opts.WaitTimeout = 20 * time.Millisecond

	_, err := New(context.Background(), opts, groups)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestSelect_AppliesOnceAndReportsOnCadence(t *testing.T) {
	obs := &countingObserver{}
	store := setupStore(t, obs)
	groups, ops := testGroups()

	c, err := New(context.Background(), baseOptions(t, store, "r1", true, 5), groups)
	require.NoError(t, err)
	commitsAfterStart := obs.count()

	rng := rand.New(rand.NewPCG(1, 2))
	counts := make([]int, 2)
	for i := 0; i < 30; i++ {
		idx, err := c.Select(rng)
		require.NoError(t, err)
		counts[idx]++
		if i == 0 {
			assert.Equal(t, Running, c.State())
		}
	}

	assert.Equal(t, 1, ops[0].calls, "weights are pushed into operators once")
	assert.Equal(t, c.Weights()[0], ops[0].weight)
	assert.Equal(t, 3, obs.count()-commitsAfterStart, "one commit per cadence")
	assert.Equal(t, Terminated, c.State())
	assert.Equal(t, 30, counts[0]+counts[1])

	_, err = c.Select(rng)
	assert.ErrorIs(t, err, ErrTerminated)

	tbl, _ := store.Read()
	row, _ := tbl.LocateRow(ledger.Key{Instance: "inst", Replicate: "r1"})
	n, _ := tbl.ReadFloat(row, ledger.ColNStates)
	assert.Equal(t, 30.0, n)
}

func TestSelect_HelperNeverReports(t *testing.T) {
	obs := &countingObserver{}
	store := setupStore(t, obs)
	groups, _ := testGroups()

	opts := baseOptions(t, store, "r1", true, 5)
	opts.Role = RoleForChain(true, 0.5)
	c, err := New(context.Background(), opts, groups)
	require.NoError(t, err)
	before := obs.count()

	rng := rand.New(rand.NewPCG(3, 4))
	for i := 0; i < 30; i++ {
		_, err := c.Select(rng)
		require.NoError(t, err)
	}
	assert.Equal(t, before, obs.count())
}

func TestSelect_FollowsWeights(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	counts := make([]int, 3)
	for i := 0; i < 20000; i++ {
		idx, err := pick(rng, []float64{0.2, 0, 0.8})
		require.NoError(t, err)
		counts[idx]++
	}
	assert.Zero(t, counts[1])
	assert.InDelta(t, 0.2, float64(counts[0])/20000, 0.02)

	_, err := pick(rng, []float64{0, 0})
	assert.ErrorIs(t, err, proposal.ErrConfiguration)
}

func TestDryRun(t *testing.T) {
	obs := &countingObserver{}
	store := setupStore(t, obs)
	groups, ops := testGroups()

	opts := baseOptions(t, store, "r1", true, 1)
	opts.DryRun = true
	c, err := New(context.Background(), opts, groups)
	require.NoError(t, err)

	assert.Equal(t, Terminated, c.State())
	assert.Equal(t, 1, obs.count())
	assert.Equal(t, []string{"maintenance"}, obs.reasons)

	_, err = c.Select(rand.New(rand.NewPCG(1, 1)))
	assert.ErrorIs(t, err, ErrTerminated)
	assert.Zero(t, ops[0].calls)
}

// writeTrace writes a sampler log of white noise with one metric column.
func writeTrace(t *testing.T, dir, name string, seed uint64) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("Sample\tx\n")
	r := rand.New(rand.NewPCG(seed, seed+1))
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&b, "%d\t%g\n", i*10, r.NormFloat64())
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func TestCadenceReadsTraceLogs(t *testing.T) {
	store := setupStore(t, nil)
	groups, _ := testGroups()
	groups[0].TraceLog = writeTrace(t, t.TempDir(), "tree.log", 5)

	opts := baseOptions(t, store, "r1", true, 1)
	opts.Cadence = 30
	c, err := New(context.Background(), opts, groups)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 30; i++ {
		_, err := c.Select(rng)
		require.NoError(t, err)
	}
	assert.Greater(t, c.MinESS()[0], 0.0)
	assert.Zero(t, c.MinESS()[1])
	assert.Contains(t, c.Summary(), "tree")
	assert.Contains(t, c.Summary(), "strategy heuristic")
}

func TestSelect_OnlyOwnerRecordsTrial(t *testing.T) {
	store := setupStore(t, nil)
	dir := t.TempDir()
	treeLog := writeTrace(t, dir, "tree.log", 7)
	clockLog := writeTrace(t, dir, "clock.log", 8)
	history := filepath.Join(dir, "history.json")

	bayesopt := func() strategy.Strategy {
		s, err := strategy.New(strategy.NameBayesOpt, strategy.Options{
			Seed: 3,
			BayesOpt: strategy.BayesOptOptions{
				HistoryPath: history,
				Lock:        filelock.Options{PollInterval: time.Millisecond},
			},
		})
		require.NoError(t, err)
		return s
	}

	run := func(replicate string, owner bool) {
		groups, _ := testGroups()
		groups[0].TraceLog = treeLog
		groups[1].TraceLog = clockLog
		opts := baseOptions(t, store, replicate, owner, 1)
		opts.Strategy = bayesopt()
		opts.Cadence = 30
		c, err := New(context.Background(), opts, groups)
		require.NoError(t, err)

		rng := rand.New(rand.NewPCG(1, 2))
		for i := 0; i < 30; i++ {
			_, err := c.Select(rng)
			require.NoError(t, err)
		}
		assert.Equal(t, Terminated, c.State())
	}
	run("r1", true)
	run("r2", false)

	h, err := strategy.LoadHistory(history)
	require.NoError(t, err)
	assert.Equal(t, 1, h.TrialCount)
	assert.Len(t, h.Samples, 1)

	tbl, err := store.Read()
	require.NoError(t, err)
	row, ok := tbl.LocateRow(ledger.Key{Instance: "inst", Replicate: "r2"})
	require.True(t, ok)
	n, _ := tbl.ReadFloat(row, ledger.ColNStates)
	assert.Equal(t, 30.0, n, "replica still commits its observations")
}

func TestRoleForChain(t *testing.T) {
	assert.Equal(t, RolePrimary, RoleForChain(false, 0.7))
	assert.Equal(t, RolePrimary, RoleForChain(true, 0))
	assert.Equal(t, RoleHelper, RoleForChain(true, 0.1))
}

func TestSharedClock(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(90 * time.Second)
	clock := NewSharedClockAt(start, func() time.Time { return now })
	assert.Equal(t, 90*time.Second, clock.Elapsed())
	assert.Equal(t, start, clock.Start())
}
