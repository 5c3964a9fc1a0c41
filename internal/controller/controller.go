// Package controller drives operator weights for one chain: it establishes
// the instance's weight vector through the ledger, pushes it into the live
// operators, picks operators during sampling and reports efficiency on a
// fixed cadence.
package controller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dyluth/opbalance/internal/efficiency"
	"github.com/dyluth/opbalance/internal/strategy"
	"github.com/dyluth/opbalance/pkg/ledger"
	"github.com/dyluth/opbalance/pkg/proposal"
	"github.com/rs/zerolog"
)

const (
	DefaultWaitInterval = time.Second
	DefaultWaitTimeout  = 10 * time.Minute
)

// ErrTerminated is returned by Select once the chain is finished.
var ErrTerminated = errors.New("controller terminated")

// Options configures a Controller.
type Options struct {
	Key ledger.Key
	// Replicates lists every replicate of the instance. The weight owner
	// creates their rows; Key.Replicate is always included.
	Replicates []string
	// OwnsWeights marks the one chain per instance that samples weights.
	OwnsWeights bool
	Role        Role
	Cadence     int64
	ChainLength int64
	DryRun      bool

	WaitInterval time.Duration
	WaitTimeout  time.Duration

	Store      *ledger.Store
	Strategy   strategy.Strategy
	Efficiency efficiency.Options
	Clock      *SharedClock
	Logger     zerolog.Logger
}

// Controller is the per-chain state machine. It is not safe for concurrent
// use; each chain owns its controller.
type Controller struct {
	ctx      context.Context
	opts     Options
	groups   []*proposal.Group
	analyzer *efficiency.Analyzer
	logger   zerolog.Logger

	state    State
	weights  []float64
	count    int64
	once     sync.Once
	applyErr error
}

// New validates the options and establishes the weight vector of the
// instance. ctx bounds the lifetime of the controller, including the ledger
// commits made from Select.
func New(ctx context.Context, opts Options, groups []*proposal.Group) (*Controller, error) {
	if err := proposal.ValidateGroups(groups); err != nil {
		return nil, err
	}
	if err := opts.Key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", proposal.ErrConfiguration, err)
	}
	if opts.Cadence <= 0 {
		return nil, fmt.Errorf("%w: cadence must be positive, got %d", proposal.ErrConfiguration, opts.Cadence)
	}
	if opts.ChainLength < 0 {
		return nil, fmt.Errorf("%w: chain length must not be negative", proposal.ErrConfiguration)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: a ledger store is required", proposal.ErrConfiguration)
	}
	if opts.Strategy == nil && !opts.DryRun {
		return nil, fmt.Errorf("%w: a weight strategy is required", proposal.ErrConfiguration)
	}
	if opts.WaitInterval <= 0 {
		opts.WaitInterval = DefaultWaitInterval
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	if opts.Clock == nil {
		opts.Clock = NewSharedClock()
	}

	c := &Controller{
		ctx:    ctx,
		opts:   opts,
		groups: groups,
		state:  Uninitialized,
		logger: opts.Logger.With().
			Str("component", "controller").
			Str("key", opts.Key.String()).
			Str("role", opts.Role.String()).
			Logger(),
	}

	if opts.DryRun {
		if err := opts.Store.Commit(ctx, "maintenance", nil, nil); err != nil {
			return nil, err
		}
		c.state = Terminated
		c.logger.Info().Msg("dry run: ledger maintained, no sampling")
		return c, nil
	}

	effOpts := opts.Efficiency
	effOpts.Key = opts.Key
	effOpts.Clock = opts.Clock
	effOpts.Logger = opts.Logger
	analyzer, err := efficiency.New(opts.Store, groups, effOpts)
	if err != nil {
		return nil, err
	}
	c.analyzer = analyzer

	env := strategy.Env{Groups: groups, Store: opts.Store, Key: opts.Key, Logger: opts.Logger}
	if err := opts.Strategy.Init(env); err != nil {
		return nil, err
	}

	if opts.OwnsWeights {
		err = c.claimWeights(ctx)
	} else {
		err = c.awaitWeights(ctx)
	}
	if err != nil {
		return nil, err
	}
	c.state = WeightsPending
	return c, nil
}

func (c *Controller) replicateKeys() []ledger.Key {
	keys := []ledger.Key{c.opts.Key}
	for _, r := range c.opts.Replicates {
		if r != "" && r != c.opts.Key.Replicate {
			keys = append(keys, ledger.Key{Instance: c.opts.Key.Instance, Replicate: r})
		}
	}
	return keys
}

// claimWeights samples and writes the instance's weights unless another
// run of the owner already did; the check and the write happen in one
// commit.
func (c *Controller) claimWeights(ctx context.Context) error {
	keys := c.replicateKeys()
	var sampled []float64
	err := c.opts.Store.Commit(ctx, "start", keys, func(t *ledger.Table) error {
		for _, r := range t.RowsFor(c.opts.Key.Instance) {
			started, err := t.ReadBool(r, ledger.ColStarted)
			if err != nil {
				return err
			}
			if started {
				return copyRows(t, r, keys, c.groups)
			}
		}

		w, err := c.opts.Strategy.SampleWeights()
		if err != nil {
			return err
		}
		if len(w) != len(c.groups) {
			return fmt.Errorf("%w: strategy returned %d weights for %d groups", proposal.ErrConfiguration, len(w), len(c.groups))
		}
		for _, k := range keys {
			if _, ok := t.LocateRow(k); !ok {
				if _, err := t.AppendRow(k); err != nil {
					return err
				}
			}
		}
		for _, r := range t.RowsFor(c.opts.Key.Instance) {
			for i, g := range c.groups {
				if err := t.WriteFloat(r, ledger.WeightColumn(g.ID), w[i]); err != nil {
					return err
				}
				if err := t.WriteCell(r, ledger.DimColumn(g.ID), strconv.Itoa(g.Dimension)); err != nil {
					return err
				}
			}
			if err := t.WriteCell(r, ledger.ColStarted, "true"); err != nil {
				return err
			}
		}
		sampled = w
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to claim weights: %w", err)
	}

	if sampled == nil {
		c.logger.Info().Msg("instance already started, reading committed weights")
		t, err := c.opts.Store.Read()
		if err != nil {
			return err
		}
		w, ok, err := c.committedWeights(t)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("instance %s is started but has no weights", c.opts.Key.Instance)
		}
		sampled = w
	} else {
		c.logger.Info().Str("strategy", c.opts.Strategy.Name()).Floats64("weights", sampled).Msg("weights committed")
	}
	c.weights = sampled
	return nil
}

// copyRows adds rows for keys missing from an already started instance,
// carrying over the committed weights of row src.
func copyRows(t *ledger.Table, src int, keys []ledger.Key, groups []*proposal.Group) error {
	cols := []string{ledger.ColStarted}
	for _, g := range groups {
		cols = append(cols, ledger.WeightColumn(g.ID), ledger.DimColumn(g.ID))
	}
	for _, k := range keys {
		if _, ok := t.LocateRow(k); ok {
			continue
		}
		row, err := t.AppendRow(k)
		if err != nil {
			return err
		}
		for _, col := range cols {
			v, err := t.ReadCell(src, col)
			if err != nil {
				return err
			}
			if err := t.WriteCell(row, col, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// committedWeights reads the instance's weights, preferring this
// replicate's row. ok is false until the owner has committed.
func (c *Controller) committedWeights(t *ledger.Table) ([]float64, bool, error) {
	rows := t.RowsFor(c.opts.Key.Instance)
	if own, ok := t.LocateRow(c.opts.Key); ok {
		rows = append([]int{own}, rows...)
	}
	for _, r := range rows {
		started, err := t.ReadBool(r, ledger.ColStarted)
		if err != nil {
			return nil, false, err
		}
		if !started {
			continue
		}
		w := make([]float64, len(c.groups))
		complete := true
		for i, g := range c.groups {
			v, err := t.ReadFloat(r, ledger.WeightColumn(g.ID))
			if err != nil {
				return nil, false, err
			}
			if math.IsNaN(v) {
				complete = false
				break
			}
			w[i] = v
		}
		if complete {
			return w, true, nil
		}
	}
	return nil, false, nil
}

// awaitWeights polls the ledger until the owner has committed weights.
func (c *Controller) awaitWeights(ctx context.Context) error {
	deadline := time.Now().Add(c.opts.WaitTimeout)
	ticker := time.NewTicker(c.opts.WaitInterval)
	defer ticker.Stop()

	for {
		t, err := c.opts.Store.Read()
		switch {
		case err == nil:
			w, ok, err := c.committedWeights(t)
			if err != nil {
				return err
			}
			if ok {
				c.weights = w
				c.logger.Info().Floats64("weights", w).Msg("weights read from ledger")
				return nil
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return err
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s waiting for weights of instance %s", c.opts.WaitTimeout, c.opts.Key.Instance)
		}
		c.logger.Debug().Msg("waiting for weight owner")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Select returns the index of the next operator to apply. The first call
// pushes the weights into the operators; every Cadence calls a primary
// chain commits its efficiency observations.
func (c *Controller) Select(rng *rand.Rand) (int, error) {
	if c.state == Terminated {
		return -1, ErrTerminated
	}
	c.once.Do(c.apply)
	if c.applyErr != nil {
		return -1, c.applyErr
	}

	idx, err := pick(rng, c.weights)
	if err != nil {
		return -1, err
	}
	c.count++

	if c.count%c.opts.Cadence == 0 && c.opts.Role == RolePrimary {
		c.report()
	}
	if c.opts.ChainLength > 0 && c.count >= c.opts.ChainLength {
		c.state = Terminated
		c.logger.Info().Int64("states", c.count).Msg("chain finished")
	}
	return idx, nil
}

func (c *Controller) apply() {
	if err := proposal.Apply(c.groups, c.weights); err != nil {
		c.applyErr = err
		return
	}
	ev := c.logger.Info()
	for _, g := range c.groups {
		ev = ev.Float64(g.ID, g.Weight)
	}
	ev.Msg("operator weights applied")
	c.state = Running
}

func pick(rng *rand.Rand, weights []float64) (int, error) {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if !(total > 0) {
		return -1, fmt.Errorf("%w: weights sum to %v", proposal.ErrConfiguration, total)
	}
	u := rng.Float64() * total
	last := -1
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		last = i
		if u < w {
			return i, nil
		}
		u -= w
	}
	return last, nil
}

// report runs the cadence hook. Failures are logged; sampling continues.
func (c *Controller) report() {
	if _, err := c.analyzer.CommitObservations(c.ctx, c.count); err != nil {
		c.logger.Error().Err(err).Int64("states", c.count).Msg("failed to record observations")
		return
	}
	// One trial per instance: only the weight owner records it.
	if !c.opts.OwnsWeights {
		return
	}
	if p, ok := c.opts.Strategy.(strategy.Persister); ok {
		if err := p.Persist(c.ctx); err != nil {
			c.logger.Warn().Err(err).Msg("failed to persist trial")
		}
	}
}

// State returns the lifecycle state.
func (c *Controller) State() State { return c.state }

// Count returns the number of Select calls so far.
func (c *Controller) Count() int64 { return c.count }

// Weights returns the resolved weight vector.
func (c *Controller) Weights() []float64 { return append([]float64(nil), c.weights...) }

// MinESS returns the latest minimum ESS per group.
func (c *Controller) MinESS() []float64 {
	out := make([]float64, len(c.groups))
	for i, g := range c.groups {
		out[i] = g.MinESS
	}
	return out
}

// Summary describes the weight decision in plain text.
func (c *Controller) Summary() string {
	var b strings.Builder
	name := "none"
	if c.opts.Strategy != nil {
		name = c.opts.Strategy.Name()
	}
	fmt.Fprintf(&b, "Operator weights for %s (strategy %s, state %s)\n", c.opts.Key, name, c.state)
	for i, g := range c.groups {
		w := math.NaN()
		if i < len(c.weights) {
			w = c.weights[i]
		}
		fmt.Fprintf(&b, "  %-20s weight=%.4f dim=%d minESS=%.1f\n", g.ID, w, g.Dimension, g.MinESS)
	}
	return b.String()
}
