// Package strategy proposes operator weight vectors. Every strategy returns
// one weight per proposal group, summing to one.
package strategy

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/dyluth/opbalance/pkg/ledger"
	"github.com/dyluth/opbalance/pkg/proposal"
	"github.com/rs/zerolog"
)

// Strategy names accepted by New.
const (
	NameDirichlet = "dirichlet"
	NameHeuristic = "heuristic"
	NameBayesOpt  = "bayesopt"
	NameSurrogate = "surrogate"
)

// Env is what a strategy needs from the controller that owns it.
type Env struct {
	Groups []*proposal.Group
	Store  *ledger.Store
	Key    ledger.Key
	// Fallback is used by strategies that cannot propose anything yet.
	Fallback Strategy
	Logger   zerolog.Logger
}

// Strategy samples a weight vector for the groups given to Init.
type Strategy interface {
	Name() string
	Init(env Env) error
	SampleWeights() ([]float64, error)
}

// Persister is implemented by strategies that keep state across trials.
type Persister interface {
	Persist(ctx context.Context) error
}

// Options configures strategies built by New.
type Options struct {
	// Seed seeds the random source; zero picks a random seed.
	Seed uint64
	// Scale is the heuristic's concentration scale (<0 means maximum variance).
	Scale float64

	BayesOpt BayesOptOptions

	SurrogatePath string
	Features      Features
}

// DefaultScale is the heuristic scale used when none is configured.
const DefaultScale = -1

// Names lists the strategies New can build.
func Names() []string {
	return []string{NameDirichlet, NameHeuristic, NameBayesOpt, NameSurrogate}
}

// New builds a strategy by name.
func New(name string, opts Options) (Strategy, error) {
	src := newSource(opts.Seed)
	switch name {
	case NameDirichlet:
		return NewDirichlet(src), nil
	case NameHeuristic:
		return NewHeuristic(opts.Scale, src)
	case NameBayesOpt:
		return NewBayesOpt(opts.BayesOpt, src), nil
	case NameSurrogate:
		return NewSurrogate(opts.SurrogatePath, opts.Features, src), nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", proposal.ErrConfiguration, name)
	}
}

func newSource(seed uint64) rand.Source {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
}
