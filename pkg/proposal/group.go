// Package proposal describes the proposal groups whose selection weights are
// tuned, and the operator contract the weights are pushed into.
package proposal

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrConfiguration marks a fatal construction-time problem: a missing field,
// an empty group list or a weight vector of the wrong length.
var ErrConfiguration = errors.New("configuration error")

// Scaling selects how a group's dimension is turned into a prior
// concentration by the dimensional heuristic.
type Scaling string

const (
	// ScalingLinear uses the dimension as is.
	ScalingLinear Scaling = "linear"
	// ScalingNodeHeights halves the dimension, for quantities that grow as
	// twice the node count.
	ScalingNodeHeights Scaling = "node-heights"
	// ScalingFixed ignores the dimension and uses FixedConcentration.
	ScalingFixed Scaling = "fixed"
)

// Operator is the live proposal operator a group controls. The MCMC engine
// owns the implementation.
type Operator interface {
	SetWeight(w float64)
}

// Group is one proposal operator plus the metrics used to judge its
// efficiency.
type Group struct {
	ID                 string
	Weight             float64
	Dimension          int
	Alpha              float64
	MinESS             float64
	Metrics            []string
	TraceLog           string
	Scaling            Scaling
	FixedConcentration float64
	Operator           Operator
}

// Validate checks a single group descriptor.
func (g *Group) Validate() error {
	if strings.TrimSpace(g.ID) == "" {
		return fmt.Errorf("%w: group id is required", ErrConfiguration)
	}
	if strings.ContainsAny(g.ID, "\t\n") {
		return fmt.Errorf("%w: group %q: id contains a separator", ErrConfiguration, g.ID)
	}
	if g.Dimension < 0 {
		return fmt.Errorf("%w: group %q: dimension must be >= 0", ErrConfiguration, g.ID)
	}
	if g.Alpha < 0 || math.IsNaN(g.Alpha) {
		return fmt.Errorf("%w: group %q: alpha must be >= 0", ErrConfiguration, g.ID)
	}
	switch g.Scaling {
	case "", ScalingLinear, ScalingNodeHeights:
	case ScalingFixed:
		if g.FixedConcentration <= 0 {
			return fmt.Errorf("%w: group %q: fixed scaling needs fixed_concentration > 0", ErrConfiguration, g.ID)
		}
	default:
		return fmt.Errorf("%w: group %q: unknown scaling %q", ErrConfiguration, g.ID, g.Scaling)
	}
	return nil
}

// ValidateGroups checks a group list: non-empty, valid members, unique IDs.
func ValidateGroups(groups []*Group) error {
	if len(groups) == 0 {
		return fmt.Errorf("%w: no proposal groups", ErrConfiguration)
	}
	seen := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		if g == nil {
			return fmt.Errorf("%w: nil proposal group", ErrConfiguration)
		}
		if err := g.Validate(); err != nil {
			return err
		}
		if _, dup := seen[g.ID]; dup {
			return fmt.Errorf("%w: duplicate group %q", ErrConfiguration, g.ID)
		}
		seen[g.ID] = struct{}{}
	}
	return nil
}

// IDs returns the group IDs in order.
func IDs(groups []*Group) []string {
	out := make([]string, len(groups))
	for i, g := range groups {
		out[i] = g.ID
	}
	return out
}

// Apply pushes weights into the groups and their live operators.
func Apply(groups []*Group, weights []float64) error {
	if len(groups) == 0 {
		return fmt.Errorf("%w: no proposal groups", ErrConfiguration)
	}
	if len(weights) != len(groups) {
		return fmt.Errorf("%w: %d weights for %d groups", ErrConfiguration, len(weights), len(groups))
	}
	for i, w := range weights {
		if w < 0 || w > 1 || math.IsNaN(w) {
			return fmt.Errorf("%w: weight %d out of range: %v", ErrConfiguration, i, w)
		}
	}
	for i, g := range groups {
		g.Weight = weights[i]
		if g.Operator != nil {
			g.Operator.SetWeight(weights[i])
		}
	}
	return nil
}

// Weights returns the current group weights.
func Weights(groups []*Group) []float64 {
	out := make([]float64, len(groups))
	for i, g := range groups {
		out[i] = g.Weight
	}
	return out
}
