// Package simplex holds the probability-simplex geometry shared by the weight
// strategies: the stick-breaking re-encoding used by the optimizers and the
// ESS balance distance they minimise.
package simplex

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// SumTolerance bounds how far a simplex vector's sum may drift from 1.
const SumTolerance = 1e-6

// ErrNotInterior is returned for vectors outside the open simplex.
var ErrNotInterior = errors.New("vector is not an interior simplex point")

func logit(p float64) float64 { return math.Log(p / (1 - p)) }

func invLogit(y float64) float64 {
	if y >= 0 {
		return 1 / (1 + math.Exp(-y))
	}
	e := math.Exp(y)
	return e / (1 + e)
}

// StickBreak maps an interior point x of the K-simplex to K-1 unconstrained
// coordinates.
func StickBreak(x []float64) ([]float64, error) {
	k := len(x)
	if k < 2 {
		return nil, fmt.Errorf("%w: need at least 2 components, got %d", ErrNotInterior, k)
	}
	for i, v := range x {
		if !(v > 0 && v < 1) {
			return nil, fmt.Errorf("%w: component %d = %v", ErrNotInterior, i, v)
		}
	}
	if s := floats.Sum(x); math.Abs(s-1) > SumTolerance {
		return nil, fmt.Errorf("%w: components sum to %v", ErrNotInterior, s)
	}

	y := make([]float64, k-1)
	cum := 0.0
	for i := 0; i < k-1; i++ {
		z := x[i] / (1 - cum)
		y[i] = logit(z) - math.Log(1/float64(k-i))
		cum += x[i]
	}
	return y, nil
}

// InverseStickBreak maps K-1 unconstrained coordinates back onto the
// K-simplex.
func InverseStickBreak(y []float64) []float64 {
	k := len(y) + 1
	x := make([]float64, k)
	cum := 0.0
	for i := 0; i < k-1; i++ {
		z := invLogit(y[i] + math.Log(1/float64(k-i)))
		x[i] = (1 - cum) * z
		cum += x[i]
	}
	x[k-1] = 1 - cum
	if x[k-1] < 0 {
		x[k-1] = 0
	}
	return x
}

// Interior pulls zero components up to eps and renormalises, so boundary
// vectors can be stick-broken.
func Interior(x []float64, eps float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = math.Max(v, eps)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

// BalanceDistance is the Euclidean distance between the ESS shares of the
// groups and the uniform share 1/n. Zero means perfectly balanced.
func BalanceDistance(ess []float64) (float64, error) {
	n := len(ess)
	if n == 0 {
		return 0, errors.New("balance distance of no groups")
	}
	for i, v := range ess {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("invalid ESS for group %d: %v", i, v)
		}
	}
	total := floats.Sum(ess)
	if total <= 0 {
		return 0, errors.New("total ESS must be positive")
	}

	target := 1 / float64(n)
	sq := 0.0
	for _, v := range ess {
		d := v/total - target
		sq += d * d
	}
	return math.Sqrt(sq), nil
}
