package strategy

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var errNotPositiveDefinite = errors.New("gp: kernel matrix is not positive definite")

// gp is a zero-mean Gaussian process on centred targets with a
// squared-exponential kernel of unit signal variance.
type gp struct {
	x         [][]float64
	mean      float64
	bandwidth float64
	chol      mat.Cholesky
	alpha     *mat.VecDense
}

func (g *gp) kernel(a, b []float64) float64 {
	d := 0.0
	for i := range a {
		diff := a[i] - b[i]
		d += diff * diff
	}
	return math.Exp(-d / (2 * g.bandwidth * g.bandwidth))
}

func fitGP(x [][]float64, y []float64, bandwidth, noise float64) (*gp, error) {
	n := len(x)
	if n == 0 || n != len(y) {
		return nil, fmt.Errorf("gp: %d inputs for %d targets", n, len(y))
	}
	g := &gp{x: x, bandwidth: bandwidth, mean: stat.Mean(y, nil)}

	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := g.kernel(x[i], x[j])
			if i == j {
				v += noise
			}
			k.SetSym(i, j, v)
		}
	}
	if ok := g.chol.Factorize(k); !ok {
		return nil, errNotPositiveDefinite
	}

	centred := make([]float64, n)
	for i, v := range y {
		centred[i] = v - g.mean
	}
	g.alpha = mat.NewVecDense(n, nil)
	if err := g.chol.SolveVecTo(g.alpha, mat.NewVecDense(n, centred)); err != nil {
		return nil, fmt.Errorf("gp: %w", err)
	}
	return g, nil
}

// predict returns the posterior mean and standard deviation at q.
func (g *gp) predict(q []float64) (float64, float64) {
	n := len(g.x)
	ks := mat.NewVecDense(n, nil)
	for i, xi := range g.x {
		ks.SetVec(i, g.kernel(q, xi))
	}
	mu := g.mean + mat.Dot(ks, g.alpha)

	v := mat.NewVecDense(n, nil)
	if err := g.chol.SolveVecTo(v, ks); err != nil {
		return math.NaN(), math.NaN()
	}
	variance := 1 - mat.Dot(ks, v)
	if variance < 0 {
		variance = 0
	}
	return mu, math.Sqrt(variance)
}

// expectedImprovement is the closed-form EI for minimisation below best.
func expectedImprovement(mu, sigma, best float64) float64 {
	imp := best - mu
	if sigma <= 0 {
		return math.Max(imp, 0)
	}
	z := imp / sigma
	return imp*distuv.UnitNormal.CDF(z) + sigma*distuv.UnitNormal.Prob(z)
}
