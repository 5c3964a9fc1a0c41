package efficiency

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// quantileScan is the number of evenly spaced quantiles searched for the
// density mode.
const quantileScan = 999

// ComputeSmoothedRuntime projects the run time of numSamples states from
// per-state durations. It takes the mode of a Gaussian kernel density
// estimate instead of the mean, so rare long pauses (the process being
// descheduled) do not inflate the projection.
func ComputeSmoothedRuntime(durations []float64, numSamples int64) float64 {
	n := len(durations)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), durations...)
	sort.Float64s(sorted)

	lo, hi := sorted[0], sorted[n-1]
	if hi <= lo {
		return lo * float64(numSamples)
	}

	bins := 1 + math.Ceil(math.Sqrt(float64(n)))
	bandwidth := (hi - lo) / bins

	mode, best := sorted[0], -1.0
	for k := 1; k <= quantileScan; k++ {
		q := stat.Quantile(float64(k)/(quantileScan+1), stat.Empirical, sorted, nil)
		if d := kernelDensity(sorted, q, bandwidth); d > best {
			best, mode = d, q
		}
	}
	return mode * float64(numSamples)
}

func kernelDensity(data []float64, x, bandwidth float64) float64 {
	sum := 0.0
	for _, v := range data {
		sum += distuv.UnitNormal.Prob((x - v) / bandwidth)
	}
	return sum / (float64(len(data)) * bandwidth)
}

// Durations turns a runtime log with a cumulative runtime column into
// per-state durations.
func Durations(tr *Trace, column string) ([]float64, error) {
	cum, ok := tr.Column(column)
	if !ok {
		return nil, fmt.Errorf("runtime log has no %q column", column)
	}
	var out []float64
	for i := 1; i < len(cum); i++ {
		ds := float64(tr.States[i] - tr.States[i-1])
		dt := cum[i] - cum[i-1]
		if ds <= 0 || math.IsNaN(dt) || dt < 0 {
			continue
		}
		out = append(out, dt/ds)
	}
	return out, nil
}
