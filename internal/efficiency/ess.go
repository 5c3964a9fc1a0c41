package efficiency

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

var nan = math.NaN()

// maxESSLag caps the autocorrelation scan.
const maxESSLag = 2000

// ESS estimates the effective sample size of an autocorrelated series
// sampled every stepSize states. The integrated autocorrelation time is
// accumulated over pairs of lags until the paired autocovariance turns
// negative. A constant or too-short series yields NaN.
func ESS(values []float64, stepSize float64) float64 {
	n := len(values)
	if n < 2 {
		return nan
	}
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nan
		}
	}

	mean := stat.Mean(values, nil)
	maxLag := n - 1
	if maxLag > maxESSLag {
		maxLag = maxESSLag
	}

	gamma := make([]float64, maxLag)
	varStat := 0.0
	for lag := 0; lag < maxLag; lag++ {
		sum := 0.0
		for j := 0; j < n-lag; j++ {
			sum += (values[j] - mean) * (values[j+lag] - mean)
		}
		gamma[lag] = sum / float64(n-lag)

		if lag == 0 {
			varStat = gamma[0]
		} else if lag%2 == 0 {
			pair := gamma[lag-1] + gamma[lag]
			if pair <= 0 {
				break
			}
			varStat += 2 * pair
		}
	}

	if gamma[0] <= 0 {
		return nan
	}
	act := stepSize * varStat / gamma[0]
	return stepSize * float64(n) / act
}
