package longitudinal

import (
	"math"

	"github.com/neuroqc-norm-server/internal/domain"
)

// olsFit is the least-squares fit of one metric series over days from
// baseline. PValue is nil when the residual degrees of freedom are below
// one (two points fit exactly; nothing can be tested).
type olsFit struct {
	Slope     float64
	Intercept float64
	RSquared  float64
	PValue    *float64

	// Sigma is the sample standard deviation of the observed values,
	// used by the stability classification.
	Sigma float64
}

// fitOLS regresses value on days from baseline. It reports false when the
// series is degenerate: fewer than two points, or all points on the same
// day.
func fitOLS(points []domain.TrendPoint) (olsFit, bool) {
	n := len(points)
	if n < 2 {
		return olsFit{}, false
	}

	var sumX, sumY float64
	for _, p := range points {
		sumX += p.DaysFromBaseline
		sumY += p.Value
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var sxx, sxy, syy float64
	for _, p := range points {
		dx := p.DaysFromBaseline - meanX
		dy := p.Value - meanY
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}
	if sxx == 0 {
		return olsFit{}, false
	}

	slope := sxy / sxx
	intercept := meanY - slope*meanX

	sse := syy - slope*sxy
	if sse < 0 {
		sse = 0
	}
	r2 := 1.0
	if syy > 0 {
		r2 = 1 - sse/syy
	}

	fit := olsFit{
		Slope:     slope,
		Intercept: intercept,
		RSquared:  r2,
		Sigma:     math.Sqrt(syy / float64(n-1)),
	}
	if df := n - 2; df >= 1 {
		p := slopePValue(slope, sse, sxx, df)
		fit.PValue = &p
	}
	return fit, true
}

// slopePValue is the two-sided t-test p-value for the null hypothesis of a
// zero slope. A zero standard error means the fit is exact: the p-value is
// 0 for any nonzero slope and 1 otherwise.
func slopePValue(slope, sse, sxx float64, df int) float64 {
	se2 := (sse / float64(df)) / sxx
	if se2 <= 0 {
		if slope == 0 {
			return 1
		}
		return 0
	}
	t := slope / math.Sqrt(se2)
	nu := float64(df)
	return regularizedIncompleteBeta(nu/2, 0.5, nu/(nu+t*t))
}

// regularizedIncompleteBeta evaluates I_x(a, b) by the continued-fraction
// expansion, switching to the symmetry relation where the fraction
// converges faster.
func regularizedIncompleteBeta(a, b, x float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}

	lgA, _ := math.Lgamma(a)
	lgB, _ := math.Lgamma(b)
	lgAB, _ := math.Lgamma(a + b)
	front := math.Exp(lgAB - lgA - lgB + a*math.Log(x) + b*math.Log(1-x))

	if x < (a+1)/(a+b+2) {
		return front * betaContinuedFraction(a, b, x) / a
	}
	return 1 - front*betaContinuedFraction(b, a, 1-x)/b
}

// betaContinuedFraction is the modified Lentz evaluation of the continued
// fraction in the incomplete beta function.
func betaContinuedFraction(a, b, x float64) float64 {
	const (
		maxIterations = 200
		epsilon       = 3e-14
		tiny          = 1e-300
	)

	qab := a + b
	qap := a + 1
	qam := a - 1

	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < tiny {
		d = tiny
	}
	d = 1 / d
	h := d

	for m := 1; m <= maxIterations; m++ {
		fm := float64(m)
		m2 := 2 * fm

		aa := fm * (b - fm) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		h *= d * c

		aa = -(a + fm) * (qab + fm) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		del := d * c
		h *= del

		if math.Abs(del-1) < epsilon {
			break
		}
	}
	return h
}
