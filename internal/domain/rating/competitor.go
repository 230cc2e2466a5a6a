package rating

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

const (
	// hessianDamping keeps the Hessian strictly negative definite.
	hessianDamping = 0.001
	// maxLogRating bounds |R|; exp(R) stays well inside float64 range.
	maxLogRating = 650
)

// Competitor owns one competitor's rating history: time steps sorted by
// time, at most one per distinct time.
type Competitor struct {
	id    CompetitorID
	steps []*TimeStep
	// w2 is the random-walk variance per unit of time, in log-rating units.
	w2 float64
}

func newCompetitor(id CompetitorID, w2 float64) *Competitor {
	return &Competitor{id: id, w2: w2}
}

// ID returns the competitor id.
func (c *Competitor) ID() CompetitorID { return c.id }

// Len returns the number of time steps.
func (c *Competitor) Len() int { return len(c.steps) }

// Step returns a copy of the i-th time step.
func (c *Competitor) Step(i int) TimeStep { return *c.steps[i] }

func (c *Competitor) search(time int) int {
	return sort.Search(len(c.steps), func(i int) bool { return c.steps[i].Time >= time })
}

// stepAt returns the step at time, if any.
func (c *Competitor) stepAt(time int) (*TimeStep, bool) {
	i := c.search(time)
	if i < len(c.steps) && c.steps[i].Time == time {
		return c.steps[i], true
	}
	return nil, false
}

// addGame attaches g to the step at g.Time, creating it if needed. It
// reports whether a step was created.
func (c *Competitor) addGame(g *Game) bool {
	i := c.search(g.Time)
	if i < len(c.steps) && c.steps[i].Time == g.Time {
		c.steps[i].addGame(g, c.id)
		return false
	}

	s := &TimeStep{Time: g.Time}
	switch {
	case i > 0:
		s.R = c.steps[i-1].R
	case i < len(c.steps):
		s.R = c.steps[i].R
	}
	s.addGame(g, c.id)

	c.steps = append(c.steps, nil)
	copy(c.steps[i+1:], c.steps[i:])
	c.steps[i] = s
	for j, st := range c.steps {
		st.anchor = j == 0
	}
	return true
}

// sigma2 returns the random-walk variance linking each pair of adjacent steps.
func (c *Competitor) sigma2() []float64 {
	if len(c.steps) < 2 {
		return nil
	}
	out := make([]float64, len(c.steps)-1)
	for i := range out {
		gap := math.Abs(float64(c.steps[i+1].Time) - float64(c.steps[i].Time))
		out[i] = gap * c.w2
	}
	return out
}

// system is the Newton system of one competitor at its current ratings.
type system struct {
	h     tridiagonal
	g     []float64
	evals []stepEval
}

// buildSystem evaluates every step against current opponent gammas and
// assembles the gradient and tridiagonal Hessian of the log-posterior.
func (c *Competitor) buildSystem(lookup gammaLookup, allowDraws bool) (system, []error, error) {
	n := len(c.steps)
	sig := c.sigma2()
	sys := system{
		h:     newTridiagonal(n),
		g:     make([]float64, n),
		evals: make([]stepEval, n),
	}
	var anomalies []error
	for i, s := range c.steps {
		ev, errs, err := s.evaluate(c.id, lookup, allowDraws)
		anomalies = append(anomalies, errs...)
		if err != nil {
			return sys, anomalies, err
		}
		sys.evals[i] = ev

		var prior, curvature float64
		if i < n-1 {
			prior += -(s.R - c.steps[i+1].R) / sig[i]
			curvature += -1 / sig[i]
			sys.h.upper[i] = 1 / sig[i]
		}
		if i > 0 {
			prior += -(s.R - c.steps[i-1].R) / sig[i-1]
			curvature += -1 / sig[i-1]
			sys.h.lower[i] = 1 / sig[i-1]
		}
		sys.g[i] = ev.first + prior
		sys.h.diag[i] = ev.second + curvature - hessianDamping
	}
	if n == 1 && sys.evals[0].terms == 0 {
		return sys, anomalies, fmt.Errorf("%w: competitor %q has no constraining games at time %d", ErrIllPosedHistory, c.id, c.steps[0].Time)
	}
	return sys, anomalies, nil
}

// proposal is a computed but not yet applied Newton update.
type proposal struct {
	r []float64
}

// newtonStep computes one joint Newton update of the whole history. It reads
// opponent ratings through lookup and writes nothing.
func (c *Competitor) newtonStep(lookup gammaLookup, allowDraws bool) (proposal, []error, error) {
	n := len(c.steps)
	if n == 0 {
		return proposal{}, nil, nil
	}
	sys, anomalies, err := c.buildSystem(lookup, allowDraws)
	if err != nil {
		return proposal{}, anomalies, err
	}

	var x []float64
	if n == 1 {
		x = []float64{sys.g[0] / sys.h.diag[0]}
	} else {
		x, err = sys.h.solve(sys.g)
		if err != nil {
			return proposal{}, anomalies, err
		}
	}

	next := make([]float64, n)
	for i, s := range c.steps {
		r := s.R - x[i]
		if !finite(x[i]) || math.Abs(r) > maxLogRating {
			return proposal{}, anomalies, &DivergenceError{Competitor: c.id, Time: s.Time, Quantity: "rating", Value: r}
		}
		next[i] = r
	}
	return proposal{r: next}, anomalies, nil
}

// apply commits a proposal produced by newtonStep.
func (c *Competitor) apply(p proposal) {
	if len(p.r) != len(c.steps) {
		return
	}
	for i, s := range c.steps {
		s.R = p.r[i]
	}
}

// logGaussian is the log density of N(0, variance) at x.
func logGaussian(x, variance float64) float64 {
	return -x*x/(2*variance) - 0.5*math.Log(2*math.Pi*variance)
}

func logSumExp(a, b float64) float64 {
	m := math.Max(a, b)
	if math.IsInf(m, -1) {
		return m
	}
	return m + math.Log(math.Exp(a-m)+math.Exp(b-m))
}

// logLikelihood sums, per step, the game likelihood plus the log of the
// summed densities of the random-walk links touching that step.
func (c *Competitor) logLikelihood(lookup gammaLookup, allowDraws bool) float64 {
	n := len(c.steps)
	sig := c.sigma2()
	var sum float64
	for i, s := range c.steps {
		ts, _ := s.buildTerms(c.id, lookup, allowDraws)
		sum += ts.logLikelihood(s.Gamma())

		prior := math.Inf(-1)
		if i < n-1 {
			prior = logSumExp(prior, logGaussian(s.R-c.steps[i+1].R, sig[i]))
		}
		if i > 0 {
			prior = logSumExp(prior, logGaussian(s.R-c.steps[i-1].R, sig[i-1]))
		}
		if n > 1 {
			sum += prior
		}
	}
	return sum
}

// objective is this competitor's share of the joint log-posterior. Every game
// is shared with the opponent, so each game term counts half; the anchor
// draw and the random-walk links count in full.
func (c *Competitor) objective(lookup gammaLookup, allowDraws bool) float64 {
	sig := c.sigma2()
	var sum float64
	for i, s := range c.steps {
		ts, _ := s.buildTerms(c.id, lookup, allowDraws)
		gamma := s.Gamma()
		var anchor float64
		if s.anchor {
			anchor = termSet{drawn: []term{anchorTerm}}.logLikelihood(gamma)
		}
		sum += (ts.logLikelihood(gamma) + anchor) / 2
		if i > 0 {
			sum += logGaussian(s.R-c.steps[i-1].R, sig[i-1])
		}
	}
	return sum
}

// ratings returns a copy of the current log-ratings.
func (c *Competitor) ratings() []float64 {
	out := make([]float64, len(c.steps))
	for i, s := range c.steps {
		out[i] = s.R
	}
	return out
}

// posterior returns the negated inverse-Hessian diagonal and the forward
// multipliers at the current ratings.
func (c *Competitor) posterior(lookup gammaLookup, allowDraws bool) (v, a []float64, anomalies []error, err error) {
	if len(c.steps) == 0 {
		return nil, nil, nil, nil
	}
	sys, anomalies, err := c.buildSystem(lookup, allowDraws)
	if err != nil {
		return nil, nil, anomalies, err
	}
	v, a = sys.h.negInverseDiagonal()
	for i, vi := range v {
		if !finite(vi) || vi <= 0 {
			return nil, nil, anomalies, &DivergenceError{Competitor: c.id, Time: c.steps[i].Time, Quantity: "variance", Value: vi}
		}
	}
	return v, a, anomalies, nil
}

// updateUncertainty stores the posterior variance on every step.
func (c *Competitor) updateUncertainty(lookup gammaLookup, allowDraws bool) ([]error, error) {
	v, _, anomalies, err := c.posterior(lookup, allowDraws)
	if err != nil {
		return anomalies, err
	}
	for i, s := range c.steps {
		s.uncertainty = v[i]
		s.hasUncertainty = true
	}
	return anomalies, nil
}

// covariance returns the tridiagonal approximation of the posterior
// covariance: the exact variances and adjacent covariances.
func (c *Competitor) covariance(lookup gammaLookup, allowDraws bool) (*mat.SymDense, error) {
	n := len(c.steps)
	v, a, _, err := c.posterior(lookup, allowDraws)
	if err != nil {
		return nil, err
	}
	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		cov.SetSym(i, i, v[i])
		if i > 0 {
			cov.SetSym(i-1, i, -a[i]*v[i])
		}
	}
	return cov, nil
}
