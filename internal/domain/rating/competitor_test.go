package rating

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func newTestModel(t *testing.T, cfg Config, opts ...Option) *Model {
	t.Helper()
	m, err := NewModel(cfg, opts...)
	require.NoError(t, err)
	return m
}

func TestAddGameKeepsStepsSortedWithSingleAnchor(t *testing.T) {
	m := newTestModel(t, DefaultConfig())
	_, err := m.RegisterOutcome("a", "b", AWins, 5)
	require.NoError(t, err)
	m.competitors["a"].steps[0].R = 0.7

	_, err = m.RegisterOutcome("a", "c", BWins, 1)
	require.NoError(t, err)
	_, err = m.RegisterOutcome("a", "b", Draw, 3)
	require.NoError(t, err)
	_, err = m.RegisterOutcome("b", "a", AWins, 5)
	require.NoError(t, err)

	a := m.competitors["a"]
	require.Equal(t, 3, a.Len())
	var times []int
	for i := 0; i < a.Len(); i++ {
		s := a.Step(i)
		times = append(times, s.Time)
		assert.Equal(t, i == 0, s.IsAnchor(), "step %d", i)
	}
	assert.Equal(t, []int{1, 3, 5}, times)

	// New steps start from the previous neighbor, or the next one when
	// inserted first.
	assert.Equal(t, 0.7, a.steps[0].R)
	assert.Equal(t, 0.7, a.steps[1].R)

	last := a.Step(2)
	won, lost, drawn := last.Games()
	assert.Equal(t, []int{1, 1, 0}, []int{won, lost, drawn})
	assert.Equal(t, 6, m.NumSteps())
}

func TestLogLikelihoodIncludesGaussianPrior(t *testing.T) {
	m := newTestModel(t, DefaultConfig())
	_, err := m.RegisterOutcome("a", "b", AWins, 1)
	require.NoError(t, err)
	_, err = m.RegisterOutcome("a", "b", BWins, 3)
	require.NoError(t, err)

	a, b := m.competitors["a"], m.competitors["b"]
	a.steps[0].R, a.steps[1].R = 0.4, -0.1
	b.steps[0].R, b.steps[1].R = -0.3, 0.2

	ga0, ga1 := math.Exp(0.4), math.Exp(-0.1)
	gb0, gb1 := math.Exp(-0.3), math.Exp(0.2)
	sigma2 := 2 * priorVarianceScale(DefaultPriorVariance)
	rd := 0.4 - (-0.1)
	prior := -rd*rd/(2*sigma2) - 0.5*math.Log(2*math.Pi*sigma2)

	step0 := math.Log(ga0) - math.Log(ga0+gb0) +
		0.5*math.Log(ga0) - math.Log(ga0+1) + prior
	step1 := math.Log(gb1) - math.Log(ga1+gb1) + prior

	assert.InDelta(t, step0+step1, a.logLikelihood(m, false), 1e-12)
}

func TestSingleStepHasNoPrior(t *testing.T) {
	m := newTestModel(t, DefaultConfig())
	_, err := m.RegisterOutcome("a", "b", AWins, 1)
	require.NoError(t, err)

	// gamma_a = gamma_b = 1: win term ln(1/2), anchor draw ln(1/2).
	assert.InDelta(t, 2*math.Log(0.5), m.competitors["a"].logLikelihood(m, false), 1e-12)
	assert.InDelta(t, 4*math.Log(0.5), m.TotalLogLikelihood(), 1e-12)
}

func TestNewtonStepSingleStep(t *testing.T) {
	m := newTestModel(t, DefaultConfig())
	_, err := m.RegisterOutcome("a", "b", AWins, 1)
	require.NoError(t, err)

	p, anomalies, err := m.competitors["a"].newtonStep(m, false)
	require.NoError(t, err)
	assert.Empty(t, anomalies)

	// g = 1.5 - (0.5 + 0.5), H = -0.25 - 0.25 - 0.001.
	want := 0 - 0.5/(-0.501)
	require.Len(t, p.r, 1)
	assert.InDelta(t, want, p.r[0], 1e-12)
	// Nothing is written until the proposal is applied.
	assert.Equal(t, 0.0, m.competitors["a"].steps[0].R)
}

func TestNewtonStepMatchesDenseSolve(t *testing.T) {
	m := newTestModel(t, DefaultConfig())
	for i, o := range []Outcome{AWins, AWins, BWins, Draw} {
		_, err := m.RegisterOutcome("a", "b", o, i*2)
		require.NoError(t, err)
	}
	a := m.competitors["a"]
	sys, _, err := a.buildSystem(m, true)
	require.NoError(t, err)

	n := a.Len()
	var x mat.VecDense
	require.NoError(t, x.SolveVec(mat.NewDense(n, n, sys.h.dense()), mat.NewVecDense(n, sys.g)))

	p, _, err := a.newtonStep(m, true)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		assert.InDelta(t, a.steps[i].R-x.AtVec(i), p.r[i], 1e-10)
	}
}

func TestCovarianceMatchesNegatedInverse(t *testing.T) {
	m := newTestModel(t, DefaultConfig())
	for i, o := range []Outcome{AWins, BWins, AWins} {
		_, err := m.RegisterOutcome("a", "b", o, i+1)
		require.NoError(t, err)
	}
	_, err := m.IterateUntilConvergence(context.Background(), 1e-9)
	require.NoError(t, err)

	a := m.competitors["a"]
	sys, _, err := a.buildSystem(m, false)
	require.NoError(t, err)
	var inv mat.Dense
	require.NoError(t, inv.Inverse(mat.NewDense(3, 3, sys.h.dense())))

	cov, err := m.Covariance("a")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, -inv.At(i, i), cov.At(i, i), 1e-10)
		v, ok := a.steps[i].Uncertainty()
		assert.True(t, ok)
		assert.InDelta(t, cov.At(i, i), v, 1e-10)
	}
	for i := 1; i < 3; i++ {
		assert.InDelta(t, -inv.At(i-1, i), cov.At(i-1, i), 1e-10)
		assert.Equal(t, cov.At(i-1, i), cov.At(i, i-1))
	}
	assert.Equal(t, 0.0, cov.At(0, 2))
}

func TestIllPosedSingleStep(t *testing.T) {
	c := newCompetitor("lonely", priorVarianceScale(DefaultPriorVariance))
	c.steps = []*TimeStep{{Time: 1}}

	m := newTestModel(t, DefaultConfig())
	_, _, err := c.newtonStep(m, false)
	assert.ErrorIs(t, err, ErrIllPosedHistory)
	assert.Equal(t, AnomalyIllPosed, classify(err))
}

func TestNewtonStepRejectsOversizedRating(t *testing.T) {
	m := newTestModel(t, DefaultConfig())
	_, err := m.RegisterOutcome("a", "b", AWins, 1)
	require.NoError(t, err)
	a := m.competitors["a"]

	// Nearly flat curvature far below the optimum overshoots past the bound.
	a.steps[0].R = -649.9
	_, _, err = a.newtonStep(m, false)
	var de *DivergenceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "rating", de.Quantity)
	assert.Greater(t, math.Abs(de.Value), float64(maxLogRating))
	assert.Equal(t, AnomalyDivergentUpdate, classify(err))

	a.steps[0].R = 800
	_, _, err = a.newtonStep(m, false)
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "gamma", de.Quantity)
	assert.ErrorIs(t, err, ErrNumericDivergence)
}

func TestIterateRecordsAnomaliesAndHaltsOnDivergence(t *testing.T) {
	m := newTestModel(t, DefaultConfig())
	_, err := m.RegisterOutcome("a", "b", AWins, 1)
	require.NoError(t, err)
	// exp(-800) underflows to zero.
	m.competitors["b"].steps[0].R = -800

	report, err := m.Iterate(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConverged)
	assert.ErrorIs(t, err, ErrNumericDivergence)
	assert.Equal(t, 1, report.Iterations)

	var kinds []AnomalyKind
	for _, a := range report.Anomalies {
		kinds = append(kinds, a.Kind)
		assert.Equal(t, 1, a.Iteration)
	}
	assert.Equal(t, []AnomalyKind{AnomalyDegenerateGamma, AnomalyDivergentUpdate}, kinds)
	assert.Equal(t, CompetitorID("a"), report.Anomalies[0].Competitor)
	assert.Equal(t, CompetitorID("b"), report.Anomalies[1].Competitor)

	// The rejected update left b untouched. a kept only its anchor term,
	// which is already at its optimum.
	assert.Equal(t, -800.0, m.competitors["b"].steps[0].R)
	assert.Equal(t, 0.0, m.competitors["a"].steps[0].R)
}

func TestSigma2UsesFullTimeRange(t *testing.T) {
	c := newCompetitor("wide", 1)
	c.steps = []*TimeStep{{Time: math.MinInt}, {Time: math.MaxInt}}
	sig := c.sigma2()
	require.Len(t, sig, 1)
	assert.Equal(t, math.Ldexp(1, 64), sig[0])
}

func TestObjectiveGradientMatchesNewtonSystem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowDraws = true
	m := newTestModel(t, cfg)
	for _, g := range []struct {
		a, b CompetitorID
		o    Outcome
		t    int
	}{
		{"a", "b", AWins, 1}, {"b", "c", Draw, 1}, {"c", "a", AWins, 2},
		{"a", "b", BWins, 4}, {"a", "c", Draw, 4}, {"b", "c", AWins, 7},
	} {
		_, err := m.RegisterOutcome(g.a, g.b, g.o, g.t)
		require.NoError(t, err)
	}
	for i, c := range m.order {
		for j, s := range c.steps {
			s.R = 0.1*float64(i+1) - 0.07*float64(j)
		}
	}

	const h = 1e-6
	for _, c := range m.order {
		sys, _, err := c.buildSystem(m, true)
		require.NoError(t, err)
		for j, s := range c.steps {
			r := s.R
			s.R = r + h
			up := m.objective()
			s.R = r - h
			down := m.objective()
			s.R = r
			assert.InDelta(t, sys.g[j], (up-down)/(2*h), 1e-5, "competitor %s step %d", c.id, j)
		}
	}
}

func TestConvergenceRefusesStalledFit(t *testing.T) {
	m := newTestModel(t, DefaultConfig())
	_, err := m.RegisterOutcome("a", "b", AWins, 1)
	require.NoError(t, err)
	// Every update of a overshoots the bound, so the likelihood stops
	// moving without a reaching its optimum.
	m.competitors["a"].steps[0].R = -649.9

	report, err := m.IterateUntilConvergence(context.Background(), 1e-6)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConverged)
	assert.ErrorIs(t, err, ErrNumericDivergence)
	assert.False(t, report.Converged)
	assert.True(t, rejected(report.Anomalies))
	assert.Equal(t, -649.9, m.competitors["a"].steps[0].R)
}
