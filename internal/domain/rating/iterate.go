package rating

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/okian/whr/pkg/logger"
	"github.com/okian/whr/pkg/metrics"
)

// Convergence outcomes reported to metrics.
const (
	resultConverged = "converged"
	resultExhausted = "exhausted"
	resultDiverged  = "diverged"
	resultCanceled  = "canceled"
)

// Damped commits of the parallel ordering.
const (
	maxStepHalvings = 30
	objectiveSlack  = 1e-12
)

// update is the outcome of one competitor's Newton step.
type update struct {
	p         proposal
	anomalies []error
	err       error
}

// Iterate runs count iterations followed by one uncertainty pass. Iterate(0)
// leaves every rating unchanged and only refreshes uncertainty.
func (m *Model) Iterate(ctx context.Context, count int) (Report, error) {
	if count < 0 {
		return Report{}, fmt.Errorf("%w: %d", ErrInvalidIterations, count)
	}
	var report Report
	for i := 0; i < count; i++ {
		ll, anomalies, err := m.step(ctx)
		report.Anomalies = append(report.Anomalies, anomalies...)
		if err != nil {
			return report, err
		}
		report.Iterations++
		report.History = append(report.History, ll)
		report.LogLikelihood = ll
		if !finite(ll) {
			return report, m.diverged(ctx, ll)
		}
	}
	anomalies, err := m.refreshUncertainty(ctx)
	report.Anomalies = append(report.Anomalies, anomalies...)
	if err != nil {
		return report, err
	}
	report.LogLikelihood = m.TotalLogLikelihood()
	return report, nil
}

// IterateUntilConvergence iterates until the total log-likelihood changes by
// no more than threshold between successive iterations, then runs one
// uncertainty pass. At least one iteration always runs.
func (m *Model) IterateUntilConvergence(ctx context.Context, threshold float64) (Report, error) {
	if !(threshold > 0) || math.IsInf(threshold, 0) {
		return Report{}, fmt.Errorf("%w: %v", ErrInvalidThreshold, threshold)
	}
	start := time.Now()
	finish := func(result string, r Report) {
		metrics.RecordConvergence(result, r.Iterations, float64(time.Since(start).Microseconds())/1000)
	}

	var report Report
	prev := m.TotalLogLikelihood()
	for {
		if report.Iterations >= m.maxIterations {
			finish(resultExhausted, report)
			m.log.Warn(ctx, "iteration limit reached",
				logger.Int("iterations", report.Iterations),
				logger.Float64("log_likelihood", report.LogLikelihood))
			return report, fmt.Errorf("%w: change above %v after %d iterations", ErrNotConverged, threshold, report.Iterations)
		}

		ll, anomalies, err := m.step(ctx)
		report.Anomalies = append(report.Anomalies, anomalies...)
		if err != nil {
			finish(resultCanceled, report)
			return report, err
		}
		report.Iterations++
		report.History = append(report.History, ll)
		report.LogLikelihood = ll

		if !finite(ll) {
			finish(resultDiverged, report)
			return report, m.diverged(ctx, ll)
		}
		if math.Abs(ll-prev) <= threshold {
			if rejected(anomalies) {
				finish(resultDiverged, report)
				return report, m.stalled(ctx, report)
			}
			break
		}
		prev = ll
	}

	report.Converged = true
	anomalies, err := m.refreshUncertainty(ctx)
	report.Anomalies = append(report.Anomalies, anomalies...)
	if err != nil {
		finish(resultCanceled, report)
		return report, err
	}
	finish(resultConverged, report)
	m.log.Info(ctx, "model converged",
		logger.Int("iterations", report.Iterations),
		logger.Float64("log_likelihood", report.LogLikelihood),
		logger.Int("anomalies", len(report.Anomalies)))
	return report, nil
}

func (m *Model) diverged(ctx context.Context, ll float64) error {
	m.log.Error(ctx, "total log-likelihood is not finite",
		logger.Int("iteration", m.iteration),
		logger.Float64("log_likelihood", ll))
	return fmt.Errorf("%w: total log-likelihood %v at iteration %d: %w", ErrNotConverged, ll, m.iteration, ErrNumericDivergence)
}

// stalled reports a fit whose likelihood only stopped moving because updates
// were being rejected.
func (m *Model) stalled(ctx context.Context, report Report) error {
	m.log.Error(ctx, "fit stalled on rejected updates",
		logger.Int("iteration", m.iteration),
		logger.Float64("log_likelihood", report.LogLikelihood))
	return fmt.Errorf("%w: updates rejected at iteration %d: %w", ErrNotConverged, m.iteration, ErrNumericDivergence)
}

func rejected(anomalies []Anomaly) bool {
	for _, a := range anomalies {
		if a.Kind == AnomalyDivergentUpdate {
			return true
		}
	}
	return false
}

// step runs one iteration and returns the resulting total log-likelihood.
func (m *Model) step(ctx context.Context) (float64, []Anomaly, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	start := time.Now()
	anomalies, err := m.runIteration(ctx)
	if err != nil {
		return 0, anomalies, err
	}
	ll := m.TotalLogLikelihood()
	metrics.RecordIteration(float64(time.Since(start).Microseconds())/1000, ll)
	m.log.Debug(ctx, "iteration complete",
		logger.Int("iteration", m.iteration),
		logger.Float64("log_likelihood", ll),
		logger.Int("anomalies", len(anomalies)))
	return ll, anomalies, nil
}

// runIteration gives every competitor one Newton update.
func (m *Model) runIteration(ctx context.Context) ([]Anomaly, error) {
	m.iteration++
	var anomalies []Anomaly

	if m.ordering == Sequential {
		for _, c := range m.order {
			p, errs, err := c.newtonStep(m, m.cfg.AllowDraws)
			out, ok := m.settle(ctx, c, update{p: p, anomalies: errs, err: err})
			anomalies = append(anomalies, out...)
			if ok {
				c.apply(p)
			}
		}
		return anomalies, nil
	}

	// Every update reads the same snapshot; nothing is written until all
	// have been computed.
	results := make([]update, len(m.order))
	err := m.each(ctx, func(_ context.Context, i int) error {
		p, errs, err := m.order[i].newtonStep(m, m.cfg.AllowDraws)
		results[i] = update{p: p, anomalies: errs, err: err}
		return nil
	})
	if err != nil {
		return nil, err
	}
	accepted := make([]bool, len(m.order))
	for i, c := range m.order {
		out, ok := m.settle(ctx, c, results[i])
		anomalies = append(anomalies, out...)
		accepted[i] = ok
	}
	m.commit(ctx, results, accepted)
	return anomalies, nil
}

// each runs fn for every competitor index, through the executor when the
// ordering is parallel and one is configured.
func (m *Model) each(ctx context.Context, fn func(ctx context.Context, i int) error) error {
	if m.ordering == Parallel && m.executor != nil {
		return m.executor.Run(ctx, len(m.order), fn)
	}
	for i := range m.order {
		if err := fn(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

// settle turns an update's errors into anomalies and reports whether the
// update may be applied.
func (m *Model) settle(ctx context.Context, c *Competitor, u update) ([]Anomaly, bool) {
	out := make([]Anomaly, 0, len(u.anomalies)+1)
	for _, err := range u.anomalies {
		out = append(out, m.anomaly(ctx, c.id, err))
	}
	if u.err != nil {
		metrics.RecordRejectedUpdate()
		return append(out, m.anomaly(ctx, c.id, u.err)), false
	}
	metrics.RecordNewtonUpdate()
	return out, true
}

// commit moves every accepted competitor along its Newton direction by one
// shared step length. The length starts at 1 and is halved until the joint
// log-posterior does not decrease. When no length helps, the ratings are
// left as they were.
func (m *Model) commit(ctx context.Context, results []update, accepted []bool) {
	from := make([][]float64, len(m.order))
	for i, c := range m.order {
		if accepted[i] && len(results[i].p.r) == len(c.steps) {
			from[i] = c.ratings()
		}
	}
	move := func(alpha float64) {
		for i, c := range m.order {
			if from[i] == nil {
				continue
			}
			for j, s := range c.steps {
				s.R = from[i][j] + alpha*(results[i].p.r[j]-from[i][j])
			}
		}
	}

	base := m.objective()
	alpha := 1.0
	for k := 0; k <= maxStepHalvings; k++ {
		move(alpha)
		f := m.objective()
		if !finite(base) || (finite(f) && f >= base-objectiveSlack*math.Max(1, math.Abs(base))) {
			if alpha < 1 {
				m.log.Debug(ctx, "damped parallel update",
					logger.Int("iteration", m.iteration),
					logger.Float64("step", alpha))
			}
			return
		}
		alpha /= 2
	}
	move(0)
	m.log.Debug(ctx, "parallel update made no progress", logger.Int("iteration", m.iteration))
}

// objective is the joint log-posterior maximized by the Newton updates.
func (m *Model) objective() float64 {
	var sum float64
	for _, c := range m.order {
		sum += c.objective(m, m.cfg.AllowDraws)
	}
	return sum
}

// refreshUncertainty stores posterior variances for every competitor.
func (m *Model) refreshUncertainty(ctx context.Context) ([]Anomaly, error) {
	errs := make([][]error, len(m.order))
	failed := make([]error, len(m.order))
	err := m.each(ctx, func(_ context.Context, i int) error {
		errs[i], failed[i] = m.order[i].updateUncertainty(m, m.cfg.AllowDraws)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var anomalies []Anomaly
	for i, c := range m.order {
		for _, e := range errs[i] {
			anomalies = append(anomalies, m.anomaly(ctx, c.id, e))
		}
		if failed[i] != nil {
			anomalies = append(anomalies, m.anomaly(ctx, c.id, failed[i]))
		}
	}
	metrics.RecordUncertaintyPass()
	return anomalies, nil
}

func (m *Model) anomaly(ctx context.Context, id CompetitorID, err error) Anomaly {
	a := Anomaly{Kind: classify(err), Iteration: m.iteration, Competitor: id, Err: err}
	metrics.RecordAnomaly(string(a.Kind))
	m.log.Warn(ctx, "fit anomaly",
		logger.String("kind", string(a.Kind)),
		logger.String("competitor", string(id)),
		logger.Int("iteration", a.Iteration),
		logger.Error(err))
	return a
}

func classify(err error) AnomalyKind {
	var de *DivergenceError
	switch {
	case errors.Is(err, ErrIllPosedHistory):
		return AnomalyIllPosed
	case errors.As(err, &de) && de.Quantity == quantityOpponentGamma:
		return AnomalyDegenerateGamma
	case errors.Is(err, ErrUnknownCompetitor):
		return AnomalyDegenerateGamma
	default:
		return AnomalyDivergentUpdate
	}
}
