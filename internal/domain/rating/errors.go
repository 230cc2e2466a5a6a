package rating

import (
	"errors"
	"fmt"
)

// Sentinel kinds for rating errors.
var (
	ErrNumericDivergence = errors.New("numeric divergence")
	ErrIllPosedHistory   = errors.New("ill-posed history")
	ErrUnknownCompetitor = errors.New("competitor not found")
	ErrInvalidCompetitor = errors.New("invalid competitor id")
	ErrSelfPlay          = errors.New("competitor cannot play itself")
	ErrInvalidOutcome    = errors.New("invalid outcome")
	ErrInvalidIterations = errors.New("iteration count must not be negative")
	ErrInvalidThreshold  = errors.New("convergence threshold must be positive")
	ErrNotConverged      = errors.New("model did not converge")
	ErrInvalidConfig     = errors.New("invalid rating config")
)

// DivergenceError describes a quantity that left the finite, representable
// range while fitting one competitor.
type DivergenceError struct {
	Competitor CompetitorID
	Time       int
	Quantity   string
	Value      float64
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("numeric divergence: %s=%v for competitor %q at time %d", e.Quantity, e.Value, e.Competitor, e.Time)
}

// Unwrap lets errors.Is match ErrNumericDivergence.
func (e *DivergenceError) Unwrap() error { return ErrNumericDivergence }

// AnomalyKind classifies a recoverable problem seen during a fit.
type AnomalyKind string

// Anomaly kinds.
const (
	AnomalyDegenerateGamma AnomalyKind = "degenerate_gamma"
	AnomalyDivergentUpdate AnomalyKind = "divergent_update"
	AnomalyIllPosed        AnomalyKind = "ill_posed_history"
)

// Anomaly is a recoverable problem recorded during an iteration. The fit
// continues; the affected term or update is left out.
type Anomaly struct {
	Kind       AnomalyKind
	Iteration  int
	Competitor CompetitorID
	Err        error
}

func (a Anomaly) String() string {
	return fmt.Sprintf("%s (iteration %d, competitor %q): %v", a.Kind, a.Iteration, a.Competitor, a.Err)
}
