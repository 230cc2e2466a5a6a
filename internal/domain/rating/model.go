package rating

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/okian/whr/pkg/logger"
	"github.com/okian/whr/pkg/metrics"
)

// Defaults.
const (
	DefaultPriorVariance        = 150.0
	DefaultConvergenceThreshold = 0.001
	DefaultMaxIterations        = 10000
)

// uncertaintyScale maps posterior variance onto the reported uncertainty.
const uncertaintyScale = 100

// Config holds the model parameters.
type Config struct {
	// PriorVariance is the Elo-scale variance of the rating random walk per
	// unit of time.
	PriorVariance float64
	// AllowDraws makes drawn games contribute likelihood terms. When false,
	// drawn games are recorded but ignored by the fit.
	AllowDraws bool
}

// DefaultConfig returns the default parameters.
func DefaultConfig() Config {
	return Config{PriorVariance: DefaultPriorVariance}
}

// Validate checks that the parameters are usable.
func (c Config) Validate() error {
	if !(c.PriorVariance > 0) || math.IsInf(c.PriorVariance, 0) {
		return fmt.Errorf("%w: prior variance must be positive and finite, got %v", ErrInvalidConfig, c.PriorVariance)
	}
	return nil
}

// Ordering selects how competitors are updated within one iteration.
type Ordering int

const (
	// Sequential updates competitors one by one in registration order; each
	// update sees the ones applied before it.
	Sequential Ordering = iota
	// Parallel computes every update from the same snapshot and applies them
	// together after a barrier.
	Parallel
)

func (o Ordering) String() string {
	switch o {
	case Sequential:
		return "sequential"
	case Parallel:
		return "parallel"
	default:
		return fmt.Sprintf("ordering(%d)", int(o))
	}
}

// Executor runs fn for every index in [0, n) and returns once all calls have
// finished. Calls may run concurrently.
type Executor interface {
	Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error
}

// RatingPoint is one entry of a competitor's rating history.
type RatingPoint struct {
	Time        int
	Elo         float64
	Uncertainty float64
}

// Report summarizes a call to Iterate or IterateUntilConvergence.
type Report struct {
	Iterations    int
	LogLikelihood float64
	// History holds the total log-likelihood after each iteration.
	History   []float64
	Anomalies []Anomaly
	Converged bool
}

// Model is the whole-history rating model. It is not safe for concurrent use.
type Model struct {
	cfg           Config
	w2            float64
	ordering      Ordering
	executor      Executor
	maxIterations int
	log           logger.Logger

	competitors map[CompetitorID]*Competitor
	order       []*Competitor
	games       []*Game
	steps       int
	iteration   int
}

// NewModel creates an empty model.
func NewModel(cfg Config, opts ...Option) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Model{
		cfg:           cfg,
		w2:            priorVarianceScale(cfg.PriorVariance),
		ordering:      Sequential,
		maxIterations: DefaultMaxIterations,
		log:           logger.Named("rating.model"),
		competitors:   make(map[CompetitorID]*Competitor),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.maxIterations <= 0 {
		return nil, fmt.Errorf("%w: max iterations must be positive, got %d", ErrInvalidConfig, m.maxIterations)
	}
	if m.ordering != Sequential && m.ordering != Parallel {
		return nil, fmt.Errorf("%w: unknown ordering %v", ErrInvalidConfig, m.ordering)
	}
	return m, nil
}

// Config returns the model parameters.
func (m *Model) Config() Config { return m.cfg }

// Ordering returns the update ordering.
func (m *Model) Ordering() Ordering { return m.ordering }

func (m *Model) gammaAt(id CompetitorID, t int) (float64, bool) {
	c, ok := m.competitors[id]
	if !ok {
		return 0, false
	}
	s, ok := c.stepAt(t)
	if !ok {
		return 0, false
	}
	return s.Gamma(), true
}

func (m *Model) competitor(id CompetitorID) *Competitor {
	c, ok := m.competitors[id]
	if !ok {
		c = newCompetitor(id, m.w2)
		m.competitors[id] = c
		m.order = append(m.order, c)
	}
	return c
}

// RegisterOutcome records a game between a and b at time t, creating
// competitors and time steps as needed.
func (m *Model) RegisterOutcome(a, b CompetitorID, outcome Outcome, t int) (*Game, error) {
	if a == "" || b == "" {
		return nil, ErrInvalidCompetitor
	}
	if a == b {
		return nil, fmt.Errorf("%w: %q", ErrSelfPlay, a)
	}
	if !outcome.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutcome, outcome)
	}

	g := &Game{ID: uuid.New(), A: a, B: b, Outcome: outcome, Time: t}
	for _, id := range []CompetitorID{a, b} {
		if m.competitor(id).addGame(g) {
			m.steps++
		}
	}
	m.games = append(m.games, g)

	metrics.RecordOutcomeRegistered()
	metrics.UpdateModelSize(len(m.order), len(m.games), m.steps)
	return g, nil
}

// Competitors returns competitor ids in registration order.
func (m *Model) Competitors() []CompetitorID {
	out := make([]CompetitorID, len(m.order))
	for i, c := range m.order {
		out[i] = c.id
	}
	return out
}

// Competitor returns the competitor with the given id.
func (m *Model) Competitor(id CompetitorID) (*Competitor, bool) {
	c, ok := m.competitors[id]
	return c, ok
}

// Games returns every registered game in registration order.
func (m *Model) Games() []*Game {
	out := make([]*Game, len(m.games))
	copy(out, m.games)
	return out
}

// NumSteps returns the total number of time steps across all competitors.
func (m *Model) NumSteps() int { return m.steps }

// RatingsFor returns the competitor's history sorted by time. Uncertainty is
// the posterior variance times 100, or zero before any uncertainty pass.
func (m *Model) RatingsFor(id CompetitorID) ([]RatingPoint, error) {
	c, ok := m.competitors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompetitor, id)
	}
	out := make([]RatingPoint, len(c.steps))
	for i, s := range c.steps {
		out[i] = RatingPoint{
			Time:        s.Time,
			Elo:         s.Elo(),
			Uncertainty: s.uncertainty * uncertaintyScale,
		}
	}
	return out, nil
}

// LatestRating returns the competitor's most recent rating point.
func (m *Model) LatestRating(id CompetitorID) (RatingPoint, error) {
	pts, err := m.RatingsFor(id)
	if err != nil {
		return RatingPoint{}, err
	}
	if len(pts) == 0 {
		return RatingPoint{}, fmt.Errorf("%w: %q has no rated steps", ErrUnknownCompetitor, id)
	}
	return pts[len(pts)-1], nil
}

// TotalLogLikelihood sums every competitor's log-likelihood at the current
// ratings.
func (m *Model) TotalLogLikelihood() float64 {
	var sum float64
	for _, c := range m.order {
		sum += c.logLikelihood(m, m.cfg.AllowDraws)
	}
	return sum
}

// Covariance returns the tridiagonal posterior covariance of a competitor's
// log-ratings, indexed by step.
func (m *Model) Covariance(id CompetitorID) (*mat.SymDense, error) {
	c, ok := m.competitors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompetitor, id)
	}
	return c.covariance(m, m.cfg.AllowDraws)
}

// WinProbability is the probability that id wins g at current ratings.
func (m *Model) WinProbability(g *Game, id CompetitorID) (float64, error) {
	if !g.Involves(id) {
		return 0, fmt.Errorf("%w: %q did not play game %s", ErrUnknownCompetitor, id, g.ID)
	}
	return g.winProbability(m, id)
}

// OpponentAdjustedGamma returns the current gamma of id's opponent in g.
func (m *Model) OpponentAdjustedGamma(g *Game, id CompetitorID) (float64, error) {
	if !g.Involves(id) {
		return 0, fmt.Errorf("%w: %q did not play game %s", ErrUnknownCompetitor, id, g.ID)
	}
	return g.opponentAdjustedGamma(m, id)
}

// PredictionScore grades g against current ratings: 1 when the favored side
// won, 0 when it lost. An even game scores 1 on a draw and 0.5 otherwise.
func (m *Model) PredictionScore(g *Game) (float64, error) {
	return g.predictionScore(m)
}

// PredictionAccuracy averages PredictionScore over every game. Games whose
// score cannot be computed are skipped.
func (m *Model) PredictionAccuracy() float64 {
	var sum float64
	var n int
	for _, g := range m.games {
		s, err := g.predictionScore(m)
		if err != nil {
			continue
		}
		sum += s
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
