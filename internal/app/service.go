// Package service composes the rating model with its supporting
// components: match deduplication, the worker pool and the leaderboard.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sasha-s/go-deadlock"

	repository "github.com/okian/whr/internal/adapters/repository"
	workerpool "github.com/okian/whr/internal/adapters/worker"
	"github.com/okian/whr/internal/config"
	"github.com/okian/whr/internal/domain/dedupe"
	"github.com/okian/whr/internal/domain/rating"
	"github.com/okian/whr/internal/domain/types"
	"github.com/okian/whr/pkg/logger"
	"github.com/okian/whr/pkg/metrics"
)

// Outcome is one game result as submitted to the service.
type Outcome struct {
	// MatchID makes submission idempotent. Empty ids are never deduplicated.
	MatchID string
	A       string
	B       string
	Result  rating.Outcome
	Time    int
}

// Service is safe for concurrent use. Writes and fits are serialized;
// queries run concurrently with each other.
type Service struct {
	mu deadlock.RWMutex

	cfg         *config.Config
	model       *rating.Model
	pool        *workerpool.Pool
	deduper     dedupe.Deduper
	leaderboard repository.Store
	logger      logger.Logger

	fits int
	last rating.Report
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStore replaces the default in-memory leaderboard.
func WithStore(store repository.Store) Option {
	return func(s *Service) {
		if store != nil {
			s.leaderboard = store
		}
	}
}

// WithDeduper replaces the default match id deduper.
func WithDeduper(d dedupe.Deduper) Option {
	return func(s *Service) {
		if d != nil {
			s.deduper = d
		}
	}
}

// New constructs a Service from validated configuration.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ordering, err := cfg.RatingOrdering()
	if err != nil {
		return nil, err
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}

	s := &Service{
		cfg:    cfg,
		logger: logger.Named("service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.deduper == nil {
		s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(cfg.DedupeSize))
	}
	if s.leaderboard == nil {
		s.leaderboard = repository.NewTreapStore()
	}

	s.pool = workerpool.NewPool(cfg.WorkerCount,
		workerpool.WithName("rating-pool"),
		workerpool.WithLogger(s.logger.Named("pool")))

	s.model, err = rating.NewModel(cfg.RatingConfig(),
		rating.WithOrdering(ordering),
		rating.WithExecutor(s.pool),
		rating.WithMaxIterations(cfg.MaxIterations),
		rating.WithLogger(s.logger.Named("model")))
	if err != nil {
		return nil, fmt.Errorf("create rating model: %w", err)
	}

	s.logger.Info(context.Background(), "rating service ready",
		logger.String("ordering", ordering.String()),
		logger.Int("workers", s.pool.Size()),
		logger.Float64("prior_variance", cfg.PriorVariance),
		logger.Bool("allow_draws", cfg.AllowDraws))
	return s, nil
}

// RecordOutcome registers a game. It reports duplicate=true, and registers
// nothing, when the match id was already recorded. A match id whose outcome
// is rejected is released before the next submission can see it.
func (s *Service) RecordOutcome(ctx context.Context, o Outcome) (game *rating.Game, duplicate bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.MatchID != "" && s.deduper.SeenAndRecord(ctx, o.MatchID) {
		metrics.RecordOutcomeDuplicate()
		s.logger.Debug(ctx, "duplicate match skipped", logger.String("match_id", o.MatchID))
		return nil, true, nil
	}

	g, err := s.model.RegisterOutcome(rating.CompetitorID(o.A), rating.CompetitorID(o.B), o.Result, o.Time)
	if err != nil {
		if o.MatchID != "" {
			s.deduper.Unrecord(ctx, o.MatchID)
		}
		metrics.RecordErrorByComponent("service", "invalid_outcome")
		return nil, false, fmt.Errorf("record match %q: %w", o.MatchID, err)
	}
	return g, false, nil
}

// Fit iterates the model to convergence and refreshes the leaderboard.
func (s *Service) Fit(ctx context.Context) (rating.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report, err := s.model.IterateUntilConvergence(ctx, s.cfg.ConvergenceThreshold)
	return s.finishFit(ctx, report, err)
}

// Iterate runs a fixed number of iterations and refreshes the leaderboard.
func (s *Service) Iterate(ctx context.Context, count int) (rating.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report, err := s.model.Iterate(ctx, count)
	return s.finishFit(ctx, report, err)
}

// finishFit must be called with s.mu held.
func (s *Service) finishFit(ctx context.Context, report rating.Report, err error) (rating.Report, error) {
	s.fits++
	s.last = report
	if err != nil {
		metrics.RecordErrorByComponent("service", "fit_failed")
		s.logger.Error(ctx, "fit failed",
			logger.Int("iterations", report.Iterations),
			logger.Error(err))
		return report, err
	}
	if err := s.refreshLeaderboard(ctx); err != nil {
		return report, err
	}
	return report, nil
}

// refreshLeaderboard must be called with s.mu held.
func (s *Service) refreshLeaderboard(ctx context.Context) error {
	var errs []error
	for _, id := range s.model.Competitors() {
		pt, err := s.model.LatestRating(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		err = s.leaderboard.Upsert(ctx, types.Entry{
			CompetitorID: string(id),
			Elo:          pt.Elo,
			Uncertainty:  pt.Uncertainty,
			Time:         pt.Time,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("refresh leaderboard: %w", err)
	}
	return nil
}

// Ratings returns a competitor's full rating history.
func (s *Service) Ratings(ctx context.Context, id string) ([]rating.RatingPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model.RatingsFor(rating.CompetitorID(id))
}

// Rank returns a competitor's leaderboard entry as of the last fit.
func (s *Service) Rank(ctx context.Context, id string) (types.Entry, error) {
	return s.leaderboard.Rank(ctx, id)
}

// TopN returns up to n leaderboard entries, capped by the configured limit.
func (s *Service) TopN(ctx context.Context, n int) ([]types.Entry, error) {
	if n > s.cfg.LeaderboardLimit {
		n = s.cfg.LeaderboardLimit
	}
	return s.leaderboard.TopN(ctx, n)
}

// Stats returns a snapshot of service statistics.
func (s *Service) Stats(ctx context.Context) types.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return types.Stats{
		Competitors:        len(s.model.Competitors()),
		Games:              len(s.model.Games()),
		TimeSteps:          s.model.NumSteps(),
		Duplicates:         s.deduper.Duplicates(),
		Fits:               s.fits,
		Iterations:         s.last.Iterations,
		LogLikelihood:      s.last.LogLikelihood,
		Converged:          s.last.Converged,
		Anomalies:          len(s.last.Anomalies),
		PredictionAccuracy: s.model.PredictionAccuracy(),
	}
}
