package rating

import "github.com/okian/whr/pkg/logger"

// Option configures a Model.
type Option func(*Model)

// WithOrdering selects sequential or parallel competitor updates.
func WithOrdering(o Ordering) Option {
	return func(m *Model) { m.ordering = o }
}

// WithExecutor sets the executor used by parallel iterations. Without one,
// parallel iterations compute updates on the calling goroutine.
func WithExecutor(e Executor) Option {
	return func(m *Model) { m.executor = e }
}

// WithMaxIterations bounds IterateUntilConvergence.
func WithMaxIterations(n int) Option {
	return func(m *Model) { m.maxIterations = n }
}

// WithLogger sets the model logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Model) {
		if l != nil {
			m.log = l
		}
	}
}
