package repository

// Option applies a configuration option to the TreapStore.
type Option func(*TreapStore)

// WithPrecision sets how many decimal places of Elo take part in ordering.
// Ratings equal at that precision share a rank.
func WithPrecision(decimals int) Option {
	return func(s *TreapStore) {
		if decimals >= 0 && decimals <= maxPrecision {
			s.scale = pow10(decimals)
		}
	}
}
