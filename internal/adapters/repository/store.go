// Package repository holds the leaderboard of competitors' latest ratings.
package repository

import (
	"context"

	"github.com/okian/whr/internal/domain/types"
)

// Store provides read/write access to the ranking state.
type Store interface {
	// Upsert sets a competitor's current rating, replacing any previous one.
	Upsert(ctx context.Context, e types.Entry) error

	// Rank returns the current rank and rating for a competitor.
	// Returns ErrNotFound if the competitor is unknown.
	Rank(ctx context.Context, competitorID string) (types.Entry, error)

	// TopN returns the top-N entries ordered by Elo desc.
	TopN(ctx context.Context, n int) ([]types.Entry, error)

	// Count returns the number of competitors on the leaderboard.
	Count(ctx context.Context) int
}
