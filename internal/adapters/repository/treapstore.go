package repository

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/okian/whr/internal/domain/types"
	"github.com/okian/whr/pkg/metrics"
)

// Treap-based, in-memory Store implementation.
//
// Ordering: Elo DESC, then competitor id ASC (deterministic).
// "less" means ranks earlier, so in-order traversal yields the
// leaderboard from best to worst. Node priorities are random, which keeps
// the tree balanced in expectation.

const (
	defaultPrecision = 6
	maxPrecision     = 9
)

type scoreFP int64

func pow10(n int) float64 { return math.Pow(10, float64(n)) }

func toFixedPoint(x, scale float64) scoreFP {
	scaled := math.Round(x * scale)
	if scaled > math.MaxInt64 {
		return scoreFP(math.MaxInt64)
	}
	if scaled < math.MinInt64 {
		return scoreFP(math.MinInt64)
	}
	return scoreFP(scaled)
}

// record is the stored entry plus its fixed-point ordering key.
type record struct {
	score scoreFP
	entry types.Entry
}

// treap node
type node struct {
	id    string
	score scoreFP
	prio  uint64
	left  *node
	right *node
	size  int
}

func nsize(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

func fix(n *node) {
	if n != nil {
		n.size = 1 + nsize(n.left) + nsize(n.right)
	}
}

// less returns true if (aScore, aID) should appear before (bScore, bID)
// in the leaderboard (higher ranks first).
func less(aScore scoreFP, aID string, bScore scoreFP, bID string) bool {
	if aScore != bScore {
		return aScore > bScore
	}
	return aID < bID
}

func rotateRight(y *node) *node {
	x := y.left
	y.left = x.right
	x.right = y
	fix(y)
	fix(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	x.right = y.left
	y.left = x
	fix(x)
	fix(y)
	return y
}

func insert(n *node, id string, score scoreFP, prio uint64) *node {
	if n == nil {
		return &node{id: id, score: score, prio: prio, size: 1}
	}
	if less(score, id, n.score, n.id) {
		n.left = insert(n.left, id, score, prio)
		if n.left.prio > n.prio {
			n = rotateRight(n)
		}
	} else {
		n.right = insert(n.right, id, score, prio)
		if n.right.prio > n.prio {
			n = rotateLeft(n)
		}
	}
	fix(n)
	return n
}

func deleteNode(n *node, id string, score scoreFP) *node {
	if n == nil {
		return nil
	}
	if score == n.score && id == n.id {
		// Rotate the higher-priority child up until the node is a leaf.
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		if n.left.prio > n.right.prio {
			n = rotateRight(n)
			n.right = deleteNode(n.right, id, score)
		} else {
			n = rotateLeft(n)
			n.left = deleteNode(n.left, id, score)
		}
	} else if less(score, id, n.score, n.id) {
		n.left = deleteNode(n.left, id, score)
	} else {
		n.right = deleteNode(n.right, id, score)
	}
	fix(n)
	return n
}

// walk visits nodes in rank order until visit returns false. It reports
// whether the walk ran to completion.
func walk(n *node, visit func(*node) bool) bool {
	if n == nil {
		return true
	}
	if !walk(n.left, visit) {
		return false
	}
	if !visit(n) {
		return false
	}
	return walk(n.right, visit)
}

// TreapStore keeps competitors ordered by their latest Elo.
type TreapStore struct {
	mu    sync.RWMutex
	root  *node
	byID  map[string]record
	scale float64
}

// NewTreapStore constructs a treap store with configuration options.
func NewTreapStore(opts ...Option) *TreapStore {
	s := &TreapStore{
		byID:  make(map[string]record),
		scale: pow10(defaultPrecision),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upsert implements Store.Upsert with O(log n) expected time.
func (s *TreapStore) Upsert(ctx context.Context, e types.Entry) error {
	start := time.Now()
	defer func() {
		metrics.RecordRankingUpdateLatency(float64(time.Since(start).Microseconds()) / 1000)
	}()

	if e.CompetitorID == "" || math.IsNaN(e.Elo) || math.IsInf(e.Elo, 0) {
		metrics.RecordErrorByComponent("repository", "invalid_entry")
		return fmt.Errorf("%w: competitor %q elo %v", ErrInvalidEntry, e.CompetitorID, e.Elo)
	}
	e.Rank = 0
	ns := toFixedPoint(e.Elo, s.scale)

	s.mu.Lock()
	if old, ok := s.byID[e.CompetitorID]; ok {
		s.root = deleteNode(s.root, e.CompetitorID, old.score)
	}
	s.byID[e.CompetitorID] = record{score: ns, entry: e}
	s.root = insert(s.root, e.CompetitorID, ns, rand.Uint64())
	count := len(s.byID)
	s.mu.Unlock()

	metrics.UpdateRankingRecords(count)
	return nil
}

// Rank returns the competitor's dense rank: one plus the number of distinct
// ratings above it.
func (s *TreapStore) Rank(ctx context.Context, competitorID string) (types.Entry, error) {
	start := time.Now()
	defer func() {
		metrics.RecordRankingQueryLatency(float64(time.Since(start).Microseconds()) / 1000)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[competitorID]
	if !ok {
		metrics.RecordErrorByComponent("repository", "not_found")
		return types.Entry{}, fmt.Errorf("%w: %q", ErrNotFound, competitorID)
	}

	rank := 1
	var prev scoreFP
	first := true
	walk(s.root, func(n *node) bool {
		if n.score <= rec.score {
			return false
		}
		if !first && n.score != prev {
			rank++
		}
		prev, first = n.score, false
		return true
	})
	if !first {
		rank++
	}

	out := rec.entry
	out.Rank = rank
	return out, nil
}

// TopN returns the top N entries ordered by Elo desc.
func (s *TreapStore) TopN(ctx context.Context, n int) ([]types.Entry, error) {
	start := time.Now()
	defer func() {
		metrics.RecordRankingQueryLatency(float64(time.Since(start).Microseconds()) / 1000)
	}()

	if n < 1 {
		metrics.RecordErrorByComponent("repository", "invalid_limit")
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, n)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Entry, 0, min(n, len(s.byID)))
	rank := 0
	var prev scoreFP
	walk(s.root, func(nd *node) bool {
		if len(out) == n {
			return false
		}
		if rank == 0 || nd.score != prev {
			rank++
		}
		prev = nd.score
		e := s.byID[nd.id].entry
		e.Rank = rank
		out = append(out, e)
		return true
	})
	return out, nil
}

// Count returns the number of competitors on the leaderboard.
func (s *TreapStore) Count(ctx context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
