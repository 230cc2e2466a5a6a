package rating

import (
	"fmt"

	"github.com/google/uuid"
)

// CompetitorID identifies a competitor.
type CompetitorID string

// Outcome is the result of a game from competitor A's point of view.
type Outcome int

// Outcomes.
const (
	AWins Outcome = iota + 1
	BWins
	Draw
)

// Valid reports whether o is one of the defined outcomes.
func (o Outcome) Valid() bool {
	return o == AWins || o == BWins || o == Draw
}

func (o Outcome) String() string {
	switch o {
	case AWins:
		return "a_wins"
	case BWins:
		return "b_wins"
	case Draw:
		return "draw"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ParseOutcome parses the names produced by Outcome.String.
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "a_wins":
		return AWins, nil
	case "b_wins":
		return BWins, nil
	case "draw":
		return Draw, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidOutcome, s)
	}
}

// Game is an immutable pairwise outcome. It names its participants by id;
// the model resolves the time step each one occupies at Time.
type Game struct {
	ID      uuid.UUID
	A       CompetitorID
	B       CompetitorID
	Outcome Outcome
	Time    int
}

// Involves reports whether id played in the game.
func (g *Game) Involves(id CompetitorID) bool {
	return g.A == id || g.B == id
}

// Opponent returns the other participant.
func (g *Game) Opponent(id CompetitorID) CompetitorID {
	if id == g.A {
		return g.B
	}
	return g.A
}

// WinnerFor reports how the game went for id: 1 won, 0 lost, 0.5 drawn.
func (g *Game) WinnerFor(id CompetitorID) float64 {
	switch {
	case g.Outcome == Draw:
		return 0.5
	case g.Outcome == AWins && id == g.A, g.Outcome == BWins && id == g.B:
		return 1
	default:
		return 0
	}
}

// quantityOpponentGamma names the divergent quantity when an opponent's gamma
// is unusable.
const quantityOpponentGamma = "opponent_gamma"

// gammaLookup resolves the current gamma of a competitor's step at a time.
type gammaLookup interface {
	gammaAt(id CompetitorID, time int) (float64, bool)
}

// opponentAdjustedGamma returns the opponent's current gamma at the game's
// time. Zero, infinite and NaN values are reported as divergence.
func (g *Game) opponentAdjustedGamma(lookup gammaLookup, self CompetitorID) (float64, error) {
	opp := g.Opponent(self)
	gamma, ok := lookup.gammaAt(opp, g.Time)
	if !ok {
		return 0, fmt.Errorf("%w: %q at time %d", ErrUnknownCompetitor, opp, g.Time)
	}
	if gamma == 0 || !finite(gamma) {
		return gamma, &DivergenceError{Competitor: opp, Time: g.Time, Quantity: quantityOpponentGamma, Value: gamma}
	}
	return gamma, nil
}

// winProbability is gamma_self / (gamma_self + gamma_opponent).
func (g *Game) winProbability(lookup gammaLookup, self CompetitorID) (float64, error) {
	own, ok := lookup.gammaAt(self, g.Time)
	if !ok {
		return 0, fmt.Errorf("%w: %q at time %d", ErrUnknownCompetitor, self, g.Time)
	}
	other, err := g.opponentAdjustedGamma(lookup, self)
	if err != nil {
		return 0, err
	}
	return own / (own + other), nil
}

// predictionScore grades the favored side against the actual outcome. An
// even game scores 1 on a draw and 0.5 otherwise.
func (g *Game) predictionScore(lookup gammaLookup) (float64, error) {
	p, err := g.winProbability(lookup, g.A)
	if err != nil {
		return 0, err
	}
	if p == 0.5 {
		if g.Outcome == Draw {
			return 1, nil
		}
		return 0.5, nil
	}
	if (g.Outcome == AWins && p > 0.5) || (g.Outcome == BWins && p < 0.5) {
		return 1, nil
	}
	return 0, nil
}
