package rating

import "math"

// TimeStep is one competitor's rating at one discrete time, together with
// the games that competitor played at that time.
type TimeStep struct {
	Time int
	// R is the natural-log rating; gamma = exp(R).
	R float64

	anchor bool
	won    []*Game
	lost   []*Game
	drawn  []*Game

	uncertainty    float64
	hasUncertainty bool
}

// Gamma returns exp(R).
func (s *TimeStep) Gamma() float64 { return GammaFromR(s.R) }

// SetGamma sets R = ln(gamma).
func (s *TimeStep) SetGamma(gamma float64) { s.R = RFromGamma(gamma) }

// Elo returns R on the Elo display scale.
func (s *TimeStep) Elo() float64 { return EloFromR(s.R) }

// SetElo sets R from an Elo rating.
func (s *TimeStep) SetElo(elo float64) { s.R = RFromElo(elo) }

// IsAnchor reports whether this is the competitor's earliest step.
func (s *TimeStep) IsAnchor() bool { return s.anchor }

// Uncertainty returns the posterior variance of R and whether an
// uncertainty pass has populated it.
func (s *TimeStep) Uncertainty() (float64, bool) { return s.uncertainty, s.hasUncertainty }

// Games returns the number of won, lost and drawn games on this step.
func (s *TimeStep) Games() (won, lost, drawn int) {
	return len(s.won), len(s.lost), len(s.drawn)
}

func (s *TimeStep) addGame(g *Game, owner CompetitorID) {
	switch g.WinnerFor(owner) {
	case 1:
		s.won = append(s.won, g)
	case 0:
		s.lost = append(s.lost, g)
	default:
		s.drawn = append(s.drawn, g)
	}
}

// term holds the coefficients of one logistic likelihood factor; see
// termSet.logLikelihood for how each list uses them.
type term struct {
	a, b, c, d float64
}

// anchorTerm is the virtual draw against a gamma=1 opponent carried by a
// competitor's earliest step.
var anchorTerm = term{a: 0.5, b: 0.5, c: 1, d: 1}

// termSet is the likelihood of one step expressed as per-game terms built
// from the opponents' current gammas. It is rebuilt for every evaluation.
type termSet struct {
	won   []term
	lost  []term
	drawn []term
}

func (ts termSet) len() int { return len(ts.won) + len(ts.lost) + len(ts.drawn) }

// buildTerms evaluates the current opponent gammas. Games whose opponent
// gamma is degenerate are dropped and reported; the rest still constrain the
// step.
func (s *TimeStep) buildTerms(owner CompetitorID, lookup gammaLookup, allowDraws bool) (termSet, []error) {
	var (
		ts   termSet
		errs []error
	)
	ts.won = make([]term, 0, len(s.won))
	for _, g := range s.won {
		other, err := g.opponentAdjustedGamma(lookup, owner)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ts.won = append(ts.won, term{a: 1, b: 0, c: 1, d: other})
	}
	ts.lost = make([]term, 0, len(s.lost))
	for _, g := range s.lost {
		other, err := g.opponentAdjustedGamma(lookup, owner)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ts.lost = append(ts.lost, term{a: 0, b: other, c: 1, d: other})
	}
	if allowDraws {
		ts.drawn = make([]term, 0, len(s.drawn)+1)
		for _, g := range s.drawn {
			other, err := g.opponentAdjustedGamma(lookup, owner)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			ts.drawn = append(ts.drawn, term{a: 0.5, b: 0.5, c: 1, d: other})
		}
	}
	if s.anchor {
		ts.drawn = append(ts.drawn, anchorTerm)
	}
	return ts, errs
}

// logLikelihood of the step at gamma. A draw is the geometric mean of a win
// and a loss against the same opponent.
func (ts termSet) logLikelihood(gamma float64) float64 {
	lg := math.Log(gamma)
	var sum float64
	for _, t := range ts.won {
		sum += math.Log(t.a*gamma) - math.Log(t.c*gamma+t.d)
	}
	for _, t := range ts.lost {
		sum += math.Log(t.b) - math.Log(t.c*gamma+t.d)
	}
	for _, t := range ts.drawn {
		sum += t.a*lg + t.b*math.Log(t.d) - math.Log(t.c*gamma+t.d)
	}
	return sum
}

// firstDerivative of logLikelihood with respect to R.
func (ts termSet) firstDerivative(gamma float64) float64 {
	var wins, tally float64
	each := func(terms []term) {
		for _, t := range terms {
			wins += t.a
			tally += t.c / (t.c*gamma + t.d)
		}
	}
	each(ts.won)
	each(ts.lost)
	each(ts.drawn)
	return wins - gamma*tally
}

// secondDerivative of logLikelihood with respect to R.
func (ts termSet) secondDerivative(gamma float64) float64 {
	var sum float64
	each := func(terms []term) {
		for _, t := range terms {
			den := t.c*gamma + t.d
			sum += t.c * t.d / (den * den)
		}
	}
	each(ts.won)
	each(ts.lost)
	each(ts.drawn)
	return -gamma * sum
}

// stepEval bundles the per-step quantities consumed by the Newton update.
type stepEval struct {
	logLikelihood float64
	first         float64
	second        float64
	terms         int
}

// evaluate builds fresh terms and returns the likelihood and its derivatives.
// Non-finite derivatives are returned as a DivergenceError.
func (s *TimeStep) evaluate(owner CompetitorID, lookup gammaLookup, allowDraws bool) (stepEval, []error, error) {
	ts, anomalies := s.buildTerms(owner, lookup, allowDraws)
	gamma := s.Gamma()
	ev := stepEval{
		logLikelihood: ts.logLikelihood(gamma),
		first:         ts.firstDerivative(gamma),
		second:        ts.secondDerivative(gamma),
		terms:         ts.len(),
	}
	if !finite(gamma) || gamma == 0 {
		return ev, anomalies, &DivergenceError{Competitor: owner, Time: s.Time, Quantity: "gamma", Value: gamma}
	}
	if !finite(ev.first) {
		return ev, anomalies, &DivergenceError{Competitor: owner, Time: s.Time, Quantity: "first_derivative", Value: ev.first}
	}
	if !finite(ev.second) {
		return ev, anomalies, &DivergenceError{Competitor: owner, Time: s.Time, Quantity: "second_derivative", Value: ev.second}
	}
	return ev, anomalies, nil
}
