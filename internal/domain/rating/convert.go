package rating

import "math"

// eloPerR converts natural-log ratings to the Elo display scale.
var eloPerR = 400 / math.Ln10

// EloFromR converts a log-rating to Elo.
func EloFromR(r float64) float64 { return r * eloPerR }

// RFromElo converts an Elo rating to a log-rating.
func RFromElo(elo float64) float64 { return elo / eloPerR }

// GammaFromR returns the multiplicative strength exp(r).
func GammaFromR(r float64) float64 { return math.Exp(r) }

// RFromGamma returns ln(gamma).
func RFromGamma(gamma float64) float64 { return math.Log(gamma) }

// priorVarianceScale converts an Elo-scale random-walk variance to log-rating
// units: (sqrt(w2) * ln(10) / 400)^2.
func priorVarianceScale(priorVariance float64) float64 {
	s := math.Sqrt(priorVariance) * math.Ln10 / 400
	return s * s
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
