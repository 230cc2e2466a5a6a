// Package types contains common types used across the application
package types

// Entry represents a leaderboard entry: a competitor's latest rating.
type Entry struct {
	Rank         int     `json:"rank"`
	CompetitorID string  `json:"competitor_id"`
	Elo          float64 `json:"elo"`
	Uncertainty  float64 `json:"uncertainty"`
	Time         int     `json:"time"`
}

// Stats summarizes the rating service.
type Stats struct {
	Competitors        int     `json:"competitors"`
	Games              int     `json:"games"`
	TimeSteps          int     `json:"time_steps"`
	Duplicates         int64   `json:"duplicates"`
	Fits               int     `json:"fits"`
	Iterations         int     `json:"iterations"`
	LogLikelihood      float64 `json:"log_likelihood"`
	Converged          bool    `json:"converged"`
	Anomalies          int     `json:"anomalies"`
	PredictionAccuracy float64 `json:"prediction_accuracy"`
}
