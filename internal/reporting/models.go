package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics for one party.
// Sessions are selected by creation time in [From, To).
type CallsSummaryRequest struct {
	PartyID string    `json:"party_id"`
	Range   TimeRange `json:"range"`
}

type CallsSummary struct {
	PartyID string    `json:"party_id"`
	Range   TimeRange `json:"range"`

	TotalCalls     int `json:"total_calls"`
	ConnectedCalls int `json:"connected_calls"`
	EndedCalls     int `json:"ended_calls"`
	ExpiredCalls   int `json:"expired_calls"`
	FailedCalls    int `json:"failed_calls"`
	ActiveCalls    int `json:"active_calls"`

	AudioCalls int `json:"audio_calls"`
	VideoCalls int `json:"video_calls"`

	// Durations only count calls that connected and finished.
	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`
}
