package reporting

import (
	"context"
	"errors"
	"time"

	"call-signaling/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting. Every session store satisfies it.
type Repository interface {
	ListByParty(ctx context.Context, partyID string, from, to time.Time) ([]calls.Session, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.PartyID == "" {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListByParty(ctx, req.PartyID, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{PartyID: req.PartyID, Range: req.Range}
	durations := 0
	for _, c := range rows {
		out.TotalCalls++
		if c.ConnectedAt != nil {
			out.ConnectedCalls++
		}
		switch c.CallType {
		case calls.CallTypeAudio:
			out.AudioCalls++
		case calls.CallTypeVideo:
			out.VideoCalls++
		}
		switch c.Status {
		case calls.StatusEnded:
			out.EndedCalls++
		case calls.StatusExpired:
			out.ExpiredCalls++
		case calls.StatusFailed:
			out.FailedCalls++
		default:
			out.ActiveCalls++
		}
		if c.DurationSeconds != nil {
			out.TotalDurationSeconds += *c.DurationSeconds
			durations++
		}
	}
	if durations > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / durations
	}
	return out, nil
}
