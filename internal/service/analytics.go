package service

import (
	"context"
	"fmt"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/pipeline"
)

type DecisionStore interface {
	CountByDecision(ctx context.Context, from, to time.Time) ([]models.DecisionCount, error)
	CountByService(ctx context.Context, from, to time.Time, decision string) ([]models.ServiceCount, error)
	GetAverageResponseTime(ctx context.Context, from, to time.Time) (float64, error)
}

type AnalyticsService struct {
	repository DecisionStore
}

func NewAnalyticsService(repo DecisionStore) *AnalyticsService {
	return &AnalyticsService{repository: repo}
}

// Holds admission decision summary data
type DecisionSummary struct {
	From                time.Time             `json:"from"`
	To                  time.Time             `json:"to"`
	TotalRequests       int64                 `json:"total_requests"`
	Decisions           map[string]int64      `json:"decisions"`
	AdmittedRate        float64               `json:"admitted_rate"`
	RateLimitedRate     float64               `json:"rate_limited_rate"`
	CircuitOpenRate     float64               `json:"circuit_open_rate"`
	DownstreamErrorRate float64               `json:"downstream_error_rate"`
	AvgResponseTime     float64               `json:"avg_response_time_ms"`
	TopShortCircuited   []models.ServiceCount `json:"top_short_circuited_services"`
}

// Retrieves the decision summary for a time range
func (s *AnalyticsService) GetSummary(ctx context.Context, from, to time.Time) (*DecisionSummary, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("invalid time range: from %s is after to %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	summary := &DecisionSummary{
		From:      from,
		To:        to,
		Decisions: make(map[string]int64),
	}

	counts, err := s.repository.CountByDecision(ctx, from, to)
	if err != nil {
		return nil, err
	}
	for _, c := range counts {
		summary.Decisions[c.Decision] = c.Count
		summary.TotalRequests += c.Count
	}

	if summary.TotalRequests == 0 {
		return summary, nil
	}

	share := func(d pipeline.Decision) float64 {
		return float64(summary.Decisions[d.String()]) / float64(summary.TotalRequests) * 100
	}
	summary.AdmittedRate = share(pipeline.DecisionAdmitted)
	summary.RateLimitedRate = share(pipeline.DecisionRateLimited)
	summary.CircuitOpenRate = share(pipeline.DecisionCircuitOpen)
	summary.DownstreamErrorRate = share(pipeline.DecisionDownstreamError)

	summary.AvgResponseTime, err = s.repository.GetAverageResponseTime(ctx, from, to)
	if err != nil {
		return nil, err
	}

	if open := pipeline.DecisionCircuitOpen.String(); summary.Decisions[open] > 0 {
		summary.TopShortCircuited, err = s.repository.CountByService(ctx, from, to, open)
		if err != nil {
			return nil, err
		}
	}

	return summary, nil
}
