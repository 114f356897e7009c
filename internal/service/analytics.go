package service

import (
	"context"
	"time"

	"github.com/draftforge/draftforge/internal/ratelimit"
	"github.com/draftforge/draftforge/internal/repository"
	"github.com/google/uuid"
)

type AnalyticsService struct {
	repository *repository.RequestLogRepository
}

func NewAnalyticsService(repo *repository.RequestLogRepository) *AnalyticsService {
	return &AnalyticsService{
		repository: repo,
	}
}

// Holds analytics summary data
type AnalyticsSummary struct {
	TotalRequests     int64                    `json:"total_requests"`
	AvgResponseTime   float64                  `json:"avg_response_time_ms"`
	ErrorRate         float64                  `json:"error_rate"`
	SuccessRate       float64                  `json:"success_rate"`
	ClientErrorRate   float64                  `json:"client_error_rate"`
	ServerErrorRate   float64                  `json:"server_error_rate"`
	RateLimitRejected int64                    `json:"rate_limit_rejected"`
	QuotaRejected     int64                    `json:"quota_rejected"`
	LLMRejected       int64                    `json:"llm_rejected"`
	TopEndpoints      []map[string]interface{} `json:"top_endpoints"`
}

// Retrieves analytics summary for a time range
func (s *AnalyticsService) GetSummary(ctx context.Context, from, to time.Time) (*AnalyticsSummary, error) {
	summary := &AnalyticsSummary{}

	totalRequests, err := s.repository.CountByTimeRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	summary.TotalRequests = totalRequests

	if totalRequests == 0 {
		return summary, nil
	}

	avgResponseTime, err := s.repository.GetAverageResponseTime(ctx, from, to)
	if err != nil {
		return nil, err
	}
	summary.AvgResponseTime = avgResponseTime

	clientErrors, err := s.repository.CountByStatusCodeRange(ctx, 400, 499, from, to)
	if err != nil {
		return nil, err
	}

	serverErrors, err := s.repository.CountByStatusCodeRange(ctx, 500, 599, from, to)
	if err != nil {
		return nil, err
	}

	totalErrors := clientErrors + serverErrors
	summary.ErrorRate = (float64(totalErrors) / float64(totalRequests)) * 100
	summary.SuccessRate = 100 - summary.ErrorRate
	summary.ClientErrorRate = (float64(clientErrors) / float64(totalRequests)) * 100
	summary.ServerErrorRate = (float64(serverErrors) / float64(totalRequests)) * 100

	// Rejection breakdown by limiter layer
	summary.RateLimitRejected, _ = s.repository.CountByErrorCode(ctx, ratelimit.CodeRateLimitExceeded, from, to)
	summary.QuotaRejected, _ = s.repository.CountByErrorCode(ctx, ratelimit.CodeQuotaExceeded, from, to)
	summary.LLMRejected, _ = s.repository.CountByErrorCode(ctx, ratelimit.CodeLLMRateLimit, from, to)

	topEndpoints, err := s.repository.GetTopEndpoints(ctx, from, to, 10)
	if err != nil {
		return nil, err
	}
	summary.TopEndpoints = topEndpoints

	return summary, nil
}

// Retrieves analytics for a specific API key
func (s *AnalyticsService) GetAPIKeyStats(ctx context.Context, apiKeyID uuid.UUID, from, to time.Time) (*AnalyticsSummary, error) {
	logs, err := s.repository.FindByAPIKey(ctx, apiKeyID, from, to, 10000, 0)
	if err != nil {
		return nil, err
	}

	if len(logs) == 0 {
		return &AnalyticsSummary{}, nil
	}

	summary := &AnalyticsSummary{
		TotalRequests: int64(len(logs)),
	}

	var totalResponseTime int64
	var clientErrors, serverErrors int64

	for _, log := range logs {
		totalResponseTime += int64(log.ResponseTimeMs)

		if log.StatusCode >= 400 && log.StatusCode <= 499 {
			clientErrors++
		}
		if log.StatusCode >= 500 && log.StatusCode <= 599 {
			serverErrors++
		}

		switch log.ErrorCode {
		case ratelimit.CodeRateLimitExceeded:
			summary.RateLimitRejected++
		case ratelimit.CodeQuotaExceeded:
			summary.QuotaRejected++
		case ratelimit.CodeLLMRateLimit:
			summary.LLMRejected++
		}
	}
	summary.AvgResponseTime = float64(totalResponseTime) / float64(summary.TotalRequests)

	totalErrors := clientErrors + serverErrors
	summary.ErrorRate = (float64(totalErrors) / float64(summary.TotalRequests)) * 100
	summary.SuccessRate = 100 - summary.ErrorRate
	summary.ClientErrorRate = (float64(clientErrors) / float64(summary.TotalRequests)) * 100
	summary.ServerErrorRate = (float64(serverErrors) / float64(summary.TotalRequests)) * 100

	return summary, nil
}

// Retrieves request logs with pagination
func (s *AnalyticsService) GetLogs(ctx context.Context, from, to time.Time, limit, offset int) ([]interface{}, error) {
	var logs []interface{}

	logResults, err := s.repository.FindByTimeRange(ctx, from, to, limit, offset)
	if err != nil {
		return nil, err
	}
	for _, log := range logResults {
		logs = append(logs, log)
	}

	return logs, nil
}

// Deletes logs older than the specified retention period
func (s *AnalyticsService) CleanupOldLogs(ctx context.Context, retentionDays int) (int64, error) {
	cutOffDate := time.Now().AddDate(0, 0, -retentionDays)
	return s.repository.DeleteOldLogs(ctx, cutOffDate)
}
