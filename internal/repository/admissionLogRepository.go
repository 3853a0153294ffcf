package repository

import (
	"context"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/pipeline"
	"github.com/aman-churiwal/admission-gateway/internal/storage"
)

var reachedBackend = []string{
	pipeline.DecisionAdmitted.String(),
	pipeline.DecisionDownstreamError.String(),
}

type AdmissionLogRepository struct {
	db *storage.Postgres
}

func NewAdmissionLogRepository(db *storage.Postgres) *AdmissionLogRepository {
	return &AdmissionLogRepository{db: db}
}

// Inserts multiple admission logs (for batch insertion)
func (r *AdmissionLogRepository) CreateBatch(ctx context.Context, logs []models.AdmissionLog) error {
	if len(logs) == 0 {
		return nil
	}

	return r.db.DB.WithContext(ctx).Create(&logs).Error
}

// Counts decisions in a time range, grouped by decision
func (r *AdmissionLogRepository) CountByDecision(ctx context.Context, from, to time.Time) ([]models.DecisionCount, error) {
	var counts []models.DecisionCount

	err := r.db.DB.WithContext(ctx).
		Model(&models.AdmissionLog{}).
		Select("decision, COUNT(*) AS count").
		Where("timestamp BETWEEN ? AND ?", from, to).
		Group("decision").
		Order("decision").
		Scan(&counts).Error

	return counts, err
}

// Counts decisions per service in a time range
func (r *AdmissionLogRepository) CountByService(ctx context.Context, from, to time.Time, decision string) ([]models.ServiceCount, error) {
	var counts []models.ServiceCount

	err := r.db.DB.WithContext(ctx).
		Model(&models.AdmissionLog{}).
		Select("service_key, COUNT(*) AS count").
		Where("decision = ? AND timestamp BETWEEN ? AND ?", decision, from, to).
		Group("service_key").
		Order("count DESC").
		Limit(10).
		Scan(&counts).Error

	return counts, err
}

// Calculates average response time of requests that reached a backend
func (r *AdmissionLogRepository) GetAverageResponseTime(ctx context.Context, from, to time.Time) (float64, error) {
	var avg float64

	err := r.db.DB.WithContext(ctx).
		Model(&models.AdmissionLog{}).
		Where("decision IN ? AND timestamp BETWEEN ? AND ?", reachedBackend, from, to).
		Select("COALESCE(AVG(response_time_ms), 0)").
		Scan(&avg).Error

	return avg, err
}
