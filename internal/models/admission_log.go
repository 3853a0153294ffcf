package models

import (
	"time"
)

// Represents one admission decision made by the gateway
type AdmissionLog struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	RequestID      string    `gorm:"index;size:36" json:"request_id"`
	Timestamp      time.Time `gorm:"index" json:"timestamp"`
	Decision       string    `gorm:"index;size:32" json:"decision"`
	RateLimitKey   string    `gorm:"index" json:"rate_limit_key"`
	ServiceKey     string    `gorm:"index" json:"service_key"`
	CircuitState   string    `gorm:"size:16" json:"circuit_state,omitempty"`
	Method         string    `json:"method"`
	Path           string    `json:"path"`
	StatusCode     int       `gorm:"index" json:"status_code"`
	ResponseTimeMs int       `json:"response_time_ms"`
	BackendServer  string    `json:"backend_server,omitempty"`
}

func (AdmissionLog) TableName() string {
	return "admission_logs"
}

// Counts per decision over a time range
type DecisionCount struct {
	Decision string `json:"decision"`
	Count    int64  `json:"count"`
}

// Counts per service for one decision over a time range
type ServiceCount struct {
	ServiceKey string `json:"service"`
	Count      int64  `json:"count"`
}
