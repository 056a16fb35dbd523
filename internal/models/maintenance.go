package models

import (
	"time"
)

// Classification is the maintenance state derived from distance since service.
type Classification string

const (
	ClassificationOK      Classification = "ok"
	ClassificationDueSoon Classification = "due_soon"
	ClassificationOverdue Classification = "overdue"
)

// MaintenanceStatus is computed on read, never persisted.
type MaintenanceStatus struct {
	VehicleID            string         `json:"vehicle_id"`
	Classification       Classification `json:"classification"`
	CurrentValue         int64          `json:"current_value"`
	ServiceBaseline      int64          `json:"service_baseline"`
	DistanceSinceService int64          `json:"distance_since_service"`
	// EstimatedNextService is nil when InsufficientData is set.
	EstimatedNextService *time.Time `json:"estimated_next_service_date,omitempty"`
	AverageDailyKM       float64    `json:"average_daily_km,omitempty"`
	InsufficientData     bool       `json:"insufficient_data"`
}

// NeedsAttention reports whether the vehicle is due soon or overdue.
func (s MaintenanceStatus) NeedsAttention() bool {
	return s.Classification == ClassificationDueSoon || s.Classification == ClassificationOverdue
}
