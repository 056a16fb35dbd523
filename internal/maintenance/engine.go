package maintenance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-odometer/internal/models"
	"github.com/ukydev/fleet-odometer/internal/odometer"
)

const (
	DefaultDueSoonKM = 4200
	DefaultOverdueKM = 4500
)

var ErrInvalidThresholds = errors.New("due-soon threshold must be positive and below the overdue threshold")

// HistorySource supplies a vehicle's register and audit trail.
type HistorySource interface {
	History(ctx context.Context, vehicleID string) (odometer.History, error)
}

// Config holds the threshold engine settings.
type Config struct {
	Source    HistorySource
	DueSoonKM int64
	OverdueKM int64
	Clock     func() time.Time
	Logger    logrus.FieldLogger
}

// Engine derives maintenance status from the odometer register.
type Engine struct {
	source    HistorySource
	dueSoonKM int64
	overdueKM int64
	clock     func() time.Time
	log       logrus.FieldLogger
}

// NewEngine creates a threshold engine. Zero thresholds take the defaults.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Source == nil {
		return nil, errors.New("maintenance: history source is required")
	}
	e := &Engine{
		source:    cfg.Source,
		dueSoonKM: cfg.DueSoonKM,
		overdueKM: cfg.OverdueKM,
		clock:     cfg.Clock,
		log:       cfg.Logger,
	}
	if e.dueSoonKM == 0 {
		e.dueSoonKM = DefaultDueSoonKM
	}
	if e.overdueKM == 0 {
		e.overdueKM = DefaultOverdueKM
	}
	if e.dueSoonKM <= 0 || e.dueSoonKM >= e.overdueKM {
		return nil, fmt.Errorf("%w: due soon %d, overdue %d", ErrInvalidThresholds, e.dueSoonKM, e.overdueKM)
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.log == nil {
		e.log = logrus.StandardLogger()
	}
	return e, nil
}

// Classify maps a distance since service to its classification.
func (e *Engine) Classify(distance int64) models.Classification {
	switch {
	case distance >= e.overdueKM:
		return models.ClassificationOverdue
	case distance >= e.dueSoonKM:
		return models.ClassificationDueSoon
	default:
		return models.ClassificationOK
	}
}

// Status computes the maintenance status of a vehicle on read.
func (e *Engine) Status(ctx context.Context, vehicleID string) (models.MaintenanceStatus, error) {
	h, err := e.source.History(ctx, vehicleID)
	if err != nil {
		return models.MaintenanceStatus{}, err
	}
	v := h.Vehicle
	distance := v.DistanceSinceService()
	status := models.MaintenanceStatus{
		VehicleID:            v.ID,
		Classification:       e.Classify(distance),
		CurrentValue:         v.CurrentValue,
		ServiceBaseline:      v.ServiceBaseline,
		DistanceSinceService: distance,
		InsufficientData:     true,
	}

	avg, ok := averageDailyKM(h, v.ServiceBaselineAt)
	if !ok {
		return status, nil
	}
	remaining := e.overdueKM - distance
	if remaining < 0 {
		remaining = 0
	}
	days := float64(remaining) / avg
	estimate := e.clock().UTC().Add(time.Duration(math.Round(days*24)) * time.Hour)
	status.EstimatedNextService = &estimate
	status.AverageDailyKM = math.Round(avg*10) / 10
	status.InsufficientData = false

	e.log.WithFields(logrus.Fields{
		"vehicle_id":       v.ID,
		"classification":   status.Classification,
		"average_daily_km": status.AverageDailyKM,
	}).Debug("Computed maintenance status")
	return status, nil
}

// averageDailyKM fits a line through the first and last register points
// recorded since the last service. It needs two points spanning some time
// and a positive slope.
func averageDailyKM(h odometer.History, since *time.Time) (float64, bool) {
	var points []odometer.Transition
	for _, t := range h.Timeline() {
		if since != nil && t.Timestamp.Before(*since) {
			continue
		}
		points = append(points, t)
	}
	if len(points) < 2 {
		return 0, false
	}
	first, last := points[0], points[len(points)-1]
	days := last.Timestamp.Sub(first.Timestamp).Hours() / 24
	if days <= 0 {
		return 0, false
	}
	avg := float64(last.ValueAfter-first.ValueAfter) / days
	if avg <= 0 {
		return 0, false
	}
	return avg, true
}
