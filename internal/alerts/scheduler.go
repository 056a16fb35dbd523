package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-odometer/internal/db"
	"github.com/ukydev/fleet-odometer/internal/metrics"
	"github.com/ukydev/fleet-odometer/internal/models"
)

const (
	DefaultInterval           = 24 * time.Hour
	DefaultCooldown           = 7 * 24 * time.Hour
	DefaultDocumentExpiryDays = 30
)

var ErrAlreadyStarted = errors.New("alert scheduler already started")

// State is the scheduler's position in its idle, scanning, dispatching cycle.
type State string

const (
	StateIdle        State = "idle"
	StateScanning    State = "scanning"
	StateDispatching State = "dispatching"
)

// VehicleLister enumerates the fleet.
type VehicleLister interface {
	ListVehicles(ctx context.Context) ([]models.Vehicle, error)
}

// StatusSource computes the maintenance status of a vehicle.
type StatusSource interface {
	Status(ctx context.Context, vehicleID string) (models.MaintenanceStatus, error)
}

// DocumentSource lists the tracked documents of a vehicle.
type DocumentSource interface {
	Documents(ctx context.Context, vehicleID string) ([]models.Document, error)
}

// MarkerStore persists the dedup markers.
type MarkerStore interface {
	GetAlertMarker(ctx context.Context, vehicleID string, condition models.ConditionType) (*models.AlertMarker, error)
	PutAlertMarker(ctx context.Context, marker models.AlertMarker) error
}

// SchedulerConfig wires the alert scheduler.
type SchedulerConfig struct {
	Vehicles   VehicleLister
	Status     StatusSource
	Documents  DocumentSource
	Markers    MarkerStore
	Notifier   Notifier
	Recipients RecipientSource
	Channel    ChannelHint

	Interval time.Duration
	// Hour aligns the first scan to that hour of the day; negative starts after one Interval.
	Hour               int
	Cooldown           time.Duration
	DocumentExpiryDays int

	// SystemActor is recorded as the author of dispatch markers.
	SystemActor string
	Clock       func() time.Time
	Logger      logrus.FieldLogger
	Metrics     *metrics.Metrics
}

// ScanReport summarizes one scan.
type ScanReport struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Vehicles   int           `json:"vehicles"`
	Dispatched int           `json:"dispatched"`
	Suppressed int           `json:"suppressed"`
	Failed     int           `json:"failed"`
	Errors     int           `json:"errors"`
	Cancelled  bool          `json:"cancelled"`
}

// Scheduler scans the fleet for maintenance and document conditions and
// dispatches each one at most once per cooldown.
type Scheduler struct {
	cfg SchedulerConfig
	log logrus.FieldLogger

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	scanMu  sync.Mutex
	lastRun *ScanReport
}

// NewScheduler validates cfg and fills in defaults.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	switch {
	case cfg.Vehicles == nil:
		return nil, errors.New("alerts: vehicle lister is required")
	case cfg.Status == nil:
		return nil, errors.New("alerts: status source is required")
	case cfg.Markers == nil:
		return nil, errors.New("alerts: marker store is required")
	case cfg.Notifier == nil:
		return nil, errors.New("alerts: notifier is required")
	case cfg.Recipients == nil:
		return nil, errors.New("alerts: recipient source is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.DocumentExpiryDays <= 0 {
		cfg.DocumentExpiryDays = DefaultDocumentExpiryDays
	}
	if cfg.Hour > 23 {
		return nil, fmt.Errorf("alerts: hour %d is out of range", cfg.Hour)
	}
	if cfg.Channel == "" {
		cfg.Channel = ChannelSMS
	}
	if cfg.SystemActor == "" {
		cfg.SystemActor = "system"
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Scheduler{cfg: cfg, log: cfg.Logger, state: StateIdle}, nil
}

// State returns the current scheduler state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastReport returns the report of the most recent finished scan, if any.
func (s *Scheduler) LastReport() *ScanReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun == nil {
		return nil
	}
	r := *s.lastRun
	return &r
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Start runs scans in the background until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(runCtx)
	return nil
}

// Stop signals the loop and waits for the in-flight scan to reach a vehicle
// boundary. Conditions of the vehicle being scanned are finished first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.cancel = nil
	s.mu.Unlock()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	delay := s.firstDelay(s.cfg.Clock())
	s.log.WithField("first_scan_in", delay.String()).Info("Alert scheduler started")
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Alert scheduler stopped")
			return
		case <-timer.C:
			if _, err := s.ScanOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.WithError(err).Error("Alert scan failed")
			}
			timer.Reset(s.cfg.Interval)
		}
	}
}

// firstDelay returns the wait until the next configured hour of day.
func (s *Scheduler) firstDelay(now time.Time) time.Duration {
	if s.cfg.Hour < 0 {
		return s.cfg.Interval
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), s.cfg.Hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// ScanOnce evaluates every vehicle once. It stops between vehicles when ctx
// is cancelled; a vehicle already being evaluated is always finished.
func (s *Scheduler) ScanOnce(ctx context.Context) (ScanReport, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	started := s.cfg.Clock()
	report := ScanReport{StartedAt: started}
	s.setState(StateScanning)
	defer func() {
		report.Duration = s.cfg.Clock().Sub(started)
		s.cfg.Metrics.ObserveScan(report.Duration.Seconds())
		s.mu.Lock()
		s.state = StateIdle
		s.lastRun = &report
		s.mu.Unlock()
	}()

	vehicles, err := s.cfg.Vehicles.ListVehicles(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list vehicles: %w", err)
	}

	// Per-vehicle work ignores cancellation so no condition is left half-dispatched.
	vehicleCtx := context.WithoutCancel(ctx)
	for _, v := range vehicles {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		report.Vehicles++
		s.scanVehicle(vehicleCtx, v, &report)
	}

	s.log.WithFields(logrus.Fields{
		"vehicles":   report.Vehicles,
		"dispatched": report.Dispatched,
		"suppressed": report.Suppressed,
		"failed":     report.Failed,
		"errors":     report.Errors,
		"cancelled":  report.Cancelled,
	}).Info("Alert scan finished")
	if report.Cancelled {
		return report, ctx.Err()
	}
	return report, nil
}

func (s *Scheduler) scanVehicle(ctx context.Context, v models.Vehicle, report *ScanReport) {
	logger := s.log.WithField("vehicle_id", v.ID)
	now := s.cfg.Clock()

	status, err := s.cfg.Status.Status(ctx, v.ID)
	if err != nil {
		report.Errors++
		logger.WithError(err).Error("Failed to compute maintenance status")
	} else if status.NeedsAttention() {
		s.dispatch(ctx, maintenanceMessage(status, now), report)
	}

	if s.cfg.Documents == nil {
		return
	}
	docs, err := s.cfg.Documents.Documents(ctx, v.ID)
	if err != nil {
		report.Errors++
		logger.WithError(err).Error("Failed to load vehicle documents")
		return
	}
	for _, doc := range docs {
		if days := doc.DaysToExpiry(now); days <= s.cfg.DocumentExpiryDays {
			s.dispatch(ctx, documentMessage(doc, days, now), report)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, msg Message, report *ScanReport) {
	logger := s.log.WithFields(logrus.Fields{"vehicle_id": msg.VehicleID, "condition": msg.Condition})
	condition := string(msg.Condition)

	marker, err := s.cfg.Markers.GetAlertMarker(ctx, msg.VehicleID, msg.Condition)
	switch {
	case err == nil && msg.RaisedAt.Sub(marker.DispatchedAt) < s.cfg.Cooldown:
		report.Suppressed++
		s.cfg.Metrics.ObserveDispatch(condition, "suppressed")
		logger.WithField("last_dispatched_at", marker.DispatchedAt).Debug("Alert suppressed by cooldown")
		return
	case err != nil && !errors.Is(err, db.ErrNotFound):
		report.Errors++
		logger.WithError(err).Error("Failed to read alert marker")
		return
	}

	recipients, err := s.cfg.Recipients.Recipients(ctx, msg.VehicleID)
	if err == nil && len(recipients) == 0 {
		err = errors.New("no recipients configured")
	}
	if err == nil {
		s.setState(StateDispatching)
		err = s.cfg.Notifier.Send(ctx, recipients, msg, s.cfg.Channel)
		s.setState(StateScanning)
	}
	if err != nil {
		report.Failed++
		s.cfg.Metrics.ObserveDispatch(condition, "failed")
		logger.WithError(fmt.Errorf("%w: %w", ErrDispatchFailure, err)).Error("Alert not dispatched, will retry next scan")
		return
	}

	err = s.cfg.Markers.PutAlertMarker(ctx, models.AlertMarker{
		VehicleID:    msg.VehicleID,
		Condition:    msg.Condition,
		DispatchedAt: msg.RaisedAt,
		DispatchedBy: s.cfg.SystemActor,
	})
	if err != nil {
		// The alert went out; the next scan may send it again.
		logger.WithError(err).Error("Failed to write alert marker")
	}
	report.Dispatched++
	s.cfg.Metrics.ObserveDispatch(condition, "sent")
	logger.WithField("recipients", len(recipients)).Info("Alert dispatched")
}

func maintenanceMessage(status models.MaintenanceStatus, now time.Time) Message {
	msg := Message{
		VehicleID: status.VehicleID,
		RaisedAt:  now,
	}
	switch status.Classification {
	case models.ClassificationOverdue:
		msg.Condition = models.ConditionMaintenanceOverdue
		msg.Severity = "critical"
		msg.Title = fmt.Sprintf("Vehicle %s is overdue for maintenance", status.VehicleID)
	default:
		msg.Condition = models.ConditionMaintenanceDueSoon
		msg.Severity = "warning"
		msg.Title = fmt.Sprintf("Vehicle %s is due for maintenance soon", status.VehicleID)
	}
	msg.Body = fmt.Sprintf("%d km since last service at %d km (odometer %d km).",
		status.DistanceSinceService, status.ServiceBaseline, status.CurrentValue)
	if status.EstimatedNextService != nil {
		msg.Body += fmt.Sprintf(" Estimated service date %s.", status.EstimatedNextService.Format("2006-01-02"))
	}
	return msg
}

func documentMessage(doc models.Document, days int, now time.Time) Message {
	msg := Message{
		VehicleID: doc.VehicleID,
		Condition: models.DocumentCondition(doc.Type),
		Severity:  "warning",
		RaisedAt:  now,
		Body:      fmt.Sprintf("Document %s expires on %s.", doc.ID, doc.ExpiresAt.Format("2006-01-02")),
	}
	if days < 0 {
		msg.Severity = "critical"
		msg.Title = fmt.Sprintf("Vehicle %s %s expired %d days ago", doc.VehicleID, doc.Type, -days)
	} else {
		msg.Title = fmt.Sprintf("Vehicle %s %s expires in %d days", doc.VehicleID, doc.Type, days)
	}
	return msg
}
