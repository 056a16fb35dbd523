package odometer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-odometer/internal/db"
	"github.com/ukydev/fleet-odometer/internal/metrics"
	"github.com/ukydev/fleet-odometer/internal/models"
)

const (
	DefaultLockTimeout = 5 * time.Second
	DefaultSystemActor = "system"
)

// Authorizer answers whether an actor holds correction privilege.
type Authorizer interface {
	CanCorrect(ctx context.Context, actor string) (bool, error)
}

// Config wires the engine's collaborators.
type Config struct {
	Store      db.Store
	Authorizer Authorizer
	Clock      func() time.Time
	NewID      func() string
	// LockTimeout bounds the wait for a vehicle's exclusivity.
	LockTimeout time.Duration
	// SuspiciousJumpKM flags accepted readings that jump further than this; 0 disables.
	SuspiciousJumpKM int64
	// SystemActor authors readings submitted without an actor.
	SystemActor string
	Logger      logrus.FieldLogger
	Metrics     *metrics.Metrics
}

// Engine is the only writer of the odometer register.
type Engine struct {
	store       db.Store
	authorizer  Authorizer
	clock       func() time.Time
	newID       func() string
	lockTimeout time.Duration
	jumpKM      int64
	system      string
	log         logrus.FieldLogger
	metrics     *metrics.Metrics
	locks       *vehicleLocks
}

// NewEngine creates a consistency engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("odometer: store is required")
	}
	e := &Engine{
		store:       cfg.Store,
		authorizer:  cfg.Authorizer,
		clock:       cfg.Clock,
		newID:       cfg.NewID,
		lockTimeout: cfg.LockTimeout,
		jumpKM:      cfg.SuspiciousJumpKM,
		system:      cfg.SystemActor,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		locks:       newVehicleLocks(),
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.lockTimeout <= 0 {
		e.lockTimeout = DefaultLockTimeout
	}
	if e.system == "" {
		e.system = DefaultSystemActor
	}
	if e.log == nil {
		e.log = logrus.StandardLogger()
	}
	return e, nil
}

// Reading is one odometer value reported by a producer.
type Reading struct {
	VehicleID      string
	Producer       models.Producer
	SourceRecordID string
	// Field is the producer record field the value belongs to; defaults to the producer's default field.
	Field string
	Actor string
	Value int64
	Note  string
	// CompletesService resets the service baseline in the same unit. Maintenance only.
	CompletesService bool
}

// RecordResult is the outcome of Record.
type RecordResult struct {
	Accepted       bool
	EffectiveValue int64
	Entry          *models.LedgerEntry
	// Suspicious marks an accepted reading whose jump exceeds the configured limit.
	Suspicious bool
}

// ParseReading parses a human-entered odometer value.
func ParseReading(raw string) (int64, error) {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, invalidReading("%q is not a whole number of kilometers", raw)
	}
	if value < 0 {
		return 0, invalidReading("%d is negative", value)
	}
	return value, nil
}

// RegisterVehicle creates the register row of a new vehicle.
func (e *Engine) RegisterVehicle(ctx context.Context, vehicleID string, initialValue int64) (*models.Vehicle, error) {
	if strings.TrimSpace(vehicleID) == "" {
		return nil, errors.New("vehicle id is required")
	}
	if initialValue < 0 {
		return nil, invalidReading("initial value %d is negative", initialValue)
	}
	now := e.clock().UTC()
	vehicle := models.Vehicle{
		ID:                vehicleID,
		CurrentValue:      initialValue,
		ServiceBaseline:   initialValue,
		ServiceBaselineAt: &now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.store.CreateVehicle(ctx, vehicle); err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{"vehicle_id": vehicleID, "initial_value": initialValue}).Info("Registered vehicle")
	return &vehicle, nil
}

func (e *Engine) validate(r *Reading) error {
	if strings.TrimSpace(r.VehicleID) == "" {
		return invalidReading("vehicle id is required")
	}
	if r.Value < 0 {
		return invalidReading("%d is negative", r.Value)
	}
	if !models.IsValidProducer(r.Producer) {
		return invalidReading("unknown producer %q", r.Producer)
	}
	if strings.TrimSpace(r.SourceRecordID) == "" {
		return invalidReading("source record id is required")
	}
	if r.Field == "" {
		r.Field = r.Producer.DefaultField()
	}
	if !r.Producer.HasField(r.Field) {
		return invalidReading("%s records have no field %q", r.Producer, r.Field)
	}
	if r.CompletesService && r.Producer != models.ProducerMaintenance {
		return invalidReading("only maintenance can complete a service")
	}
	if r.Actor == "" {
		r.Actor = e.system
	}
	return nil
}

// Record applies a producer's reading to the register. A value below the
// current register is rejected with a *RegressionError and changes nothing.
func (e *Engine) Record(ctx context.Context, r Reading) (RecordResult, error) {
	if err := e.validate(&r); err != nil {
		e.metrics.ObserveReading(string(r.Producer), "invalid")
		return RecordResult{}, err
	}
	logger := e.log.WithFields(logrus.Fields{
		"vehicle_id":       r.VehicleID,
		"producer":         r.Producer,
		"source_record_id": r.SourceRecordID,
		"value":            r.Value,
	})

	release, err := e.locks.acquire(ctx, r.VehicleID, e.lockTimeout)
	if err != nil {
		e.metrics.ObserveReading(string(r.Producer), "timeout")
		logger.WithError(err).Warn("Odometer reading not applied")
		return RecordResult{}, err
	}
	defer release()

	var result RecordResult
	err = e.store.Update(ctx, r.VehicleID, func(tx db.Tx) error {
		result = RecordResult{}
		now := e.clock().UTC()
		vehicle := tx.Vehicle()
		// A vehicle registered at 0 with nothing on record has no previous value.
		hasPrevious := vehicle.LastSeq > 0 || vehicle.CurrentValue > 0

		if hasPrevious && r.Value < vehicle.CurrentValue {
			result.EffectiveValue = vehicle.CurrentValue
			return &RegressionError{VehicleID: vehicle.ID, Current: vehicle.CurrentValue, Reported: r.Value}
		}

		if err := e.stampSourceRecord(ctx, tx, r, now); err != nil {
			return err
		}

		var before *int64
		if hasPrevious {
			previous := vehicle.CurrentValue
			before = &previous
			result.Suspicious = e.jumpKM > 0 && r.Value-previous > e.jumpKM
		}

		vehicle.CurrentValue = r.Value
		vehicle.ReadingCount++
		vehicle.UpdatedAt = now
		if r.CompletesService {
			vehicle.ServiceBaseline = r.Value
			vehicle.ServiceBaselineAt = &now
		}
		entry := models.LedgerEntry{
			ID:             e.newID(),
			VehicleID:      vehicle.ID,
			Seq:            vehicle.NextSeq(),
			Kind:           models.EntryReading,
			Producer:       r.Producer,
			SourceRecordID: r.SourceRecordID,
			Field:          models.FieldRegister,
			Actor:          r.Actor,
			Timestamp:      now,
			ValueBefore:    before,
			ValueAfter:     r.Value,
			Note:           r.Note,
		}
		if err := tx.SaveVehicle(ctx, vehicle); err != nil {
			return err
		}
		if err := tx.AppendLedger(ctx, entry); err != nil {
			return err
		}
		result.Accepted = true
		result.EffectiveValue = r.Value
		result.Entry = &entry
		return nil
	})

	var regression *RegressionError
	switch {
	case errors.As(err, &regression):
		e.metrics.ObserveReading(string(r.Producer), "rejected")
		logger.WithField("current_value", regression.Current).Warn("Odometer regression rejected")
		return result, err
	case err != nil:
		err = storeError(r.VehicleID, err)
		e.metrics.ObserveReading(string(r.Producer), "error")
		logger.WithError(err).Error("Odometer reading failed")
		return RecordResult{}, fmt.Errorf("record reading: %w", err)
	}

	e.metrics.ObserveReading(string(r.Producer), "accepted")
	if result.Suspicious {
		logger.WithField("jump_limit_km", e.jumpKM).Warn("Odometer jump exceeds plausible distance, flagged for review")
	} else {
		logger.Info("Odometer reading accepted")
	}
	return result, nil
}

// stampSourceRecord writes the reading into the producer record it came from.
func (e *Engine) stampSourceRecord(ctx context.Context, tx db.Tx, r Reading, now time.Time) error {
	record, err := tx.SourceRecord(ctx, r.SourceRecordID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		record = &models.SourceRecord{
			ID:         r.SourceRecordID,
			VehicleID:  r.VehicleID,
			Producer:   r.Producer,
			Readings:   make(map[string]int64),
			RecordedAt: now,
		}
	case err != nil:
		return err
	case record.VehicleID != r.VehicleID || record.Producer != r.Producer:
		return invalidReading("source record %s belongs to %s %s", r.SourceRecordID, record.Producer, record.VehicleID)
	}
	if record.Readings == nil {
		record.Readings = make(map[string]int64)
	}
	record.Readings[r.Field] = r.Value
	record.UpdatedAt = now
	return tx.SaveSourceRecord(ctx, *record)
}
