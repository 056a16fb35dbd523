package odometer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-odometer/internal/db"
	"github.com/ukydev/fleet-odometer/internal/models"
)

// Correction is a privileged override of a vehicle's register.
type Correction struct {
	VehicleID     string
	NewValue      int64
	Justification string
	AuthorizedBy  string
	// RelatedActor is the user whose entry is being corrected, if known.
	RelatedActor string
}

// Correct force-sets the register, bypassing monotonicity, and repairs the
// latest record of every producer in the same unit. Any failure after the
// privilege check is reported as ErrCorrectionIncomplete with nothing persisted.
func (e *Engine) Correct(ctx context.Context, c Correction) (models.CorrectionRecord, error) {
	logger := e.log.WithFields(logrus.Fields{
		"vehicle_id":    c.VehicleID,
		"new_value":     c.NewValue,
		"authorized_by": c.AuthorizedBy,
	})
	if err := e.checkCorrection(ctx, c); err != nil {
		outcome := "invalid"
		if errors.Is(err, ErrCorrectionUnauthorized) {
			outcome = "unauthorized"
		}
		e.metrics.ObserveCorrection(outcome)
		logger.WithError(err).Warn("Odometer correction refused")
		return models.CorrectionRecord{}, err
	}

	release, err := e.locks.acquire(ctx, c.VehicleID, e.lockTimeout)
	if err != nil {
		e.metrics.ObserveCorrection("timeout")
		logger.WithError(err).Warn("Odometer correction not applied")
		return models.CorrectionRecord{}, err
	}
	defer release()

	var record models.CorrectionRecord
	err = e.store.Update(ctx, c.VehicleID, func(tx db.Tx) error {
		now := e.clock().UTC()
		vehicle := tx.Vehicle()
		record = models.CorrectionRecord{
			ID:                    e.newID(),
			VehicleID:             vehicle.ID,
			Seq:                   vehicle.NextSeq(),
			RelatedActor:          c.RelatedActor,
			ValueBefore:           vehicle.CurrentValue,
			ValueAfter:            c.NewValue,
			ServiceBaselineBefore: vehicle.ServiceBaseline,
			ServiceBaselineAfter:  vehicle.ServiceBaseline,
			Justification:         strings.TrimSpace(c.Justification),
			AuthorizedBy:          c.AuthorizedBy,
			Timestamp:             now,
		}

		entries, err := e.cascade(ctx, tx, &vehicle, record, now)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			record.CascadedFields = append(record.CascadedFields, models.CascadedField{
				Producer:       entry.Producer,
				SourceRecordID: entry.SourceRecordID,
				Field:          entry.Field,
				ValueBefore:    *entry.ValueBefore,
				ValueAfter:     entry.ValueAfter,
			})
		}

		vehicle.CurrentValue = c.NewValue
		if vehicle.ServiceBaseline > c.NewValue {
			vehicle.ServiceBaseline = c.NewValue
			record.ServiceBaselineAfter = c.NewValue
		}
		vehicle.UpdatedAt = now

		if err := tx.SaveVehicle(ctx, vehicle); err != nil {
			return err
		}
		if err := tx.AppendCorrection(ctx, record); err != nil {
			return err
		}
		for _, entry := range entries {
			if err := tx.AppendLedger(ctx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		err = storeError(c.VehicleID, err)
		e.metrics.ObserveCorrection("failed")
		logger.WithError(err).Error("Odometer correction rolled back")
		if errors.Is(err, ErrVehicleNotFound) {
			return models.CorrectionRecord{}, err
		}
		return models.CorrectionRecord{}, fmt.Errorf("%w: %w", ErrCorrectionIncomplete, err)
	}

	e.metrics.ObserveCorrection("applied")
	logger.WithFields(logrus.Fields{
		"value_before":    record.ValueBefore,
		"cascaded_fields": len(record.CascadedFields),
		"correction_id":   record.ID,
	}).Info("Odometer corrected")
	return record, nil
}

func (e *Engine) checkCorrection(ctx context.Context, c Correction) error {
	if strings.TrimSpace(c.VehicleID) == "" {
		return invalidReading("vehicle id is required")
	}
	if c.NewValue < 0 {
		return invalidReading("%d is negative", c.NewValue)
	}
	if strings.TrimSpace(c.Justification) == "" {
		return ErrJustificationRequired
	}
	if c.AuthorizedBy == "" || e.authorizer == nil {
		return ErrCorrectionUnauthorized
	}
	allowed, err := e.authorizer.CanCorrect(ctx, c.AuthorizedBy)
	if err != nil {
		return fmt.Errorf("check correction privilege of %s: %w", c.AuthorizedBy, err)
	}
	if !allowed {
		return fmt.Errorf("%w: %s", ErrCorrectionUnauthorized, c.AuthorizedBy)
	}
	return nil
}

// cascade rewrites the odometer fields of each producer's latest record that
// still carry the corrected value or exceed the new one, and returns one
// ledger entry per rewritten field. Fields already at the new value are left
// alone, so running it again against corrected records changes nothing.
func (e *Engine) cascade(ctx context.Context, tx db.Tx, vehicle *models.Vehicle, c models.CorrectionRecord, now time.Time) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	for _, producer := range models.Producers {
		record, err := tx.LatestSourceRecord(ctx, producer)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load latest %s record: %w", producer, err)
		}

		changed := false
		for _, field := range producer.Fields() {
			old, ok := record.Readings[field]
			if !ok || old == c.ValueAfter {
				continue
			}
			if old != c.ValueBefore && old < c.ValueAfter {
				continue
			}
			previous := old
			record.Readings[field] = c.ValueAfter
			changed = true
			entries = append(entries, models.LedgerEntry{
				ID:             e.newID(),
				VehicleID:      vehicle.ID,
				Seq:            vehicle.NextSeq(),
				Kind:           models.EntryCascade,
				Producer:       producer,
				SourceRecordID: record.ID,
				Field:          field,
				Actor:          c.AuthorizedBy,
				Timestamp:      now,
				ValueBefore:    &previous,
				ValueAfter:     c.ValueAfter,
				Note:           fmt.Sprintf("Correction %s: %s", c.ID, c.Justification),
				CorrectionID:   c.ID,
			})
		}
		if !changed {
			continue
		}
		record.UpdatedAt = now
		if err := tx.SaveSourceRecord(ctx, *record); err != nil {
			return nil, fmt.Errorf("cascade into %s record %s: %w", producer, record.ID, err)
		}
	}
	return entries, nil
}
