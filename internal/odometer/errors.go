package odometer

import (
	"errors"
	"fmt"

	"github.com/ukydev/fleet-odometer/internal/db"
)

var (
	ErrRegressionRejected     = errors.New("odometer regression rejected")
	ErrInvalidReading         = errors.New("invalid odometer reading")
	ErrCorrectionUnauthorized = errors.New("actor lacks correction privilege")
	ErrCorrectionIncomplete   = errors.New("correction could not be applied")
	ErrJustificationRequired  = errors.New("correction justification is required")
	ErrConcurrencyTimeout     = errors.New("vehicle is busy, retry later")
	ErrVehicleNotFound        = errors.New("vehicle not found")
)

// RegressionError is returned when a reading is lower than the register.
// It unwraps to ErrRegressionRejected.
type RegressionError struct {
	VehicleID string
	Current   int64
	Reported  int64
}

func (e *RegressionError) Error() string {
	return fmt.Sprintf("vehicle %s: reported %d km is below current %d km", e.VehicleID, e.Reported, e.Current)
}

func (e *RegressionError) Unwrap() error {
	return ErrRegressionRejected
}

// IsRetryable reports whether the caller may retry the same call unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyTimeout) ||
		errors.Is(err, db.ErrConflict) ||
		errors.Is(err, ErrCorrectionIncomplete)
}

func invalidReading(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidReading, fmt.Sprintf(format, args...))
}

func storeError(vehicleID string, err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrVehicleNotFound, vehicleID)
	}
	return err
}
