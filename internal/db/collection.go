package db

import (
	"context"
	"errors"

	"github.com/ukydev/fleet-odometer/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("concurrent modification")
	ErrDuplicate = errors.New("already exists")
)

// Store defines the persistence operations of the odometer ledger.
//
// Reads never block writers and observe either the state before or after a
// committed Update. All mutations of a vehicle's register, ledger, corrections
// and producer records go through Update.
type Store interface {
	CreateVehicle(ctx context.Context, vehicle models.Vehicle) error
	GetVehicle(ctx context.Context, id string) (*models.Vehicle, error)
	ListVehicles(ctx context.Context) ([]models.Vehicle, error)

	// Ledger and Corrections are ordered by sequence number.
	Ledger(ctx context.Context, vehicleID string) ([]models.LedgerEntry, error)
	Corrections(ctx context.Context, vehicleID string) ([]models.CorrectionRecord, error)
	// LatestSourceRecords returns at most one record per producer: the most recently recorded one.
	LatestSourceRecords(ctx context.Context, vehicleID string) ([]models.SourceRecord, error)

	PutDocument(ctx context.Context, doc models.Document) error
	Documents(ctx context.Context, vehicleID string) ([]models.Document, error)

	GetAlertMarker(ctx context.Context, vehicleID string, condition models.ConditionType) (*models.AlertMarker, error)
	PutAlertMarker(ctx context.Context, marker models.AlertMarker) error

	// Update runs fn against a snapshot of the vehicle. Writes made through
	// the Tx are committed together when fn returns nil and discarded otherwise.
	// ErrConflict is returned when the vehicle changed between read and commit.
	Update(ctx context.Context, vehicleID string, fn func(tx Tx) error) error
}

// Tx is the write side of one Update call. Reads through a Tx observe its own writes.
type Tx interface {
	Vehicle() models.Vehicle
	SaveVehicle(ctx context.Context, vehicle models.Vehicle) error

	SourceRecord(ctx context.Context, id string) (*models.SourceRecord, error)
	LatestSourceRecord(ctx context.Context, producer models.Producer) (*models.SourceRecord, error)
	SaveSourceRecord(ctx context.Context, record models.SourceRecord) error

	AppendLedger(ctx context.Context, entry models.LedgerEntry) error
	AppendCorrection(ctx context.Context, record models.CorrectionRecord) error
}

func cloneSourceRecord(r models.SourceRecord) models.SourceRecord {
	readings := make(map[string]int64, len(r.Readings))
	for k, v := range r.Readings {
		readings[k] = v
	}
	r.Readings = readings
	return r
}

// newerSourceRecord reports whether a was recorded after b.
func newerSourceRecord(a, b models.SourceRecord) bool {
	if !a.RecordedAt.Equal(b.RecordedAt) {
		return a.RecordedAt.After(b.RecordedAt)
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID > b.ID
}
