package models

import (
	"time"
)

// Vehicle is the odometer register row of a fleet vehicle. It is only
// mutated through the odometer engine.
type Vehicle struct {
	ID                string     `bson:"_id" json:"id"`
	CurrentValue      int64      `bson:"current_value" json:"current_value"` // in kilometers
	ServiceBaseline   int64      `bson:"service_baseline" json:"service_baseline"`
	ServiceBaselineAt *time.Time `bson:"service_baseline_at,omitempty" json:"service_baseline_at,omitempty"`
	ReadingCount      int64      `bson:"reading_count" json:"reading_count"`
	LastSeq           int64      `bson:"last_seq" json:"last_seq"` // last ledger/correction sequence number
	Revision          int64      `bson:"revision" json:"revision"`
	CreatedAt         time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `bson:"updated_at" json:"updated_at"`
}

// NextSeq advances and returns the vehicle's audit sequence.
func (v *Vehicle) NextSeq() int64 {
	v.LastSeq++
	return v.LastSeq
}

// DistanceSinceService returns the kilometers driven since the last completed maintenance.
func (v *Vehicle) DistanceSinceService() int64 {
	d := v.CurrentValue - v.ServiceBaseline
	if d < 0 {
		return 0
	}
	return d
}
