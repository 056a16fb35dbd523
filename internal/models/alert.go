package models

import (
	"math"
	"time"
)

// ConditionType keys the alert dedup window, e.g. "maintenance:overdue" or "document:insurance".
type ConditionType string

const (
	ConditionMaintenanceDueSoon ConditionType = "maintenance:due_soon"
	ConditionMaintenanceOverdue ConditionType = "maintenance:overdue"
)

// DocumentCondition returns the condition type for an expiring document.
func DocumentCondition(documentType string) ConditionType {
	return ConditionType("document:" + documentType)
}

// Document is a tracked vehicle document such as insurance or registration.
type Document struct {
	ID        string    `bson:"_id" json:"id"`
	VehicleID string    `bson:"vehicle_id" json:"vehicle_id"`
	Type      string    `bson:"type" json:"type"` // "insurance", "registration", "technical_inspection", ...
	ExpiresAt time.Time `bson:"expires_at" json:"expires_at"`
}

// DaysToExpiry returns the whole days left before the document expires, rounded down;
// negative once expired.
func (d Document) DaysToExpiry(now time.Time) int {
	return int(math.Floor(d.ExpiresAt.Sub(now).Hours() / 24))
}

// AlertMarker records the last dispatch of a condition for a vehicle.
type AlertMarker struct {
	ID           string        `bson:"_id" json:"id"`
	VehicleID    string        `bson:"vehicle_id" json:"vehicle_id"`
	Condition    ConditionType `bson:"condition" json:"condition"`
	DispatchedAt time.Time     `bson:"dispatched_at" json:"dispatched_at"`
	DispatchedBy string        `bson:"dispatched_by" json:"dispatched_by"`
}

// MarkerID is the storage key of the marker for one (vehicle, condition) pair.
func MarkerID(vehicleID string, condition ConditionType) string {
	return vehicleID + "|" + string(condition)
}
