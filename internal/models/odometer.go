package models

import (
	"time"
)

// Producer identifies the subsystem that reported an odometer reading.
type Producer string

const (
	ProducerMission     Producer = "mission"
	ProducerRefueling   Producer = "refueling"
	ProducerMaintenance Producer = "maintenance"
	ProducerInspection  Producer = "inspection"
)

// Producers lists every producer in cascade order.
var Producers = []Producer{ProducerMission, ProducerRefueling, ProducerMaintenance, ProducerInspection}

// Odometer snapshot fields carried by producer records.
const (
	FieldMissionStart       = "start_odometer"
	FieldMissionEnd         = "end_odometer"
	FieldPostFill           = "post_fill_odometer"
	FieldPreService         = "pre_service_odometer"
	FieldServiceCompletion  = "completion_odometer"
	FieldInspectionOdometer = "odometer"

	// FieldRegister marks ledger entries that moved the vehicle register itself.
	FieldRegister = "current_value"
)

var producerFields = map[Producer][]string{
	ProducerMission:     {FieldMissionStart, FieldMissionEnd},
	ProducerRefueling:   {FieldPostFill},
	ProducerMaintenance: {FieldPreService, FieldServiceCompletion},
	ProducerInspection:  {FieldInspectionOdometer},
}

// IsValidProducer checks if a producer is known
func IsValidProducer(p Producer) bool {
	_, ok := producerFields[p]
	return ok
}

// Fields returns the odometer fields a producer's records carry.
func (p Producer) Fields() []string {
	return producerFields[p]
}

// DefaultField returns the field a reading stamps when the caller names none.
func (p Producer) DefaultField() string {
	switch p {
	case ProducerMission:
		return FieldMissionEnd
	case ProducerMaintenance:
		return FieldServiceCompletion
	default:
		fields := producerFields[p]
		if len(fields) == 0 {
			return ""
		}
		return fields[0]
	}
}

// HasField reports whether field belongs to the producer's records.
func (p Producer) HasField(field string) bool {
	for _, f := range producerFields[p] {
		if f == field {
			return true
		}
	}
	return false
}

// SourceRecord is the odometer side of a producer's record (a mission, a
// refueling, a maintenance job or an inspection).
type SourceRecord struct {
	ID         string           `bson:"_id" json:"id"`
	VehicleID  string           `bson:"vehicle_id" json:"vehicle_id"`
	Producer   Producer         `bson:"producer" json:"producer"`
	Readings   map[string]int64 `bson:"readings" json:"readings"`
	RecordedAt time.Time        `bson:"recorded_at" json:"recorded_at"`
	UpdatedAt  time.Time        `bson:"updated_at" json:"updated_at"`
}

// EntryKind separates readings reported by producers from values rewritten by a correction.
type EntryKind string

const (
	EntryReading EntryKind = "reading"
	EntryCascade EntryKind = "cascade"
)

// LedgerEntry is one immutable audit record of an odometer change.
type LedgerEntry struct {
	ID             string    `bson:"_id" json:"id"`
	VehicleID      string    `bson:"vehicle_id" json:"vehicle_id"`
	Seq            int64     `bson:"seq" json:"seq"`
	Kind           EntryKind `bson:"kind" json:"kind"`
	Producer       Producer  `bson:"producer" json:"producer"`
	SourceRecordID string    `bson:"source_record_id" json:"source_record_id"`
	Field          string    `bson:"field" json:"field"`
	Actor          string    `bson:"actor" json:"actor"`
	Timestamp      time.Time `bson:"timestamp" json:"timestamp"`
	ValueBefore    *int64    `bson:"value_before" json:"value_before"`
	ValueAfter     int64     `bson:"value_after" json:"value_after"`
	Note           string    `bson:"note" json:"note"`
	CorrectionID   string    `bson:"correction_id,omitempty" json:"correction_id,omitempty"`
}

// MovesRegister reports whether the entry records a change of the vehicle register.
func (e LedgerEntry) MovesRegister() bool {
	return e.Kind == EntryReading
}

// CascadedField names one producer record field rewritten by a correction.
type CascadedField struct {
	Producer       Producer `bson:"producer" json:"producer"`
	SourceRecordID string   `bson:"source_record_id" json:"source_record_id"`
	Field          string   `bson:"field" json:"field"`
	ValueBefore    int64    `bson:"value_before" json:"value_before"`
	ValueAfter     int64    `bson:"value_after" json:"value_after"`
}

// CorrectionRecord is the compliance record of a privileged odometer override.
type CorrectionRecord struct {
	ID                    string          `bson:"_id" json:"id"`
	VehicleID             string          `bson:"vehicle_id" json:"vehicle_id"`
	Seq                   int64           `bson:"seq" json:"seq"`
	RelatedActor          string          `bson:"related_actor,omitempty" json:"related_actor,omitempty"`
	ValueBefore           int64           `bson:"value_before" json:"value_before"`
	ValueAfter            int64           `bson:"value_after" json:"value_after"`
	ServiceBaselineBefore int64           `bson:"service_baseline_before" json:"service_baseline_before"`
	ServiceBaselineAfter  int64           `bson:"service_baseline_after" json:"service_baseline_after"`
	Justification         string          `bson:"justification" json:"justification"`
	AuthorizedBy          string          `bson:"authorized_by" json:"authorized_by"`
	Timestamp             time.Time       `bson:"timestamp" json:"timestamp"`
	CascadedFields        []CascadedField `bson:"cascaded_fields" json:"cascaded_fields"`
}
