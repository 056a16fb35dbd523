package odometer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ukydev/fleet-odometer/internal/models"
)

// History is the audit trail of one vehicle.
type History struct {
	Vehicle     models.Vehicle            `json:"vehicle"`
	Entries     []models.LedgerEntry      `json:"entries"`
	Corrections []models.CorrectionRecord `json:"corrections"`
}

// Transition is one change of the register value, from a reading or a correction.
type Transition struct {
	Seq         int64           `json:"seq"`
	Timestamp   time.Time       `json:"timestamp"`
	Correction  bool            `json:"correction"`
	Producer    models.Producer `json:"producer,omitempty"`
	Actor       string          `json:"actor"`
	ValueBefore *int64          `json:"value_before"`
	ValueAfter  int64           `json:"value_after"`
	Note        string          `json:"note"`
	ReferenceID string          `json:"reference_id"`
}

// History returns the ledger and correction log of a vehicle as of one
// committed state.
func (e *Engine) History(ctx context.Context, vehicleID string) (History, error) {
	vehicle, err := e.store.GetVehicle(ctx, vehicleID)
	if err != nil {
		return History{}, storeError(vehicleID, err)
	}
	entries, err := e.store.Ledger(ctx, vehicleID)
	if err != nil {
		return History{}, fmt.Errorf("load ledger: %w", err)
	}
	corrections, err := e.store.Corrections(ctx, vehicleID)
	if err != nil {
		return History{}, fmt.Errorf("load corrections: %w", err)
	}

	// Anything past the vehicle's sequence was committed after it was read.
	h := History{Vehicle: *vehicle}
	for _, entry := range entries {
		if entry.Seq <= vehicle.LastSeq {
			h.Entries = append(h.Entries, entry)
		}
	}
	for _, c := range corrections {
		if c.Seq <= vehicle.LastSeq {
			h.Corrections = append(h.Corrections, c)
		}
	}
	return h, nil
}

// Timeline merges readings and corrections into register transitions ordered by sequence.
func (h History) Timeline() []Transition {
	out := make([]Transition, 0, len(h.Entries)+len(h.Corrections))
	for _, entry := range h.Entries {
		if !entry.MovesRegister() {
			continue
		}
		out = append(out, Transition{
			Seq:         entry.Seq,
			Timestamp:   entry.Timestamp,
			Producer:    entry.Producer,
			Actor:       entry.Actor,
			ValueBefore: entry.ValueBefore,
			ValueAfter:  entry.ValueAfter,
			Note:        entry.Note,
			ReferenceID: entry.SourceRecordID,
		})
	}
	for _, c := range h.Corrections {
		before := c.ValueBefore
		out = append(out, Transition{
			Seq:         c.Seq,
			Timestamp:   c.Timestamp,
			Correction:  true,
			Actor:       c.AuthorizedBy,
			ValueBefore: &before,
			ValueAfter:  c.ValueAfter,
			Note:        c.Justification,
			ReferenceID: c.ID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Consistency is the result of auditing one vehicle's trail against its register.
type Consistency struct {
	VehicleID    string   `json:"vehicle_id"`
	CurrentValue int64    `json:"current_value"`
	Transitions  int      `json:"transitions"`
	Consistent   bool     `json:"consistent"`
	Problems     []string `json:"problems,omitempty"`
}

// Verify checks that the register transitions chain without gaps, that
// readings never decrease, that the last transition matches the register
// and that no producer's latest record reports more than it.
func (e *Engine) Verify(ctx context.Context, vehicleID string) (Consistency, error) {
	h, err := e.History(ctx, vehicleID)
	if err != nil {
		return Consistency{}, err
	}
	timeline := h.Timeline()
	result := Consistency{
		VehicleID:    vehicleID,
		CurrentValue: h.Vehicle.CurrentValue,
		Transitions:  len(timeline),
	}
	problem := func(format string, args ...any) {
		result.Problems = append(result.Problems, fmt.Sprintf(format, args...))
	}

	for i, t := range timeline {
		if i == 0 {
			if t.ValueBefore != nil && !t.Correction && t.ValueAfter < *t.ValueBefore {
				problem("seq %d: reading decreased from %d to %d", t.Seq, *t.ValueBefore, t.ValueAfter)
			}
			continue
		}
		prev := timeline[i-1]
		switch {
		case t.ValueBefore == nil:
			problem("seq %d: missing previous value", t.Seq)
		case *t.ValueBefore != prev.ValueAfter:
			problem("seq %d: starts at %d but seq %d ended at %d", t.Seq, *t.ValueBefore, prev.Seq, prev.ValueAfter)
		case !t.Correction && t.ValueAfter < *t.ValueBefore:
			problem("seq %d: reading decreased from %d to %d", t.Seq, *t.ValueBefore, t.ValueAfter)
		}
	}
	if n := len(timeline); n > 0 && timeline[n-1].ValueAfter != h.Vehicle.CurrentValue {
		problem("register is %d but last transition ended at %d", h.Vehicle.CurrentValue, timeline[n-1].ValueAfter)
	}

	records, err := e.store.LatestSourceRecords(ctx, vehicleID)
	if err != nil {
		return Consistency{}, fmt.Errorf("load source records: %w", err)
	}
	for _, r := range records {
		for _, field := range r.Producer.Fields() {
			if v, ok := r.Readings[field]; ok && v > h.Vehicle.CurrentValue {
				problem("%s record %s %s is %d, above register %d", r.Producer, r.ID, field, v, h.Vehicle.CurrentValue)
			}
		}
	}

	result.Consistent = len(result.Problems) == 0
	return result, nil
}
