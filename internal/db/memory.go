package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ukydev/fleet-odometer/internal/models"
)

// MemoryStore is an in-process Store used by tests and the "memory" store mode.
// Update buffers writes and applies them in one critical section, so readers
// never see a partially applied unit.
type MemoryStore struct {
	mu          sync.RWMutex
	vehicles    map[string]models.Vehicle
	ledger      map[string][]models.LedgerEntry
	corrections map[string][]models.CorrectionRecord
	sources     map[string]models.SourceRecord
	documents   map[string]map[string]models.Document
	markers     map[string]models.AlertMarker
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vehicles:    make(map[string]models.Vehicle),
		ledger:      make(map[string][]models.LedgerEntry),
		corrections: make(map[string][]models.CorrectionRecord),
		sources:     make(map[string]models.SourceRecord),
		documents:   make(map[string]map[string]models.Document),
		markers:     make(map[string]models.AlertMarker),
	}
}

// CreateVehicle inserts a new register row.
func (s *MemoryStore) CreateVehicle(ctx context.Context, vehicle models.Vehicle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.vehicles[vehicle.ID]; exists {
		return fmt.Errorf("vehicle %s: %w", vehicle.ID, ErrDuplicate)
	}
	s.vehicles[vehicle.ID] = vehicle
	return nil
}

// GetVehicle returns a copy of the register row.
func (s *MemoryStore) GetVehicle(ctx context.Context, id string) (*models.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vehicles[id]
	if !ok {
		return nil, fmt.Errorf("vehicle %s: %w", id, ErrNotFound)
	}
	return &v, nil
}

// ListVehicles returns all vehicles ordered by ID.
func (s *MemoryStore) ListVehicles(ctx context.Context) ([]models.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Vehicle, 0, len(s.vehicles))
	for _, v := range s.vehicles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Ledger returns a vehicle's ledger entries in sequence order.
func (s *MemoryStore) Ledger(ctx context.Context, vehicleID string) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.LedgerEntry(nil), s.ledger[vehicleID]...), nil
}

// Corrections returns a vehicle's correction records in sequence order.
func (s *MemoryStore) Corrections(ctx context.Context, vehicleID string) ([]models.CorrectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.CorrectionRecord(nil), s.corrections[vehicleID]...), nil
}

// LatestSourceRecords returns the newest record of each producer for the vehicle.
func (s *MemoryStore) LatestSourceRecords(ctx context.Context, vehicleID string) ([]models.SourceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SourceRecord
	for _, p := range models.Producers {
		if r, ok := s.latestSourceLocked(vehicleID, p, nil); ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) latestSourceLocked(vehicleID string, producer models.Producer, overlay map[string]models.SourceRecord) (models.SourceRecord, bool) {
	var latest models.SourceRecord
	found := false
	consider := func(r models.SourceRecord) {
		if r.VehicleID != vehicleID || r.Producer != producer {
			return
		}
		if !found || newerSourceRecord(r, latest) {
			latest = r
			found = true
		}
	}
	for id, r := range s.sources {
		if _, shadowed := overlay[id]; shadowed {
			continue
		}
		consider(r)
	}
	for _, r := range overlay {
		consider(r)
	}
	if !found {
		return models.SourceRecord{}, false
	}
	return cloneSourceRecord(latest), true
}

// PutDocument inserts or replaces a tracked vehicle document.
func (s *MemoryStore) PutDocument(ctx context.Context, doc models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.documents[doc.VehicleID]
	if !ok {
		docs = make(map[string]models.Document)
		s.documents[doc.VehicleID] = docs
	}
	docs[doc.ID] = doc
	return nil
}

// Documents returns the vehicle's tracked documents ordered by expiry.
func (s *MemoryStore) Documents(ctx context.Context, vehicleID string) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Document, 0, len(s.documents[vehicleID]))
	for _, d := range s.documents[vehicleID] {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// GetAlertMarker returns the dedup marker for a (vehicle, condition) pair.
func (s *MemoryStore) GetAlertMarker(ctx context.Context, vehicleID string, condition models.ConditionType) (*models.AlertMarker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markers[models.MarkerID(vehicleID, condition)]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

// PutAlertMarker writes or replaces the dedup marker of its (vehicle, condition) pair.
func (s *MemoryStore) PutAlertMarker(ctx context.Context, marker models.AlertMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	marker.ID = models.MarkerID(marker.VehicleID, marker.Condition)
	s.markers[marker.ID] = marker
	return nil
}

// Update runs fn against a buffered transaction and commits it atomically.
func (s *MemoryStore) Update(ctx context.Context, vehicleID string, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	v, ok := s.vehicles[vehicleID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("vehicle %s: %w", vehicleID, ErrNotFound)
	}

	tx := &memoryTx{
		store:   s,
		vehicle: v,
		sources: make(map[string]models.SourceRecord),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := tx.vehicle.ID
	current, ok := s.vehicles[id]
	if !ok {
		return fmt.Errorf("vehicle %s: %w", id, ErrNotFound)
	}
	if current.Revision != tx.vehicle.Revision {
		return fmt.Errorf("vehicle %s revision %d, expected %d: %w", id, current.Revision, tx.vehicle.Revision, ErrConflict)
	}

	if tx.saved != nil {
		next := *tx.saved
		next.Revision = current.Revision + 1
		s.vehicles[id] = next
	}
	for rid, r := range tx.sources {
		s.sources[rid] = r
	}
	s.ledger[id] = append(s.ledger[id], tx.ledger...)
	sort.SliceStable(s.ledger[id], func(i, j int) bool { return s.ledger[id][i].Seq < s.ledger[id][j].Seq })
	s.corrections[id] = append(s.corrections[id], tx.corrections...)
	return nil
}

type memoryTx struct {
	store       *MemoryStore
	vehicle     models.Vehicle
	saved       *models.Vehicle
	sources     map[string]models.SourceRecord
	ledger      []models.LedgerEntry
	corrections []models.CorrectionRecord
}

func (t *memoryTx) Vehicle() models.Vehicle {
	if t.saved != nil {
		return *t.saved
	}
	return t.vehicle
}

func (t *memoryTx) SaveVehicle(ctx context.Context, vehicle models.Vehicle) error {
	if vehicle.ID != t.vehicle.ID {
		return fmt.Errorf("transaction is scoped to vehicle %s, got %s", t.vehicle.ID, vehicle.ID)
	}
	vehicle.Revision = t.vehicle.Revision
	t.saved = &vehicle
	return nil
}

func (t *memoryTx) SourceRecord(ctx context.Context, id string) (*models.SourceRecord, error) {
	if r, ok := t.sources[id]; ok {
		r = cloneSourceRecord(r)
		return &r, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	r, ok := t.store.sources[id]
	if !ok {
		return nil, ErrNotFound
	}
	r = cloneSourceRecord(r)
	return &r, nil
}

func (t *memoryTx) LatestSourceRecord(ctx context.Context, producer models.Producer) (*models.SourceRecord, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	r, ok := t.store.latestSourceLocked(t.vehicle.ID, producer, t.sources)
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (t *memoryTx) SaveSourceRecord(ctx context.Context, record models.SourceRecord) error {
	if record.VehicleID != t.vehicle.ID {
		return fmt.Errorf("source record %s belongs to vehicle %s, not %s", record.ID, record.VehicleID, t.vehicle.ID)
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now()
	}
	t.sources[record.ID] = cloneSourceRecord(record)
	return nil
}

func (t *memoryTx) AppendLedger(ctx context.Context, entry models.LedgerEntry) error {
	t.ledger = append(t.ledger, entry)
	return nil
}

func (t *memoryTx) AppendCorrection(ctx context.Context, record models.CorrectionRecord) error {
	t.corrections = append(t.corrections, record)
	return nil
}
