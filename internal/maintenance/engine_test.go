package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fleet-odometer/internal/db"
	"github.com/ukydev/fleet-odometer/internal/models"
	"github.com/ukydev/fleet-odometer/internal/odometer"
)

type staticHistory map[string]odometer.History

func (s staticHistory) History(ctx context.Context, vehicleID string) (odometer.History, error) {
	h, ok := s[vehicleID]
	if !ok {
		return odometer.History{}, odometer.ErrVehicleNotFound
	}
	return h, nil
}

var day0 = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func reading(seq int64, day int, before *int64, after int64) models.LedgerEntry {
	return models.LedgerEntry{
		Seq:         seq,
		Kind:        models.EntryReading,
		Producer:    models.ProducerMission,
		Timestamp:   day0.AddDate(0, 0, day),
		ValueBefore: before,
		ValueAfter:  after,
	}
}

func ptr(v int64) *int64 { return &v }

func newTestEngine(t *testing.T, source HistorySource, now time.Time) *Engine {
	t.Helper()
	e, err := NewEngine(Config{Source: source, Clock: func() time.Time { return now }})
	require.NoError(t, err)
	return e
}

func TestClassify(t *testing.T) {
	e := newTestEngine(t, staticHistory{}, day0)
	tests := []struct {
		distance int64
		want     models.Classification
	}{
		{0, models.ClassificationOK},
		{4199, models.ClassificationOK},
		{4200, models.ClassificationDueSoon},
		{4499, models.ClassificationDueSoon},
		{4500, models.ClassificationOverdue},
		{12000, models.ClassificationOverdue},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Classify(tt.distance), "distance %d", tt.distance)
	}
}

func TestNewEngine_Thresholds(t *testing.T) {
	src := staticHistory{}
	_, err := NewEngine(Config{})
	assert.Error(t, err)

	_, err = NewEngine(Config{Source: src, DueSoonKM: 5000, OverdueKM: 4500})
	assert.ErrorIs(t, err, ErrInvalidThresholds)

	_, err = NewEngine(Config{Source: src, DueSoonKM: -1, OverdueKM: 4500})
	assert.ErrorIs(t, err, ErrInvalidThresholds)

	e, err := NewEngine(Config{Source: src, DueSoonKM: 9000, OverdueKM: 10000})
	require.NoError(t, err)
	assert.Equal(t, models.ClassificationDueSoon, e.Classify(9500))
}

func TestEngine_StatusOverdueScenario(t *testing.T) {
	src := staticHistory{"veh-1": {Vehicle: models.Vehicle{ID: "veh-1", ServiceBaseline: 1000, CurrentValue: 5600}}}
	e := newTestEngine(t, src, day0)

	status, err := e.Status(context.Background(), "veh-1")
	require.NoError(t, err)
	assert.Equal(t, models.ClassificationOverdue, status.Classification)
	assert.Equal(t, int64(4600), status.DistanceSinceService)
	assert.True(t, status.NeedsAttention())
	assert.True(t, status.InsufficientData)
	assert.Nil(t, status.EstimatedNextService)
}

func TestEngine_StatusEstimate(t *testing.T) {
	baselineAt := day0
	src := staticHistory{"veh-1": {
		Vehicle: models.Vehicle{ID: "veh-1", ServiceBaseline: 1000, ServiceBaselineAt: &baselineAt, CurrentValue: 2000},
		Entries: []models.LedgerEntry{
			reading(1, -30, nil, 400),
			reading(2, 0, ptr(400), 1000),
			reading(3, 4, ptr(1000), 1300),
			reading(4, 10, ptr(1300), 2000),
		},
	}}
	now := day0.AddDate(0, 0, 10)
	e := newTestEngine(t, src, now)

	status, err := e.Status(context.Background(), "veh-1")
	require.NoError(t, err)
	assert.False(t, status.InsufficientData)
	assert.Equal(t, models.ClassificationOK, status.Classification)
	assert.Equal(t, 100.0, status.AverageDailyKM)
	require.NotNil(t, status.EstimatedNextService)
	// 3500 km left at 100 km a day.
	assert.Equal(t, now.AddDate(0, 0, 35), *status.EstimatedNextService)
}

func TestEngine_StatusInsufficientData(t *testing.T) {
	baselineAt := day0
	tests := []struct {
		name    string
		entries []models.LedgerEntry
	}{
		{"no readings", nil},
		{"single point", []models.LedgerEntry{reading(1, 2, nil, 1500)}},
		{"no elapsed time", []models.LedgerEntry{reading(1, 2, nil, 1500), reading(2, 2, ptr(1500), 1600)}},
		{"no distance", []models.LedgerEntry{reading(1, 2, nil, 1500), reading(2, 5, ptr(1500), 1500)}},
		{"only points before service", []models.LedgerEntry{reading(1, -9, nil, 100), reading(2, -5, ptr(100), 900)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := staticHistory{"veh-1": {
				Vehicle: models.Vehicle{ID: "veh-1", ServiceBaseline: 1000, ServiceBaselineAt: &baselineAt, CurrentValue: 1600},
				Entries: tt.entries,
			}}
			status, err := newTestEngine(t, src, day0.AddDate(0, 0, 6)).Status(context.Background(), "veh-1")
			require.NoError(t, err)
			assert.True(t, status.InsufficientData)
			assert.Nil(t, status.EstimatedNextService)
			assert.Zero(t, status.AverageDailyKM)
		})
	}
}

func TestEngine_StatusCorrectionLowersAverage(t *testing.T) {
	baselineAt := day0
	src := staticHistory{"veh-1": {
		Vehicle: models.Vehicle{ID: "veh-1", ServiceBaseline: 1000, ServiceBaselineAt: &baselineAt, CurrentValue: 900},
		Entries: []models.LedgerEntry{reading(1, 1, ptr(1000), 1500)},
		Corrections: []models.CorrectionRecord{
			{Seq: 2, Timestamp: day0.AddDate(0, 0, 3), ValueBefore: 1500, ValueAfter: 900},
		},
	}}
	status, err := newTestEngine(t, src, day0.AddDate(0, 0, 3)).Status(context.Background(), "veh-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.DistanceSinceService)
	assert.True(t, status.InsufficientData)
}

func TestEngine_StatusUnknownVehicle(t *testing.T) {
	e := newTestEngine(t, staticHistory{}, day0)
	_, err := e.Status(context.Background(), "ghost")
	assert.ErrorIs(t, err, odometer.ErrVehicleNotFound)
}

func TestEngine_StatusFollowsRegister(t *testing.T) {
	now := day0
	clock := func() time.Time { return now }
	store := db.NewMemoryStore()
	odo, err := odometer.NewEngine(odometer.Config{Store: store, Clock: clock})
	require.NoError(t, err)
	e, err := NewEngine(Config{Source: odo, Clock: clock})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = odo.RegisterVehicle(ctx, "veh-1", 0)
	require.NoError(t, err)
	_, err = odo.Record(ctx, odometer.Reading{VehicleID: "veh-1", Producer: models.ProducerMaintenance, SourceRecordID: "job-1", Value: 1000, CompletesService: true})
	require.NoError(t, err)

	now = now.AddDate(0, 0, 20)
	_, err = odo.Record(ctx, odometer.Reading{VehicleID: "veh-1", Producer: models.ProducerMission, SourceRecordID: "m-1", Value: 5200})
	require.NoError(t, err)

	status, err := e.Status(ctx, "veh-1")
	require.NoError(t, err)
	assert.Equal(t, models.ClassificationDueSoon, status.Classification)
	assert.Equal(t, int64(4200), status.DistanceSinceService)
	assert.Equal(t, 210.0, status.AverageDailyKM)
	require.NotNil(t, status.EstimatedNextService)
	assert.True(t, status.EstimatedNextService.After(now))
}
