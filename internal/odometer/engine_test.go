package odometer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fleet-odometer/internal/db"
	"github.com/ukydev/fleet-odometer/internal/metrics"
	"github.com/ukydev/fleet-odometer/internal/models"
)

// MockAuthorizer is a mock implementation of Authorizer
type MockAuthorizer struct {
	mock.Mock
}

func (m *MockAuthorizer) CanCorrect(ctx context.Context, actor string) (bool, error) {
	args := m.Called(ctx, actor)
	return args.Bool(0), args.Error(1)
}

// stepClock advances one second on every call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type testEnv struct {
	engine *Engine
	store  *db.MemoryStore
	auth   *MockAuthorizer
	hook   *logtest.Hook
	ctx    context.Context
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	store := db.NewMemoryStore()
	logger, hook := logtest.NewNullLogger()
	authorizer := new(MockAuthorizer)
	clock := &stepClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	var seq atomic.Int64
	cfg := Config{
		Store:      store,
		Authorizer: authorizer,
		Clock:      clock.Now,
		NewID: func() string {
			return fmt.Sprintf("id-%d", seq.Add(1))
		},
		SuspiciousJumpKM: 2000,
		Logger:           logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	return &testEnv{engine: engine, store: store, auth: authorizer, hook: hook, ctx: context.Background()}
}

func (env *testEnv) register(t *testing.T, id string, initial int64) {
	t.Helper()
	_, err := env.engine.RegisterVehicle(env.ctx, id, initial)
	require.NoError(t, err)
}

func (env *testEnv) vehicle(t *testing.T, id string) *models.Vehicle {
	t.Helper()
	v, err := env.store.GetVehicle(env.ctx, id)
	require.NoError(t, err)
	return v
}

func TestNewEngine_RequiresStore(t *testing.T) {
	_, err := NewEngine(Config{})
	assert.Error(t, err)
}

func TestEngine_RecordFirstReading(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "veh-1", 0)

	result, err := env.engine.Record(env.ctx, Reading{
		VehicleID:      "veh-1",
		Producer:       models.ProducerRefueling,
		SourceRecordID: "fuel-1",
		Actor:          "driver-7",
		Value:          120,
		Note:           "post-fill",
	})
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, int64(120), result.EffectiveValue)
	require.NotNil(t, result.Entry)
	assert.Nil(t, result.Entry.ValueBefore)
	assert.Equal(t, models.FieldRegister, result.Entry.Field)
	assert.Equal(t, int64(1), result.Entry.Seq)

	v := env.vehicle(t, "veh-1")
	assert.Equal(t, int64(120), v.CurrentValue)
	assert.Equal(t, int64(1), v.ReadingCount)

	records, err := env.store.LatestSourceRecords(env.ctx, "veh-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(120), records[0].Readings[models.FieldPostFill])
}

func TestEngine_RecordFirstReadingBelowRegistration(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "veh-1", 50000)

	result, err := env.engine.Record(env.ctx, Reading{VehicleID: "veh-1", Producer: models.ProducerMission, SourceRecordID: "m-1", Value: 12})
	var regression *RegressionError
	require.ErrorAs(t, err, &regression)
	assert.Equal(t, int64(50000), regression.Current)
	assert.False(t, result.Accepted)

	v := env.vehicle(t, "veh-1")
	assert.Equal(t, int64(50000), v.CurrentValue)
	assert.Zero(t, v.LastSeq)

	result, err = env.engine.Record(env.ctx, Reading{VehicleID: "veh-1", Producer: models.ProducerMission, SourceRecordID: "m-2", Value: 50300})
	require.NoError(t, err)
	require.NotNil(t, result.Entry.ValueBefore)
	assert.Equal(t, int64(50000), *result.Entry.ValueBefore)

	consistency, err := env.engine.Verify(env.ctx, "veh-1")
	require.NoError(t, err)
	assert.True(t, consistency.Consistent, consistency.Problems)
}

func TestEngine_RecordRejectsRegression(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "veh-1", 0)
	_, err := env.engine.Record(env.ctx, Reading{VehicleID: "veh-1", Producer: models.ProducerRefueling, SourceRecordID: "fuel-1", Value: 120})
	require.NoError(t, err)
	before := env.vehicle(t, "veh-1")

	result, err := env.engine.Record(env.ctx, Reading{VehicleID: "veh-1", Producer: models.ProducerMission, SourceRecordID: "mission-1", Value: 90})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRegressionRejected)
	var regression *RegressionError
	require.ErrorAs(t, err, &regression)
	assert.Equal(t, int64(120), regression.Current)
	assert.Equal(t, int64(90), regression.Reported)
	assert.False(t, result.Accepted)
	assert.Equal(t, int64(120), result.EffectiveValue)
	assert.False(t, IsRetryable(err))

	after := env.vehicle(t, "veh-1")
	assert.Equal(t, *before, *after)
	entries, _ := env.store.Ledger(env.ctx, "veh-1")
	assert.Len(t, entries, 1)
	records, _ := env.store.LatestSourceRecords(env.ctx, "veh-1")
	assert.Len(t, records, 1, "rejected reading must not stamp its record")
}

func TestEngine_RecordMonotonic(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "veh-1", 0)

	values := []int64{10, 25, 25, 20, 40, 39, 100}
	accepted := 0
	var last int64
	for i, value := range values {
		result, err := env.engine.Record(env.ctx, Reading{
			VehicleID:      "veh-1",
			Producer:       models.Producers[i%len(models.Producers)],
			SourceRecordID: fmt.Sprintf("src-%d", i),
			Value:          value,
		})
		if err == nil {
			accepted++
		}
		assert.GreaterOrEqual(t, result.EffectiveValue, last)
		last = env.vehicle(t, "veh-1").CurrentValue
	}
	assert.Equal(t, int64(100), last)
	assert.Equal(t, 5, accepted)

	h, err := env.engine.History(env.ctx, "veh-1")
	require.NoError(t, err)
	timeline := h.Timeline()
	require.Len(t, timeline, accepted)
	for i := 1; i < len(timeline); i++ {
		require.NotNil(t, timeline[i].ValueBefore)
		assert.Equal(t, timeline[i-1].ValueAfter, *timeline[i].ValueBefore)
		assert.GreaterOrEqual(t, timeline[i].ValueAfter, *timeline[i].ValueBefore)
	}
}

func TestEngine_RecordInvalid(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "veh-1", 0)

	tests := []struct {
		name    string
		reading Reading
	}{
		{"negative value", Reading{VehicleID: "veh-1", Producer: models.ProducerMission, SourceRecordID: "m1", Value: -1}},
		{"unknown producer", Reading{VehicleID: "veh-1", Producer: "telemetry", SourceRecordID: "t1", Value: 5}},
		{"missing source record", Reading{VehicleID: "veh-1", Producer: models.ProducerMission, Value: 5}},
		{"missing vehicle id", Reading{Producer: models.ProducerMission, SourceRecordID: "m1", Value: 5}},
		{"field of another producer", Reading{VehicleID: "veh-1", Producer: models.ProducerRefueling, SourceRecordID: "f1", Field: models.FieldMissionEnd, Value: 5}},
		{"refueling cannot complete service", Reading{VehicleID: "veh-1", Producer: models.ProducerRefueling, SourceRecordID: "f1", Value: 5, CompletesService: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.Record(env.ctx, tt.reading)
			assert.ErrorIs(t, err, ErrInvalidReading)
			assert.False(t, IsRetryable(err))
		})
	}
	assert.Zero(t, env.vehicle(t, "veh-1").LastSeq)
}

func TestEngine_RecordSourceRecordOwnership(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "veh-1", 0)
	_, err := env.engine.Record(env.ctx, Reading{VehicleID: "veh-1", Producer: models.ProducerMission, SourceRecordID: "shared-1", Field: models.FieldMissionStart, Value: 10})
	require.NoError(t, err)

	_, err = env.engine.Record(env.ctx, Reading{VehicleID: "veh-1", Producer: models.ProducerRefueling, SourceRecordID: "shared-1", Value: 20})
	assert.ErrorIs(t, err, ErrInvalidReading)

	// The same mission record gets its end reading.
	_, err = env.engine.Record(env.ctx, Reading{VehicleID: "veh-1", Producer: models.ProducerMission, SourceRecordID: "shared-1", Value: 30})
	require.NoError(t, err)
	records, _ := env.store.LatestSourceRecords(env.ctx, "veh-1")
	require.Len(t, records, 1)
	assert.Equal(t, map[string]int64{models.FieldMissionStart: 10, models.FieldMissionEnd: 30}, records[0].Readings)
}

func TestEngine_RecordUnknownVehicle(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.engine.Record(env.ctx, Reading{VehicleID: "ghost", Producer: models.ProducerInspection, SourceRecordID: "i1", Value: 5})
	assert.ErrorIs(t, err, ErrVehicleNotFound)
}

func TestEngine_RecordCompletesService(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "veh-1", 1000)
	_, err := env.engine.Record(env.ctx, Reading{VehicleID: "veh-1", Producer: models.ProducerMission, SourceRecordID: "m1", Value: 5600})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), env.vehicle(t, "veh-1").ServiceBaseline)

	_, err = env.engine.Record(env.ctx, Reading{VehicleID: "veh-1", Producer: models.ProducerMaintenance, SourceRecordID: "job-1", Value: 5610, CompletesService: true})
	require.NoError(t, err)
	v := env.vehicle(t, "veh-1")
	assert.Equal(t, int64(5610), v.ServiceBaseline)
	assert.Equal(t, int64(5610), v.CurrentValue)
	require.NotNil(t, v.ServiceBaselineAt)
	assert.Equal(t, v.UpdatedAt, *v.ServiceBaselineAt)
}

func TestEngine_RecordFlagsSuspiciousJump(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "veh-1", 0)

	result, err := env.engine.Record(env.ctx, Reading{VehicleID: "veh-1", Producer: models.ProducerMission, SourceRecordID: "m1", Value: 100})
	require.NoError(t, err)
	assert.False(t, result.Suspicious)

	env.hook.Reset()
	result, err = env.engine.Record(env.ctx, Reading{VehicleID: "veh-1", Producer: models.ProducerMission, SourceRecordID: "m2", Value: 3000})
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.True(t, result.Suspicious)
	require.NotNil(t, env.hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, env.hook.LastEntry().Level)
}

func TestEngine_RecordDefaultsActor(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.SystemActor = "fleet-bot" })
	env.register(t, "veh-1", 0)
	result, err := env.engine.Record(env.ctx, Reading{VehicleID: "veh-1", Producer: models.ProducerInspection, SourceRecordID: "i1", Value: 5})
	require.NoError(t, err)
	assert.Equal(t, "fleet-bot", result.Entry.Actor)
}

func TestEngine_ConcurrentRecords(t *testing.T) {
	for run := 0; run < 50; run++ {
		env := newTestEnv(t, nil)
		env.register(t, "veh-1", 0)
		// A first reading so both values are checked against the register.
		_, err := env.engine.Record(env.ctx, Reading{VehicleID: "veh-1", Producer: models.ProducerInspection, SourceRecordID: "seed", Value: 50})
		require.NoError(t, err)

		var wg sync.WaitGroup
		results := make([]RecordResult, 2)
		for i, value := range []int64{100, 150} {
			wg.Add(1)
			go func(i int, value int64) {
				defer wg.Done()
				results[i], _ = env.engine.Record(env.ctx, Reading{
					VehicleID:      "veh-1",
					Producer:       models.ProducerMission,
					SourceRecordID: fmt.Sprintf("m-%d", value),
					Value:          value,
				})
			}(i, value)
		}
		wg.Wait()

		assert.True(t, results[1].Accepted, "150 is never a regression")
		assert.Equal(t, int64(150), env.vehicle(t, "veh-1").CurrentValue)

		accepted := 1
		if results[0].Accepted {
			accepted++
		}
		entries, _ := env.store.Ledger(env.ctx, "veh-1")
		require.Len(t, entries, accepted+1)
		assert.Equal(t, int64(150), entries[len(entries)-1].ValueAfter)
		assert.Zero(t, env.engine.locks.held())
	}
}

func TestEngine_ParallelVehicles(t *testing.T) {
	env := newTestEnv(t, nil)
	const vehicles, readings = 8, 25
	for i := 0; i < vehicles; i++ {
		env.register(t, fmt.Sprintf("veh-%d", i), 0)
	}

	var wg sync.WaitGroup
	for i := 0; i < vehicles; i++ {
		for r := 1; r <= readings; r++ {
			wg.Add(1)
			go func(vehicle, value int) {
				defer wg.Done()
				_, _ = env.engine.Record(env.ctx, Reading{
					VehicleID:      fmt.Sprintf("veh-%d", vehicle),
					Producer:       models.ProducerMission,
					SourceRecordID: fmt.Sprintf("m-%d-%d", vehicle, value),
					Value:          int64(value * 10),
				})
			}(i, r)
		}
	}
	wg.Wait()

	for i := 0; i < vehicles; i++ {
		id := fmt.Sprintf("veh-%d", i)
		assert.Equal(t, int64(readings*10), env.vehicle(t, id).CurrentValue)
		consistency, err := env.engine.Verify(env.ctx, id)
		require.NoError(t, err)
		assert.True(t, consistency.Consistent, consistency.Problems)
	}
}

func TestEngine_RecordLockTimeout(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.LockTimeout = 20 * time.Millisecond })
	env.register(t, "veh-1", 0)

	release, err := env.engine.locks.acquire(env.ctx, "veh-1", time.Second)
	require.NoError(t, err)

	_, err = env.engine.Record(env.ctx, Reading{VehicleID: "veh-1", Producer: models.ProducerMission, SourceRecordID: "m1", Value: 10})
	assert.ErrorIs(t, err, ErrConcurrencyTimeout)
	assert.True(t, IsRetryable(err))

	env.auth.On("CanCorrect", mock.Anything, "inspector-1").Return(true, nil)
	_, err = env.engine.Correct(env.ctx, Correction{VehicleID: "veh-1", NewValue: 5, Justification: "misread", AuthorizedBy: "inspector-1"})
	assert.ErrorIs(t, err, ErrConcurrencyTimeout)

	// Other vehicles are not blocked.
	env.register(t, "veh-2", 0)
	_, err = env.engine.Record(env.ctx, Reading{VehicleID: "veh-2", Producer: models.ProducerMission, SourceRecordID: "m2", Value: 10})
	assert.NoError(t, err)

	release()
	_, err = env.engine.Record(env.ctx, Reading{VehicleID: "veh-1", Producer: models.ProducerMission, SourceRecordID: "m1", Value: 10})
	assert.NoError(t, err)
}

func TestEngine_RecordMetrics(t *testing.T) {
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	env := newTestEnv(t, func(cfg *Config) { cfg.Metrics = m })
	env.register(t, "veh-1", 0)

	_, _ = env.engine.Record(env.ctx, Reading{VehicleID: "veh-1", Producer: models.ProducerRefueling, SourceRecordID: "f1", Value: 120})
	_, _ = env.engine.Record(env.ctx, Reading{VehicleID: "veh-1", Producer: models.ProducerRefueling, SourceRecordID: "f2", Value: 90})
	_, _ = env.engine.Record(env.ctx, Reading{VehicleID: "veh-1", Producer: models.ProducerRefueling, SourceRecordID: "f3", Value: -3})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Readings.WithLabelValues("refueling", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Readings.WithLabelValues("refueling", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Readings.WithLabelValues("refueling", "invalid")))
}

func TestRegisterVehicle(t *testing.T) {
	env := newTestEnv(t, nil)
	v, err := env.engine.RegisterVehicle(env.ctx, "veh-1", 2500)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), v.CurrentValue)
	assert.Equal(t, int64(2500), v.ServiceBaseline)

	_, err = env.engine.RegisterVehicle(env.ctx, "veh-1", 0)
	assert.ErrorIs(t, err, db.ErrDuplicate)
	_, err = env.engine.RegisterVehicle(env.ctx, "veh-2", -5)
	assert.ErrorIs(t, err, ErrInvalidReading)
	_, err = env.engine.RegisterVehicle(env.ctx, " ", 0)
	assert.Error(t, err)
}

func TestParseReading(t *testing.T) {
	tests := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{"120", 120, false},
		{" 4500 ", 4500, false},
		{"0", 0, false},
		{"-1", 0, true},
		{"12.5", 0, true},
		{"12km", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseReading(tt.raw)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidReading))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
