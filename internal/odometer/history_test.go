package odometer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fleet-odometer/internal/db"
	"github.com/ukydev/fleet-odometer/internal/models"
)

func TestEngine_HistoryTimeline(t *testing.T) {
	env := newTestEnv(t, nil)
	env.auth.On("CanCorrect", mock.Anything, "inspector-1").Return(true, nil)
	env.register(t, "veh-1", 0)

	_, err := env.engine.Record(env.ctx, Reading{VehicleID: "veh-1", Producer: models.ProducerRefueling, SourceRecordID: "fuel-1", Actor: "driver-1", Value: 120, Note: "full tank"})
	require.NoError(t, err)
	_, err = env.engine.Correct(env.ctx, Correction{VehicleID: "veh-1", NewValue: 90, Justification: "odometer misread", AuthorizedBy: "inspector-1"})
	require.NoError(t, err)
	_, err = env.engine.Record(env.ctx, Reading{VehicleID: "veh-1", Producer: models.ProducerMission, SourceRecordID: "m-1", Actor: "driver-1", Value: 140})
	require.NoError(t, err)

	h, err := env.engine.History(env.ctx, "veh-1")
	require.NoError(t, err)
	assert.Len(t, h.Entries, 3, "two readings and one cascaded field")
	assert.Len(t, h.Corrections, 1)

	timeline := h.Timeline()
	require.Len(t, timeline, 3)

	assert.False(t, timeline[0].Correction)
	assert.Nil(t, timeline[0].ValueBefore)
	assert.Equal(t, int64(120), timeline[0].ValueAfter)
	assert.Equal(t, "fuel-1", timeline[0].ReferenceID)
	assert.Equal(t, "full tank", timeline[0].Note)

	assert.True(t, timeline[1].Correction)
	assert.Equal(t, int64(120), *timeline[1].ValueBefore)
	assert.Equal(t, int64(90), timeline[1].ValueAfter)
	assert.Equal(t, "inspector-1", timeline[1].Actor)
	assert.Equal(t, h.Corrections[0].ID, timeline[1].ReferenceID)

	assert.Equal(t, int64(90), *timeline[2].ValueBefore)
	assert.Equal(t, int64(140), timeline[2].ValueAfter)
	assert.Equal(t, models.ProducerMission, timeline[2].Producer)

	for i := 1; i < len(timeline); i++ {
		assert.Less(t, timeline[i-1].Seq, timeline[i].Seq)
		assert.False(t, timeline[i].Timestamp.Before(timeline[i-1].Timestamp))
	}
}

func TestEngine_HistoryUnknownVehicle(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.engine.History(env.ctx, "ghost")
	assert.ErrorIs(t, err, ErrVehicleNotFound)
	_, err = env.engine.Verify(env.ctx, "ghost")
	assert.ErrorIs(t, err, ErrVehicleNotFound)
}

func TestEngine_VerifyEmptyTrail(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "veh-1", 3000)

	consistency, err := env.engine.Verify(env.ctx, "veh-1")
	require.NoError(t, err)
	assert.True(t, consistency.Consistent)
	assert.Zero(t, consistency.Transitions)
	assert.Equal(t, int64(3000), consistency.CurrentValue)
}

func TestEngine_VerifyDetectsTampering(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "veh-1", 0)
	_, err := env.engine.Record(env.ctx, Reading{VehicleID: "veh-1", Producer: models.ProducerMission, SourceRecordID: "m-1", Value: 500})
	require.NoError(t, err)

	// Write around the engine: the register moves without a ledger entry
	// and a producer record reports more than the register.
	err = env.store.Update(env.ctx, "veh-1", func(tx db.Tx) error {
		v := tx.Vehicle()
		v.CurrentValue = 450
		if err := tx.SaveVehicle(env.ctx, v); err != nil {
			return err
		}
		return tx.SaveSourceRecord(env.ctx, models.SourceRecord{
			ID:        "insp-1",
			VehicleID: "veh-1",
			Producer:  models.ProducerInspection,
			Readings:  map[string]int64{models.FieldInspectionOdometer: 700},
		})
	})
	require.NoError(t, err)

	consistency, err := env.engine.Verify(env.ctx, "veh-1")
	require.NoError(t, err)
	assert.False(t, consistency.Consistent)
	assert.Len(t, consistency.Problems, 3, "stale register, mission end and inspection above it")
}
