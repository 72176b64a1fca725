// internal/driver/sweep/assembler_test.go
package sweep

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssembler(t *testing.T) {
	mock := clock.NewMock()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.Set(t0)
	a := newAssembler(mock)

	// before the first sync nothing is kept
	_, done := a.add(Packet{Angle: 10, DistanceCM: 1})
	assert.False(t, done)

	_, done = a.add(Packet{Sync: true, Angle: 0, DistanceCM: 50, Strength: 9})
	assert.False(t, done)

	mock.Add(time.Second)
	_, done = a.add(Packet{Angle: 16, DistanceCM: 51})
	assert.False(t, done)
	_, done = a.add(Packet{Angle: 32, DistanceCM: 52, ErrorFlags: 0x04})
	assert.False(t, done)

	rot, done := a.add(Packet{Sync: true, Angle: 1, DistanceCM: 60})
	require.True(t, done)
	assert.True(t, rot.startedAt.Equal(t0))
	require.Len(t, rot.samples, 2)
	assert.Equal(t, 500, rot.samples[0].Distance)
	assert.Equal(t, uint8(9), rot.samples[0].Strength)
	assert.Equal(t, uint16(16), rot.samples[1].Angle)
	assert.EqualValues(t, 1, a.flagged)

	a.reset()
	_, done = a.add(Packet{Angle: 48, DistanceCM: 1})
	assert.False(t, done)
	_, done = a.add(Packet{Sync: true})
	assert.False(t, done, "reset discards the partial rotation")
}

func TestSampleAngle(t *testing.T) {
	a := newAssembler(clock.NewMock())
	a.add(Packet{Sync: true, Angle: 5768, DistanceCM: 1})
	rot, done := a.add(Packet{Sync: true})
	require.True(t, done)

	s := rot.samples[0]
	assert.Equal(t, "360.5", s.AngleDegrees().String())
	assert.InDelta(t, 360.5, s.AngleFloat(), 1e-9)
}
