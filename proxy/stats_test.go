package proxy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsSink_CountersAccumulate(t *testing.T) {
	s := NewStatsSink("0.0.0.0", 8080, MethodRandom)

	s.IncTotal()
	s.IncTotal()
	s.IncAllowed()
	s.IncBlocked()
	s.IncError()
	s.AddTraffic(100, 200)
	s.AddTraffic(50, 0)

	snap := s.Snapshot()
	assert.EqualValues(t, 2, snap.TotalConnections)
	assert.EqualValues(t, 1, snap.AllowedConnections)
	assert.EqualValues(t, 1, snap.BlockedConnections)
	assert.EqualValues(t, 1, snap.ErrorConnections)
	assert.EqualValues(t, 150, snap.TrafficIn)
	assert.EqualValues(t, 200, snap.TrafficOut)
	assert.Equal(t, "0.0.0.0", snap.Host)
	assert.Equal(t, 8080, snap.Port)
	assert.Equal(t, string(MethodRandom), snap.FragmentMethod)
}

func TestStatsSink_EfficiencyIsBlockedOverTotal(t *testing.T) {
	s := NewStatsSink("h", 1, MethodSNI)
	for i := 0; i < 4; i++ {
		s.IncTotal()
	}
	s.IncBlocked()

	snap := s.Snapshot()
	assert.InDelta(t, 25.0, snap.Efficiency, 0.001)
}

func TestStatsSink_EfficiencyZeroWithNoTraffic(t *testing.T) {
	s := NewStatsSink("h", 1, MethodSNI)
	assert.Zero(t, s.Snapshot().Efficiency)
}

func TestStatsSink_UpdateSpeedsDerivesRate(t *testing.T) {
	s := NewStatsSink("h", 1, MethodSplit)

	s.AddTraffic(1000, 500)
	s.UpdateSpeeds()
	// First call only seeds lastTime; no prior sample to diff against yet.
	assert.Zero(t, s.Snapshot().SpeedInBps)

	time.Sleep(20 * time.Millisecond)
	s.AddTraffic(1000, 500)
	s.UpdateSpeeds()

	snap := s.Snapshot()
	assert.Greater(t, snap.SpeedInBps, 0.0)
	assert.Greater(t, snap.SpeedOutBps, 0.0)
	assert.Greater(t, snap.AvgSpeedInBps, 0.0)
}

func TestStatsSink_WriteFileProducesValidJSON(t *testing.T) {
	s := NewStatsSink("127.0.0.1", 9999, MethodRandom)
	s.IncTotal()

	path := filepath.Join(t.TempDir(), "stats.json")
	s.WriteFile(path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var snap StatsSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.EqualValues(t, 1, snap.TotalConnections)
}

func TestStatsSink_WriteFileNoopOnEmptyPath(t *testing.T) {
	s := NewStatsSink("h", 1, MethodSplit)
	s.WriteFile("") // must not panic or create anything
}
