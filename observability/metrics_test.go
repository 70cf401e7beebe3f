package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/civic-points/config"
)

func TestMetrics_RecordTransition(t *testing.T) {
	m := NewMetrics()
	m.RecordTransition("complaint", "approve", "ok")
	m.RecordTransition("complaint", "approve", "ok")
	m.RecordTransition("complaint", "approve", "not_eligible")

	assert.EqualValues(t, 2, m.TransitionCount("complaint", "approve", "ok"))
	assert.EqualValues(t, 1, m.TransitionCount("complaint", "approve", "not_eligible"))

	snap := m.Snapshot()
	require.Len(t, snap.Transitions, 2)
	assert.Equal(t, "complaint|approve|not_eligible", snap.Transitions[0].Key)
}

func TestMetrics_RecordRequest(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest("/api/healthz", "GET", 200, 2*time.Millisecond)
	m.RecordRequest("/api/healthz", "GET", 200, 4*time.Millisecond)

	snap := m.Snapshot()
	require.Len(t, snap.Requests, 1)
	assert.EqualValues(t, 2, snap.Requests[0].Count)
	assert.InDelta(t, 3.0, snap.Requests[0].AvgMillis, 0.001)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordTransition("complaint", "approve", "ok")
	m.RecordRequest("/", "GET", 200, time.Millisecond)
	assert.Empty(t, m.Snapshot().Requests)
}

func TestNewLogger_UnknownLevelFallsBack(t *testing.T) {
	logger, err := NewLogger(config.LoggerConfig{Level: "loud"})
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
