package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	live := 2
	m := New(reg, func() int { return live })

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.FrameReceived("user_message")
	m.FrameReceived("user_message")
	m.FrameReceived("ping")
	m.Rejected("burst")
	m.TurnFinished("completed")
	m.HeartbeatTerminated()
	m.AuthFailed()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.frames.WithLabelValues("user_message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("burst")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.heartbeatTerminations))

	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP agentgate_sessions Live sessions in the registry.
# TYPE agentgate_sessions gauge
agentgate_sessions 2
`), "agentgate_sessions")
	require.NoError(t, err)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ConnectionOpened()
	m.FrameReceived("ping")
	m.Rejected("messages")
	m.TurnFinished("failed")
	m.AuthFailed()
	m.HeartbeatTerminated()
	m.ConnectionClosed()
}
