package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RequestStarted()
		m.RequestsFinished(OutcomeReply, 1)
		m.Progress()
		m.Dropped()
		m.DecodeError()
		m.ConnectAttempt(AttemptSuccess)
	})
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.RequestStarted()
	m.RequestStarted()
	m.RequestStarted()
	m.RequestsFinished(OutcomeReply, 1)
	m.RequestsFinished(OutcomeAbort, 2)
	m.ConnectAttempt(AttemptUnavailable)
	m.ConnectAttempt(AttemptSuccess)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.pending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues(OutcomeReply)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues(OutcomeAbort)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectAttempts.WithLabelValues(AttemptUnavailable)))

	// A second registration on the same registry collides.
	_, err = New(reg)
	assert.Error(t, err)
}
