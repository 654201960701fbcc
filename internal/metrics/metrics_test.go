package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

// value returns the value of the metric with the given name and labels.
func value(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			match := true
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
				}
			}
			if !match {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func TestNewCollector(t *testing.T) {
	collector, reg := newTestCollector(t)
	assert.NotNil(t, collector)

	for _, p := range Phases {
		assert.Equal(t, 0.0, value(t, reg, "beaver_coordinator_phase", map[string]string{"phase": p}))
	}
}

func TestCounters(t *testing.T) {
	c, reg := newTestCollector(t)

	c.RecordTimerFinished(25 * time.Minute)
	c.RecordTimerFinished(5 * time.Minute)
	c.RecordPersisted()
	c.RecordSessionLoop()
	c.RecordAlarmDropped()
	c.RecordPersistenceFailure("records")
	c.RecordPersistenceFailure("records")
	c.RecordPersistenceFailure("timers")

	assert.Equal(t, 2.0, value(t, reg, "beaver_timers_finished_total", nil))
	assert.Equal(t, 2.0, value(t, reg, "beaver_timer_final_duration_seconds", nil))
	assert.Equal(t, 1.0, value(t, reg, "beaver_records_persisted_total", nil))
	assert.Equal(t, 1.0, value(t, reg, "beaver_session_loops_total", nil))
	assert.Equal(t, 1.0, value(t, reg, "beaver_alarms_dropped_total", nil))
	assert.Equal(t, 2.0, value(t, reg, "beaver_persistence_failures_total", map[string]string{"collection": "records"}))
	assert.Equal(t, 1.0, value(t, reg, "beaver_persistence_failures_total", map[string]string{"collection": "timers"}))
}

func TestGauges(t *testing.T) {
	c, reg := newTestCollector(t)

	c.SetSessions(3)
	c.SetPhase("idle")

	assert.Equal(t, 3.0, value(t, reg, "beaver_sessions", nil))
	assert.Equal(t, 1.0, value(t, reg, "beaver_coordinator_phase", map[string]string{"phase": "idle"}))
	assert.Equal(t, 0.0, value(t, reg, "beaver_coordinator_phase", map[string]string{"phase": "spawningSessionSync"}))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordTimerFinished(time.Second)
		c.RecordPersisted()
		c.RecordSessionLoop()
		c.RecordPersistenceFailure("records")
		c.RecordAlarmDropped()
		c.SetSessions(1)
		c.SetPhase("idle")
	})
}

func TestHandler(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordPersisted()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "beaver_records_persisted_total 1")
}
