package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Merge("ok")
	m.Merge("ok")
	m.Merge("stale")
	m.Scheduled("delete", 2)
	m.Scheduled("insert", 0)
	m.OrphanRemoved()
	m.Flush("ok", 3*time.Millisecond)
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.MergesTotal.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MergesTotal.WithLabelValues("stale")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ActionsScheduled.WithLabelValues("delete")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OrphansRemoved))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FlushesTotal.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsOpen))
	assert.Equal(t, 1, testutil.CollectAndCount(m.FlushDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Merge("ok")
		m.Scheduled("insert", 1)
		m.OrphanRemoved()
		m.Flush("error", time.Second)
		m.SessionOpened()
		m.SessionClosed()
	})
}

func TestNew_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) }, "registering twice on one registry panics")
}
