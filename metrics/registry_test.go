package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sample returns the value of the series fqName whose labels equal want.
func sample(t *testing.T, g prometheus.Gatherer, fqName string, want map[string]string) (float64, bool) {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != fqName {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !labelsEqual(m.GetLabel(), want) {
				continue
			}
			switch {
			case m.Counter != nil:
				return m.GetCounter().GetValue(), true
			case m.Gauge != nil:
				return m.GetGauge().GetValue(), true
			case m.Histogram != nil:
				return float64(m.GetHistogram().GetSampleCount()), true
			}
		}
	}
	return 0, false
}

func labelsEqual(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) != len(want) {
		return false
	}
	for _, lp := range got {
		if want[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}

func TestRegistry_Counter(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry("gamenet", reg)

	r.IncrCounterWithGroup("comm", "session_create_total", 1)
	r.IncrCounterWithGroup("comm", "session_create_total", 2)
	r.IncrCounterWithGroup("comm", "session_create_total", -5)

	v, ok := sample(t, reg, "gamenet_comm_session_create_total", nil)
	require.True(t, ok)
	assert.Equal(t, 3.0, v)
}

func TestRegistry_CounterWithDimensions(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry("gamenet", reg)

	r.IncrCounterWithDimGroup("comm", "proto_report_total", 1, Dimension{"layer": "raw", "level": "warn"})
	r.IncrCounterWithDimGroup("comm", "proto_report_total", 1, Dimension{"layer": "codec", "level": "warn"})
	r.IncrCounterWithDimGroup("comm", "proto_report_total", 1, Dimension{"level": "warn", "layer": "raw"})

	v, ok := sample(t, reg, "gamenet_comm_proto_report_total", map[string]string{"layer": "raw", "level": "warn"})
	require.True(t, ok)
	assert.Equal(t, 2.0, v)

	v, ok = sample(t, reg, "gamenet_comm_proto_report_total", map[string]string{"layer": "codec", "level": "warn"})
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestRegistry_Gauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry("gamenet", reg)

	r.UpdateGaugeWithGroup("comm", "pollers", 4)
	r.UpdateGaugeWithGroup("comm", "pollers", 2)
	v, ok := sample(t, reg, "gamenet_comm_pollers", nil)
	require.True(t, ok)
	assert.Equal(t, 2.0, v)

	dim := Dimension{"poller": "0"}
	r.AddGaugeWithDimGroup("comm", "sessions", 1, dim)
	r.AddGaugeWithDimGroup("comm", "sessions", 1, dim)
	r.AddGaugeWithDimGroup("comm", "sessions", -1, dim)
	v, ok = sample(t, reg, "gamenet_comm_sessions", map[string]string{"poller": "0"})
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestRegistry_Report(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry("gamenet", reg)

	r.Report("comm", "set", 7, PolicySet, nil)
	r.Report("comm", "sum_total", 7, PolicySum, nil)
	r.Report("comm", "latency_seconds", 0.5, PolicyHistogram, nil)
	r.StopwatchWithDimGroup("comm", "latency_seconds", 20*time.Millisecond, nil)
	r.Report("comm", "ignored", 1, PolicyNone, nil)

	v, _ := sample(t, reg, "gamenet_comm_set", nil)
	assert.Equal(t, 7.0, v)
	v, _ = sample(t, reg, "gamenet_comm_sum_total", nil)
	assert.Equal(t, 7.0, v)
	v, _ = sample(t, reg, "gamenet_comm_latency_seconds", nil)
	assert.Equal(t, 2.0, v)
	_, ok := sample(t, reg, "gamenet_comm_ignored", nil)
	assert.False(t, ok)
}

func TestRegistry_SharedRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewRegistry("gamenet", reg)
	b := NewRegistry("gamenet", reg)

	a.IncrCounterWithGroup("comm", "shared_total", 1)
	b.IncrCounterWithGroup("comm", "shared_total", 1)
	require.NoError(t, b.LastError())

	v, _ := sample(t, reg, "gamenet_comm_shared_total", nil)
	assert.Equal(t, 2.0, v)
}

func TestRegistry_LabelConflictDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry("gamenet", reg)

	r.IncrCounterWithDimGroup("comm", "conflict_total", 1, Dimension{"a": "1"})
	r.IncrCounterWithDimGroup("comm", "conflict_total", 1, Dimension{"b": "1"})
	assert.Error(t, r.LastError())

	v, _ := sample(t, reg, "gamenet_comm_conflict_total", map[string]string{"a": "1"})
	assert.Equal(t, 1.0, v)
}

func TestRegistry_NilAndPrivate(t *testing.T) {
	var nilReg *Registry
	nilReg.IncrCounterWithGroup("comm", "x_total", 1)
	nilReg.UpdateGaugeWithGroup("comm", "x", 1)

	r := NewRegistry("gamenet", nil)
	r.IncrCounterWithGroup("comm", "private_total", 1)
	require.NotNil(t, r.Gatherer())
	v, ok := sample(t, r.Gatherer(), "gamenet_comm_private_total", nil)
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry("gamenet", nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				r.IncrCounterWithDimGroup("comm", "bytes_sent_total", 3, Dimension{"poller": "1"})
			}
		}()
	}
	wg.Wait()

	v, _ := sample(t, r.Gatherer(), "gamenet_comm_bytes_sent_total", map[string]string{"poller": "1"})
	assert.Equal(t, float64(8*500*3), v)
}
