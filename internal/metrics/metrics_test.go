package metrics

import (
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestString(t *testing.T) {
	m := New()
	atomic.AddInt64(&m.LinesTotal, 3)
	atomic.AddInt64(&m.DLQSizeBytes, 42)

	s := m.String()
	for _, want := range []string{"lines_total=3\n", "dlq_size_bytes=42\n", "wg_sync_errors_total=0\n"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() missing %q", want)
		}
	}
}

func TestRegister(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatal(err)
	}
	atomic.AddInt64(&m.ProfileUpdatesTotal, 7)
	atomic.StoreInt64(&m.LivenessTracked, 2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				got[f.GetName()] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				got[f.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}
	if got["mitm_monitor_profile_updates_total"] != 7 {
		t.Errorf("profile_updates_total = %v", got["mitm_monitor_profile_updates_total"])
	}
	if got["mitm_monitor_liveness_tracked"] != 2 {
		t.Errorf("liveness_tracked = %v", got["mitm_monitor_liveness_tracked"])
	}
	if len(families) != len(m.series()) {
		t.Errorf("families = %d, series = %d", len(families), len(m.series()))
	}

	if err := m.Register(reg); err == nil {
		t.Error("double registration should fail")
	}
}
