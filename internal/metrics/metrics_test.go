package metrics

import "testing"

func TestNewWithNilRegistererIsUsable(t *testing.T) {
	m := New(nil)
	m.EventsSentTotal.Add(1)
	m.FlushDuration.WithLabelValues("events").Observe(0.1)
	m.DroppedTotal.WithLabelValues("capacity").Inc()
}

func TestBreakerStateValueMapping(t *testing.T) {
	cases := map[string]float64{
		"CLOSED":    0,
		"HALF_OPEN": 1,
		"OPEN":      2,
		"unknown":   0,
	}
	for state, want := range cases {
		if got := BreakerStateValue(state); got != want {
			t.Errorf("BreakerStateValue(%q) = %v, want %v", state, got, want)
		}
	}
}
