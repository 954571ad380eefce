package snapshot

import "testing"

func TestSetTablesRemaining(t *testing.T) {
	rec := &metricsRecorder{}
	m := &Manager{metrics: rec}

	m.setTablesRemaining(3)
	m.setTablesRemaining(1)
	m.setTablesRemaining(-1)

	want := []int{3, 1, 0}
	if len(rec.tablesRemaining) != len(want) {
		t.Fatalf("recorded %d values, want %d", len(rec.tablesRemaining), len(want))
	}
	for i, v := range want {
		if rec.tablesRemaining[i] != v {
			t.Errorf("value %d = %d, want %d", i, rec.tablesRemaining[i], v)
		}
	}
}

func TestSetTablesRemainingNilMetrics(t *testing.T) {
	m := &Manager{}
	m.setTablesRemaining(2)
}
