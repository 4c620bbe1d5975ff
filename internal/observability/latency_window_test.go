package observability

import (
	"errors"
	"testing"
	"time"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := NewLatencyWindow(8)
	w.Observe("update_status", 50)
	w.Observe("update_status", 70)
	w.Observe("update_status", 90)
	w.ObserveIndicator("update_status_error")
	w.ObserveIndicator("update_status_error")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Ops) != 1 {
		t.Fatalf("len(Ops) = %d, want 1", len(snap.Ops))
	}
	s := snap.Ops[0]
	if s.Op != "update_status" {
		t.Fatalf("Op = %q, want %q", s.Op, "update_status")
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 90 {
		t.Fatalf("LastMS = %.2f, want 90", s.LastMS)
	}
	if s.P50MS != 70 {
		t.Fatalf("P50MS = %.2f, want 70", s.P50MS)
	}
	if s.P95MS <= 70 || s.P95MS > 90 {
		t.Fatalf("P95MS = %.2f, want (70,90]", s.P95MS)
	}
	if s.TargetP95MS != 250 {
		t.Fatalf("TargetP95MS = %.2f, want 250", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want one entry with count 2", snap.Indicators)
	}
}

func TestLatencyWindowWrapsAtCapacity(t *testing.T) {
	w := NewLatencyWindow(2)
	w.Observe("list_in_progress", 1)
	w.Observe("list_in_progress", 2)
	w.Observe("list_in_progress", 3)

	snap := w.Snapshot()
	if got := snap.Ops[0].Samples; got != 2 {
		t.Fatalf("Samples = %d, want 2", got)
	}
	if got := snap.Ops[0].AvgMS; got != 2.5 {
		t.Fatalf("AvgMS = %.2f, want 2.5", got)
	}

	w.Reset()
	if got := len(w.Snapshot().Ops); got != 0 {
		t.Fatalf("len(Ops) after reset = %d, want 0", got)
	}
}

func TestMetricsHelpersTolerateNilReceiver(t *testing.T) {
	var m *Metrics
	m.SetActiveTasks(3)
	m.ObserveIngest("accepted")
	m.ObserveStoreCall("update_status", time.Millisecond, errors.New("boom"))
	m.SetFeedConnected(true)
	if snap := m.StoreLatencySnapshot(); len(snap.Ops) != 0 {
		t.Fatalf("nil metrics snapshot should be empty, got %+v", snap)
	}
}

func TestMetricsStoreCallFeedsWindow(t *testing.T) {
	m := NewMetrics("shuttle_test_store_window")
	m.ObserveStoreCall("save_position", 3*time.Millisecond, nil)
	m.ObserveStoreCall("save_position", 5*time.Millisecond, errors.New("down"))

	snap := m.StoreLatencySnapshot()
	if len(snap.Ops) != 1 || snap.Ops[0].Samples != 2 {
		t.Fatalf("Ops = %+v, want one op with two samples", snap.Ops)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Name != "save_position_error" {
		t.Fatalf("Indicators = %+v, want save_position_error", snap.Indicators)
	}
}
