package ledger

import (
	"testing"

	"chargehold/pkg/model"
)

func TestLedger_AcquireRelease(t *testing.T) {
	l := New()
	station := model.Station{ID: "S1", Name: "Central", Available: 2, Total: 4}

	l.Acquire("S1", model.StationHold(), "u1")
	l.Acquire("S1", model.PointHold("P3"), "u2")

	if got := l.Reserved("S1"); got != 2 {
		t.Fatalf("Reserved() = %d, want 2", got)
	}
	if got := l.Available(station); got != 0 {
		t.Errorf("Available() = %d, want 0", got)
	}
	if holder, ok := l.PointHolder("S1", "P3"); !ok || holder != "u2" {
		t.Errorf("PointHolder() = (%q, %v), want (u2, true)", holder, ok)
	}

	l.Release("S1", model.PointHold("P3"))
	if _, ok := l.PointHolder("S1", "P3"); ok {
		t.Error("point should be free after release")
	}
	if got := l.Reserved("S1"); got != 1 {
		t.Errorf("Reserved() = %d, want 1", got)
	}

	l.Release("S1", model.StationHold())
	if _, ok := l.Slots()["S1"]; ok {
		t.Error("zero counts should be removed from the ledger")
	}
}

func TestLedger_ReleaseNeverNegative(t *testing.T) {
	l := New()
	l.Release("S9", model.StationHold())
	l.Release("S9", model.StationHold())

	if got := l.Reserved("S9"); got != 0 {
		t.Errorf("Reserved() = %d, want 0", got)
	}
	if len(l.Slots()) != 0 {
		t.Errorf("Slots() = %v, want empty", l.Slots())
	}
}

func TestLedger_AvailableClamps(t *testing.T) {
	l := New()
	l.Acquire("S1", model.StationHold(), "u1")
	l.Acquire("S1", model.StationHold(), "u2")

	// The station feed may lag behind holds; availability never goes negative.
	if got := l.Available(model.Station{ID: "S1", Available: 1}); got != 0 {
		t.Errorf("Available() = %d, want 0", got)
	}
	if got := l.Available(model.Station{ID: "S2", Available: 3}); got != 3 {
		t.Errorf("Available() for untouched station = %d, want 3", got)
	}
}

func TestFromMaps(t *testing.T) {
	slots := map[string]int{"S1": 2, "S2": 0, "S3": -1}
	points := map[string]string{"S1_P1": "u1"}

	l := FromMaps(slots, points)
	slots["S1"] = 99
	points["S1_P2"] = "u9"

	if got := l.Reserved("S1"); got != 2 {
		t.Errorf("Reserved(S1) = %d, want 2", got)
	}
	if len(l.Slots()) != 1 {
		t.Errorf("Slots() = %v, want only S1", l.Slots())
	}
	if _, ok := l.PointHolder("S1", "P2"); ok {
		t.Error("ledger must not alias the input map")
	}
}

func TestLedger_SnapshotsAreCopies(t *testing.T) {
	l := New()
	l.Acquire("S1", model.PointHold("P1"), "u1")

	slots := l.Slots()
	points := l.Points()
	slots["S1"] = 10
	delete(points, "S1_P1")

	if l.Reserved("S1") != 1 {
		t.Error("Slots() must return a copy")
	}
	if _, ok := l.PointHolder("S1", "P1"); !ok {
		t.Error("Points() must return a copy")
	}
}
