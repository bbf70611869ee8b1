package agora

import (
	"testing"
	"time"
)

func TestArrivalConditionerPrimesOnFirstObservation(t *testing.T) {
	a := newArrivalConditioner()
	now := time.Now()
	a.Observe(100, now)
	if !a.primed {
		t.Fatal("expected conditioner to be primed after first observation")
	}
	if !a.headArrival.Equal(now) || a.headSeq != 100 {
		t.Fatalf("unexpected initial state: %+v", a)
	}
}

func TestArrivalConditionerTracksOnTimeArrivals(t *testing.T) {
	a := newArrivalConditioner()
	base := time.Now()
	a.Observe(1, base)
	// Arrives exactly on schedule: the estimate shouldn't drift.
	a.Observe(2, base.Add(audioFrameDuration))
	want := base.Add(audioFrameDuration)
	if diff := a.headArrival.Sub(want); diff > time.Microsecond || diff < -time.Microsecond {
		t.Fatalf("headArrival drifted on an on-time arrival: got %v, want %v", a.headArrival, want)
	}
}

func TestArrivalConditionerNudgesTowardLateArrivals(t *testing.T) {
	a := newArrivalConditioner()
	base := time.Now()
	a.Observe(1, base)
	late := base.Add(audioFrameDuration + 100*time.Millisecond)
	a.Observe(2, late)
	expected := base.Add(audioFrameDuration)
	if !a.headArrival.After(expected) {
		t.Fatalf("expected headArrival to move toward the late arrival, got %v (expected baseline %v)", a.headArrival, expected)
	}
	if !a.headArrival.Before(late) {
		t.Fatalf("headArrival should only nudge a fraction of the way, not jump straight to the late arrival")
	}
}

func TestSourceLatencyFilterCompressesWhenBacklogGrows(t *testing.T) {
	f := &sourceLatencyFilter{}
	var action latencyAction
	for i := 0; i < 200; i++ {
		action = f.Update(6) // well above minQueued, every tick
	}
	if action != latencyActionCompress {
		t.Fatalf("expected compress after sustained backlog, got %v", action)
	}
}

func TestSourceLatencyFilterInjectsSilenceWhenBacklogDrains(t *testing.T) {
	f := &sourceLatencyFilter{sourceLatency: hysteresisHigh + 1}
	var action latencyAction
	for i := 0; i < 200; i++ {
		action = f.Update(0) // perpetually empty: well below minQueued
	}
	if action != latencyActionInjectSilence {
		t.Fatalf("expected inject-silence after sustained underrun, got %v", action)
	}
}

func TestSourceLatencyFilterHoldsInsideHysteresisBand(t *testing.T) {
	f := &sourceLatencyFilter{sourceLatency: (hysteresisLow + hysteresisHigh) / 2}
	if action := f.Update(minQueued); action != latencyActionNone {
		t.Fatalf("expected no action inside the hysteresis band, got %v", action)
	}
}
