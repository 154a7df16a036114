package gateway

import (
	"testing"
	"time"
)

func signal(ch chan struct{}) func() {
	return func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func waitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestHeartbeat_BeatsWhileAcked(t *testing.T) {
	h := NewHeartbeat(0)
	beats := make(chan struct{}, 1)
	zombie := make(chan struct{}, 1)
	h.Start(15*time.Millisecond, signal(beats), signal(zombie))
	defer h.Stop()

	for i := 0; i < 3; i++ {
		waitSignal(t, beats, "beat")
		if !h.Window().AckPending {
			t.Error("AckPending = false after beat")
		}
		h.Ack()
	}

	select {
	case <-zombie:
		t.Fatal("zombie reported while acks arrive")
	default:
	}
	if h.Latency() <= 0 {
		t.Errorf("Latency = %v, want > 0", h.Latency())
	}
}

func TestHeartbeat_ZombieWithoutAck(t *testing.T) {
	h := NewHeartbeat(0)
	beats := make(chan struct{}, 1)
	zombie := make(chan struct{}, 1)
	h.Start(10*time.Millisecond, signal(beats), signal(zombie))

	waitSignal(t, beats, "beat")
	waitSignal(t, zombie, "zombie")

	if h.Running() {
		t.Error("Running = true after zombie")
	}
}

func TestHeartbeat_StopIdempotent(t *testing.T) {
	h := NewHeartbeat(0.5)
	h.Stop()

	beats := make(chan struct{}, 1)
	h.Start(10*time.Millisecond, signal(beats), nil)
	h.Stop()
	h.Stop()

	if h.Running() {
		t.Error("Running = true after Stop")
	}
	select {
	case <-beats:
		t.Error("beat after Stop")
	case <-time.After(40 * time.Millisecond):
	}
}

func TestHeartbeat_RestartReplacesSchedule(t *testing.T) {
	h := NewHeartbeat(0)
	oldBeats := make(chan struct{}, 1)
	newBeats := make(chan struct{}, 1)

	h.Start(20*time.Millisecond, signal(oldBeats), nil)
	h.Start(20*time.Millisecond, signal(newBeats), nil)
	defer h.Stop()

	waitSignal(t, newBeats, "beat")
	select {
	case <-oldBeats:
		t.Error("old schedule still beating")
	default:
	}
	if got := h.Window().Interval; got != 20*time.Millisecond {
		t.Errorf("Interval = %v, want 20ms", got)
	}
}

func TestHeartbeat_BeatNow(t *testing.T) {
	h := NewHeartbeat(0)
	beats := make(chan struct{}, 1)

	// Ignored while stopped.
	h.BeatNow()

	h.Start(time.Hour, signal(beats), nil)
	defer h.Stop()

	h.BeatNow()
	waitSignal(t, beats, "immediate beat")
	if !h.Window().AckPending {
		t.Error("AckPending = false after BeatNow")
	}
	h.Ack()
	if h.Window().AckPending {
		t.Error("AckPending = true after Ack")
	}
}

func TestHeartbeat_BeatNowDefersScheduledBeat(t *testing.T) {
	const interval = 100 * time.Millisecond
	h := NewHeartbeat(0)
	beats := make(chan struct{}, 1)
	zombie := make(chan struct{}, 1)
	h.Start(interval, signal(beats), signal(zombie))
	defer h.Stop()

	waitSignal(t, beats, "first beat")
	h.Ack()

	// Just before the next scheduled beat would fire.
	time.Sleep(interval - 5*time.Millisecond)
	requested := time.Now()
	h.BeatNow()
	waitSignal(t, beats, "requested beat")

	select {
	case <-zombie:
		t.Fatalf("zombie %v after a requested beat, want a full interval", time.Since(requested))
	case <-time.After(interval / 2):
	}

	// Left unacknowledged, the zombie is declared one interval later.
	waitSignal(t, zombie, "zombie")
	if elapsed := time.Since(requested); elapsed < interval-10*time.Millisecond {
		t.Errorf("zombie after %v, want >= %v", elapsed, interval)
	}
}

func TestHeartbeat_FirstBeatJitter(t *testing.T) {
	h := NewHeartbeat(1)
	beats := make(chan struct{}, 1)
	start := time.Now()
	h.Start(50*time.Millisecond, signal(beats), nil)
	defer h.Stop()

	waitSignal(t, beats, "beat")
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("first beat after %v, want <= interval", elapsed)
	}
}
