package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func testMonitor(probe ProbeFunc) *Monitor {
	return New(probe, Config{DebounceWindow: 2 * time.Second})
}

// TestStatus_InitiallyUnknown tests the initial state
func TestStatus_InitiallyUnknown(t *testing.T) {
	m := testMonitor(func(ctx context.Context) error { return nil })
	if m.Status() != StatusUnknown {
		t.Errorf("initial status = %v, want unknown", m.Status())
	}
}

// TestReport_FirstSignalCommitsImmediately tests the Unknown fast path
func TestReport_FirstSignalCommitsImmediately(t *testing.T) {
	m := testMonitor(nil)
	m.Report(true)
	if m.Status() != StatusOnline {
		t.Errorf("status = %v, want online", m.Status())
	}
}

// TestObserve_DebouncesFlapping tests that rapid transitions are collapsed
func TestObserve_DebouncesFlapping(t *testing.T) {
	m := testMonitor(nil)
	base := time.Now()
	clock := base
	m.now = func() time.Time { return clock }

	m.Report(true) // Unknown -> Online, immediate

	// Offline signal starts the debounce window but does not commit.
	m.Report(false)
	if m.Status() != StatusOnline {
		t.Fatalf("status flipped before debounce window: %v", m.Status())
	}

	// Flap back online: candidate cleared.
	m.Report(true)

	// Another offline 1s later, still inside its own fresh window.
	clock = base.Add(time.Second)
	m.Report(false)
	if m.Status() != StatusOnline {
		t.Fatal("status flipped inside debounce window")
	}

	// Offline has now held for the full window: commit.
	clock = base.Add(4 * time.Second)
	m.Report(false)
	if m.Status() != StatusOffline {
		t.Errorf("status = %v, want offline after stable window", m.Status())
	}
}

// TestSubscribe_ReceivesTransitions tests subscriber notification
func TestSubscribe_ReceivesTransitions(t *testing.T) {
	m := testMonitor(nil)
	ch := m.Subscribe()
	defer m.Unsubscribe(ch)

	m.Report(true)

	select {
	case status := <-ch:
		if status != StatusOnline {
			t.Errorf("received %v, want online", status)
		}
	case <-time.After(time.Second):
		t.Fatal("no transition delivered")
	}
}

// TestSubscribe_SlowConsumerKeepsLatest tests that a full channel is
// drained in favor of the newest transition
func TestSubscribe_SlowConsumerKeepsLatest(t *testing.T) {
	m := testMonitor(nil)
	ch := m.Subscribe()
	defer m.Unsubscribe(ch)

	// Flood with forced transitions without reading.
	for i := 0; i < 10; i++ {
		m.SetOnline(i%2 == 0)
	}
	m.SetOnline(true)

	var last Status
	for {
		select {
		case status := <-ch:
			last = status
			continue
		default:
		}
		break
	}
	if last != StatusOnline {
		t.Errorf("latest delivered = %v, want online", last)
	}
}

// TestSetOnline_ForcesAndPinsStatus tests the forcing override
func TestSetOnline_ForcesAndPinsStatus(t *testing.T) {
	m := testMonitor(nil)
	m.SetOnline(false)
	if m.Status() != StatusOffline {
		t.Fatalf("status = %v, want offline", m.Status())
	}

	// Probe results are ignored while forced.
	m.Report(true)
	if m.Status() != StatusOffline {
		t.Error("forced status overridden by Report()")
	}

	m.ClearForced()
	m.Report(true) // offline -> online needs the debounce window
	m.now = func() time.Time { return time.Now().Add(time.Hour) }
	m.Report(true)
	if m.Status() != StatusOnline {
		t.Errorf("status = %v, want online after ClearForced", m.Status())
	}
}

// TestRun_ProbesBackend tests the probe loop against a flappable prober
func TestRun_ProbesBackend(t *testing.T) {
	var healthy atomic.Bool
	probe := ProbeFunc(func(ctx context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("unreachable")
	})

	m := New(probe, Config{
		ProbeInterval:  10 * time.Millisecond,
		ProbeTimeout:   time.Second,
		DebounceWindow: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitFor := func(want Status) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if m.Status() == want {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("status = %v, want %v", m.Status(), want)
	}

	waitFor(StatusOffline)
	healthy.Store(true)
	waitFor(StatusOnline)
}
