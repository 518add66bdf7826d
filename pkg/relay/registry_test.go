package relay

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistry_CloseEndsLiveSessions(t *testing.T) {
	r := NewRegistry(quietLogger())

	legs := []*fakeLeg{newFakeLeg(true), newFakeLeg(true)}
	results := make(chan Summary, len(legs))
	for _, leg := range legs {
		s := newTestSession(t, leg, &fakeIssuer{}, &fakeDialer{})
		go func() {
			sum, err := r.Run(s, nil)
			if err != nil {
				t.Errorf("Run: %v", err)
			}
			results <- sum
		}()
	}

	eventually(t, "sessions registered", func() bool { return r.Len() == 2 })

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d entries, want 2", len(snap))
	}
	if snap[0].CreatedAt.After(snap[1].CreatedAt) {
		t.Fatal("snapshot must be ordered oldest first")
	}
	if r.Get(snap[0].ID) == nil {
		t.Fatal("Get did not find a live session")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for range legs {
		sum := <-results
		if sum.Closure.Code != CloseGoingAway || sum.Closure.Reason != ReasonShutdown {
			t.Errorf("closure = %+v", sum.Closure)
		}
	}
	for i, leg := range legs {
		if got := leg.closeCalls(); len(got) != 1 || got[0].code != CloseGoingAway {
			t.Errorf("leg %d closes = %+v", i, got)
		}
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d after close", r.Len())
	}
}

func TestRegistry_RefusesAfterClose(t *testing.T) {
	r := NewRegistry(quietLogger())
	if err := r.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	s := newTestSession(t, newFakeLeg(true), &fakeIssuer{}, &fakeDialer{})
	if _, err := r.Run(s, nil); err == nil {
		t.Fatal("expected Run to fail on a closed registry")
	}
}

func TestRegistry_CloseTimesOut(t *testing.T) {
	r := NewRegistry(quietLogger())

	// A leg that never reports its end keeps the session running.
	leg := newFakeLeg(false)
	s := newTestSession(t, leg, &fakeIssuer{}, &fakeDialer{})
	finished := make(chan struct{})
	go func() {
		r.Run(s, nil)
		close(finished)
	}()
	eventually(t, "session registered", func() bool { return r.Len() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.Close(ctx); err == nil {
		t.Fatal("expected Close to time out")
	}

	leg.end(CloseGoingAway, ReasonShutdown, nil)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish after its leg ended")
	}
}

func TestRegistry_CloseWaitsForFinish(t *testing.T) {
	r := NewRegistry(quietLogger())

	var finished atomic.Bool
	s := newTestSession(t, newFakeLeg(true), &fakeIssuer{}, &fakeDialer{})
	go r.Run(s, func(Summary) {
		time.Sleep(200 * time.Millisecond)
		finished.Store(true)
	})
	eventually(t, "session registered", func() bool { return r.Len() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !finished.Load() {
		t.Fatal("Close returned before the finish hook completed")
	}
}
