package usecase

import (
	"context"
	"testing"
	"time"

	"torrentgate/internal/domain"
)

func TestReaperTickEvictsIdleSessions(t *testing.T) {
	f := newAdmissionFixture(t, AdmissionConfig{Capacity: 10, TTL: time.Hour})
	for _, h := range []string{"r1", "r2"} {
		f.readyOnAdd(h)
		if _, err := f.controller.Admit(context.Background(), magnet(h)); err != nil {
			t.Fatalf("Admit %s: %v", h, err)
		}
	}
	waitFor(t, "sessions ready", func() bool {
		return f.phase("r1") == domain.PhaseActive && f.phase("r2") == domain.PhaseActive
	})

	f.clock.Advance(50 * time.Minute)
	if _, _, err := f.controller.Registry().Lookup("r2"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	f.clock.Advance(20 * time.Minute)

	var observed EvictionReport
	reaper := Reaper{
		Controller: f.controller,
		Logger:     discardLogger(),
		OnTick:     func(r EvictionReport) { observed = r },
	}
	report := reaper.Tick(context.Background())

	if len(report.Expired) != 1 || report.Expired[0] != "r1" {
		t.Fatalf("Expired = %v, want [r1]", report.Expired)
	}
	if report.Live != 1 || report.Tracked != 1 {
		t.Fatalf("report = %+v, want one live and one tracked", report)
	}
	if len(observed.Expired) != 1 {
		t.Fatal("OnTick should receive the report")
	}
	if !f.controller.Registry().Has("r2") {
		t.Fatal("recently touched session must survive")
	}
}

func TestReaperRunStopsWithContext(t *testing.T) {
	f := newAdmissionFixture(t, AdmissionConfig{Capacity: 1})
	ticks := make(chan struct{}, 16)
	reaper := Reaper{
		Controller: f.controller,
		Logger:     discardLogger(),
		Interval:   5 * time.Millisecond,
		OnTick:     func(EvictionReport) { ticks <- struct{}{} },
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reaper.Run(ctx)
		close(done)
	}()

	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper never ticked")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
}
