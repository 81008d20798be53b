package usecase

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"torrentgate/internal/domain"
)

func TestPlanRange(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		size     int64
		maxChunk int64
		want     RangePlan
	}{
		{name: "no header", header: "", size: 1000, want: RangePlan{Start: 0, End: 999}},
		{name: "closed range", header: "bytes=0-99", size: 1000, want: RangePlan{Partial: true, Start: 0, End: 99}},
		{name: "open range", header: "bytes=100-", size: 1000, want: RangePlan{Partial: true, Start: 100, End: 999}},
		{name: "end clamped to size", header: "bytes=990-5000", size: 1000, want: RangePlan{Partial: true, Start: 990, End: 999}},
		{name: "capped at max chunk", header: "bytes=0-10000000", size: 5_000_000, maxChunk: 500_000, want: RangePlan{Partial: true, Start: 0, End: 499_999}},
		{name: "open range capped", header: "bytes=1000-", size: 5_000_000, maxChunk: 500_000, want: RangePlan{Partial: true, Start: 1000, End: 500_999}},
		{name: "start past end", header: "bytes=2000-", size: 1000, want: RangePlan{Unsatisfiable: true}},
		{name: "start equals size", header: "bytes=1000-1001", size: 1000, want: RangePlan{Unsatisfiable: true}},
		{name: "suffix range falls back", header: "bytes=-500", size: 1000, want: RangePlan{Start: 0, End: 999}},
		{name: "multi range falls back", header: "bytes=0-1,5-6", size: 1000, want: RangePlan{Start: 0, End: 999}},
		{name: "inverted range falls back", header: "bytes=50-10", size: 1000, want: RangePlan{Start: 0, End: 999}},
		{name: "garbage falls back", header: "bytes=abc-", size: 1000, want: RangePlan{Start: 0, End: 999}},
		{name: "wrong unit falls back", header: "items=0-5", size: 1000, want: RangePlan{Start: 0, End: 999}},
		{name: "empty file", header: "bytes=0-", size: 0, want: RangePlan{Start: 0, End: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PlanRange(tt.header, tt.size, tt.maxChunk)
			if got != tt.want {
				t.Fatalf("PlanRange(%q, %d, %d) = %+v, want %+v", tt.header, tt.size, tt.maxChunk, got, tt.want)
			}
		})
	}
}

func TestRangePlanLength(t *testing.T) {
	if n := (RangePlan{Start: 10, End: 19}).Length(); n != 10 {
		t.Fatalf("Length = %d, want 10", n)
	}
	if n := (RangePlan{Unsatisfiable: true}).Length(); n != 0 {
		t.Fatalf("unsatisfiable Length = %d, want 0", n)
	}
}

func TestStreamFileOpensReaderAndTouchesLedger(t *testing.T) {
	f := newAdmissionFixture(t, AdmissionConfig{Capacity: 5})
	f.readyOnAdd("s1")
	if _, err := f.controller.Admit(context.Background(), magnet("s1")); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	waitFor(t, "s1 ready", func() bool { return f.phase("s1") == domain.PhaseActive })

	f.clock.Advance(10 * time.Minute)
	uc := StreamFile{Registry: f.controller.Registry(), ReadaheadBytes: 1 << 20}
	res, err := uc.Execute(context.Background(), "s1", "/movie.mkv")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	defer res.Reader.Close()

	body, err := io.ReadAll(res.Reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != "0123456789" {
		t.Fatalf("body = %q", body)
	}
	if fr, ok := res.Reader.(*fakeReader); !ok || fr.readahead != 1<<20 {
		t.Fatalf("readahead not applied: %#v", res.Reader)
	}

	entry, ok := f.controller.Registry().Ledger().Get("s1")
	if !ok || !entry.LastAccess.Equal(f.clock.Now()) {
		t.Fatalf("ledger entry = %+v, want LastAccess %v", entry, f.clock.Now())
	}
}

func TestStreamFileIndependentReaders(t *testing.T) {
	f := newAdmissionFixture(t, AdmissionConfig{Capacity: 5})
	f.readyOnAdd("s2")
	if _, err := f.controller.Admit(context.Background(), magnet("s2")); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	waitFor(t, "s2 ready", func() bool { return f.phase("s2") == domain.PhaseActive })

	uc := StreamFile{Registry: f.controller.Registry()}
	a, err := uc.Execute(context.Background(), "s2", "movie.mkv")
	if err != nil {
		t.Fatalf("Execute a: %v", err)
	}
	b, err := uc.Execute(context.Background(), "s2", "movie.mkv")
	if err != nil {
		t.Fatalf("Execute b: %v", err)
	}
	if _, err := a.Reader.Seek(5, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	buf := make([]byte, 2)
	if _, err := io.ReadFull(b.Reader, buf); err != nil {
		t.Fatalf("read b: %v", err)
	}
	if string(buf) != "01" {
		t.Fatalf("second reader moved with the first: %q", buf)
	}
}

func TestStreamFileErrors(t *testing.T) {
	f := newAdmissionFixture(t, AdmissionConfig{Capacity: 5})
	f.readyOnAdd("ready")
	for _, h := range []string{"ready", "pending"} {
		if _, err := f.controller.Admit(context.Background(), magnet(h)); err != nil {
			t.Fatalf("Admit %s: %v", h, err)
		}
	}
	waitFor(t, "ready session", func() bool { return f.phase("ready") == domain.PhaseActive })

	uc := StreamFile{Registry: f.controller.Registry()}
	tests := []struct {
		name    string
		id      domain.SessionID
		path    string
		wantErr error
	}{
		{name: "unknown session", id: "nope", path: "movie.mkv", wantErr: domain.ErrNotFound},
		{name: "pending session", id: "pending", path: "movie.mkv", wantErr: ErrNotReady},
		{name: "unknown file", id: "ready", path: "other.mkv", wantErr: domain.ErrNotFound},
		{name: "prefix is not a match", id: "ready", path: "movie", wantErr: domain.ErrNotFound},
		{name: "empty path", id: "ready", path: "/", wantErr: ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := uc.Execute(context.Background(), tt.id, tt.path)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStreamResultFocus(t *testing.T) {
	tr := newFakeTransfer("x")
	tr.resolve("x", map[string][]byte{"a.bin": make([]byte, 100)})
	res := StreamResult{File: tr.Files()[0], transfer: tr}

	res.Focus(domain.Range{Off: 10, Length: 20})
	res.Focus(domain.Range{Off: 10, Length: 0})

	calls := tr.priorityCalls()
	if len(calls) != 1 {
		t.Fatalf("priority calls = %d, want 1", len(calls))
	}
	if calls[0].Prio != domain.PriorityNext || calls[0].R.Off != 10 {
		t.Fatalf("call = %+v", calls[0])
	}
}

// streamUntil opens readers for id in a loop until stop closes and reports
// any outcome other than success, not found or not ready.
func streamUntil(uc StreamFile, id domain.SessionID, stop <-chan struct{}, bad chan<- error, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-stop:
			return
		default:
		}
		res, err := uc.Execute(context.Background(), id, "movie.mkv")
		switch {
		case err == nil:
			res.Reader.Close()
		case errors.Is(err, domain.ErrNotFound), errors.Is(err, ErrNotReady):
		default:
			select {
			case bad <- err:
			default:
			}
		}
	}
}

func TestStreamLookupRacingRemove(t *testing.T) {
	f := newAdmissionFixture(t, AdmissionConfig{Capacity: 5})
	f.readyOnAdd("t1")
	if _, err := f.controller.Admit(context.Background(), magnet("t1")); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	waitFor(t, "t1 ready", func() bool { return f.phase("t1") == domain.PhaseActive })

	uc := StreamFile{Registry: f.controller.Registry()}
	stop := make(chan struct{})
	bad := make(chan error, 1)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go streamUntil(uc, "t1", stop, bad, &wg)
	}

	time.Sleep(5 * time.Millisecond)
	found, err := f.controller.Remove(context.Background(), "t1")
	close(stop)
	wg.Wait()

	if err != nil || !found {
		t.Fatalf("Remove = (%v, %v), want (true, nil)", found, err)
	}
	select {
	case err := <-bad:
		t.Fatalf("stream during removal returned %v", err)
	default:
	}
	if _, err := uc.Execute(context.Background(), "t1", "movie.mkv"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Execute after remove err = %v, want ErrNotFound", err)
	}
}

func TestStreamLookupRacingEviction(t *testing.T) {
	f := newAdmissionFixture(t, AdmissionConfig{Capacity: 5, TTL: time.Hour})
	f.readyOnAdd("t2")
	if _, err := f.controller.Admit(context.Background(), magnet("t2")); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	waitFor(t, "t2 ready", func() bool { return f.phase("t2") == domain.PhaseActive })
	f.clock.Advance(2 * time.Hour)

	uc := StreamFile{Registry: f.controller.Registry()}
	stop := make(chan struct{})
	bad := make(chan error, 1)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go streamUntil(uc, "t2", stop, bad, &wg)
	}

	// A stream may refresh t2 before the sweep sees it, so either outcome is
	// valid. The registry and the engine must agree on which one happened.
	report := f.controller.Evict(context.Background())
	close(stop)
	wg.Wait()

	select {
	case err := <-bad:
		t.Fatalf("stream during eviction returned %v", err)
	default:
	}
	admitted := f.controller.Registry().Has("t2")
	_, engineHas := f.engine.Get("t2")
	if admitted != engineHas {
		t.Fatalf("admitted = %v, engine has = %v, report = %+v", admitted, engineHas, report)
	}
	if !admitted {
		if len(report.Expired) != 1 {
			t.Fatalf("report = %+v, want one expired", report)
		}
		if _, err := uc.Execute(context.Background(), "t2", "movie.mkv"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Execute after eviction err = %v, want ErrNotFound", err)
		}
	}
}
