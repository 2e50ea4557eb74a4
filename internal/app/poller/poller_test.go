package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/frontdesk/cardesk/internal/app/reconcile"
	"github.com/frontdesk/cardesk/internal/domain"
	"github.com/frontdesk/cardesk/internal/infra/codec"
)

// scriptScanner returns the scripted reads in order, then repeats the last.
type scriptScanner struct {
	mu       sync.Mutex
	reads    []string
	errs     []error
	applyErr error
	stale    int // Apply calls to answer with OutcomeStale first
	applied  []string
}

func (s *scriptScanner) Read(context.Context) (reconcile.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.reads[0], s.errs[0]
	if len(s.reads) > 1 {
		s.reads, s.errs = s.reads[1:], s.errs[1:]
	}
	if err != nil {
		return reconcile.Reading{}, err
	}
	return reconcile.Reading{Payload: codec.Parse(raw)}, nil
}

func (s *scriptScanner) Apply(_ context.Context, r reconcile.Reading) (reconcile.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return reconcile.Result{}, s.applyErr
	}
	if s.stale > 0 {
		s.stale--
		return reconcile.Result{UID: r.UID, Payload: r.Payload, Outcome: reconcile.OutcomeStale}, nil
	}
	s.applied = append(s.applied, r.Raw)
	return reconcile.Result{UID: r.UID, Payload: r.Payload, Outcome: reconcile.OutcomeInSync}, nil
}

func (s *scriptScanner) appliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

var noCard = &domain.LinkError{Kind: domain.LinkDeviceReported, Op: "READ", Msg: "NO_CARD"}

func TestTick_RestingCardAppliedOnce(t *testing.T) {
	s := &scriptScanner{
		reads: []string{"AB12CD34:75", "AB12CD34:75", "", "AB12CD34:75", "AB12CD34:80"},
		errs:  []error{nil, nil, noCard, nil, nil},
	}
	p := New(s, time.Second, nil)
	ctx := context.Background()

	want := []bool{true, false, false, true, true}
	for i, w := range want {
		ev, ok := p.Tick(ctx)
		if ok != w {
			t.Fatalf("tick %d reported = %v, want %v", i, ok, w)
		}
		if ok && (ev.Result == nil || ev.Error != "") {
			t.Errorf("tick %d event = %+v", i, ev)
		}
	}
	if s.appliedCount() != 3 {
		t.Errorf("applied %d times, want 3", s.appliedCount())
	}
}

func TestTick_ErrorsReportedOncePerChange(t *testing.T) {
	ioErr := &domain.LinkError{Kind: domain.LinkIO, Op: "READ", Err: errors.New("unplugged")}
	s := &scriptScanner{
		reads: []string{"", "", "AB12CD34:1", ""},
		errs:  []error{ioErr, ioErr, nil, ioErr},
	}
	p := New(s, time.Second, nil)
	ctx := context.Background()

	want := []bool{true, false, true, true}
	for i, w := range want {
		ev, ok := p.Tick(ctx)
		if ok != w {
			t.Fatalf("tick %d reported = %v, want %v (%+v)", i, ok, w, ev)
		}
	}
}

func TestTick_ApplyFailureRetriedNextTick(t *testing.T) {
	s := &scriptScanner{
		reads:    []string{"AB12CD34:75"},
		errs:     []error{nil},
		applyErr: &domain.PersistenceError{Op: "append", Err: errors.New("disk full")},
	}
	p := New(s, time.Second, nil)
	ctx := context.Background()

	ev, ok := p.Tick(ctx)
	if !ok || ev.Error == "" {
		t.Fatalf("first tick = %+v, %v; want error event", ev, ok)
	}

	s.mu.Lock()
	s.applyErr = nil
	s.mu.Unlock()

	ev, ok = p.Tick(ctx)
	if !ok || ev.Result == nil {
		t.Errorf("second tick = %+v, %v; want the card applied", ev, ok)
	}
}

func TestTick_StaleReadingNotRemembered(t *testing.T) {
	s := &scriptScanner{
		reads: []string{"AB12CD34:75"},
		errs:  []error{nil},
		stale: 1,
	}
	p := New(s, time.Second, nil)
	ctx := context.Background()

	if ev, ok := p.Tick(ctx); ok {
		t.Fatalf("first tick = %+v, want nothing reported", ev)
	}
	ev, ok := p.Tick(ctx)
	if !ok || ev.Result == nil || ev.Result.Outcome != reconcile.OutcomeInSync {
		t.Errorf("second tick = %+v, %v; want the card applied", ev, ok)
	}
	if s.appliedCount() != 1 {
		t.Errorf("applied %d times, want 1", s.appliedCount())
	}
}

func TestPoller_StartStop(t *testing.T) {
	s := &scriptScanner{reads: []string{"AB12CD34:75"}, errs: []error{nil}}
	events := make(chan Event, 4)
	p := New(s, 5*time.Millisecond, func(ev Event) { events <- ev })

	p.Start(context.Background())
	p.Start(context.Background()) // no second loop
	if !p.Running() {
		t.Fatal("Running() = false after Start")
	}

	select {
	case ev := <-events:
		if ev.Result == nil || ev.Result.UID != "AB12CD34" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no poll event delivered")
	}

	p.Stop()
	p.Stop()
	if p.Running() {
		t.Error("Running() = true after Stop")
	}
	if n := s.appliedCount(); n != 1 {
		t.Errorf("resting card applied %d times, want 1", n)
	}
}

func TestPoller_StopsWithContext(t *testing.T) {
	s := &scriptScanner{reads: []string{""}, errs: []error{noCard}}
	p := New(s, time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return after context cancel")
	}
}
