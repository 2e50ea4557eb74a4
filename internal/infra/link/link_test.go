package link

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/frontdesk/cardesk/internal/domain"
	"github.com/frontdesk/cardesk/internal/infra/observability"
)

// fakePort is a scripted reader. Every written command is passed to
// respond; the returned lines become readable after delay.
type fakePort struct {
	mu       sync.Mutex
	respond  func(cmd string) []string
	delay    time.Duration
	pending  []byte
	readyAt  time.Time
	writes   []string
	resets   int
	closed   bool
	writeErr error

	active  atomic.Int32
	overlap atomic.Bool // two goroutines touched the port at once
}

func (f *fakePort) enter() func() {
	if f.active.Add(1) > 1 {
		f.overlap.Store(true)
	}
	return func() { f.active.Add(-1) }
}

func (f *fakePort) Write(b []byte) (int, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	cmd := strings.TrimSpace(string(b))
	f.writes = append(f.writes, cmd)
	if f.respond != nil {
		for _, l := range f.respond(cmd) {
			f.pending = append(f.pending, l+"\r\n"...)
		}
	}
	f.readyAt = time.Now().Add(f.delay)
	return len(b), nil
}

func (f *fakePort) Read(b []byte) (int, error) {
	defer f.enter()()
	f.mu.Lock()
	if len(f.pending) == 0 || time.Now().Before(f.readyAt) {
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	defer f.mu.Unlock()
	n := copy(b, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *fakePort) ResetInputBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = nil
	f.resets++
	return nil
}

func (f *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePort) commands(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.writes {
		if w == name || strings.HasPrefix(w, name+":") {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		ReadTimeout:    40 * time.Millisecond,
		WriteTimeout:   40 * time.Millisecond,
		HistoryTimeout: 40 * time.Millisecond,
		Attempts:       3,
		RetryPause:     time.Millisecond,
		ResetPause:     time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}
}

func newTestLink(t *testing.T, fp *fakePort) (*Link, *observability.Journal) {
	t.Helper()
	j := observability.NewJournal(observability.DefaultJournalConfig())
	l := New(testConfig(), func(string, int) (Port, error) { return fp, nil }, j)
	if err := l.Connect(context.Background(), "/dev/ttyFAKE", 115200); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	t.Cleanup(func() { l.Disconnect() })
	return l, j
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

func TestConnect_OpenFailure(t *testing.T) {
	l := New(testConfig(), func(string, int) (Port, error) {
		return nil, errors.New("no such device")
	}, nil)

	err := l.Connect(context.Background(), "/dev/ttyNONE", 9600)
	if !errors.Is(err, domain.ErrLinkOpen) {
		t.Fatalf("Connect() error = %v, want ErrLinkOpen", err)
	}
	if l.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", l.State())
	}
}

func TestConnect_NoPort(t *testing.T) {
	l := New(testConfig(), nil, nil)
	if err := l.Connect(context.Background(), "", 9600); !errors.Is(err, domain.ErrLinkOpen) {
		t.Errorf("Connect(\"\") error = %v, want ErrLinkOpen", err)
	}
}

func TestConnect_SettleRespectsContext(t *testing.T) {
	fp := &fakePort{}
	cfg := testConfig()
	cfg.SettleDelay = time.Second
	l := New(cfg, func(string, int) (Port, error) { return fp, nil }, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Connect(ctx, "/dev/ttyFAKE", 9600); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect() error = %v, want deadline exceeded", err)
	}
	if !fp.closed {
		t.Error("port should be closed when settle is abandoned")
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	fp := &fakePort{}
	l, _ := newTestLink(t, fp)

	if l.State() != StateConnected {
		t.Fatalf("State() = %s, want connected", l.State())
	}
	name, baud := l.Port()
	if name != "/dev/ttyFAKE" || baud != 115200 {
		t.Errorf("Port() = %s, %d", name, baud)
	}
	if err := l.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if err := l.Disconnect(); err != nil {
		t.Fatalf("second Disconnect() error: %v", err)
	}
	if !fp.closed || l.State() != StateDisconnected {
		t.Error("port should be closed and state disconnected")
	}
}

func TestCommands_NotConnected(t *testing.T) {
	l := New(testConfig(), nil, nil)
	ctx := context.Background()

	if _, err := l.ReadCard(ctx); !errors.Is(err, domain.ErrNotConnected) {
		t.Errorf("ReadCard() error = %v, want ErrNotConnected", err)
	}
	if _, _, err := l.WriteCard(ctx, "100"); !errors.Is(err, domain.ErrNotConnected) {
		t.Errorf("WriteCard() error = %v, want ErrNotConnected", err)
	}
	if l.Ping(ctx) {
		t.Error("Ping() on a disconnected link should be false")
	}
}

// ─── ReadCard ───────────────────────────────────────────────────────────────

func TestReadCard_Success(t *testing.T) {
	fp := &fakePort{respond: func(cmd string) []string {
		if cmd == "READ" {
			return []string{"STATUS:WAITING", "hello from firmware", "UID:AB12CD34:75"}
		}
		return nil
	}}
	l, j := newTestLink(t, fp)

	got, err := l.ReadCard(context.Background())
	if err != nil {
		t.Fatalf("ReadCard() error: %v", err)
	}
	if got != "AB12CD34:75" {
		t.Errorf("ReadCard() = %q, want AB12CD34:75", got)
	}
	if l.State() != StateConnected {
		t.Errorf("State() after command = %s, want connected", l.State())
	}

	ex := j.Recent(1)[0]
	if ex.Command != "READ" || ex.Outcome != observability.OutcomeOK || len(ex.Lines) != 3 {
		t.Errorf("journal = %+v", ex)
	}
}

func TestReadCard_RetriesThenSucceeds(t *testing.T) {
	reads := 0
	fp := &fakePort{respond: func(cmd string) []string {
		if cmd != "READ" {
			return nil
		}
		reads++
		if reads < 3 {
			return nil // timeout
		}
		return []string{"UID:ABC123"}
	}}
	l, _ := newTestLink(t, fp)

	got, err := l.ReadCard(context.Background())
	if err != nil {
		t.Fatalf("ReadCard() error: %v", err)
	}
	if got != "ABC123" {
		t.Errorf("ReadCard() = %q, want ABC123", got)
	}
	if fp.commands("READ") != 3 {
		t.Errorf("READ sent %d times, want 3", fp.commands("READ"))
	}
	if fp.resets < 3 {
		t.Errorf("input buffer cleared %d times, want one per attempt", fp.resets)
	}
}

func TestReadCard_TimeoutBudgetExhausted(t *testing.T) {
	fp := &fakePort{}
	l, j := newTestLink(t, fp)

	_, err := l.ReadCard(context.Background())
	if !errors.Is(err, domain.ErrLinkTimeout) {
		t.Fatalf("ReadCard() error = %v, want ErrLinkTimeout", err)
	}
	var le *domain.LinkError
	if !errors.As(err, &le) || le.Attempts != 3 {
		t.Errorf("LinkError = %+v, want 3 attempts", le)
	}
	if fp.commands("READ") != 3 {
		t.Errorf("READ sent %d times, want exactly 3", fp.commands("READ"))
	}
	if j.Recent(1)[0].Outcome != observability.OutcomeTimeout {
		t.Error("journal should record a timeout")
	}
}

func TestReadCard_DeviceErrorNotRetried(t *testing.T) {
	fp := &fakePort{respond: func(cmd string) []string {
		return []string{"STATUS:SCANNING", "ERROR:NO_CARD"}
	}}
	l, _ := newTestLink(t, fp)

	_, err := l.ReadCard(context.Background())
	if !errors.Is(err, domain.ErrLinkDeviceReported) {
		t.Fatalf("ReadCard() error = %v, want ErrLinkDeviceReported", err)
	}
	var le *domain.LinkError
	if errors.As(err, &le) && le.Msg != "NO_CARD" {
		t.Errorf("Msg = %q, want NO_CARD", le.Msg)
	}
	if fp.commands("READ") != 1 {
		t.Errorf("READ sent %d times, want 1", fp.commands("READ"))
	}
}

func TestReadCard_WriteFailureIsIO(t *testing.T) {
	fp := &fakePort{}
	l, _ := newTestLink(t, fp)
	fp.writeErr = errors.New("device unplugged")

	_, err := l.ReadCard(context.Background())
	if !errors.Is(err, domain.ErrLinkIO) {
		t.Fatalf("ReadCard() error = %v, want ErrLinkIO", err)
	}
}

// ─── WriteCard ──────────────────────────────────────────────────────────────

func TestWriteCard_ResetThenWrite(t *testing.T) {
	fp := &fakePort{respond: func(cmd string) []string {
		switch {
		case cmd == "RESET":
			return []string{"OK:RESET"}
		case strings.HasPrefix(cmd, "WRITE:"):
			return []string{"STATUS:PLACE_CARD", "OK:WROTE:AB12CD34:" + strings.TrimPrefix(cmd, "WRITE:")}
		}
		return nil
	}}
	l, _ := newTestLink(t, fp)

	uid, written, err := l.WriteCard(context.Background(), "K100")
	if err != nil {
		t.Fatalf("WriteCard() error: %v", err)
	}
	if uid != "AB12CD34" || written != "K100" {
		t.Errorf("WriteCard() = %q, %q", uid, written)
	}
	if len(fp.writes) < 2 || fp.writes[0] != "RESET" || fp.writes[1] != "WRITE:K100" {
		t.Errorf("writes = %v, want RESET then WRITE:K100", fp.writes)
	}
}

func TestWriteCard_ResetFailureNotFatal(t *testing.T) {
	fp := &fakePort{respond: func(cmd string) []string {
		if strings.HasPrefix(cmd, "WRITE:") {
			return []string{"OK:WROTE:AB12CD34:50"}
		}
		return nil // RESET gets no answer
	}}
	l, _ := newTestLink(t, fp)

	if _, _, err := l.WriteCard(context.Background(), "50"); err != nil {
		t.Fatalf("WriteCard() error: %v", err)
	}
}

func TestWriteCard_DeviceError(t *testing.T) {
	fp := &fakePort{respond: func(cmd string) []string {
		if strings.HasPrefix(cmd, "WRITE:") {
			return []string{"ERROR:AUTH_FAILED"}
		}
		return nil
	}}
	l, _ := newTestLink(t, fp)

	_, _, err := l.WriteCard(context.Background(), "50")
	if !errors.Is(err, domain.ErrLinkDeviceReported) {
		t.Fatalf("WriteCard() error = %v, want ErrLinkDeviceReported", err)
	}
	if fp.commands("WRITE") != 1 {
		t.Errorf("WRITE sent %d times, want 1", fp.commands("WRITE"))
	}
}

func TestWriteCard_RejectsMultiline(t *testing.T) {
	l, _ := newTestLink(t, &fakePort{})
	if _, _, err := l.WriteCard(context.Background(), "50\nREAD"); !errors.Is(err, domain.ErrDataInvalid) {
		t.Errorf("WriteCard() error = %v, want ErrDataInvalid", err)
	}
}

func TestWriteCard_Timeout(t *testing.T) {
	fp := &fakePort{}
	l, _ := newTestLink(t, fp)
	_, _, err := l.WriteCard(context.Background(), "50")
	if !errors.Is(err, domain.ErrLinkTimeout) {
		t.Fatalf("WriteCard() error = %v, want ErrLinkTimeout", err)
	}
	if fp.commands("WRITE") != 3 {
		t.Errorf("WRITE sent %d times, want 3", fp.commands("WRITE"))
	}
}

// ─── History ────────────────────────────────────────────────────────────────

func TestReadHistoryBlocks(t *testing.T) {
	fp := &fakePort{respond: func(cmd string) []string {
		if cmd != "READ_HISTORY" {
			return nil
		}
		return []string{
			"HISTORY_BLOCK:9:stale",
			"HISTORY_START:AB12CD34",
			"HISTORY_BLOCK:9:A:50#B:30#",
			"STATUS:READING",
			"HISTORY_BLOCK:10:",
			"HISTORY_BLOCK:3:not-history",
			"HISTORY_END",
		}
	}}
	l, _ := newTestLink(t, fp)

	uid, blocks, err := l.ReadHistoryBlocks(context.Background())
	if err != nil {
		t.Fatalf("ReadHistoryBlocks() error: %v", err)
	}
	if uid != "AB12CD34" {
		t.Errorf("uid = %q", uid)
	}
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2: %+v", len(blocks), blocks)
	}
	if blocks[0].Index != 9 || blocks[0].Text != "A:50#B:30#" {
		t.Errorf("blocks[0] = %+v", blocks[0])
	}
	if blocks[1].Index != 10 || blocks[1].Text != "" {
		t.Errorf("blocks[1] = %+v", blocks[1])
	}
}

func TestReadHistoryBlocks_ErrorAborts(t *testing.T) {
	fp := &fakePort{respond: func(cmd string) []string {
		return []string{"HISTORY_START:AB12CD34", "HISTORY_BLOCK:9:A:50#", "ERROR:READ_FAILED"}
	}}
	l, _ := newTestLink(t, fp)

	if _, _, err := l.ReadHistoryBlocks(context.Background()); !errors.Is(err, domain.ErrLinkDeviceReported) {
		t.Fatalf("ReadHistoryBlocks() error = %v, want ErrLinkDeviceReported", err)
	}
}

func TestReadHistoryBlocks_MissingEndTimesOut(t *testing.T) {
	fp := &fakePort{respond: func(cmd string) []string {
		return []string{"HISTORY_START:AB12CD34", "HISTORY_BLOCK:9:A:50#"}
	}}
	l, _ := newTestLink(t, fp)

	if _, _, err := l.ReadHistoryBlocks(context.Background()); !errors.Is(err, domain.ErrLinkTimeout) {
		t.Fatalf("ReadHistoryBlocks() error = %v, want ErrLinkTimeout", err)
	}
}

func TestClearHistory(t *testing.T) {
	fp := &fakePort{respond: func(cmd string) []string {
		if cmd == "CLEAR_HISTORY" {
			return []string{"STATUS:CLEARING", "OK:HISTORY_CLEARED:AB12CD34"}
		}
		return nil
	}}
	l, _ := newTestLink(t, fp)

	uid, err := l.ClearHistory(context.Background())
	if err != nil {
		t.Fatalf("ClearHistory() error: %v", err)
	}
	if uid != "AB12CD34" {
		t.Errorf("ClearHistory() = %q", uid)
	}
}

// ─── Ping ───────────────────────────────────────────────────────────────────

func TestPing(t *testing.T) {
	fp := &fakePort{respond: func(cmd string) []string { return []string{"PONG"} }}
	l, _ := newTestLink(t, fp)

	if !l.Ping(context.Background()) {
		t.Fatal("Ping() = false, want true")
	}
	if fp.commands("PING") != 1 {
		t.Errorf("PING sent %d times", fp.commands("PING"))
	}
	fp.writeErr = errors.New("gone")
	if l.Ping(context.Background()) {
		t.Error("Ping() with a failing port should be false")
	}
}

// ─── Exclusive Access ───────────────────────────────────────────────────────

func TestCommands_NeverInterleave(t *testing.T) {
	fp := &fakePort{
		delay: 3 * time.Millisecond,
		respond: func(cmd string) []string {
			if cmd == "READ" {
				return []string{"STATUS:WAITING", "UID:AB12CD34:75"}
			}
			return []string{"PONG"}
		},
	}
	l, _ := newTestLink(t, fp)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := l.ReadCard(context.Background()); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			l.Ping(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("ReadCard() error: %v", err)
	}
	if fp.overlap.Load() {
		t.Error("two commands used the port at the same time")
	}
}

func TestRun_ContextBoundsSlotWait(t *testing.T) {
	fp := &fakePort{
		delay: 30 * time.Millisecond,
		respond: func(cmd string) []string {
			return []string{"UID:AB12CD34"}
		},
	}
	l, _ := newTestLink(t, fp)

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.ReadCard(context.Background())
	}()
	time.Sleep(5 * time.Millisecond) // let the first command take the slot

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := l.ReadCard(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("queued ReadCard() error = %v, want deadline exceeded", err)
	}
	<-done
}
