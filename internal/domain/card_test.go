package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
)

// ─── Content Tests ──────────────────────────────────────────────────────────

func TestContent_Authoritative(t *testing.T) {
	tests := []struct {
		name    string
		content Content
		want    string
		ok      bool
	}{
		{"numeric", Content{Kind: ContentNumeric, Amount: decimal.NewFromInt(75)}, "75", true},
		{"k amount", Content{Kind: ContentKAmount, Amount: decimal.NewFromInt(40)}, "40", true},
		{"zero", Content{Kind: ContentNumeric}, "0", true},
		{"negative numeric", Content{Kind: ContentNumeric, Amount: decimal.NewFromInt(-5)}, "0", false},
		{"text", Content{Kind: ContentText, Text: "VIP"}, "0", false},
		{"empty", Content{}, "0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.content.Authoritative()
			if ok != tt.ok {
				t.Fatalf("Authoritative() ok = %v, want %v", ok, tt.ok)
			}
			if got.String() != tt.want {
				t.Errorf("Authoritative() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestContentKind_String(t *testing.T) {
	if ContentKAmount.String() != "k_amount" {
		t.Errorf("ContentKAmount.String() = %q", ContentKAmount.String())
	}
	if ContentKind(42).String() != "empty" {
		t.Errorf("unknown kind should print as empty")
	}
}

func TestEntryKind_Valid(t *testing.T) {
	if !KindTopUp.Valid() || !KindRead.Valid() {
		t.Error("topup and read must be valid kinds")
	}
	if EntryKind("refund").Valid() {
		t.Error("refund is not a ledger kind")
	}
}

// ─── Error Tests ────────────────────────────────────────────────────────────

func TestLinkError_Is(t *testing.T) {
	err := fmt.Errorf("scan: %w", &LinkError{Kind: LinkTimeout, Op: "READ", Attempts: 3})

	if !errors.Is(err, ErrLinkTimeout) {
		t.Error("errors.Is(err, ErrLinkTimeout) = false")
	}
	if errors.Is(err, ErrLinkDeviceReported) {
		t.Error("timeout must not match ErrLinkDeviceReported")
	}

	var le *LinkError
	if !errors.As(err, &le) || le.Attempts != 3 {
		t.Fatalf("errors.As did not recover the LinkError: %v", err)
	}
}

func TestLinkError_Messages(t *testing.T) {
	tests := []struct {
		err  *LinkError
		want string
	}{
		{&LinkError{Kind: LinkDeviceReported, Op: "WRITE", Msg: "NO_CARD"}, "WRITE: device error: NO_CARD"},
		{&LinkError{Kind: LinkTimeout, Op: "READ", Attempts: 3}, "READ: no reply after 3 attempt(s)"},
		{&LinkError{Kind: LinkOpen, Op: "OPEN", Err: errors.New("no such file")}, "OPEN: open: no such file"},
		{&LinkError{Kind: LinkNotConnected, Op: "READ"}, "READ: not connected to card reader"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestPersistenceError_Is(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := &PersistenceError{Op: "append", Err: cause}
	if !errors.Is(err, ErrPersistence) {
		t.Error("PersistenceError should match ErrPersistence")
	}
	if !errors.Is(err, cause) {
		t.Error("PersistenceError should unwrap to its cause")
	}
}

func TestHistoryEntry_Valid(t *testing.T) {
	if (HistoryEntry{Label: "A", Price: "50"}).Valid() != true {
		t.Error("A:50 should be valid")
	}
	if (HistoryEntry{Label: "garbage", Price: InvalidPrice}).Valid() {
		t.Error("invalid marker should not be valid")
	}
}
