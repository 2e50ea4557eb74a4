// Package reconcile keeps the ledger in step with the stored-value cards.
//
// When a card reports a non-negative amount, that amount is the truth: the
// engine appends whatever signed entry brings the ledger balance to it.
// Cards holding text, nothing, or a negative number are never used to move
// a balance. Top-ups credit the ledger and optionally write the new total
// back to the card.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/frontdesk/cardesk/internal/domain"
	"github.com/frontdesk/cardesk/internal/infra/codec"
	"github.com/frontdesk/cardesk/internal/infra/events"
	"github.com/frontdesk/cardesk/internal/infra/observability"
)

// WriteStyle selects how totals are written to cards.
type WriteStyle string

const (
	StyleAuto  WriteStyle = "auto"  // K<total> if the card currently holds a K-amount
	StylePlain WriteStyle = "plain" // always <total>
	StyleK     WriteStyle = "k"     // always K<total>
)

// ParseWriteStyle validates a configured write style. Empty means auto.
func ParseWriteStyle(s string) (WriteStyle, error) {
	switch WriteStyle(s) {
	case "", StyleAuto:
		return StyleAuto, nil
	case StylePlain, StyleK:
		return WriteStyle(s), nil
	}
	return "", fmt.Errorf("unknown write style %q (want auto, plain or k)", s)
}

// Config controls engine behavior.
type Config struct {
	Employee   string     // recorded on entries when the caller names nobody (default: Receptionist)
	AuditReads bool       // append a zero read entry when a scanned card holds no amount
	WriteStyle WriteStyle // total format on write-back (default: auto)

	// DefaultOffer is the bonus percent for cards without their own offer.
	DefaultOffer decimal.Decimal
}

// DefaultConfig returns station defaults.
func DefaultConfig() Config {
	return Config{
		Employee:   "Receptionist",
		AuditReads: true,
		WriteStyle: StyleAuto,
	}
}

// ManualNotes marks top-ups recorded without touching a card.
const ManualNotes = "manual entry"

// Outcome is what a reconciliation pass did.
type Outcome string

const (
	OutcomeSynced           Outcome = "synced"            // a correcting entry was appended
	OutcomeInSync           Outcome = "in_sync"           // card and ledger already agreed
	OutcomeNonAuthoritative Outcome = "non_authoritative" // card holds no usable amount
	OutcomeStale            Outcome = "stale"             // a write landed after the read; nothing applied
)

// Reading is a decoded card read, stamped with the engine's write count at
// the time the read started.
type Reading struct {
	domain.Payload
	seq uint64
}

// Result describes one reconciliation pass or scan.
type Result struct {
	UID        string          `json:"card_uid"`
	Payload    domain.Payload  `json:"payload"`
	Outcome    Outcome         `json:"outcome"`
	Previous   decimal.Decimal `json:"previous"`
	Balance    decimal.Decimal `json:"balance"`
	Delta      decimal.Decimal `json:"delta"`
	EntryID    int64           `json:"entry_id,omitempty"` // correcting or read entry, if any
	CardWasNew bool            `json:"card_was_new"`
}

// TopUpResult describes a committed top-up.
type TopUpResult struct {
	UID          string          `json:"card_uid"`
	Paid         decimal.Decimal `json:"paid"`
	OfferPercent decimal.Decimal `json:"offer_percent"`
	Bonus        decimal.Decimal `json:"bonus"`
	Credited     decimal.Decimal `json:"credited"`
	Previous     decimal.Decimal `json:"previous"`
	Balance      decimal.Decimal `json:"balance"`
	EntryID      int64           `json:"entry_id"`
	Written      string          `json:"written,omitempty"` // card data, when written
}

var hundred = decimal.NewFromInt(100)

// Engine reconciles scans and records top-ups. All ledger mutations for one
// card go through the engine's per-card lock, so two passes for the same
// card never compute the same correction twice.
type Engine struct {
	cfg    Config
	dev    domain.Device
	ledger domain.Ledger
	pub    events.Publisher
	log    *log.Entry

	mu    sync.Mutex
	locks map[string]*uidLock // entries live only while held or awaited

	writes atomic.Uint64 // completed device writes
}

type uidLock struct {
	sync.Mutex
	refs int
}

// New creates an engine. dev may be nil for a station without a reader;
// pub may be nil when no broker is configured.
func New(cfg Config, dev domain.Device, ledger domain.Ledger, pub events.Publisher) *Engine {
	if cfg.Employee == "" {
		cfg.Employee = DefaultConfig().Employee
	}
	if cfg.WriteStyle == "" {
		cfg.WriteStyle = StyleAuto
	}
	if pub == nil {
		pub = events.Noop{}
	}
	return &Engine{
		cfg:    cfg,
		dev:    dev,
		ledger: ledger,
		pub:    pub,
		log:    log.WithField("component", "reconcile"),
		locks:  make(map[string]*uidLock),
	}
}

// ─── Reconciliation ─────────────────────────────────────────────────────────

// Reconcile brings the ledger balance of p.UID in line with the amount the
// card reports, appending one correcting entry if they disagree.
func (e *Engine) Reconcile(ctx context.Context, p domain.Payload) (Result, error) {
	if p.UID == "" {
		return Result{}, domain.ErrInvalidUID
	}
	unlock := e.lock(p.UID)
	defer unlock()
	return e.reconcile(ctx, p)
}

// reconcile must be called holding p.UID's lock.
func (e *Engine) reconcile(ctx context.Context, p domain.Payload) (Result, error) {
	card, err := e.ledger.GetOrCreateCard(ctx, p.UID)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		UID:      p.UID,
		Payload:  p,
		Previous: card.Balance,
		Balance:  card.Balance,
		Delta:    decimal.Zero,
	}

	onCard, ok := p.Content.Authoritative()
	if !ok {
		res.Outcome = OutcomeNonAuthoritative
		observability.Reconciliations.WithLabelValues(string(res.Outcome)).Inc()
		e.log.WithField("uid", p.UID).Debugf("card holds %s content, nothing to reconcile", p.Content.Kind)
		return res, nil
	}

	diff := onCard.Sub(card.Balance)
	if diff.IsZero() {
		res.Outcome = OutcomeInSync
		observability.Reconciliations.WithLabelValues(string(res.Outcome)).Inc()
		return res, nil
	}

	notes := fmt.Sprintf("auto-sync: card=%s, db-was=%s, delta=%s", onCard, card.Balance, diff)
	req := domain.AppendRequest{
		UID:      p.UID,
		Kind:     domain.KindTopUp,
		Amount:   diff,
		Employee: e.cfg.Employee,
		Notes:    notes,
	}
	ar, err := e.ledger.Append(ctx, req)
	if err != nil {
		return Result{}, err
	}
	e.publish(ctx, req, ar)

	res.Outcome = OutcomeSynced
	res.Balance = ar.Balance
	res.Delta = diff
	res.EntryID = ar.EntryID
	res.CardWasNew = ar.CardWasNew
	observability.Reconciliations.WithLabelValues(string(res.Outcome)).Inc()
	e.log.WithField("uid", p.UID).Infof("ledger synced to card: %s -> %s", card.Balance, ar.Balance)
	return res, nil
}

// Scan reads the card on the reader and applies it. A read overtaken by a
// write is read again once.
func (e *Engine) Scan(ctx context.Context) (Result, error) {
	var res Result
	for attempt := 0; attempt < 2; attempt++ {
		r, err := e.Read(ctx)
		if err != nil {
			return Result{}, err
		}
		res, err = e.Apply(ctx, r)
		if err != nil || res.Outcome != OutcomeStale {
			return res, err
		}
	}
	return res, nil
}

// Read reads and decodes the card on the reader without touching the ledger.
func (e *Engine) Read(ctx context.Context) (Reading, error) {
	if e.dev == nil {
		return Reading{}, &domain.LinkError{Kind: domain.LinkNotConnected, Op: "READ"}
	}
	seq := e.writes.Load()
	raw, err := e.dev.ReadCard(ctx)
	if err != nil {
		return Reading{}, err
	}
	return Reading{Payload: codec.Parse(raw), seq: seq}, nil
}

// Apply reconciles a reading. If any card write completed since the read
// started, the reading may predate it and Apply returns OutcomeStale without
// touching the ledger. A card without a usable amount gets a zero read entry
// when AuditReads is on.
func (e *Engine) Apply(ctx context.Context, r Reading) (Result, error) {
	p := r.Payload
	if p.UID == "" {
		return Result{}, domain.ErrInvalidUID
	}
	unlock := e.lock(p.UID)
	defer unlock()

	if e.writes.Load() != r.seq {
		observability.Reconciliations.WithLabelValues(string(OutcomeStale)).Inc()
		e.log.WithField("uid", p.UID).Debug("card written since it was read, reading dropped")
		return Result{UID: p.UID, Payload: p, Outcome: OutcomeStale}, nil
	}
	res, err := e.reconcile(ctx, p)
	if err != nil {
		return Result{}, err
	}
	if res.Outcome == OutcomeNonAuthoritative && e.cfg.AuditReads {
		ar, err := e.LogRead(ctx, p.UID, "")
		if err != nil {
			return Result{}, err
		}
		res.EntryID = ar.EntryID
		res.CardWasNew = res.CardWasNew || ar.CardWasNew
	}
	return res, nil
}

// LogRead records a zero-amount read entry for audit.
func (e *Engine) LogRead(ctx context.Context, uid, employee string) (domain.AppendResult, error) {
	uid = codec.NormalizeUID(uid)
	if uid == "" {
		return domain.AppendResult{}, domain.ErrInvalidUID
	}
	if employee == "" {
		employee = e.cfg.Employee
	}
	ar, err := e.ledger.LogRead(ctx, uid, employee)
	if err != nil {
		return domain.AppendResult{}, err
	}
	e.publish(ctx, domain.AppendRequest{UID: uid, Kind: domain.KindRead, Amount: decimal.Zero, Employee: employee}, ar)
	return ar, nil
}

// ─── Top-ups ────────────────────────────────────────────────────────────────

// TopUp credits paid plus the card's offer bonus to the ledger. The card
// itself is not touched.
func (e *Engine) TopUp(ctx context.Context, uid string, paid decimal.Decimal, employee, notes string) (TopUpResult, error) {
	uid, err := e.checkTopUp(uid, paid)
	if err != nil {
		return TopUpResult{}, err
	}
	unlock := e.lock(uid)
	defer unlock()

	plan, err := e.plan(ctx, uid, paid)
	if err != nil {
		return TopUpResult{}, err
	}
	return e.commit(ctx, plan, employee, notes)
}

// TopUpOnCard reads the card on the reader and reconciles it, writes the new
// total back, then credits the ledger. Nothing is credited if the reader
// holds another card or the write fails.
func (e *Engine) TopUpOnCard(ctx context.Context, uid string, paid decimal.Decimal, employee, notes string) (TopUpResult, error) {
	uid, err := e.checkTopUp(uid, paid)
	if err != nil {
		return TopUpResult{}, err
	}
	unlock := e.lock(uid)
	defer unlock()

	p, err := e.readCard(ctx, uid)
	if err != nil {
		return TopUpResult{}, err
	}
	if _, err := e.reconcile(ctx, p); err != nil {
		return TopUpResult{}, err
	}
	plan, err := e.plan(ctx, uid, paid)
	if err != nil {
		return TopUpResult{}, err
	}
	written, err := e.write(ctx, uid, codec.FormatTotal(plan.Balance, e.kStyle(p.Content.Kind)))
	if err != nil {
		return TopUpResult{}, err
	}
	res, err := e.commit(ctx, plan, employee, notes)
	if err != nil {
		e.log.WithError(err).WithField("uid", uid).Error("card written but ledger append failed; next scan will resync")
		return TopUpResult{}, err
	}
	res.Written = written
	return res, nil
}

func (e *Engine) checkTopUp(uid string, paid decimal.Decimal) (string, error) {
	uid = codec.NormalizeUID(uid)
	if uid == "" {
		return "", domain.ErrInvalidUID
	}
	if !paid.IsPositive() {
		return "", domain.ErrInvalidAmount
	}
	return uid, nil
}

// plan computes the credit for paid including the card's offer. The
// returned Balance is the total after the credit.
func (e *Engine) plan(ctx context.Context, uid string, paid decimal.Decimal) (TopUpResult, error) {
	card, err := e.ledger.GetOrCreateCard(ctx, uid)
	if err != nil {
		return TopUpResult{}, err
	}
	offer := card.OfferPercent
	if offer.IsZero() {
		offer = e.cfg.DefaultOffer
	}
	bonus := paid.Mul(offer).Div(hundred).Round(2)
	credited := paid.Add(bonus)
	return TopUpResult{
		UID:          uid,
		Paid:         paid,
		OfferPercent: offer,
		Bonus:        bonus,
		Credited:     credited,
		Previous:     card.Balance,
		Balance:      card.Balance.Add(credited),
	}, nil
}

func (e *Engine) commit(ctx context.Context, plan TopUpResult, employee, notes string) (TopUpResult, error) {
	if employee == "" {
		employee = e.cfg.Employee
	}
	req := domain.AppendRequest{
		UID:               plan.UID,
		Kind:              domain.KindTopUp,
		Amount:            plan.Credited,
		Employee:          employee,
		Notes:             notes,
		AmountBeforeOffer: plan.Paid,
		OfferAmount:       plan.Bonus,
		OfferPercent:      plan.OfferPercent,
	}
	ar, err := e.ledger.Append(ctx, req)
	if err != nil {
		return TopUpResult{}, err
	}
	e.publish(ctx, req, ar)

	plan.Previous = ar.Previous
	plan.Balance = ar.Balance
	plan.EntryID = ar.EntryID
	e.log.WithFields(log.Fields{
		"uid":      plan.UID,
		"paid":     plan.Paid.String(),
		"bonus":    plan.Bonus.String(),
		"employee": employee,
	}).Infof("top-up recorded, balance %s", ar.Balance)
	return plan, nil
}

// ─── Card writes ────────────────────────────────────────────────────────────

// WriteTotal reconciles the card on the reader, then writes its ledger
// balance back as K<total> or <total> depending on the write style.
func (e *Engine) WriteTotal(ctx context.Context, uid string) (string, error) {
	uid = codec.NormalizeUID(uid)
	if uid == "" {
		return "", domain.ErrInvalidUID
	}
	unlock := e.lock(uid)
	defer unlock()

	card, err := e.ledger.GetCard(ctx, uid)
	if err != nil {
		return "", err
	}
	if card == nil {
		return "", domain.ErrCardNotFound
	}
	p, err := e.readCard(ctx, uid)
	if err != nil {
		return "", err
	}
	res, err := e.reconcile(ctx, p)
	if err != nil {
		return "", err
	}
	return e.write(ctx, uid, codec.FormatTotal(res.Balance, e.kStyle(p.Content.Kind)))
}

// WriteData writes arbitrary data to the card on the reader. The ledger is
// not touched; the next scan reconciles whatever amount the data holds.
func (e *Engine) WriteData(ctx context.Context, uid, data string) (string, error) {
	uid = codec.NormalizeUID(uid)
	if uid == "" {
		return "", domain.ErrInvalidUID
	}
	unlock := e.lock(uid)
	defer unlock()
	return e.write(ctx, uid, data)
}

// write must be called holding uid's lock.
func (e *Engine) write(ctx context.Context, uid, data string) (string, error) {
	if err := codec.ValidateWriteData(data); err != nil {
		return "", err
	}
	if e.dev == nil {
		return "", &domain.LinkError{Kind: domain.LinkNotConnected, Op: "WRITE"}
	}
	got, written, err := e.dev.WriteCard(ctx, data)
	// A failed write may still have reached the card.
	e.writes.Add(1)
	if err != nil {
		return "", err
	}
	if gotUID := codec.NormalizeUID(got); gotUID != uid {
		e.log.Warnf("asked to write %s but device wrote %s", uid, gotUID)
		return "", fmt.Errorf("%w: wanted %s, device wrote %s", domain.ErrCardMismatch, uid, gotUID)
	}
	return written, nil
}

// readCard reads the card on the reader and checks it is uid.
func (e *Engine) readCard(ctx context.Context, uid string) (domain.Payload, error) {
	r, err := e.Read(ctx)
	if err != nil {
		return domain.Payload{}, err
	}
	if r.UID != uid {
		return domain.Payload{}, fmt.Errorf("%w: wanted %s, reader holds %s", domain.ErrCardMismatch, uid, r.UID)
	}
	return r.Payload, nil
}

// kStyle reports whether a total replacing content of the given kind is
// written with the K prefix.
func (e *Engine) kStyle(kind domain.ContentKind) bool {
	switch e.cfg.WriteStyle {
	case StyleK:
		return true
	case StylePlain:
		return false
	}
	return kind == domain.ContentKAmount
}

// ─── Internals ──────────────────────────────────────────────────────────────

// lock takes uid's lock and returns its release. The map entry is dropped
// once nobody holds or waits for it.
func (e *Engine) lock(uid string) func() {
	e.mu.Lock()
	l, ok := e.locks[uid]
	if !ok {
		l = &uidLock{}
		e.locks[uid] = l
	}
	l.refs++
	e.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, uid)
		}
		e.mu.Unlock()
	}
}

// publish announces a committed entry. Failures are logged only. The event
// outlives the caller's context: the entry is already committed.
func (e *Engine) publish(ctx context.Context, req domain.AppendRequest, ar domain.AppendResult) {
	ev := events.LedgerEvent{
		EntryID:      ar.EntryID,
		UID:          req.UID,
		Kind:         req.Kind,
		Amount:       req.Amount,
		BalanceAfter: ar.Balance,
		Employee:     req.Employee,
		Notes:        req.Notes,
		Timestamp:    time.Now(),
	}
	if err := e.pub.Publish(context.WithoutCancel(ctx), ev); err != nil && !errors.Is(err, context.Canceled) {
		e.log.WithError(err).Warnf("ledger event for entry %d not published", ar.EntryID)
	}
}
