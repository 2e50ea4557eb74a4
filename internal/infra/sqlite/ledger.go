package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/frontdesk/cardesk/internal/domain"
	"github.com/frontdesk/cardesk/internal/infra/observability"
)

// Notes written by the store itself.
const (
	ReadNotes  = "card read from device"
	MergeActor = "System"
)

var hundred = decimal.NewFromInt(100)

// ─── Cards ──────────────────────────────────────────────────────────────────

// GetOrCreateCard returns the card for uid, creating it at zero balance.
func (d *DB) GetOrCreateCard(ctx context.Context, uid string) (domain.Card, error) {
	if uid == "" {
		return domain.Card{}, domain.ErrInvalidUID
	}
	var c domain.Card
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		c, _, err = d.getOrCreate(ctx, tx, uid)
		return err
	})
	if err != nil {
		return domain.Card{}, d.fail("get card", err)
	}
	return c, nil
}

// GetCard returns the card for uid, or nil if it has never been seen.
func (d *DB) GetCard(ctx context.Context, uid string) (*domain.Card, error) {
	c, err := loadCard(ctx, d.db, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, d.fail("get card", err)
	}
	return &c, nil
}

// ListCards returns every card, newest first, with the employee of its
// most recent entry.
func (d *DB) ListCards(ctx context.Context) ([]domain.Card, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT c.id, c.card_uid, c.balance, c.offer_percent, c.created_at, c.last_topped_at,
			COALESCE((SELECT t.employee FROM transactions t
				WHERE t.card_uid = c.card_uid
				ORDER BY t.timestamp DESC, t.id DESC LIMIT 1), '')
		FROM cards c ORDER BY c.created_at DESC, c.id DESC
	`)
	if err != nil {
		return nil, d.fail("list cards", err)
	}
	defer rows.Close()

	var cards []domain.Card
	for rows.Next() {
		var (
			c       domain.Card
			balance string
			offer   string
			created string
			topped  sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.UID, &balance, &offer, &created, &topped, &c.LastEmployee); err != nil {
			return nil, d.fail("list cards", err)
		}
		if err := fillCard(&c, balance, offer, created, topped); err != nil {
			return nil, d.fail("list cards", err)
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, d.fail("list cards", err)
	}
	return cards, nil
}

// SetOffer sets the bonus percentage credited on the card's next top-ups.
func (d *DB) SetOffer(ctx context.Context, uid string, percent decimal.Decimal) error {
	if percent.IsNegative() || percent.GreaterThan(hundred) {
		return domain.ErrInvalidOffer
	}
	res, err := d.db.ExecContext(ctx,
		`UPDATE cards SET offer_percent = ? WHERE card_uid = ?`, percent.String(), uid)
	if err != nil {
		return d.fail("set offer", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrCardNotFound
	}
	d.log.WithField("uid", uid).Infof("offer set to %s%%", percent)
	return nil
}

// DeleteCard purges the card and all of its entries atomically.
func (d *DB) DeleteCard(ctx context.Context, uid string) error {
	var entries int64
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE card_uid = ?`, uid)
		if err != nil {
			return err
		}
		entries, _ = res.RowsAffected()
		res, err = tx.ExecContext(ctx, `DELETE FROM cards WHERE card_uid = ?`, uid)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrCardNotFound
		}
		return nil
	})
	if errors.Is(err, domain.ErrCardNotFound) {
		return err
	}
	if err != nil {
		return d.fail("delete card", err)
	}
	d.log.WithField("uid", uid).Warnf("card deleted with %d entries", entries)
	return nil
}

// ─── Entries ────────────────────────────────────────────────────────────────

// Append records one signed entry and moves the card balance by the same
// amount, all in one transaction. On failure nothing is written.
func (d *DB) Append(ctx context.Context, req domain.AppendRequest) (domain.AppendResult, error) {
	if req.UID == "" {
		return domain.AppendResult{}, domain.ErrInvalidUID
	}
	if !req.Kind.Valid() {
		return domain.AppendResult{}, fmt.Errorf("unknown entry kind %q", req.Kind)
	}

	var res domain.AppendResult
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = d.appendTx(ctx, tx, req)
		return err
	})
	if err != nil {
		observability.LedgerFailures.Inc()
		return domain.AppendResult{}, d.fail("append", err)
	}

	observability.LedgerAppends.WithLabelValues(string(req.Kind)).Inc()
	d.log.WithFields(log.Fields{
		"uid":     req.UID,
		"kind":    req.Kind,
		"amount":  req.Amount.String(),
		"balance": res.Balance.String(),
		"entry":   res.EntryID,
	}).Info("ledger entry appended")
	return res, nil
}

// LogRead appends a zero-amount read entry for audit.
func (d *DB) LogRead(ctx context.Context, uid, employee string) (domain.AppendResult, error) {
	return d.Append(ctx, domain.AppendRequest{
		UID:      uid,
		Kind:     domain.KindRead,
		Amount:   decimal.Zero,
		Employee: employee,
		Notes:    ReadNotes,
	})
}

// BalanceOf returns the cached balance, zero for an unseen uid.
func (d *DB) BalanceOf(ctx context.Context, uid string) (decimal.Decimal, error) {
	var s string
	err := d.db.QueryRowContext(ctx, `SELECT balance FROM cards WHERE card_uid = ?`, uid).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, d.fail("balance", err)
	}
	b, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, d.fail("balance", err)
	}
	return b, nil
}

// EntriesFor returns matching entries, newest first. From and To are
// inclusive bounds on the entry timestamp.
func (d *DB) EntriesFor(ctx context.Context, f domain.EntryFilter) ([]domain.LedgerEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.UID != "" {
		where = append(where, "card_uid = ?")
		args = append(args, f.UID)
	}
	if !f.From.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, formatTime(f.To))
	}

	q := `SELECT id, card_uid, type, amount, balance_after, employee, timestamp, notes,
		amount_before_offer, offer_amount, offer_percent FROM transactions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY timestamp DESC, id DESC"

	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, d.fail("query entries", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, d.fail("query entries", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, d.fail("query entries", err)
	}
	return entries, nil
}

// ─── Maintenance ────────────────────────────────────────────────────────────

// RepairBalances recomputes every cached balance by replaying the card's
// entries in append order and returns the cards that changed.
func (d *DB) RepairBalances(ctx context.Context) ([]domain.BalanceRepair, error) {
	var repairs []domain.BalanceRepair
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		cards, err := loadBalances(ctx, tx)
		if err != nil {
			return err
		}
		for _, c := range cards {
			replayed, err := replay(ctx, tx, c.uid)
			if err != nil {
				return err
			}
			if replayed.Equal(c.balance) {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE cards SET balance = ? WHERE card_uid = ?`, replayed.String(), c.uid); err != nil {
				return err
			}
			repairs = append(repairs, domain.BalanceRepair{UID: c.uid, Was: c.balance, Now: replayed})
		}
		return nil
	})
	if err != nil {
		return nil, d.fail("repair balances", err)
	}
	for _, r := range repairs {
		d.log.WithField("uid", r.UID).Warnf("balance repaired: %s -> %s", r.Was, r.Now)
	}
	return repairs, nil
}

// MergeDuplicates folds stored cards whose UIDs normalize to the same value
// into one canonical card. The variants are purged and the canonical card is
// re-created with a single top-up carrying their summed balance.
func (d *DB) MergeDuplicates(ctx context.Context, normalize func(string) string) ([]domain.CardMerge, error) {
	var merges []domain.CardMerge
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		cards, err := loadBalances(ctx, tx)
		if err != nil {
			return err
		}

		groups := make(map[string][]cardBalance)
		var order []string
		for _, c := range cards {
			key := normalize(c.uid)
			if _, seen := groups[key]; !seen {
				order = append(order, key)
			}
			groups[key] = append(groups[key], c)
		}

		for _, canonical := range order {
			group := groups[canonical]
			if canonical == "" || (len(group) == 1 && group[0].uid == canonical) {
				continue
			}
			m, err := d.mergeGroup(ctx, tx, canonical, group)
			if err != nil {
				return err
			}
			merges = append(merges, m)
		}
		return nil
	})
	if err != nil {
		return nil, d.fail("merge duplicates", err)
	}
	for _, m := range merges {
		d.log.WithField("uid", m.UID).Infof("merged %d card(s) %v, balance %s", len(m.From), m.From, m.Balance)
	}
	return merges, nil
}

func (d *DB) mergeGroup(ctx context.Context, tx *sql.Tx, canonical string, group []cardBalance) (domain.CardMerge, error) {
	m := domain.CardMerge{UID: canonical, Balance: decimal.Zero}
	offer := decimal.Zero
	created := group[0].created
	for _, c := range group {
		m.From = append(m.From, c.uid)
		m.Balance = m.Balance.Add(c.balance)
		if c.offer.GreaterThan(offer) {
			offer = c.offer
		}
		if c.created.Before(created) {
			created = c.created
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE card_uid = ?`, c.uid); err != nil {
			return m, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM cards WHERE card_uid = ?`, c.uid); err != nil {
			return m, err
		}
	}

	if _, _, err := d.getOrCreate(ctx, tx, canonical); err != nil {
		return m, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE cards SET offer_percent = ?, created_at = ? WHERE card_uid = ?`,
		offer.String(), formatTime(created), canonical); err != nil {
		return m, err
	}
	_, err := d.appendTx(ctx, tx, domain.AppendRequest{
		UID:      canonical,
		Kind:     domain.KindTopUp,
		Amount:   m.Balance,
		Employee: MergeActor,
		Notes:    fmt.Sprintf("merged from %d duplicate cards", len(group)),
	})
	return m, err
}

// ─── Internals ──────────────────────────────────────────────────────────────

func (d *DB) getOrCreate(ctx context.Context, q querier, uid string) (domain.Card, bool, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO cards (card_uid, created_at) VALUES (?, ?) ON CONFLICT(card_uid) DO NOTHING`,
		uid, formatTime(d.now()))
	if err != nil {
		return domain.Card{}, false, err
	}
	created, _ := res.RowsAffected()
	c, err := loadCard(ctx, q, uid)
	if err != nil {
		return domain.Card{}, false, err
	}
	if created > 0 {
		d.log.WithField("uid", uid).Info("new card registered")
	}
	return c, created > 0, nil
}

func (d *DB) appendTx(ctx context.Context, tx *sql.Tx, req domain.AppendRequest) (domain.AppendResult, error) {
	card, created, err := d.getOrCreate(ctx, tx, req.UID)
	if err != nil {
		return domain.AppendResult{}, err
	}

	now := d.now()
	stamp := formatTime(now)
	balance := card.Balance.Add(req.Amount)

	row, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (card_uid, type, amount, balance_after, employee, timestamp, notes,
			amount_before_offer, offer_amount, offer_percent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.UID, string(req.Kind), req.Amount.String(), balance.String(), req.Employee, stamp, req.Notes,
		req.AmountBeforeOffer.String(), req.OfferAmount.String(), req.OfferPercent.String())
	if err != nil {
		return domain.AppendResult{}, err
	}
	id, err := row.LastInsertId()
	if err != nil {
		return domain.AppendResult{}, err
	}

	if req.Kind == domain.KindTopUp {
		_, err = tx.ExecContext(ctx,
			`UPDATE cards SET balance = ?, last_topped_at = ? WHERE card_uid = ?`,
			balance.String(), stamp, req.UID)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE cards SET balance = ? WHERE card_uid = ?`, balance.String(), req.UID)
	}
	if err != nil {
		return domain.AppendResult{}, err
	}

	return domain.AppendResult{
		EntryID:    id,
		Balance:    balance,
		Previous:   card.Balance,
		CardWasNew: created,
	}, nil
}

// fail tags a storage error for the caller and logs it.
func (d *DB) fail(op string, err error) error {
	d.log.WithError(err).Errorf("ledger %s failed", op)
	return &domain.PersistenceError{Op: op, Err: err}
}

func loadCard(ctx context.Context, q querier, uid string) (domain.Card, error) {
	var (
		c       domain.Card
		balance string
		offer   string
		created string
		topped  sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, card_uid, balance, offer_percent, created_at, last_topped_at
		FROM cards WHERE card_uid = ?
	`, uid).Scan(&c.ID, &c.UID, &balance, &offer, &created, &topped)
	if err != nil {
		return domain.Card{}, err
	}
	if err := fillCard(&c, balance, offer, created, topped); err != nil {
		return domain.Card{}, err
	}
	return c, nil
}

func fillCard(c *domain.Card, balance, offer, created string, topped sql.NullString) error {
	var err error
	if c.Balance, err = decimal.NewFromString(balance); err != nil {
		return fmt.Errorf("card %s balance: %w", c.UID, err)
	}
	if c.OfferPercent, err = decimal.NewFromString(offer); err != nil {
		return fmt.Errorf("card %s offer: %w", c.UID, err)
	}
	c.CreatedAt = parseTime(created)
	if topped.Valid {
		t := parseTime(topped.String)
		c.LastToppedAt = &t
	}
	return nil
}

func scanEntry(rows *sql.Rows) (domain.LedgerEntry, error) {
	var (
		e                                      domain.LedgerEntry
		kind, amount, after, stamp             string
		beforeOffer, offerAmount, offerPercent string
	)
	if err := rows.Scan(&e.ID, &e.UID, &kind, &amount, &after, &e.Employee, &stamp, &e.Notes,
		&beforeOffer, &offerAmount, &offerPercent); err != nil {
		return e, err
	}
	e.Kind = domain.EntryKind(kind)
	e.Timestamp = parseTime(stamp)

	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&e.Amount, amount},
		{&e.BalanceAfter, after},
		{&e.AmountBeforeOffer, beforeOffer},
		{&e.OfferAmount, offerAmount},
		{&e.OfferPercent, offerPercent},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return e, fmt.Errorf("entry %d: %w", e.ID, err)
		}
		*f.dst = v
	}
	return e, nil
}

type cardBalance struct {
	uid     string
	balance decimal.Decimal
	offer   decimal.Decimal
	created time.Time
}

func loadBalances(ctx context.Context, q querier) ([]cardBalance, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT card_uid, balance, offer_percent, created_at FROM cards ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []cardBalance
	for rows.Next() {
		var uid, balance, offer, created string
		if err := rows.Scan(&uid, &balance, &offer, &created); err != nil {
			return nil, err
		}
		b, err := decimal.NewFromString(balance)
		if err != nil {
			return nil, fmt.Errorf("card %s balance: %w", uid, err)
		}
		o, err := decimal.NewFromString(offer)
		if err != nil {
			return nil, fmt.Errorf("card %s offer: %w", uid, err)
		}
		out = append(out, cardBalance{uid: uid, balance: b, offer: o, created: parseTime(created)})
	}
	return out, rows.Err()
}

// replay sums the card's entry amounts in append order.
func replay(ctx context.Context, q querier, uid string) (decimal.Decimal, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT amount FROM transactions WHERE card_uid = ? ORDER BY id`, uid)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return decimal.Zero, err
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("card %s entry amount: %w", uid, err)
		}
		total = total.Add(v)
	}
	return total, rows.Err()
}

var _ domain.Ledger = (*DB)(nil)
