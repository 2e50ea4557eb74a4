package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/frontdesk/cardesk/internal/app/reconcile"
	"github.com/frontdesk/cardesk/internal/domain"
	"github.com/frontdesk/cardesk/internal/infra/codec"
)

// ─── Health & device ────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status": "ok",
		"ledger": "ok",
		"device": s.deviceState(),
	}
	if err := s.store.Ping(r.Context()); err != nil {
		status["status"] = "degraded"
		status["ledger"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) deviceState() string {
	if s.device == nil {
		return "disconnected"
	}
	return s.device.State().String()
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"state": s.deviceState()}
	if s.device != nil {
		name, baud := s.device.Port()
		if name != "" {
			resp["port"] = name
			resp["baud"] = baud
		}
	}
	resp["feed_clients"] = s.hub.ClientCount()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDevicePing(w http.ResponseWriter, r *http.Request) {
	ok := s.device != nil && s.device.Ping(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.journal.Recent(queryInt(r, "limit", 50)))
}

// ─── Scan ───────────────────────────────────────────────────────────────────

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Scan(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.hub.Broadcast(FeedEvent{Type: FeedScan, Scan: &res})
	writeJSON(w, http.StatusOK, res)
}

// ─── Cards ──────────────────────────────────────────────────────────────────

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := s.store.ListCards(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if cards == nil {
		cards = []domain.Card{}
	}
	writeJSON(w, http.StatusOK, cards)
}

func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	uid := codec.NormalizeUID(chi.URLParam(r, "uid"))
	card, err := s.store.GetCard(r.Context(), uid)
	if err != nil {
		s.fail(w, err)
		return
	}
	if card == nil {
		s.fail(w, domain.ErrCardNotFound)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleDeleteCard(w http.ResponseWriter, r *http.Request) {
	uid := codec.NormalizeUID(chi.URLParam(r, "uid"))
	if err := s.store.DeleteCard(r.Context(), uid); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": uid})
}

type topUpRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Employee string          `json:"employee"`
	Notes    string          `json:"notes"`
	Manual   bool            `json:"manual"` // credit the ledger only, leave the card alone
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	uid := chi.URLParam(r, "uid")

	var (
		res reconcile.TopUpResult
		err error
	)
	if req.Manual {
		notes := req.Notes
		if notes == "" {
			notes = reconcile.ManualNotes
		}
		res, err = s.engine.TopUp(r.Context(), uid, req.Amount, req.Employee, notes)
	} else {
		res, err = s.engine.TopUpOnCard(r.Context(), uid, req.Amount, req.Employee, req.Notes)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	s.hub.Broadcast(FeedEvent{Type: FeedTopUp, TopUp: &res})
	writeJSON(w, http.StatusOK, res)
}

type writeRequest struct {
	Data string `json:"data"` // empty writes the ledger total
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	uid := codec.NormalizeUID(chi.URLParam(r, "uid"))

	var (
		written string
		err     error
	)
	if req.Data == "" {
		written, err = s.engine.WriteTotal(r.Context(), uid)
	} else {
		written, err = s.engine.WriteData(r.Context(), uid, req.Data)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"card_uid": uid, "written": written})
}

type offerRequest struct {
	OfferPercent decimal.Decimal `json:"offer_percent"`
}

func (s *Server) handleSetOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	uid := codec.NormalizeUID(chi.URLParam(r, "uid"))
	if err := s.store.SetOffer(r.Context(), uid, req.OfferPercent); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"card_uid":      uid,
		"offer_percent": req.OfferPercent.String(),
	})
}

// ─── Transactions ───────────────────────────────────────────────────────────

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.EntryFilter{UID: codec.NormalizeUID(q.Get("uid"))}

	var err error
	if f.From, err = parseBound(q.Get("from"), false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	if f.To, err = parseBound(q.Get("to"), true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}

	entries, err := s.store.EntriesFor(r.Context(), f)
	if err != nil {
		s.fail(w, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// parseBound accepts RFC 3339 timestamps or plain dates. A plain date used
// as an upper bound covers the whole day.
func parseBound(v string, upper bool) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}
	d, err := time.ParseInLocation("2006-01-02", v, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	if upper {
		d = d.Add(24*time.Hour - time.Nanosecond)
	}
	return d, nil
}

// ─── History ────────────────────────────────────────────────────────────────

func (s *Server) handleReadHistory(w http.ResponseWriter, r *http.Request) {
	h, err := s.history.Read(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	uid, err := s.history.Clear(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"card_uid": uid, "cleared": "true"})
}
