package cli

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/frontdesk/cardesk/internal/app/history"
	"github.com/frontdesk/cardesk/internal/app/reconcile"
	"github.com/frontdesk/cardesk/internal/daemon"
	"github.com/frontdesk/cardesk/internal/infra/events"
	"github.com/frontdesk/cardesk/internal/infra/link"
	"github.com/frontdesk/cardesk/internal/infra/observability"
	"github.com/frontdesk/cardesk/internal/infra/sqlite"
)

// errNoPort is returned by device commands when no serial port is configured.
var errNoPort = errors.New("no serial port configured: set serial.port in the config or pass --port (see 'cardesk ports')")

// station bundles everything one command invocation needs.
type station struct {
	cfg     daemon.Config
	db      *sqlite.DB
	journal *observability.Journal
	link    *link.Link
	pub     events.Publisher
	engine  *reconcile.Engine
	history *history.Reader
}

// openStation opens the ledger and builds the engine. The reader is only
// connected when withDevice is set.
func openStation(ctx context.Context, c daemon.Config, withDevice bool) (*station, error) {
	db, err := sqlite.OpenFile(c.DBPath())
	if err != nil {
		return nil, err
	}
	st := &station{
		cfg:     c,
		db:      db,
		journal: observability.NewJournal(observability.DefaultJournalConfig()),
		pub:     events.Noop{},
	}
	st.link = link.New(c.LinkConfig(), link.SerialOpener, st.journal)

	if c.Events.NATSURL != "" {
		pub, err := events.Connect(events.NATSConfig{
			URL:     c.Events.NATSURL,
			Token:   c.Events.Token,
			Subject: c.Events.Subject,
		})
		if err != nil {
			log.WithError(err).Warn("event broker unavailable, ledger events disabled")
		} else {
			st.pub = pub
		}
	}

	st.engine = reconcile.New(c.EngineConfig(), st.link, db, st.pub)
	st.history = history.NewReader(st.link)

	if withDevice {
		if err := st.connect(ctx); err != nil {
			st.Close()
			return nil, err
		}
	}
	return st, nil
}

func (s *station) connect(ctx context.Context) error {
	if s.cfg.Serial.Port == "" {
		return errNoPort
	}
	if err := s.link.Connect(ctx, s.cfg.Serial.Port, s.cfg.Serial.BaudRate); err != nil {
		return fmt.Errorf("connect to %s: %w", s.cfg.Serial.Port, err)
	}
	return nil
}

// Close releases the reader, the broker connection and the ledger.
func (s *station) Close() error {
	s.link.Disconnect()
	s.pub.Close()
	return s.db.Close()
}
