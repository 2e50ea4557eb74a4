package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/frontdesk/cardesk/internal/api"
	"github.com/frontdesk/cardesk/internal/app/poller"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("poll", false, "read the reader continuously (overrides poll.enabled)")
	serveCmd.Flags().String("addr", "", "listen address (overrides api.host/api.port)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the station: local API, live feed and optional auto-poll",
	Long: `Run the station daemon. It opens the ledger, connects to the card reader
if a port is configured, and serves the local HTTP API. With polling enabled,
a card placed on the reader is reconciled automatically and announced on the
live feed (/api/feed).`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cmd.Flags().Changed("poll") {
		cfg.Poll.Enabled, _ = cmd.Flags().GetBool("poll")
	}
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.APIAddr()
	}

	st, err := openStation(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer st.Close()

	l := log.WithField("component", "serve")
	if err := st.connect(ctx); err != nil {
		// The desk can still look up balances and record manual top-ups.
		l.WithError(err).Warn("card reader not connected")
	}

	srv := api.NewServer(st.engine, st.db, st.link, st.history, st.journal)
	if cfg.API.Metrics {
		srv.EnableMetrics()
	}

	if cfg.Poll.Enabled {
		p := poller.New(st.engine, cfg.PollInterval(), srv.ScanHub().PollHandler())
		p.Start(ctx)
		defer p.Stop()
		l.Infof("auto-poll every %s", cfg.PollInterval())
	}

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "cardesk listening on http://%s\n", addr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	l.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
