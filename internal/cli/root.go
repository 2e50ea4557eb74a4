// Package cli implements the cardesk command tree.
package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/frontdesk/cardesk/internal/daemon"
)

var (
	cfgFile      string
	portFlag     string
	employeeFlag string

	cfg       daemon.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "cardesk",
	Short: "Front-desk stored-value card station",
	Long: `cardesk drives a serial RFID reader/writer at a front desk and keeps an
append-only ledger of card balances. Scanning a card reconciles the ledger
with the amount stored on the card; top-ups credit the ledger (plus any
offer bonus) and write the new total back to the card.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default $CARDESK_HOME/config.toml)")
	pf.StringVar(&portFlag, "port", "", "serial port of the card reader (overrides serial.port)")
	pf.StringVar(&employeeFlag, "employee", "", "employee recorded on ledger entries (overrides station.employee)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		path = daemon.ConfigPath()
	}
	c, err := daemon.Load(path)
	if err != nil {
		return err
	}
	if portFlag != "" {
		c.Serial.Port = portFlag
	}
	if employeeFlag != "" {
		c.Station.Employee = employeeFlag
	}
	closer, err := daemon.SetupLogging(c.Log)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	cfg = c
	logCloser = closer
	return nil
}
