package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/frontdesk/cardesk/internal/infra/link"
)

func init() {
	rootCmd.AddCommand(portsCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(clearHistoryCmd)
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := link.ListPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No serial ports found.")
			return nil
		}
		for _, p := range ports {
			marker := " "
			if p == cfg.Serial.Port {
				marker = "*"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, p)
		}
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the reader answers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStation(cmd.Context(), cfg, true)
		if err != nil {
			return err
		}
		defer st.Close()

		if !st.link.Ping(cmd.Context()) {
			return fmt.Errorf("reader on %s did not answer", cfg.Serial.Port)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Reader on %s is alive.\n", cfg.Serial.Port)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the purchase history stored on the card",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStation(cmd.Context(), cfg, true)
		if err != nil {
			return err
		}
		defer st.Close()

		h, err := st.history.Read(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Card %s: %d entries\n", h.UID, len(h.Entries))
		for _, e := range h.Entries {
			if !e.Valid() {
				fmt.Fprintf(out, "  [%2d] ⚠ unreadable: %q\n", e.Block, e.Raw)
				continue
			}
			fmt.Fprintf(out, "  [%2d] %-20s %s\n", e.Block, e.Label, e.Price)
		}
		return nil
	},
}

var clearHistoryCmd = &cobra.Command{
	Use:   "clear-history",
	Short: "Wipe the purchase history stored on the card",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStation(cmd.Context(), cfg, true)
		if err != nil {
			return err
		}
		defer st.Close()

		uid, err := st.history.Clear(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ History of %s cleared.\n", uid)
		return nil
	},
}
