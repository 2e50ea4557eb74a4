package cli

import (
	"bufio"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/frontdesk/cardesk/internal/domain"
	"github.com/frontdesk/cardesk/internal/infra/codec"
)

func init() {
	rootCmd.AddCommand(cardsCmd)
	rootCmd.AddCommand(transactionsCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(mergeCmd)

	transactionsCmd.Flags().String("uid", "", "only entries of this card")
	transactionsCmd.Flags().String("from", "", "earliest entry, YYYY-MM-DD (inclusive)")
	transactionsCmd.Flags().String("to", "", "latest entry, YYYY-MM-DD (inclusive)")
}

// ─── cards ──────────────────────────────────────────────────────────────────

var cardsCmd = &cobra.Command{
	Use:   "cards",
	Short: "List all cards, newest first",
	Args:  cobra.NoArgs,
	RunE:  runCards,
}

func runCards(cmd *cobra.Command, args []string) error {
	st, err := openStation(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer st.Close()

	cards, err := st.db.ListCards(cmd.Context())
	if err != nil {
		return err
	}
	if len(cards) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No cards yet.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CARD\tBALANCE\tOFFER\tLAST TOP-UP\tLAST EMPLOYEE")
	for _, c := range cards {
		topped := "-"
		if c.LastToppedAt != nil {
			topped = c.LastToppedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s%%\t%s\t%s\n", c.UID, c.Balance, c.OfferPercent, topped, orDash(c.LastEmployee))
	}
	return w.Flush()
}

// ─── transactions ───────────────────────────────────────────────────────────

var transactionsCmd = &cobra.Command{
	Use:     "transactions",
	Aliases: []string{"tx"},
	Short:   "List ledger entries, newest first",
	Args:    cobra.NoArgs,
	RunE:    runTransactions,
}

func runTransactions(cmd *cobra.Command, args []string) error {
	uid, _ := cmd.Flags().GetString("uid")
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")

	f := domain.EntryFilter{UID: codec.NormalizeUID(uid)}
	var err error
	if f.From, err = parseDay(from, false); err != nil {
		return fmt.Errorf("invalid --from: %w", err)
	}
	if f.To, err = parseDay(to, true); err != nil {
		return fmt.Errorf("invalid --to: %w", err)
	}

	st, err := openStation(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.db.EntriesFor(cmd.Context(), f)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No entries.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tCARD\tTYPE\tAMOUNT\tBALANCE\tEMPLOYEE\tNOTES")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.UID, e.Kind,
			e.Amount, e.BalanceAfter, orDash(e.Employee), e.Notes)
	}
	return w.Flush()
}

// parseDay reads a local calendar day. As an upper bound it covers the whole day.
func parseDay(s string, upper bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	d, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, err
	}
	if upper {
		d = d.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return d, nil
}

// ─── maintenance ────────────────────────────────────────────────────────────

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Recompute every cached balance from its ledger entries",
	Args:  cobra.NoArgs,
	RunE:  runRepair,
}

func runRepair(cmd *cobra.Command, args []string) error {
	st, err := openStation(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer st.Close()

	fixed, err := st.db.RepairBalances(cmd.Context())
	if err != nil {
		return err
	}
	if len(fixed) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "✅ All balances match their entries.")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Repaired %d card(s):\n", len(fixed))
	for _, r := range fixed {
		fmt.Fprintf(cmd.OutOrStdout(), "  • %s: %s → %s\n", r.UID, r.Was, r.Now)
	}
	return nil
}

var mergeCmd = &cobra.Command{
	Use:   "merge-duplicates",
	Short: "Merge cards whose UIDs differ only in case or whitespace",
	Long: `Older installs stored UIDs exactly as scanned, so the same card could
appear under several spellings. Each group is collapsed into its canonical
UID with a single top-up carrying the combined balance.`,
	Args: cobra.NoArgs,
	RunE: runMerge,
}

func runMerge(cmd *cobra.Command, args []string) error {
	st, err := openStation(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer st.Close()

	merged, err := st.db.MergeDuplicates(cmd.Context(), codec.NormalizeUID)
	if err != nil {
		return err
	}
	if len(merged) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "✅ No duplicate cards.")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Merged %d card(s):\n", len(merged))
	for _, m := range merged {
		fmt.Fprintf(cmd.OutOrStdout(), "  • %s ← %s (balance %s)\n", m.UID, strings.Join(m.From, ", "), m.Balance)
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// confirm asks a yes/no question on the command's input.
func confirm(cmd *cobra.Command, question string) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N] ", question)
	answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}
