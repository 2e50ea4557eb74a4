package cli

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/frontdesk/cardesk/internal/app/reconcile"
	"github.com/frontdesk/cardesk/internal/domain"
	"github.com/frontdesk/cardesk/internal/infra/codec"
)

func init() {
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(topupCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(offerCmd)
	rootCmd.AddCommand(deleteCardCmd)

	topupCmd.Flags().Bool("manual", false, "credit the ledger only, do not write the card")
	topupCmd.Flags().String("notes", "", "notes stored with the entry")
	deleteCardCmd.Flags().Bool("yes", false, "do not ask for confirmation")
}

// ─── read ───────────────────────────────────────────────────────────────────

var scanCmd = &cobra.Command{
	Use:     "read",
	Aliases: []string{"scan"},
	Short:   "Read the card on the reader and reconcile the ledger",
	Args:    cobra.NoArgs,
	RunE:    runScan,
}

func runScan(cmd *cobra.Command, args []string) error {
	st, err := openStation(cmd.Context(), cfg, true)
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := st.engine.Scan(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Card:    %s\n", res.UID)
	fmt.Fprintf(out, "On card: %s (%s)\n", describeContent(res.Payload.Content), res.Payload.Content.Kind)
	fmt.Fprintf(out, "Balance: %s\n", res.Balance)
	switch res.Outcome {
	case reconcile.OutcomeSynced:
		fmt.Fprintf(out, "Ledger corrected from %s (delta %s)\n", res.Previous, res.Delta)
	case reconcile.OutcomeNonAuthoritative:
		fmt.Fprintln(out, "Card holds no usable amount; ledger left unchanged")
	case reconcile.OutcomeStale:
		fmt.Fprintln(out, "Card was written while reading; scan again")
	default:
		fmt.Fprintln(out, "Ledger already in sync")
	}
	return nil
}

func describeContent(c domain.Content) string {
	switch c.Kind {
	case domain.ContentEmpty:
		return "empty"
	case domain.ContentText:
		return fmt.Sprintf("%q", c.Text)
	}
	return c.Amount.String()
}

// ─── write ──────────────────────────────────────────────────────────────────

var writeCmd = &cobra.Command{
	Use:   "write UID [DATA]",
	Short: "Write data, or the ledger total, to the card on the reader",
	Long: `Write DATA to the card on the reader. Without DATA the card's current
ledger balance is written in the station's write style. The reader must hold
the card named by UID.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runWrite,
}

func runWrite(cmd *cobra.Command, args []string) error {
	st, err := openStation(cmd.Context(), cfg, true)
	if err != nil {
		return err
	}
	defer st.Close()

	var written string
	if len(args) == 2 {
		written, err = st.engine.WriteData(cmd.Context(), args[0], args[1])
	} else {
		written, err = st.engine.WriteTotal(cmd.Context(), args[0])
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Wrote %q to %s\n", written, codec.NormalizeUID(args[0]))
	return nil
}

// ─── topup ──────────────────────────────────────────────────────────────────

var topupCmd = &cobra.Command{
	Use:   "topup UID AMOUNT",
	Short: "Credit a card, applying its offer, and write the new total",
	Args:  cobra.ExactArgs(2),
	RunE:  runTopUp,
}

func runTopUp(cmd *cobra.Command, args []string) error {
	paid, err := decimal.NewFromString(args[1])
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", args[1], err)
	}
	manual, _ := cmd.Flags().GetBool("manual")
	notes, _ := cmd.Flags().GetString("notes")

	st, err := openStation(cmd.Context(), cfg, !manual)
	if err != nil {
		return err
	}
	defer st.Close()

	var res reconcile.TopUpResult
	if manual {
		if notes == "" {
			notes = reconcile.ManualNotes
		}
		res, err = st.engine.TopUp(cmd.Context(), args[0], paid, cfg.Station.Employee, notes)
	} else {
		res, err = st.engine.TopUpOnCard(cmd.Context(), args[0], paid, cfg.Station.Employee, notes)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✅ Topped up %s\n", res.UID)
	fmt.Fprintf(out, "   Paid:     %s\n", res.Paid)
	if res.Bonus.IsPositive() {
		fmt.Fprintf(out, "   Offer:    %s%% (+%s)\n", res.OfferPercent, res.Bonus)
	}
	fmt.Fprintf(out, "   Credited: %s\n", res.Credited)
	fmt.Fprintf(out, "   Balance:  %s → %s\n", res.Previous, res.Balance)
	if res.Written != "" {
		fmt.Fprintf(out, "   Card now holds %q\n", res.Written)
	}
	return nil
}

// ─── balance ────────────────────────────────────────────────────────────────

var balanceCmd = &cobra.Command{
	Use:   "balance UID",
	Short: "Show a card's ledger balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runBalance,
}

func runBalance(cmd *cobra.Command, args []string) error {
	st, err := openStation(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer st.Close()

	uid := codec.NormalizeUID(args[0])
	card, err := st.db.GetCard(cmd.Context(), uid)
	if err != nil {
		return err
	}
	if card == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: 0 (never seen)\n", uid)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s", card.UID, card.Balance)
	if card.OfferPercent.IsPositive() {
		fmt.Fprintf(cmd.OutOrStdout(), " (offer %s%%)", card.OfferPercent)
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}

// ─── offer ──────────────────────────────────────────────────────────────────

var offerCmd = &cobra.Command{
	Use:   "offer UID PERCENT",
	Short: "Set the bonus percentage credited on a card's top-ups",
	Args:  cobra.ExactArgs(2),
	RunE:  runOffer,
}

func runOffer(cmd *cobra.Command, args []string) error {
	pct, err := decimal.NewFromString(strings.TrimSuffix(args[1], "%"))
	if err != nil {
		return fmt.Errorf("invalid percent %q: %w", args[1], err)
	}
	st, err := openStation(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer st.Close()

	uid := codec.NormalizeUID(args[0])
	if err := st.db.SetOffer(cmd.Context(), uid, pct); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Offer for %s set to %s%%\n", uid, pct)
	return nil
}

// ─── delete-card ────────────────────────────────────────────────────────────

var deleteCardCmd = &cobra.Command{
	Use:   "delete-card UID",
	Short: "Delete a card and its entire ledger history",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeleteCard,
}

func runDeleteCard(cmd *cobra.Command, args []string) error {
	uid := codec.NormalizeUID(args[0])
	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		if !confirm(cmd, fmt.Sprintf("Delete %s and all of its entries?", uid)) {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
	}
	st, err := openStation(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.db.DeleteCard(cmd.Context(), uid); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Card %s deleted.\n", uid)
	return nil
}
