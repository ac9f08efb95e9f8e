package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// ─── balance / history ──────────────────────────────────────────────────────

func init() {
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().Int("page", 1, "Page number, starting at 1")
	historyCmd.Flags().Int("page-size", 20, "Transactions per page")
}

var balanceCmd = &cobra.Command{
	Use:   "balance USER_ID",
	Short: "Show a user's credit balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		b, err := d.Ledger.Balance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "User:            %s\n", args[0])
		fmt.Fprintf(os.Stdout, "Balance:         %d\n", b.Balance)
		fmt.Fprintf(os.Stdout, "Total purchased: %d\n", b.TotalPurchased)
		fmt.Fprintf(os.Stdout, "Total consumed:  %d\n", b.TotalConsumed)
		if b.IsEarlyAdopter {
			fmt.Fprintln(os.Stdout, "Early adopter:   yes (unlimited)")
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history USER_ID",
	Short: "List a user's credit transactions, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		pageSize, _ := cmd.Flags().GetInt("page-size")

		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		txs, err := d.Ledger.History(cmd.Context(), args[0], page, pageSize)
		if err != nil {
			return err
		}
		if len(txs) == 0 {
			fmt.Fprintln(os.Stdout, "No transactions.")
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "CREATED\tTYPE\tAMOUNT\tDESCRIPTION")
		for _, tx := range txs {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n",
				tx.CreatedAt.Format("2006-01-02 15:04:05"), tx.Type, tx.Amount, tx.Description)
		}
		return tw.Flush()
	},
}
