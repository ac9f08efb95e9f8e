package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/applypilot/creditgate/internal/app/admin"
)

// ─── admin ──────────────────────────────────────────────────────────────────
// Operator overrides run directly against the database. --actor is recorded
// on every change and must be on the [admin].emails allow-list.

func init() {
	rootCmd.AddCommand(adminCmd)
	adminCmd.AddCommand(adminGrantCmd)
	adminCmd.AddCommand(adminSuspendCmd)
	adminCmd.AddCommand(adminReactivateCmd)
	adminCmd.AddCommand(adminNoteCmd)
	adminCmd.AddCommand(adminNotesCmd)

	adminCmd.PersistentFlags().String("actor", "", "Admin email recorded on the change (required)")
	adminGrantCmd.Flags().String("reason", "", "Reason shown in the user's history")
	adminGrantCmd.Flags().String("key", "", "Idempotency key; repeating a key grants once")
	adminSuspendCmd.Flags().String("reason", "", "Suspension reason")
}

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operator overrides: grants, suspension and notes",
}

// adminActor returns --actor after checking it against the allow-list.
func adminActor(cmd *cobra.Command, allowed func(string) bool) (string, error) {
	actor, _ := cmd.Flags().GetString("actor")
	if actor == "" {
		return "", errors.New("--actor is required")
	}
	if !allowed(actor) {
		return "", fmt.Errorf("%s is not in [admin].emails", actor)
	}
	return actor, nil
}

// ─── admin grant ────────────────────────────────────────────────────────────

var adminGrantCmd = &cobra.Command{
	Use:   "grant USER_ID AMOUNT",
	Short: "Grant credits to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q", args[1])
		}
		reason, _ := cmd.Flags().GetString("reason")
		key, _ := cmd.Flags().GetString("key")

		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()
		actor, err := adminActor(cmd, d.Config.AdminAllowed)
		if err != nil {
			return err
		}

		res, err := d.Admin.Grant(cmd.Context(), admin.GrantRequest{
			Actor:          actor,
			UserID:         args[0],
			Amount:         amount,
			Reason:         reason,
			IdempotencyKey: key,
		})
		if err != nil {
			return err
		}
		if !res.Applied {
			fmt.Fprintf(os.Stdout, "Already applied; balance is %d\n", res.NewBalance)
			return nil
		}
		fmt.Fprintf(os.Stdout, "Granted %d credits to %s; balance is %d\n", amount, args[0], res.NewBalance)
		return nil
	},
}

// ─── admin suspend / reactivate ─────────────────────────────────────────────

var adminSuspendCmd = &cobra.Command{
	Use:   "suspend USER_ID",
	Short: "Suspend an account and revoke its desktop sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()
		actor, err := adminActor(cmd, d.Config.AdminAllowed)
		if err != nil {
			return err
		}
		if err := d.Admin.SuspendAccount(cmd.Context(), actor, args[0], reason); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Suspended %s\n", args[0])
		return nil
	},
}

var adminReactivateCmd = &cobra.Command{
	Use:   "reactivate USER_ID",
	Short: "Lift an account suspension",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()
		actor, err := adminActor(cmd, d.Config.AdminAllowed)
		if err != nil {
			return err
		}
		if err := d.Admin.ReactivateAccount(cmd.Context(), actor, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Reactivated %s\n", args[0])
		return nil
	},
}

// ─── admin note / notes ─────────────────────────────────────────────────────

var adminNoteCmd = &cobra.Command{
	Use:   "note USER_ID TEXT",
	Short: "Attach a note to an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()
		actor, err := adminActor(cmd, d.Config.AdminAllowed)
		if err != nil {
			return err
		}
		note, err := d.Admin.AddNote(cmd.Context(), actor, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Added note %s\n", note.ID)
		return nil
	},
}

var adminNotesCmd = &cobra.Command{
	Use:   "notes USER_ID",
	Short: "List notes on an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()
		actor, err := adminActor(cmd, d.Config.AdminAllowed)
		if err != nil {
			return err
		}
		notes, err := d.Admin.Notes(cmd.Context(), actor, args[0])
		if err != nil {
			return err
		}
		if len(notes) == 0 {
			fmt.Fprintln(os.Stdout, "No notes.")
			return nil
		}
		for _, n := range notes {
			fmt.Fprintf(os.Stdout, "%s  %s\n  %s\n", n.CreatedAt.Format("2006-01-02 15:04"), n.Author, n.Body)
		}
		return nil
	},
}
