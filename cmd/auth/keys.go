package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/gatehouse/internal/auth/app"
	"github.com/aussiebroadwan/gatehouse/internal/auth/service"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage ID token signing keys",
	Long: `Manage ID token signing keys.

Changes are written to the database and need AUTH_PERSISTENT_KEYS. A running
server picks them up on its next start.`,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List published signing keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *app.Application, _ app.Config) error {
			keys, err := a.SigningKeys(cmd.Context())
			if err != nil {
				return err
			}
			for _, k := range keys {
				printKey(cmd.OutOrStdout(), k)
			}
			return nil
		})
	},
}

var retireExisting bool

var keysRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Generate a new signing key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withPersistentKeys(cmd, func(a *app.Application) error {
			res, err := a.RotateKeys(cmd.Context(), retireExisting)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printKey(out, res.NewKey)
			for _, k := range res.RetiredKeys {
				printKey(out, k)
			}
			fmt.Fprintf(out, "%d active keys\n", res.ActiveKeys)
			return nil
		})
	},
}

var keysRetireCmd = &cobra.Command{
	Use:   "retire <kid>",
	Short: "Stop a key from signing; it stays published for the grace period",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPersistentKeys(cmd, func(a *app.Application) error {
			if err := a.RetireKey(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retired %s\n", args[0])
			return nil
		})
	},
}

func init() {
	keysRotateCmd.Flags().BoolVar(&retireExisting, "retire", false, "retire the keys that were active before")
	keysCmd.AddCommand(keysListCmd, keysRotateCmd, keysRetireCmd)
}

func withPersistentKeys(cmd *cobra.Command, fn func(*app.Application) error) error {
	return withApp(cmd, func(a *app.Application, cfg app.Config) error {
		if !cfg.PersistentKeys {
			return fmt.Errorf("%s needs AUTH_PERSISTENT_KEYS=true", cmd.CommandPath())
		}
		return fn(a)
	})
}

func printKey(w io.Writer, k service.SigningKeyView) {
	state := "active"
	switch {
	case k.ExpiresAt != nil:
		state = "retired until " + k.ExpiresAt.Format(time.RFC3339)
	case !k.Active:
		state = "verify only"
	}
	fmt.Fprintf(w, "%-6s %s  %s\n", k.Algorithm, k.Kid, state)
}
