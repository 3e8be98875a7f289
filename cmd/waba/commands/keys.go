package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jchavesmartinez/waba/pkg/waba/copilot"
)

// newKeysCmd creates `waba keys` for managing secrets in the OS keyring.
func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage secrets stored in the OS keyring",
		Long: `Store secrets in the operating system keyring instead of the
config file or environment. Stored values are used for any secret the
config leaves empty.

Known names: ` + strings.Join(copilot.SecretNames(), ", "),
	}
	cmd.AddCommand(newKeysSetCmd(), newKeysDeleteCmd(), newKeysListCmd())
	return cmd
}

func newKeysSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret (read from the terminal without echo)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := copilot.ValidateSecretName(name); err != nil {
				return err
			}
			if !copilot.KeyringAvailable() {
				return fmt.Errorf("OS keyring is not available on this system")
			}

			value, err := copilot.ReadPassword(fmt.Sprintf("Value for %s: ", name))
			if err != nil {
				return err
			}
			value = strings.TrimSpace(value)
			if value == "" {
				return fmt.Errorf("empty value, nothing stored")
			}
			if err := copilot.StoreKeyring(name, value); err != nil {
				return err
			}
			cmd.Printf("Stored %s in the OS keyring.\n", name)
			return nil
		},
	}
}

func newKeysDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := copilot.ValidateSecretName(name); err != nil {
				return err
			}
			if err := copilot.DeleteKeyring(name); err != nil {
				return err
			}
			cmd.Printf("Deleted %s.\n", name)
			return nil
		},
	}
}

func newKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show which secrets are stored",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range copilot.SecretNames() {
				state := "-"
				if copilot.GetKeyring(name) != "" {
					state = "stored"
				}
				cmd.Printf("%-24s %s\n", name, state)
			}
		},
	}
}
