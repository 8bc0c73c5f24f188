package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) backupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Back up all keys now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := a.client.Backup(commandContext(cmd))
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, map[string]string{"name": name})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup written: %s\n", name)
			return nil
		},
	}
}

func (a *app) restoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restore [backup-name]",
		Short: "Restore keys from a backup (latest if no name is given)",
		Long: `Restore replaces every key in the store with the contents of the backup.
Entries that fail integrity verification are dropped and reported. Keys
revoked since the backup was taken are skipped.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			if len(args) == 1 {
				name = args[0]
			}
			res, err := a.client.Restore(commandContext(cmd), name)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %d keys\n", res.Restored)
			for _, id := range res.Dropped {
				fmt.Fprintf(cmd.OutOrStdout(), "Dropped (integrity failure): %s\n", id)
			}
			for _, id := range res.Revoked {
				fmt.Fprintf(cmd.OutOrStdout(), "Skipped (revoked): %s\n", id)
			}
			return nil
		},
	}
}
