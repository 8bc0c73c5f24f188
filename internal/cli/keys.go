package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kenneth/field-keyguard/internal/client"
	"github.com/kenneth/field-keyguard/internal/keystore"
)

func (a *app) healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := a.client.Health(commandContext(cmd))
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, h)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Status: %s\nMaintenance running: %t\nSuspended: %t\n",
				h.Status, h.Maintenance, h.Suspended)
			return nil
		},
	}
}

func (a *app) statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show lifecycle statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.client.Stats(commandContext(cmd))
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, s)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Keys:\t%d\n", s.Keys)
			for _, st := range []keystore.Status{
				keystore.StatusActive, keystore.StatusDeprecated, keystore.StatusExpired,
				keystore.StatusRevoked, keystore.StatusCompromised,
			} {
				fmt.Fprintf(w, "  %s:\t%d\n", st, s.ByStatus[st.String()])
			}
			fmt.Fprintf(w, "Created:\t%d\n", s.Created)
			fmt.Fprintf(w, "Rotated:\t%d\n", s.Rotated)
			fmt.Fprintf(w, "Expired:\t%d\n", s.Expired)
			fmt.Fprintf(w, "Revoked:\t%d\n", s.Revoked)
			fmt.Fprintf(w, "Compromised:\t%d\n", s.Compromised)
			fmt.Fprintf(w, "Imported:\t%d\n", s.Imported)
			fmt.Fprintf(w, "Failed operations:\t%d\n", s.FailedOps)
			fmt.Fprintf(w, "Integrity failures:\t%d\n", s.IntegrityFailures)
			fmt.Fprintf(w, "Backups:\t%d\n", s.Backups)
			if !s.LastBackup.IsZero() {
				fmt.Fprintf(w, "Last backup:\t%s\n", s.LastBackup.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func (a *app) keysCommand() *cobra.Command {
	keys := &cobra.Command{
		Use:     "keys",
		Aliases: []string{"key"},
		Short:   "Manage keys",
	}
	keys.AddCommand(
		a.keyListCommand(),
		a.keyGenerateCommand(),
		a.keyInfoCommand(),
		a.keyRotateCommand(),
		a.keyRevokeCommand(),
		a.keyPublicCommand(),
	)
	return keys
}

func (a *app) keyListCommand() *cobra.Command {
	var usage, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys, err := a.client.ListKeys(commandContext(cmd), usage, status)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, keys)
			}
			if len(keys) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No keys found.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY ID\tUSAGE\tSTATUS\tVERSION\tLEVEL\tALGORITHM\tUSES\tEXPIRES")
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
					k.ID, k.Usage, k.Status, k.Version, k.Level, k.Algorithm,
					usesColumn(k), expiresColumn(k))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&usage, "usage", "", "filter by usage")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func (a *app) keyGenerateCommand() *cobra.Command {
	var req client.GenerateRequest
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := a.client.GenerateKey(commandContext(cmd), req)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated key %s\n", res.KeyID)
			if res.Key != nil {
				return printMetadata(cmd, res.Key)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Usage, "usage", "", "key usage (data_encryption, signature, key_exchange, authentication, integrity, backup)")
	f.StringVar(&req.Level, "level", "", "security level (standard, high, maximum)")
	f.StringVar(&req.RotationInterval, "rotation-interval", "", "rotation interval, e.g. 720h")
	f.StringVar(&req.MaxKeyAge, "max-age", "", "maximum key age, e.g. 2160h")
	f.Uint64Var(&req.MaxUsage, "max-usage", 0, "maximum number of uses")
	f.BoolVar(&req.AllowExport, "allow-export", false, "allow the key to be exported")
	f.StringVar(&req.Algorithm, "algorithm", "", "algorithm override")
	_ = cmd.MarkFlagRequired("usage")
	return cmd
}

func (a *app) keyInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info <key-id>",
		Short: "Show key metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := a.client.KeyInfo(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, meta)
			}
			return printMetadata(cmd, meta)
		},
	}
}

func (a *app) keyRotateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <key-id>",
		Short: "Rotate a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.client.RotateKey(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rotated %s -> %s\n", res.Previous, res.KeyID)
			return nil
		},
	}
}

func (a *app) keyRevokeCommand() *cobra.Command {
	var req client.RevokeRequest
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke a key, or mark it compromised",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.client.RevokeKey(commandContext(cmd), args[0], req)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Key %s is now %s\n", res.KeyID, res.Status)
			if res.Replacement != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Replacement key: %s\n", res.Replacement)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Reason, "reason", "", "reason recorded in the audit log")
	f.BoolVar(&req.Wipe, "wipe", false, "destroy the key material immediately")
	f.BoolVar(&req.Compromised, "compromised", false, "mark compromised and issue a replacement")
	return cmd
}

func (a *app) keyPublicCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "public <key-id>",
		Short: "Print a key's public half",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := a.client.PublicKey(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			return a.printPublicKey(cmd, pub)
		},
	}
}

func (a *app) sessionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Print the current session key-exchange public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pub, err := a.client.SessionKey(commandContext(cmd))
			if err != nil {
				return err
			}
			return a.printPublicKey(cmd, pub)
		},
	}
}

func usesColumn(k keystore.Metadata) string {
	if k.MaxUsage == 0 {
		return fmt.Sprintf("%d", k.UsageCount)
	}
	return fmt.Sprintf("%d/%d", k.UsageCount, k.MaxUsage)
}

func expiresColumn(k keystore.Metadata) string {
	if k.ExpiresAt.IsZero() {
		return "-"
	}
	return k.ExpiresAt.Format(time.RFC3339)
}
