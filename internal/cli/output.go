package cli

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kenneth/field-keyguard/internal/client"
	"github.com/kenneth/field-keyguard/internal/keystore"
)

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printMetadata(cmd *cobra.Command, k *keystore.Metadata) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Key ID:\t%s\n", k.ID)
	fmt.Fprintf(w, "Family:\t%s\n", k.Family)
	fmt.Fprintf(w, "Version:\t%d\n", k.Version)
	fmt.Fprintf(w, "Usage:\t%s\n", k.Usage)
	fmt.Fprintf(w, "Status:\t%s\n", k.Status)
	fmt.Fprintf(w, "Level:\t%s\n", k.Level)
	fmt.Fprintf(w, "Algorithm:\t%s\n", k.Algorithm)
	fmt.Fprintf(w, "Created:\t%s\n", k.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Expires:\t%s\n", expiresColumn(*k))
	if k.RotationInterval > 0 {
		fmt.Fprintf(w, "Rotation interval:\t%s\n", k.RotationInterval)
	}
	fmt.Fprintf(w, "Uses:\t%s\n", usesColumn(*k))
	fmt.Fprintf(w, "Exportable:\t%t\n", k.AllowExport)
	return w.Flush()
}

func (a *app) printPublicKey(cmd *cobra.Command, pub *client.PublicKey) error {
	if a.jsonOutput() {
		return printJSON(cmd, pub)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Key ID: %s\n", pub.KeyID)
	if pub.Usage != "" {
		fmt.Fprintf(out, "Usage: %s\n", pub.Usage)
	}
	if pub.Algorithm != "" {
		fmt.Fprintf(out, "Algorithm: %s\n", pub.Algorithm)
	}
	fmt.Fprintf(out, "Public key: %s\n", base64.StdEncoding.EncodeToString(pub.PublicKey))
	return nil
}
