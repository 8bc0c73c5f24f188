package cli

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kenneth/field-keyguard/internal/client"
)

type inputFlags struct {
	data string
	in   string
}

func (f *inputFlags) register(cmd *cobra.Command, what string) {
	cmd.Flags().StringVar(&f.data, "data", "", what+" as a literal string")
	cmd.Flags().StringVar(&f.in, "in", "", "read "+what+" from a file, or - for stdin")
}

func (f *inputFlags) read(cmd *cobra.Command) ([]byte, error) {
	return readInput(cmd, f.data, f.in)
}

func (a *app) encryptCommand() *cobra.Command {
	var (
		sel   client.Selector
		input inputFlags
	)
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt data under a key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkSelector(sel); err != nil {
				return err
			}
			pt, err := input.read(cmd)
			if err != nil {
				return err
			}
			ct, err := a.client.Encrypt(commandContext(cmd), sel, pt)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, ct)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Key ID: %s\nCiphertext: %s\n",
				ct.KeyID, base64.StdEncoding.EncodeToString(ct.Ciphertext))
			return nil
		},
	}
	cmd.Flags().StringVar(&sel.KeyID, "key-id", "", "key to use")
	cmd.Flags().StringVar(&sel.Usage, "usage", "", "use the current key of this usage")
	input.register(cmd, "plaintext")
	return cmd
}

func (a *app) decryptCommand() *cobra.Command {
	var (
		keyID string
		input inputFlags
	)
	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt base64 ciphertext",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := input.read(cmd)
			if err != nil {
				return err
			}
			ct, err := decodeBase64(raw)
			if err != nil {
				return fmt.Errorf("ciphertext: %w", err)
			}
			pt, err := a.client.Decrypt(commandContext(cmd), keyID, ct)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, map[string][]byte{"plaintext": pt})
			}
			_, err = cmd.OutOrStdout().Write(pt)
			return err
		},
	}
	cmd.Flags().StringVar(&keyID, "key-id", "", "key the ciphertext was produced under")
	_ = cmd.MarkFlagRequired("key-id")
	input.register(cmd, "base64 ciphertext")
	return cmd
}

func (a *app) signCommand() *cobra.Command {
	var (
		sel   client.Selector
		input inputFlags
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkSelector(sel); err != nil {
				return err
			}
			msg, err := input.read(cmd)
			if err != nil {
				return err
			}
			sig, err := a.client.Sign(commandContext(cmd), sel, msg)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, sig)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Key ID: %s\nSignature: %s\n",
				sig.KeyID, base64.StdEncoding.EncodeToString(sig.Signature))
			return nil
		},
	}
	cmd.Flags().StringVar(&sel.KeyID, "key-id", "", "key to use")
	cmd.Flags().StringVar(&sel.Usage, "usage", "", "use the current key of this usage")
	input.register(cmd, "message")
	return cmd
}

func (a *app) verifyCommand() *cobra.Command {
	var (
		keyID, signature string
		input            inputFlags
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a base64 signature over a message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			msg, err := input.read(cmd)
			if err != nil {
				return err
			}
			sig, err := decodeBase64([]byte(signature))
			if err != nil {
				return fmt.Errorf("signature: %w", err)
			}
			ok, err := a.client.Verify(commandContext(cmd), keyID, msg, sig)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				if err := printJSON(cmd, map[string]any{"key_id": keyID, "valid": ok}); err != nil {
					return err
				}
			} else if ok {
				fmt.Fprintln(cmd.OutOrStdout(), "Signature valid")
			}
			if !ok {
				return errors.New("signature invalid")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "key-id", "", "key that produced the signature")
	cmd.Flags().StringVar(&signature, "signature", "", "base64 signature")
	_ = cmd.MarkFlagRequired("key-id")
	_ = cmd.MarkFlagRequired("signature")
	input.register(cmd, "message")
	return cmd
}

func checkSelector(sel client.Selector) error {
	if (sel.KeyID == "") == (sel.Usage == "") {
		return errors.New("exactly one of --key-id or --usage is required")
	}
	return nil
}

func decodeBase64(raw []byte) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
}
