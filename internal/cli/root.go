// Package cli implements keyctl, the operator command line for a keyguard
// server.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kenneth/field-keyguard/internal/client"
)

const envPrefix = "KEYCTL"

// app carries per-invocation state shared by all subcommands.
type app struct {
	v       *viper.Viper
	cfgFile string
	client  *client.Client
}

// NewRootCommand builds the keyctl command tree.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "keyctl",
		Short: "Operate a keyguard key-lifecycle server",
		Long: `keyctl talks to the keyguard admin API to inspect, generate, rotate and
revoke keys, run crypto operations and trigger backups.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.init,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.keyctl.yaml)")
	pf.StringP("server", "s", "", "keyguard API URL")
	pf.Duration("timeout", 0, "request timeout")
	pf.Uint("retries", 0, "retries for read requests on 503")
	pf.Bool("json", false, "print JSON output")

	a.bind(root, "server.url", "server")
	a.bind(root, "server.timeout", "timeout")
	a.bind(root, "server.retries", "retries")
	a.bind(root, "output.json", "json")

	root.AddCommand(
		a.healthCommand(),
		a.statsCommand(),
		a.keysCommand(),
		a.sessionCommand(),
		a.encryptCommand(),
		a.decryptCommand(),
		a.signCommand(),
		a.verifyCommand(),
		a.backupCommand(),
		a.restoreCommand(),
		a.configCommand(),
	)
	return root
}

// Execute runs keyctl with os.Args and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", formatError(err))
		os.Exit(1)
	}
}

func (a *app) bind(root *cobra.Command, key, flag string) {
	if err := a.v.BindPFlag(key, root.PersistentFlags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flag, err))
	}
}

func (a *app) setDefaults() {
	a.v.SetDefault("server.url", "http://127.0.0.1:8443")
	a.v.SetDefault("server.timeout", 30*time.Second)
	a.v.SetDefault("server.retries", 3)
	a.v.SetDefault("output.json", false)
}

func (a *app) init(cmd *cobra.Command, _ []string) error {
	a.setDefaults()

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			a.v.AddConfigPath(home)
		}
		a.v.AddConfigPath(".")
		a.v.SetConfigType("yaml")
		a.v.SetConfigName(".keyctl")
	}

	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && a.cfgFile != "" {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if cmd.Name() == "show" && cmd.Parent() != nil && cmd.Parent().Name() == "config" {
		return nil
	}

	c, err := client.New(a.v.GetString("server.url"),
		client.WithHTTPClient(&http.Client{Timeout: a.v.GetDuration("server.timeout")}),
		client.WithRetries(a.v.GetUint("server.retries")),
		client.WithUserAgent("keyctl"),
	)
	if err != nil {
		return err
	}
	a.client = c
	return nil
}

func (a *app) jsonOutput() bool {
	return a.v.GetBool("output.json")
}

func (a *app) configCommand() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect keyctl configuration",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if f := a.v.ConfigFileUsed(); f != "" {
				fmt.Fprintf(out, "Config file: %s\n", f)
			} else {
				fmt.Fprintf(out, "Config file: none found\n")
			}
			fmt.Fprintf(out, "Server URL: %s\n", a.v.GetString("server.url"))
			fmt.Fprintf(out, "Timeout: %s\n", a.v.GetDuration("server.timeout"))
			fmt.Fprintf(out, "Retries: %d\n", a.v.GetUint("server.retries"))
			fmt.Fprintf(out, "JSON output: %t\n", a.jsonOutput())
			return nil
		},
	})
	return cfg
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// formatError appends the HTTP status of API errors.
func formatError(err error) string {
	if code := client.StatusCode(err); code != 0 {
		return fmt.Sprintf("%v (HTTP %d)", err, code)
	}
	return err.Error()
}

// readInput returns the literal data flag, or the contents of path ("-" is
// stdin).
func readInput(cmd *cobra.Command, data, path string) ([]byte, error) {
	switch {
	case data != "" && path != "":
		return nil, errors.New("use either --data or --in, not both")
	case data != "":
		return []byte(data), nil
	case path == "-":
		return io.ReadAll(cmd.InOrStdin())
	case path != "":
		return os.ReadFile(path)
	}
	return nil, errors.New("no input: use --data or --in")
}
