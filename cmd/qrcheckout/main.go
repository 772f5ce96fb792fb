// Command qrcheckout drives the checkout API from a terminal: place an order,
// wait for the bank transfer to land, and reconcile payments as an operator.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"qrcheckout/backend/internal/client"
	"qrcheckout/backend/internal/logger"
)

var Version = "dev"

const (
	defaultServer  = "http://127.0.0.1:8080"
	configName     = ".qrcheckout"
	envPrefix      = "QRCHECKOUT"
	defaultTimeout = 15 * time.Second
)

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type app struct {
	v   *viper.Viper
	in  io.Reader
	out *lockedWriter
}

// lockedWriter serialises output written from tracker callbacks and the
// command goroutine.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	a := &app{v: viper.New(), in: in, out: &lockedWriter{w: out}}

	rootCmd := &cobra.Command{
		Use:           "qrcheckout",
		Short:         "Checkout and bank-transfer reconciliation client",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.loadConfig(cmd)
		},
	}
	rootCmd.SetOut(out)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default $HOME/.qrcheckout.yaml)")
	flags.String("server", defaultServer, "checkout API base URL")
	flags.String("token", "", "operator access token")
	flags.Duration("timeout", defaultTimeout, "per-request timeout")
	flags.BoolP("verbose", "v", false, "log to stderr")

	rootCmd.AddCommand(a.checkoutCmd())
	rootCmd.AddCommand(a.statusCmd())
	rootCmd.AddCommand(a.watchCmd())
	rootCmd.AddCommand(a.loginCmd())
	rootCmd.AddCommand(a.settleCmd())
	rootCmd.AddCommand(a.settlementsCmd())

	return rootCmd
}

func (a *app) loadConfig(cmd *cobra.Command) error {
	flags := cmd.Flags()
	for _, key := range []string{"server", "token", "timeout", "verbose"} {
		if err := a.v.BindPFlag(key, flags.Lookup(key)); err != nil {
			return err
		}
	}
	a.v.SetEnvPrefix(envPrefix)
	a.v.AutomaticEnv()
	a.v.SetConfigType("yaml")

	explicit, _ := flags.GetString("config")
	if explicit != "" {
		a.v.SetConfigFile(explicit)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
	} else if home, err := os.UserHomeDir(); err == nil {
		a.v.AddConfigPath(home)
		a.v.SetConfigName(configName)
		if err := a.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("read config: %w", err)
			}
		}
	}

	if a.v.GetBool("verbose") {
		if err := logger.Init("debug", true); err != nil {
			return err
		}
	}
	return nil
}

// configPath is where login --save writes the token.
func (a *app) configPath() string {
	if used := a.v.ConfigFileUsed(); used != "" {
		return used
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return configName + ".yaml"
	}
	return filepath.Join(home, configName+".yaml")
}

func (a *app) client() *client.Client {
	return client.New(
		a.v.GetString("server"),
		client.WithToken(a.v.GetString("token")),
		client.WithHTTPClient(newHTTPClient(a.v.GetDuration("timeout"))),
	)
}
