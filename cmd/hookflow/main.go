// Command hookflow runs event-triggered workflows against a platform API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "hookflow: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Each invocation gets its own viper
// instance so tests can run commands side by side.
func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	root := &cobra.Command{
		Use:           "hookflow",
		Short:         "Event-triggered workflow automation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "settings file (default ~/.hookflow/settings.json)")
	pf.String("db-driver", "", "store driver: libsql or postgres")
	pf.String("db-path", "", "libsql database path")
	pf.String("postgres-dsn", "", "postgres connection string")
	pf.String("log-level", "", "debug, info, warn or error")
	for _, name := range []string{"db-driver", "db-path", "postgres-dsn", "log-level"} {
		_ = v.BindPFlag(flagKey(name), pf.Lookup(name))
	}

	load := func() (Config, error) { return loadConfig(v, configFile) }

	root.AddCommand(
		newServeCmd(v, load),
		newMCPCmd(load),
		newLogsCmd(load),
		newVersionCmd(),
	)
	return root
}

// flagKey maps a flag name onto its config key.
func flagKey(name string) string {
	out := []byte(name)
	for i, c := range out {
		if c == '-' {
			out[i] = '_'
		}
	}
	return string(out)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the hookflow version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hookflow %s\n", version)
		},
	}
}
