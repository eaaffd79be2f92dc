// Command costgate runs the quota resolution and cost aggregation service
// and its admin tooling.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Strob0t/costgate/internal/config"
	"github.com/Strob0t/costgate/internal/logger"
)

var version = "dev"

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	logLevel   string
	storage    string
	dsn        string
	natsURL    string
	jsonOut    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "costgate",
		Short:         "Quota resolution and cost aggregation service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", config.DefaultConfigFile, "path to YAML config file")
	pf.StringVar(&f.logLevel, "log-level", "", "override logging.level")
	pf.StringVar(&f.storage, "storage", "", "override storage.backend (sqlite|postgres)")
	pf.StringVar(&f.dsn, "dsn", "", "override postgres.dsn")
	pf.StringVar(&f.natsURL, "nats-url", "", "override nats.url")
	pf.BoolVar(&f.jsonOut, "json", false, "print JSON even on a terminal")

	root.AddCommand(
		newServeCmd(f),
		newMigrateCmd(f),
		newTiersCmd(f),
		newAssignmentsCmd(f),
		newResolveCmd(f),
		newTopCmd(f),
	)
	return root
}

// load reads the config hierarchy, applies the flags that were set and
// installs the default logger. The returned func flushes the logger.
func (f *rootFlags) load(cmd *cobra.Command, port *string) (*config.Config, func(), error) {
	o := config.Overrides{ConfigPath: &f.configPath, Port: port}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		o.LogLevel = &f.logLevel
	}
	if flags.Changed("storage") {
		o.Storage = &f.storage
	}
	if flags.Changed("dsn") {
		o.DSN = &f.dsn
	}
	if flags.Changed("nats-url") {
		o.NatsURL = &f.natsURL
	}

	cfg, path, err := config.LoadWithOverrides(o)
	if err != nil {
		return nil, nil, err
	}
	log, closer := logger.New(cfg.Logging)
	slog.SetDefault(log)
	slog.Debug("config loaded", "path", path, "storage", cfg.Storage.Backend, "ledger", cfg.Ledger.Backend)
	return cfg, closer.Close, nil
}
