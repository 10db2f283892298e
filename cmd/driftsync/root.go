// Command driftsync is the offline-first sync agent and its management
// CLI. The agent keeps a local store of application resources, queues
// mutations while offline, and reconciles them with the remote backend
// when connectivity allows; the other subcommands inspect and drive that
// state.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/driftsync/driftsync/internal/config"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "driftsync",
	Short: "Offline-first data sync engine",
	Long: `Driftsync keeps application resources usable offline.

Reads and writes go through a local SQLite-backed store; mutations made
while offline are queued durably and drained to the remote backend when
connectivity returns. Multiple processes sharing a data dir coordinate
through a journal, with a single elected leader running sync cycles.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		return err
	},
}

// newLogger builds the process logger, rotating to the configured file
// when one is set.
func newLogger(prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		})
	}
	return log.New(out, prefix, log.LstdFlags)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $HOME/.driftsync/driftsync.yaml)")
}
