// Package cli implements the fitsync command line: the long-running sync agent plus one-shot
// commands that operate on the local record store.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"example.com/fitsync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Format     string // "json" | "text"

	// viper is rebuilt per invocation so tests can execute commands repeatedly.
	viper *viper.Viper
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// persistentKeys maps global flag names to agent config keys.
var persistentKeys = map[string]string{
	"user":          "user_id",
	"store-driver":  "store.driver",
	"store-path":    "store.path",
	"remote-url":    "remote.base_url",
	"token":         "remote.token",
	"agent-address": "http.address",
	"log-level":     "log.level",
	"log-file":      "log.file",
}

// NewRootCommand creates the root command for the fitsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fitsync",
		Short: "Offline-first activity sync agent",
		Long: `fitsync captures workouts into a local store and keeps them in sync with the
activity service, pushing pending records and folding the server history back in.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			opts.viper = config.NewAgentViper()
			return config.BindFlags(opts.viper, cmd.Root().PersistentFlags(), persistentKeys)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.ConfigFile, "config", "", "path to a config file (default ./fitsync.yaml when present)")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.String("user", "", "active user id")
	flags.String("store-driver", "", "local store driver (sqlite|memory)")
	flags.String("store-path", "", "sqlite database path")
	flags.String("remote-url", "", "activity service base URL")
	flags.String("token", "", "bearer token for the activity service")
	flags.String("agent-address", "", "local agent API address that sync, clear and retry-failed go through when it answers")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	flags.String("log-file", "", "write logs to a rotated file instead of stderr")

	cmd.AddCommand(NewAgentCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewRecordCommand(opts))
	cmd.AddCommand(NewRetryFailedCommand(opts))
	cmd.AddCommand(NewClearCommand(opts))

	return cmd
}

func (o *RootOptions) load() (config.AgentConfig, error) {
	v := o.viper
	if v == nil {
		v = config.NewAgentViper()
	}
	cfg, err := config.LoadAgent(v, o.ConfigFile)
	if err != nil {
		return config.AgentConfig{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}
