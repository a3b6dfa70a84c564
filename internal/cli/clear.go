package cli

import (
	"github.com/spf13/cobra"
)

// ClearOptions holds flags for the clear command.
type ClearOptions struct {
	*RootOptions
	All bool
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClearOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete local records of the active user, or of every user with --all",
		Long: `Delete local records regardless of their sync state. Pending and failed records that
never reached the server are lost. The delete waits for a running sync pass, also one run
by an agent or another command on the same store.

Example:
  fitsync clear --user u1
  fitsync clear --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			scope, userID := "all", ""
			if !opts.All {
				if cfg.UserID == "" {
					return errNoActiveUser()
				}
				scope, userID = cfg.UserID, cfg.UserID
			}

			if client, _, ok := runningAgent(cmd.Context(), cfg); ok {
				err = client.Clear(cmd.Context(), userID)
			} else {
				a, aerr := newApp(cmd.Context(), cfg, cmd.ErrOrStderr())
				if aerr != nil {
					return aerr
				}
				defer a.Close()
				if opts.All {
					err = a.dispatcher.ClearAll(cmd.Context())
				} else {
					err = a.dispatcher.ClearUser(cmd.Context(), userID)
				}
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "clear local records", err)
			}
			p := printer{format: opts.Format, out: cmd.OutOrStdout()}
			return p.print(map[string]string{"cleared": scope}, field{"cleared", scope})
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "delete records of every user")
	return cmd
}
