package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"example.com/fitsync/internal/agent"
	"example.com/fitsync/internal/syncengine"
	"example.com/fitsync/internal/trigger"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass for the active user",
		Long: `Push every pending record to the activity service, then reconcile the local store
with the server history. Exits with status 1 when some records failed.

When an agent serving the same store and user is running, the pass runs inside the agent.

Example:
  fitsync sync --user u1 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			if cfg.UserID == "" {
				return errNoActiveUser()
			}

			var (
				view   agent.SyncResponse
				runErr error
			)
			if client, health, ok := runningAgent(cmd.Context(), cfg); ok && health.UserID == cfg.UserID {
				view, runErr = client.Sync(cmd.Context())
			} else {
				a, err := newApp(cmd.Context(), cfg, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				defer a.Close()
				var res syncengine.Result
				res, runErr = a.dispatcher.ManualSync(cmd.Context())
				view = agent.NewSyncResponse(res)
			}
			if errors.Is(runErr, trigger.ErrNoUser) {
				return NewExitError(ExitCommandError, runErr.Error())
			}
			if runErr != nil {
				view.Detail = "sync failed, will retry"
			}

			p := printer{format: rootOpts.Format, out: cmd.OutOrStdout()}
			if err := p.print(view,
				field{"succeeded", view.Succeeded},
				field{"failed", view.Failed},
				field{"skipped", view.Skipped},
				field{"listed", view.Listed},
				field{"inserted", view.Inserted},
				field{"updated", view.Updated},
				field{"deleted", view.Deleted},
			); err != nil {
				return err
			}
			if runErr != nil {
				return WrapExitError(ExitFailure, "sync failed, will retry", runErr)
			}
			if view.Failed > 0 {
				return NewExitError(ExitFailure, "some records failed to sync")
			}
			return nil
		},
	}
}
