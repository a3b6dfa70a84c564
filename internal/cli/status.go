package cli

import (
	"github.com/spf13/cobra"

	"example.com/fitsync/internal/agent"
	"example.com/fitsync/internal/recordstore"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show unsynced record counts for the active user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			userID, err := a.requireUser()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pending, err := a.store.CountByUserAndState(ctx, userID, recordstore.StatePending)
			if err != nil {
				return WrapExitError(ExitCommandError, "count pending records", err)
			}
			failed, err := a.store.CountByUserAndState(ctx, userID, recordstore.StateFailed)
			if err != nil {
				return WrapExitError(ExitCommandError, "count failed records", err)
			}
			synced, err := a.store.CountByUserAndState(ctx, userID, recordstore.StateSynced)
			if err != nil {
				return WrapExitError(ExitCommandError, "count synced records", err)
			}

			view := struct {
				agent.StatusResponse
				Synced int `json:"synced"`
			}{
				StatusResponse: agent.StatusResponse{
					UserID:   userID,
					Pending:  pending,
					Failed:   failed,
					Unsynced: pending + failed,
					Phase:    a.orchestrator.Phase().String(),
				},
				Synced: synced,
			}
			p := printer{format: rootOpts.Format, out: cmd.OutOrStdout()}
			return p.print(view,
				field{"user", userID},
				field{"pending", pending},
				field{"failed", failed},
				field{"synced", synced},
			)
		},
	}
}
