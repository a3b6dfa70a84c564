package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// NewRetryFailedCommand creates the retry-failed command.
func NewRetryFailedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed",
		Short: "Move failed records back to pending so the next pass retries them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			if cfg.UserID == "" {
				return errNoActiveUser()
			}
			userID := cfg.UserID

			var moved int
			if client, _, ok := runningAgent(cmd.Context(), cfg); ok {
				moved, err = client.RetryFailed(cmd.Context(), userID)
			} else {
				a, aerr := newApp(cmd.Context(), cfg, cmd.ErrOrStderr())
				if aerr != nil {
					return aerr
				}
				defer a.Close()
				err = a.dispatcher.Exclusive(cmd.Context(), func(ctx context.Context) error {
					var err error
					moved, err = a.orchestrator.RetryFailed(ctx, userID)
					return err
				})
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "retry failed records", err)
			}
			p := printer{format: rootOpts.Format, out: cmd.OutOrStdout()}
			return p.print(map[string]int{"moved": moved}, field{"moved", moved})
		},
	}
}
