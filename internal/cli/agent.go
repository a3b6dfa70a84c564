package cli

import (
	"context"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"example.com/fitsync/internal/agent"
	"example.com/fitsync/internal/connectivity"
	httptransport "example.com/fitsync/internal/transport/http"
)

// AgentOptions holds flags for the agent command.
type AgentOptions struct {
	*RootOptions
}

// NewAgentCommand creates the agent command.
func NewAgentCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AgentOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the background sync agent",
		Long: `Run the sync agent until interrupted.

The agent watches connectivity (HTTP probes of the activity service and, optionally, a
state file written by the host), fires periodic passes and serves the local API used by
the device UI together with Prometheus metrics.

Example:
  fitsync agent --user u1 --store-path ./fitsync.db --remote-url https://api.example.com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, opts)
		},
	}

	cmd.Flags().String("listen", "", "local API listen address")
	cmd.Flags().Duration("probe-interval", 0, "service reachability probe interval (0 keeps the configured value)")
	cmd.Flags().String("state-file", "", "JSON connectivity state file to watch")

	return cmd
}

func runAgent(cmd *cobra.Command, opts *AgentOptions) error {
	if err := bindLocalFlags(cmd, opts.RootOptions, map[string]string{
		"listen":         "http.address",
		"probe-interval": "connectivity.probe_interval",
		"state-file":     "connectivity.state_file",
	}); err != nil {
		return err
	}
	cfg, err := opts.load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	var wg sync.WaitGroup
	run := func(fn func(ctx context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	if cfg.Connectivity.StateFile != "" {
		watcher, err := connectivity.NewFileWatcher(cfg.Connectivity.StateFile, a.logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "watch connectivity state file", err)
		}
		defer watcher.Close()
		run(func(ctx context.Context) { watcher.Run(ctx, a.monitor) })
	}
	if cfg.Connectivity.ProbeInterval > 0 {
		prober := connectivity.NewProber(a.client, cfg.Connectivity.ProbeInterval, a.logger)
		run(func(ctx context.Context) { prober.Run(ctx, a.monitor) })
	}
	run(a.dispatcher.Run)

	handler := agent.NewHandler(a.store, a.dispatcher, a.orchestrator, a.logger,
		agent.WithStoreLocation(storeLocation(cfg)))
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	serverCfg := httptransport.DefaultServerConfig(cfg.HTTPAddress)
	server := httptransport.NewServer(serverCfg, httptransport.RequestLogger(a.logger)(mux))

	a.logger.Info("sync agent started", "user_id", cfg.UserID, "store", cfg.Store.Driver, "remote", cfg.Remote.BaseURL)
	serveErr := httptransport.Serve(ctx, server, serverCfg.ShutdownTimeout, a.logger)
	stop()
	wg.Wait()
	if serveErr != nil {
		return WrapExitError(ExitCommandError, "local API server", serveErr)
	}
	a.logger.Info("sync agent stopped")
	return nil
}

// bindLocalFlags binds command-specific flags on top of the global ones.
func bindLocalFlags(cmd *cobra.Command, opts *RootOptions, keys map[string]string) error {
	if opts.viper == nil {
		return nil
	}
	for flag, key := range keys {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := opts.viper.BindPFlag(key, f); err != nil {
			return WrapExitError(ExitCommandError, "bind flag "+flag, err)
		}
	}
	return nil
}
