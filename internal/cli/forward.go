package cli

import (
	"context"
	"path/filepath"

	"example.com/fitsync/internal/agent"
	"example.com/fitsync/internal/config"
)

// storeLocation names the store so an agent and a command can tell whether they share it.
// Stores that live only inside one process have no location.
func storeLocation(cfg config.AgentConfig) string {
	if cfg.Store.Driver != "sqlite" || cfg.Store.Path == "" || cfg.Store.Path == ":memory:" {
		return ""
	}
	abs, err := filepath.Abs(cfg.Store.Path)
	if err != nil {
		return cfg.Store.Path
	}
	return abs
}

// runningAgent returns a client for the agent serving the same store, if one answers on
// the configured address. Commands that change records go through it so they take part
// in the agent's pass serialisation.
func runningAgent(ctx context.Context, cfg config.AgentConfig) (*agent.Client, agent.HealthResponse, bool) {
	location := storeLocation(cfg)
	if location == "" || cfg.HTTPAddress == "" {
		return nil, agent.HealthResponse{}, false
	}
	client := agent.NewClient(cfg.HTTPAddress)
	health, err := client.Health(ctx)
	if err != nil || health.Store != location {
		return nil, agent.HealthResponse{}, false
	}
	return client, health, true
}
