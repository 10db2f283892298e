package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/dashboard"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the sync agent",
	Long: `Run the long-lived sync agent.

The agent probes backend connectivity, sweeps expired cache entries,
participates in leader election with sibling processes on the same data
dir, and drains the mutation queue whenever it holds the lease and the
backend is reachable.

With dashboard.enabled (or --dashboard), a WebSocket server broadcasts
sync outcomes and queue depth in real time.

Example usage:
  driftsync agent                  # Run with config defaults
  driftsync agent --dashboard      # Also serve the dashboard`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		logger := newLogger("[agent] ")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := buildApp(ctx, logger, true)
		if err != nil {
			return err
		}
		defer a.close()

		logger.Printf("Agent starting (device %s, data dir %s)", a.device.DeviceID, cfg.DataDir)

		var wg sync.WaitGroup
		run := func(fn func(context.Context)) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				fn(ctx)
			}()
		}
		run(a.monitor.Run)
		run(a.elector.Run)
		run(func(ctx context.Context) { a.cache.RunSweeper(ctx, time.Minute) })

		if withDashboard || cfg.Dashboard.Enabled {
			server := dashboard.NewServer(a.engine, a.queue, &dashboard.Config{
				Port:   cfg.Dashboard.Port,
				Logger: logger,
			})
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start dashboard: %w", err)
			}
			defer func() {
				if err := server.Stop(); err != nil {
					logger.Printf("Dashboard shutdown error: %v", err)
				}
			}()

			a.engine.OnSyncEvent(server.PublishSyncEvent)
			statusCh := a.monitor.Subscribe()
			run(func(ctx context.Context) {
				defer a.monitor.Unsubscribe(statusCh)
				for {
					select {
					case <-ctx.Done():
						return
					case status := <-statusCh:
						server.PublishConnectivity(status)
					}
				}
			})
			logger.Printf("Dashboard listening on %s", server.GetAddr())
		}

		// The engine's control loop runs on the command goroutine; it
		// returns when the signal context ends.
		a.engine.Run(ctx)
		wg.Wait()

		logger.Println("Agent stopped")
		return nil
	},
}

func init() {
	agentCmd.Flags().Bool("dashboard", false, "Serve the WebSocket dashboard")
	rootCmd.AddCommand(agentCmd)
}
