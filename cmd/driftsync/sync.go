package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle now",
	Long: `Drain the mutation queue and pull remote changes once.

Acquires the leadership lease first so a concurrently running agent is
never raced; fails cleanly when the backend is unreachable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger("[sync] ")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		a, err := buildApp(ctx, logger, true)
		if err != nil {
			return err
		}
		defer a.close()

		a.probeOnce(ctx)
		if !a.monitor.Online() {
			return fmt.Errorf("backend %s is unreachable", cfg.Backend.URL)
		}

		won, err := a.elector.TryAcquire(ctx)
		if err != nil {
			return fmt.Errorf("leader election failed: %w", err)
		}
		if !won {
			return fmt.Errorf("another process holds the sync lease; it will drain the queue")
		}
		defer func() {
			if err := a.elector.Resign(context.Background()); err != nil {
				logger.Printf("Failed to resign lease: %v", err)
			}
		}()

		if _, err := a.queue.RecoverInFlight(ctx); err != nil {
			return err
		}
		before := a.queue.Depth()
		if err := a.engine.SyncNow(ctx); err != nil {
			return err
		}

		fmt.Printf("Synced: %d mutation(s) drained, %d still pending, %d dead-lettered\n",
			before-a.queue.Depth(), a.queue.Depth(), len(a.queue.DeadLetters()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
