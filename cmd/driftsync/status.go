package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger("[status] ")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		a, err := buildApp(ctx, logger, false)
		if err != nil {
			return err
		}
		defer a.close()

		a.probeOnce(ctx)

		fmt.Printf("Device:        %s\n", a.device.DeviceID)
		fmt.Printf("Backend:       %s\n", cfg.Backend.URL)
		fmt.Printf("Connectivity:  %s\n", a.monitor.Status())
		fmt.Printf("Durable store: %v\n", a.store.Durable())
		fmt.Printf("Queue depth:   %d\n", a.queue.Depth())
		fmt.Printf("Dead letters:  %d\n", len(a.queue.DeadLetters()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
