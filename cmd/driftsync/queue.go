package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the mutation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending and in-flight mutations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := queueApp()
		if err != nil {
			return err
		}
		defer a.close()

		items := a.queue.Items()
		if len(items) == 0 {
			fmt.Println("Queue is empty")
			return nil
		}
		for _, item := range items {
			fmt.Printf("%s  %-8s %-7s %s/%s attempts=%d created=%s\n",
				item.ID, item.Status, item.Operation,
				item.ResourceType, item.ResourceID,
				item.Attempts, item.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered mutations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := queueApp()
		if err != nil {
			return err
		}
		defer a.close()

		dead := a.queue.DeadLetters()
		if len(dead) == 0 {
			fmt.Println("No dead-lettered mutations")
			return nil
		}
		for _, item := range dead {
			fmt.Printf("%s  %-7s %s/%s attempts=%d reason=%q\n",
				item.ID, item.Operation,
				item.ResourceType, item.ResourceID,
				item.Attempts, item.FailReason)
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Move a dead-lettered mutation back into the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := queueApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.queue.RetryDead(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Requeued %s\n", args[0])
		return nil
	},
}

var queueDropCmd = &cobra.Command{
	Use:   "drop <id>",
	Short: "Discard a dead-lettered mutation permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := queueApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.queue.DropDead(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Dropped %s\n", args[0])
		return nil
	},
}

func queueApp() (*app, error) {
	logger := newLogger("[queue] ")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return buildApp(ctx, logger, false)
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDeadCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueDropCmd)
	rootCmd.AddCommand(queueCmd)
}
