package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/video-publisher/internal/config"
	"github.com/jonathan/video-publisher/internal/queue"
	"github.com/jonathan/video-publisher/internal/types"
)

var (
	enqueueBucket string
	enqueueName   string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Publish a trigger to the AMQP queue",
	RunE:  runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVarP(&enqueueBucket, "bucket", "b", "", "Bucket holding the original (default originals_bucket)")
	enqueueCmd.Flags().StringVarP(&enqueueName, "name", "n", "", "Object name of the original (required)")
	_ = enqueueCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, _ []string) error {
	loaded, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if loaded.AMQPURL == "" {
		return errNoQueue
	}
	obj := types.SourceObject{Bucket: enqueueBucket, Name: enqueueName}
	if obj.Bucket == "" {
		obj.Bucket = loaded.OriginalsBucket
	}
	if obj.Bucket == "" {
		return fmt.Errorf("--bucket is required when originals_bucket is not configured")
	}

	conn, err := queue.Dial(loaded.AMQPURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := queue.NewPublisher(conn, loaded.QueueName).Publish(context.Background(), obj); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s/%s on %s\n", obj.Bucket, obj.Name, loaded.QueueName)
	return nil
}
