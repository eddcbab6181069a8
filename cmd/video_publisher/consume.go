package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jonathan/video-publisher/internal/config"
	"github.com/jonathan/video-publisher/internal/queue"
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Consume triggers from the AMQP queue",
	Long: `Run the pipeline for each trigger on the AMQP queue, one at a time.
Malformed triggers are dead-lettered; failed runs follow failure_response.`,
	RunE: runConsume,
}

func init() {
	rootCmd.AddCommand(consumeCmd)
}

func runConsume(_ *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(config.Config{})
	if err != nil {
		return err
	}
	if cfg.AMQPURL == "" {
		return errNoQueue
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newPipelineApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	conn, err := queue.Dial(cfg.AMQPURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	return queue.NewConsumer(conn, cfg.QueueName, cfg.FailureResponse, a.orchestrator, a.logger.Named("queue")).Start(ctx)
}
