package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/video-publisher/internal/config"
	"github.com/jonathan/video-publisher/internal/queue"
	"github.com/jonathan/video-publisher/internal/server"
)

var (
	servePort    int
	serveConsume bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP trigger server",
	Long: `Start an HTTP server that runs the pipeline for POST /process triggers
and exposes processing records. With --consume it also consumes the AMQP
trigger queue in the same process.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (default from config, 8080)")
	serveCmd.Flags().BoolVar(&serveConsume, "consume", false, "Also consume the AMQP trigger queue")
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(config.Config{Port: servePort})
	if err != nil {
		return err
	}
	if serveConsume && cfg.AMQPURL == "" {
		return errNoQueue
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newPipelineApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.New(server.Config{Port: cfg.Port, FailureResponse: cfg.FailureResponse},
		a.orchestrator, a.db, a.logger.Named("server"))

	var consumer *queue.Consumer
	if serveConsume {
		conn, err := queue.Dial(cfg.AMQPURL)
		if err != nil {
			return err
		}
		defer conn.Close()
		consumer = queue.NewConsumer(conn, cfg.QueueName, cfg.FailureResponse, a.orchestrator, a.logger.Named("queue"))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	if consumer != nil {
		g.Go(func() error {
			return consumer.Start(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		a.logger.Error("serve stopped", zap.Error(err))
		return err
	}
	return nil
}
