package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jonathan/video-publisher/internal/config"
	"github.com/jonathan/video-publisher/internal/failure"
	"github.com/jonathan/video-publisher/internal/pipeline"
	"github.com/jonathan/video-publisher/internal/types"
)

var runCommand = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline once for a stored video",
	Long: `Runs download -> watermark -> upload -> labels -> create listing -> attach media
for one object and prints the resulting processing record.

A published object is never published again. Use --reprocess to re-run an
object whose last run FAILED when retry_failed is disabled.`,
	RunE: runPipelineCmd,
}

var (
	runBucket      string
	runName        string
	runReprocess   bool
	runDatabaseURL string
)

func init() {
	runCommand.Flags().StringVarP(&runBucket, "bucket", "b", "", "Bucket holding the original (default originals_bucket)")
	runCommand.Flags().StringVarP(&runName, "name", "n", "", "Object name of the original (required)")
	runCommand.Flags().BoolVar(&runReprocess, "reprocess", false, "Re-run a FAILED record regardless of retry_failed")
	runCommand.Flags().StringVar(&runDatabaseURL, "db-url", "", "Database URL (optional, defaults to DATABASE_URL env var)")
	_ = runCommand.MarkFlagRequired("name")
	rootCmd.AddCommand(runCommand)
}

func runPipelineCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(config.Config{DatabaseURL: runDatabaseURL})
	if err != nil {
		return err
	}
	obj := types.SourceObject{Bucket: runBucket, Name: runName}
	if obj.Bucket == "" {
		obj.Bucket = cfg.OriginalsBucket
	}

	ctx := context.Background()
	a, err := newPipelineApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	rec, runErr := a.orchestrator.Run(ctx, obj, pipeline.RunOptions{
		Reprocess:  runReprocess,
		OnProgress: progressPrinter(out),
	})
	if rec != nil {
		if err := printJSON(out, rec); err != nil {
			return err
		}
	}
	if runErr != nil && !failure.IsKind(runErr, failure.KindPartialSuccess) {
		return runErr
	}
	if runErr != nil {
		fmt.Fprintf(out, "Warning: %v\n", runErr)
	}
	return nil
}

// progressPrinter prints one line per stage.
func progressPrinter(w io.Writer) pipeline.ProgressCallback {
	return func(e pipeline.ProgressEvent) {
		fmt.Fprintf(w, "[%s] %s\n", e.Stage, e.Message)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
