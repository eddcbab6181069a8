// Package main provides the entry point for the video publisher.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "video_publisher",
	Short: "Watermark stored videos and publish them as draft listings",
	Long: `video_publisher turns a newly stored video into a draft commerce listing:
download -> watermark -> upload -> labels -> create listing -> attach media.

Duplicate triggers for the same object never produce a second listing.

Configuration is read from a JSON file (--config), then environment
variables, then command-line flags.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.json file (values can be overridden by env vars and flags)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Human-readable debug logging")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
