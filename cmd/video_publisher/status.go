package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonathan/video-publisher/internal/config"
	"github.com/jonathan/video-publisher/internal/db"
	"github.com/jonathan/video-publisher/internal/types"
)

var (
	statusFilter string
	statusLimit  int
	statusJSON   bool
)

var statusCmd = &cobra.Command{
	Use:   "status [source-key]",
	Short: "Show processing records",
	Long:  `Print one record by source key, or list records filtered by --status.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusFilter, "status", "s", "", "Only records with this status (PENDING, RUNNING, SUCCESS, PARTIAL_SUCCESS, FAILED)")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 50, "Maximum records to list")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print JSON instead of a table")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := resolveStateConfig(config.Config{})
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		rec, err := a.db.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("no record for %s", args[0])
		}
		return printJSON(out, rec)
	}

	records, err := a.db.List(ctx, db.ListFilter{
		Status: types.Status(strings.ToUpper(statusFilter)),
		Limit:  statusLimit,
	})
	if err != nil {
		return err
	}
	if statusJSON {
		return printJSON(out, records)
	}
	return printTable(out, records)
}

func printTable(w io.Writer, records []types.ProcessingRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE KEY\tSTATUS\tSTAGE\tLISTING\tATTEMPTS\tUPDATED")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.SourceKey, r.Status, r.Stage, orDash(r.ListingID), r.Attempts, r.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
