package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/meeting-insight-service/internal/config"
	"github.com/skypro1111/meeting-insight-service/internal/store"
)

func newReportsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Inspect final meeting reports",
	}
	cmd.AddCommand(newReportsListCmd(configPath))
	cmd.AddCommand(newReportsShowCmd(configPath))
	return cmd
}

// openReports reads only the storage section; API keys are not needed here
func openReports(configPath string) (*config.Config, *store.FileStore, error) {
	cfg, err := config.Read(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Storage.Validate(); err != nil {
		return nil, nil, fmt.Errorf("storage config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fs, err := store.NewFileStore(cfg.Storage.Dir, logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, fs, nil
}

func newReportsListCmd(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List final reports, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, fs, err := openReports(*configPath)
			if err != nil {
				return err
			}

			summaries, err := listSummaries(cmd, cfg, fs, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(summaries) == 0 {
				fmt.Fprintln(out, "No reports found")
				return nil
			}
			return writeSummaries(out, summaries)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of reports to list")
	return cmd
}

// listSummaries prefers the index and falls back to scanning report files
func listSummaries(cmd *cobra.Command, cfg *config.Config, fs *store.FileStore, limit int) ([]store.ReportSummary, error) {
	index, err := store.OpenReportIndex(cmd.Context(), cfg.Storage.GetIndexPath())
	if err == nil {
		defer index.Close()
		if summaries, err := index.List(cmd.Context(), limit); err == nil && len(summaries) > 0 {
			return summaries, nil
		}
	}

	reports, err := fs.ListReports()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(reports) > limit {
		reports = reports[:limit]
	}
	summaries := make([]store.ReportSummary, 0, len(reports))
	for i := range reports {
		summaries = append(summaries, reports[i].Summary())
	}
	return summaries, nil
}

func writeSummaries(w io.Writer, summaries []store.ReportSummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tMEETING\tFINALIZED\tTURNS\tSUMMARY\tSPEAKERS")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n",
			s.SessionID,
			s.MeetingID,
			s.FinalizedAt.Local().Format(time.DateTime),
			s.Turns,
			s.SummaryPoints,
			s.Speakers,
		)
	}
	return tw.Flush()
}

func newReportsShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a final report as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, fs, err := openReports(*configPath)
			if err != nil {
				return err
			}

			report, err := fs.LoadReport(args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no report for session %q", args[0])
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
