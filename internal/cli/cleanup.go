package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/harun/proxylog/pkg/retention"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	cleanupForce  bool
	cleanupFormat string
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run one retention sweep now",
	Long: `Apply the configured retention policy to the log directory once:
delete or archive legacy and session logs past their limits and prune the
archive. Refuses to run while the daemon is running unless --force is given,
since only the daemon knows which files it holds open.`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupForce, "force", false, "run even if the daemon is running")
	cleanupCmd.Flags().StringVar(&cleanupFormat, "format", "table", "output format (table, json)")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := ensureDaemonStopped(cfg, cleanupForce); err != nil {
		return err
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	policy, err := cfg.RequestLog.RetentionPolicy()
	if err != nil {
		return err
	}

	mgr := retention.New(retention.Options{
		Fs:     afero.NewOsFs(),
		Layout: retention.NewLayout(cfg.LogRoot()),
	})
	report, err := mgr.Cleanup(cmd.Context(), policy)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}

	if err := writeReport(cmd.OutOrStdout(), report, cleanupFormat); err != nil {
		return err
	}
	if len(report.Failures) > 0 {
		return fmt.Errorf("cleanup finished with %d failures", len(report.Failures))
	}
	return nil
}

func writeReport(w io.Writer, report *retention.Report, format string) error {
	switch format {
	case "", "table":
		return writeReportTable(w, report)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func writeReportTable(w io.Writer, report *retention.Report) error {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})

	tw.AppendHeader(table.Row{"Category", "Deleted", "Archived", "Skipped (open)", "Reclaimed"})
	for _, row := range []struct {
		name string
		cr   retention.CategoryReport
	}{
		{retention.CategoryLegacy, report.Legacy},
		{retention.CategorySessions, report.Sessions},
		{retention.CategoryArchive, report.Archive},
	} {
		tw.AppendRow(table.Row{row.name, row.cr.Deleted, row.cr.Archived, row.cr.SkippedOpen, formatBytes(row.cr.BytesReclaimed)})
	}
	tw.AppendFooter(table.Row{"Total", "", "", "", formatBytes(report.TotalReclaimed())})
	_ = tw.Render()

	if report.DirsPruned > 0 {
		fmt.Fprintf(w, "Pruned %d empty session directories\n", report.DirsPruned)
	}
	if len(report.Failures) == 0 {
		return nil
	}

	ft := table.NewWriter()
	ft.SetOutputMirror(w)
	ft.SetStyle(table.StyleRounded)
	ft.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, WidthMax: 60},
	})
	ft.AppendHeader(table.Row{"Category", "Op", "Path", "Error"})
	for _, f := range report.Failures {
		ft.AppendRow(table.Row{f.Category, f.Op, f.Path, f.Error})
	}
	_ = ft.Render()
	return nil
}
