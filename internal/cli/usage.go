package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/harun/proxylog/pkg/retention"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var usageFormat string

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show disk usage of the request logs",
	Long: `Show file counts and sizes for the legacy, session and archive
log areas. Safe to run while the daemon is writing.`,
	RunE: runUsage,
}

func init() {
	usageCmd.Flags().StringVar(&usageFormat, "format", "table", "output format (table, json)")
	rootCmd.AddCommand(usageCmd)
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	mgr := retention.New(retention.Options{
		Fs:     afero.NewOsFs(),
		Layout: retention.NewLayout(cfg.LogRoot()),
	})
	usage, err := mgr.GetLogDiskUsage()
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", cfg.LogRoot(), err)
	}

	return writeUsage(cmd.OutOrStdout(), usage, usageFormat)
}

func writeUsage(w io.Writer, usage retention.DiskUsage, format string) error {
	switch format {
	case "", "table":
		return writeUsageTable(w, usage)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(usage)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func writeUsageTable(w io.Writer, usage retention.DiskUsage) error {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
	})

	tw.AppendHeader(table.Row{"Category", "Files", "Size"})
	tw.AppendRows([]table.Row{
		{retention.CategoryLegacy, usage.LegacyLogs.Count, formatBytes(usage.LegacyLogs.Size)},
		{retention.CategorySessions, usage.SessionLogs.Count, formatBytes(usage.SessionLogs.Size)},
		{retention.CategoryArchive, usage.ArchiveLogs.Count, formatBytes(usage.ArchiveLogs.Size)},
	})
	files := usage.LegacyLogs.Count + usage.SessionLogs.Count + usage.ArchiveLogs.Count
	tw.AppendFooter(table.Row{"Total", files, formatBytes(usage.TotalSize)})

	_ = tw.Render()
	return nil
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}
