package main

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/JakeFAU/multigroup-scraper/internal/config"
	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
)

const maxDetailWidth = 60

func printDryRun(w io.Writer, cfg config.Config) error {
	summary, err := cfg.Summary()
	if err != nil {
		return err
	}
	doc, err := summary.MarshalDocument()
	if err != nil {
		return err
	}
	if _, err := w.Write(doc); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// printReport renders per-group results, the success/failure totals and the
// run statistics block.
func printReport(w io.Writer, results []scraper.GroupResult, stats scraper.RunStatistics) error {
	style := table.StyleLight
	// Keep the totals footer as written; the default style upper-cases it.
	style.Format.Footer = text.FormatDefault
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(style)
	t.SetTitle("Group results")
	t.AppendHeader(table.Row{"Group", "Outcome", "Messages", "Duration", "Fallback", "Detail"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Messages", Align: text.AlignRight},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Detail", WidthMax: maxDetailWidth},
	})

	succeeded, failed, messages := 0, 0, 0
	for _, r := range results {
		if r.Success {
			succeeded++
			messages += r.MessagesScraped
		} else {
			failed++
		}
		t.AppendRow(table.Row{
			r.GroupName,
			string(r.Outcome),
			r.MessagesScraped,
			r.Duration().Round(time.Millisecond).String(),
			r.FallbackUsed,
			detail(r),
		})
	}
	t.AppendFooter(table.Row{"Total", fmt.Sprintf("%d ok / %d failed", succeeded, failed), messages, "", "", ""})
	t.Render()

	s := table.NewWriter()
	s.SetOutputMirror(w)
	s.SetStyle(table.StyleLight)
	s.SetTitle("Run statistics")
	s.AppendRows([]table.Row{
		{"total_groups", stats.TotalGroups},
		{"completed_cycles", stats.CompletedCycles},
		{"total_messages", stats.TotalMessages},
		{"errors", stats.Errors},
		{"active_groups", stats.ActiveGroups},
		{"runtime_seconds", fmt.Sprintf("%.1f", stats.RuntimeSeconds)},
	})
	s.Render()
	return nil
}

func detail(r scraper.GroupResult) string {
	switch {
	case r.Error != "":
		return r.Error
	case r.OriginalError != "":
		return "recovered from: " + r.OriginalError
	default:
		return r.SavedTo
	}
}
