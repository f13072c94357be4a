package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"node.town/scribe/db"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List saved transcripts in a table",
	Run:   runHistory,
}

func runHistory(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	cfg, logs := loadConfig()

	store := openStore(ctx, cfg, logs)
	if store == nil {
		logs.main.Fatal("no transcript store configured")
	}
	defer store.Close()

	entries, err := store.Entries(ctx)
	if err != nil {
		logs.main.Fatal("read transcripts", "error", err)
	}
	if len(entries) == 0 {
		logs.main.Info("no transcripts yet", "store", cfg.TranscriptStore)
		return
	}

	renderHistory(entries)
}

func renderHistory(entries []db.Entry) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"#", "Session", "Started", "Duration", "Transcript"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, e := range entries {
		duration := "-"
		if !e.StartedAt.IsZero() && !e.EndedAt.IsZero() {
			duration = e.EndedAt.Sub(e.StartedAt).Round(time.Second).String()
		}
		started := "-"
		if !e.StartedAt.IsZero() {
			started = e.StartedAt.Local().Format("2006-01-02 15:04:05")
		}
		table.Append([]string{
			fmt.Sprintf("%d", e.ID),
			e.SessionID,
			started,
			duration,
			truncate(e.Text, 72),
		})
	}

	table.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
