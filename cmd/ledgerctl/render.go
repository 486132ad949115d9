package main

import (
	"fmt"
	"io"
	"time"

	"coffeeledger/internal/core"
	"coffeeledger/pkg/domain"

	"github.com/fatih/color"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	stageColor  = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	dimColor    = color.New(color.Faint)
)

func statusColor(status domain.BatchStatus) *color.Color {
	switch status {
	case domain.BatchStatusCompleted:
		return color.New(color.FgGreen, color.Bold)
	case domain.BatchStatusCancelled:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgYellow)
	}
}

func renderSummary(w io.Writer, b domain.Batch) {
	headerColor.Fprintf(w, "%s", b.ID)
	fmt.Fprintf(w, "  %s  ", b.ProducerName)
	statusColor(b.Status).Fprintf(w, "%s", b.Status)
	dimColor.Fprintf(w, "  holder=%s stages=%d address=%s\n", b.CurrentHolder, b.NextStageIndex, b.Address)
}

func renderTimeline(w io.Writer, b domain.Batch, stages []domain.Stage) {
	headerColor.Fprintf(w, "Batch %s", b.ID)
	fmt.Fprintf(w, " (%s)\n", b.ProducerName)
	dimColor.Fprintf(w, "  address  %s\n  created  %s by %s\n  data     %s\n", b.Address, formatUnix(b.CreatedAt), b.Creator, short(b.BatchDataHash))
	fmt.Fprint(w, "  status   ")
	statusColor(b.Status).Fprintf(w, "%s", b.Status)
	fmt.Fprintf(w, "\n  holder   %s\n", b.CurrentHolder)
	if len(stages) == 0 {
		dimColor.Fprintln(w, "  (no stages)")
		return
	}
	for _, s := range stages {
		stageColor.Fprintf(w, "  ● #%-3d %-32s", s.Index, s.StageName)
		fmt.Fprintf(w, " %s  by %s  ", formatUnix(s.Timestamp), s.Actor)
		dimColor.Fprintf(w, "%s\n", short(s.StageDataHash))
	}
}

func printWarnings(w io.Writer, res core.Result) {
	for _, v := range res.Violations {
		warnColor.Fprintf(w, "warning [%s]: %s\n", v.Rule, v.Message)
	}
}

func formatUnix(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12] + "…"
	}
	return hash
}
