package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/splax/autodeploy/internal/domain"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
)

// printer writes CLI output, colouring statuses when attached to a terminal.
type printer struct {
	out   io.Writer
	color bool
}

func newPrinter() printer {
	color := !viper.GetBool("no-color") && term.IsTerminal(int(os.Stdout.Fd()))
	return printer{out: os.Stdout, color: color}
}

func (p printer) paint(code, text string) string {
	if !p.color || code == "" {
		return text
	}
	return code + text + ansiReset
}

func statusColor(status string) string {
	switch strings.ToLower(status) {
	case "success", "succeeded":
		return ansiGreen
	case "failure", "failed", "error":
		return ansiRed
	case "aborted", "warning", "rolling", "queued":
		return ansiYellow
	case "running", "info":
		return ansiCyan
	default:
		return ""
	}
}

func (p printer) status(status string) string {
	return p.paint(statusColor(status), status)
}

func (p printer) printf(format string, args ...any) {
	fmt.Fprintf(p.out, format, args...)
}

func buildLabel(n *int) string {
	if n == nil {
		return "-"
	}
	return fmt.Sprintf("#%d", *n)
}

func (p printer) pipelineRow(pl domain.Pipeline) {
	p.printf("%s\t%s\t%s\t%s\t%s\t%s\n",
		pl.ID, pl.Name, pl.Branch, p.status(string(pl.Status)), buildLabel(pl.BuildNumber), pl.StartedAt.Format(time.RFC3339))
}

func (p printer) pipelineDetail(pl domain.Pipeline) {
	p.printf("pipeline %s (%s) %s build %s\n", pl.ID, pl.Name, p.status(string(pl.Status)), buildLabel(pl.BuildNumber))
	for _, st := range pl.Stages {
		p.printf("  %-10s %s\n", st.Name, p.status(string(st.Status)))
	}
	for _, entry := range pl.Logs {
		p.logLine(entry)
	}
}

func (p printer) logLine(entry domain.LogEntry) {
	stage := ""
	if entry.Stage != "" {
		stage = "[" + entry.Stage + "] "
	}
	p.printf("%s %s %s%s\n", entry.Timestamp.Format("15:04:05"), p.status(string(entry.Level)), stage, entry.Message)
}

func (p printer) deployment(rec domain.DeploymentRecord) {
	p.printf("deployment %s %s/%s %s:%s replicas=%d revision=%d %s\n",
		rec.ID, rec.Namespace, rec.Workload, rec.Image, rec.Tag, rec.Replicas, rec.Revision, p.status(string(rec.Status)))
}
