// Package output renders CLI results with lipgloss styles.
//
// Colors are chosen by the renderer from the writer, so output captured in a
// buffer (tests, CI logs) is plain text with the same layout.
package output

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"sdlcflow/internal/stage"
	"sdlcflow/internal/store"
)

// Printer writes styled command output.
type Printer struct {
	w io.Writer

	title   lipgloss.Style
	label   lipgloss.Style
	box     lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
	muted   lipgloss.Style
	header  lipgloss.Style
}

// NewPrinter returns a Printer writing to stdout.
func NewPrinter() *Printer {
	return NewPrinterWithWriter(os.Stdout)
}

// NewPrinterWithWriter returns a Printer writing to w.
func NewPrinterWithWriter(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:       w,
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF")),
		label:   r.NewStyle().Foreground(lipgloss.Color("#AAAAAA")).Width(10),
		box:     r.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1),
		success: r.NewStyle().Bold(true).Foreground(lipgloss.Color("#4CAF50")),
		failure: r.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B")),
		muted:   r.NewStyle().Foreground(lipgloss.Color("#888888")),
		header:  r.NewStyle().Bold(true).Padding(0, 1),
	}
}

// Writer returns the underlying writer.
func (p *Printer) Writer() io.Writer {
	return p.w
}

// Success prints a confirmation line.
func (p *Printer) Success(format string, args ...any) {
	fmt.Fprintln(p.w, p.success.Render("✓ "+fmt.Sprintf(format, args...)))
}

// Error prints a failure line.
func (p *Printer) Error(format string, args ...any) {
	fmt.Fprintln(p.w, p.failure.Render("✗ "+fmt.Sprintf(format, args...)))
}

// Info prints a muted line.
func (p *Printer) Info(format string, args ...any) {
	fmt.Fprintln(p.w, p.muted.Render(fmt.Sprintf(format, args...)))
}

func (p *Printer) row(label, value string) string {
	return p.label.Render(label) + " " + value
}

// StageResult prints a finished stage run as a box.
func (p *Printer) StageResult(req stage.Request, res *stage.Result) {
	status := p.success.Render("✓ completed")
	if res.Replayed {
		status = p.muted.Render("↺ replayed")
	}
	lines := []string{
		p.title.Render(req.String()) + "  " + status,
		"",
		p.row("State", string(res.State)),
	}
	if a := res.Artifact; a != nil {
		lines = append(lines, p.row("Artifact", fmt.Sprintf("v%d (%s)", a.Version, shortDigest(a.InputDigest))))
	}
	if res.Usage.TotalTokens() > 0 {
		lines = append(lines, p.row("Tokens", fmt.Sprintf("%d ($%.4f)", res.Usage.TotalTokens(), res.Usage.CostUSD)))
	}
	lines = append(lines,
		p.row("Duration", res.Duration.Round(time.Millisecond).String()),
		p.row("Run", res.RunID),
	)
	fmt.Fprintln(p.w, p.box.Render(strings.Join(lines, "\n")))
}

// StageFailure prints a failed or skipped stage run.
func (p *Printer) StageFailure(req stage.Request, err error) {
	if stage.IsBenign(err) {
		p.Info("↷ %s skipped: %v", req, err)
		return
	}
	kind := stage.KindOf(err)
	var se *stage.Error
	if errors.As(err, &se) {
		err = se.Err
	}
	lines := []string{
		p.failure.Render("✗ " + req.String()),
		"",
		p.row("Kind", string(kind)),
		p.row("Error", err.Error()),
	}
	fmt.Fprintln(p.w, p.box.Render(strings.Join(lines, "\n")))
}

// FeatureTable prints one row per feature.
func (p *Printer) FeatureTable(recs []*store.FeatureRecord) {
	if len(recs) == 0 {
		p.Info("No features")
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(p.muted).
		Headers("ID", "TITLE", "STATE", "STORIES", "EPIC", "UPDATED").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.header
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	for _, rec := range recs {
		updated := ""
		if !rec.UpdatedAt.IsZero() {
			updated = rec.UpdatedAt.Format("2006-01-02 15:04")
		}
		t.Row(rec.ID, truncate(rec.Title, 40), string(rec.State), strconv.Itoa(len(rec.StoryKeys)), rec.TrackerEpicKey, updated)
	}
	fmt.Fprintln(p.w, t.String())
}

// StoryTable prints the per-story progress of one feature.
func (p *Printer) StoryTable(rec *store.FeatureRecord) {
	fmt.Fprintln(p.w, p.title.Render(fmt.Sprintf("#%s %s", rec.ID, rec.Title))+"  "+p.muted.Render(string(rec.State)))
	if rec.LastError != "" {
		fmt.Fprintln(p.w, p.failure.Render("last error: "+rec.LastError))
	}
	if len(rec.StoryKeys) == 0 {
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(p.muted).
		Headers("STORY", "STATE", "BRANCH", "PR", "REVIEW")
	for _, key := range rec.StoryKeys {
		sp := rec.Stories[key]
		if sp == nil {
			t.Row(key, "", "", "", "")
			continue
		}
		pr := ""
		if sp.PRNumber > 0 {
			pr = "#" + strconv.Itoa(sp.PRNumber)
		}
		t.Row(key, string(sp.State), sp.Branch, pr, sp.ReviewStatus)
	}
	fmt.Fprintln(p.w, t.String())
}

func shortDigest(d string) string {
	d = strings.TrimPrefix(d, "sha256:")
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
