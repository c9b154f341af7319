package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"restune/internal/api"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

var kindStyle = map[statusKind]struct{ label, color string }{
	statusInfo:  {"INFO", "\x1b[34m"},
	statusOK:    {"OK", "\x1b[32m"},
	statusWarn:  {"WARN", "\x1b[33m"},
	statusError: {"ERROR", "\x1b[31m"},
}

const (
	ansiReset  = "\x1b[0m"
	labelWidth = 20
)

var titleCaser = cases.Title(language.Und)

// report collects aligned "label: value" lines grouped under section headers.
// Color is only emitted when the destination is a terminal.
type report struct {
	b     strings.Builder
	color bool
}

func newReport(w io.Writer) *report {
	return &report{color: isTerminal(w)}
}

func (r *report) section(title string) {
	if r.b.Len() > 0 {
		r.b.WriteByte('\n')
	}
	header := "== " + title + " =="
	r.line(statusInfo, header)
	r.line(statusInfo, strings.Repeat("-", len(header)))
}

func (r *report) value(label, format string, args ...any) {
	fmt.Fprintf(&r.b, "  %-*s %s\n", labelWidth, label+":", fmt.Sprintf(format, args...))
}

// state prints a value tagged with its severity, e.g. "[WARN] disabled".
func (r *report) state(label string, kind statusKind, format string, args ...any) {
	text := fmt.Sprintf("  %-*s [%s] %s", labelWidth, label+":", kindStyle[kind].label, fmt.Sprintf(format, args...))
	r.line(kind, strings.TrimRight(text, " "))
}

func (r *report) line(kind statusKind, text string) {
	if r.color {
		text = kindStyle[kind].color + text + ansiReset
	}
	r.b.WriteString(text)
	r.b.WriteByte('\n')
}

func (r *report) writeTo(w io.Writer) error {
	_, err := io.WriteString(w, r.b.String())
	return err
}

// outcome renders the settled state of one request.
func (r *report) outcome(o api.Outcome) {
	r.state("Outcome", outcomeKind(o.Status), "%s", humanize(o.Status))
	if o.ClientID != "" {
		r.value("Client", "%s", o.ClientID)
	}
	if o.Op != "" {
		r.value("Operation", "%s", humanize(o.Op))
	}
	if o.Total > 0 {
		r.value("Resources", "%d total, %d applied, %d failed, %d cancelled", o.Total, o.Applied, o.Failed, o.Cancelled)
	}
	if o.Error != "" {
		r.value("Error", "%s (%s)", o.Error, o.ErrorKind)
	}
	if o.UpdatedAt != "" {
		r.value("Updated", "%s", o.UpdatedAt)
	}
}

// humanize turns snake_case and pipe separated identifiers into title case words.
func humanize(value string) string {
	value = strings.NewReplacer("_", " ", "|", ", ").Replace(strings.TrimSpace(value))
	if value == "" {
		return "-"
	}
	return titleCaser.String(value)
}

func outcomeKind(status string) statusKind {
	switch status {
	case "applied", "untuned":
		return statusOK
	case "pending":
		return statusInfo
	case "cancelled":
		return statusWarn
	default:
		return statusError
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
