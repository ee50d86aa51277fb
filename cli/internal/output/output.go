// Package output provides output formatting for the CLI.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"
)

// Format represents an output format.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// Writer handles formatted output.
type Writer struct {
	format Format
	out    io.Writer
}

// NewWriter creates a writer for format printing to stdout. Unknown formats
// fall back to table.
func NewWriter(format string) *Writer {
	f := Format(format)
	if f != FormatJSON && f != FormatYAML {
		f = FormatTable
	}
	return &Writer{
		format: f,
		out:    os.Stdout,
	}
}

// WithOutput redirects the writer to out.
func (w *Writer) WithOutput(out io.Writer) *Writer {
	w.out = out
	return w
}

// Structured reports whether the writer emits machine-readable output.
func (w *Writer) Structured() bool {
	return w.format != FormatTable
}

// Print outputs data in the configured format.
func (w *Writer) Print(data interface{}) error {
	switch w.format {
	case FormatJSON:
		return w.printJSON(data)
	case FormatYAML:
		return w.printYAML(data)
	default:
		return w.printTable(data)
	}
}

// PrintEither prints structured for json and yaml, and table otherwise.
func (w *Writer) PrintEither(structured interface{}, table Table) error {
	if w.Structured() {
		return w.Print(structured)
	}
	return w.Print(table)
}

func (w *Writer) printJSON(data interface{}) error {
	enc := json.NewEncoder(w.out)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (w *Writer) printYAML(data interface{}) error {
	enc := yaml.NewEncoder(w.out)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		return err
	}
	return enc.Close()
}

func (w *Writer) printTable(data interface{}) error {
	switch v := data.(type) {
	case Table:
		return w.writeTable(v)
	case *Table:
		return w.writeTable(*v)
	default:
		// Types without a tabular form print as JSON.
		return w.printJSON(data)
	}
}

// Table represents tabular data.
type Table struct {
	Headers []string
	Rows    [][]string
}

// NewTable creates an empty table with the given headers.
func NewTable(headers ...string) *Table {
	return &Table{Headers: headers}
}

// Append adds one row.
func (t *Table) Append(cells ...string) {
	t.Rows = append(t.Rows, cells)
}

func (w *Writer) writeTable(t Table) error {
	tw := tabwriter.NewWriter(w.out, 0, 0, 2, ' ', 0)

	writeRow(tw, t.Headers)
	for _, row := range t.Rows {
		writeRow(tw, row)
	}
	return tw.Flush()
}

func writeRow(w io.Writer, cells []string) {
	for i, cell := range cells {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, cell)
	}
	fmt.Fprintln(w)
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Millis renders d in whole or fractional milliseconds.
func Millis(d time.Duration) string {
	ms := float64(d) / float64(time.Millisecond)
	if ms >= 10 {
		return fmt.Sprintf("%.0fms", ms)
	}
	return fmt.Sprintf("%.2fms", ms)
}

// Clock renders t as a local wall-clock time, or "-" when unset.
func Clock(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("15:04:05")
}

// Success prints a success message.
func Success(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, "✓ "+format+"\n", args...)
}

// Error prints an error message.
func Error(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, "✗ "+format+"\n", args...)
}

// Info prints an info message.
func Info(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, "→ "+format+"\n", args...)
}
