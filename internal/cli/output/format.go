// Package output renders driftsyncctl resources as tables, JSON or YAML.
package output

import (
	"fmt"
	"io"
	"strings"
)

// Format selects how a command renders its result.
type Format string

const (
	// FormatTable renders a human-readable table. The default.
	FormatTable Format = "table"
	// FormatJSON renders indented JSON.
	FormatJSON Format = "json"
	// FormatYAML renders YAML.
	FormatYAML Format = "yaml"
)

// ParseFormat parses the -o flag value. Empty means table.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "table", "":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("invalid output format: %q (valid: table, json, yaml)", s)
	}
}

func (f Format) String() string {
	return string(f)
}

// Printer writes status messages, colored when the terminal supports it.
type Printer struct {
	out   io.Writer
	color bool
}

// NewPrinter creates a Printer. format is accepted for call-site symmetry
// with the resource printers; status messages render the same either way.
func NewPrinter(out io.Writer, _ Format, color bool) *Printer {
	return &Printer{out: out, color: color}
}

// Success prints msg, green on color terminals.
func (p *Printer) Success(msg string) {
	p.status("\033[32m", msg)
}

// Error prints msg, red on color terminals.
func (p *Printer) Error(msg string) {
	p.status("\033[31m", msg)
}

// Warning prints msg, yellow on color terminals.
func (p *Printer) Warning(msg string) {
	p.status("\033[33m", msg)
}

func (p *Printer) status(code, msg string) {
	if p.color {
		_, _ = fmt.Fprintf(p.out, "%s%s\033[0m\n", code, msg)
		return
	}
	_, _ = fmt.Fprintln(p.out, msg)
}
