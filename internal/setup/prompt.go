// Package setup implements the interactive wizard that writes a first
// zonesync configuration.
package setup

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Prompter asks questions on w and reads answers from r, one per line.
type Prompter struct {
	scanner *bufio.Scanner
	w       io.Writer
}

// NewPrompter creates a Prompter wired to the given reader and writer.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{scanner: bufio.NewScanner(r), w: w}
}

// line prints the prompt and returns the trimmed answer. ok is false once
// input is exhausted.
func (p *Prompter) line(format string, args ...any) (answer string, ok bool) {
	_, _ = fmt.Fprintf(p.w, "  "+format+": ", args...)
	if !p.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.scanner.Text()), true
}

// String asks for a text value. Enter alone returns defaultVal; an empty
// defaultVal makes the answer required.
func (p *Prompter) String(label, defaultVal string) string {
	for {
		var val string
		var ok bool
		if defaultVal != "" {
			val, ok = p.line("%s [%s]", label, defaultVal)
		} else {
			val, ok = p.line("%s", label)
		}
		if !ok {
			return defaultVal
		}
		if val != "" {
			return val
		}
		if defaultVal != "" {
			return defaultVal
		}
		_, _ = fmt.Fprintln(p.w, "  (required, please enter a value)")
	}
}

// List collects values until an empty answer. At least atLeast values are
// required.
func (p *Prompter) List(label string, atLeast int) []string {
	var out []string
	for {
		val, ok := p.line("%s #%d (empty to finish)", label, len(out)+1)
		if !ok {
			return out
		}
		if val == "" {
			if len(out) >= atLeast {
				return out
			}
			_, _ = fmt.Fprintf(p.w, "  (at least %d required)\n", atLeast)
			continue
		}
		out = append(out, val)
	}
}

// Confirm asks a yes/no question. defaultYes decides what Enter alone means.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	answer, ok := p.line("%s %s", label, hint)
	if !ok || answer == "" {
		return defaultYes
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes"
}

// Select presents a numbered list and returns the zero-based index of the
// chosen option. Enter alone picks the first option.
func (p *Prompter) Select(label string, options []string) (int, error) {
	if len(options) == 0 {
		return -1, fmt.Errorf("no options to select from")
	}

	_, _ = fmt.Fprintf(p.w, "  %s:\n", label)
	for i, opt := range options {
		_, _ = fmt.Fprintf(p.w, "    %d) %s\n", i+1, opt)
	}

	for {
		val, ok := p.line("Choice [1-%d]", len(options))
		if !ok {
			return -1, fmt.Errorf("no input")
		}
		if val == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 || n > len(options) {
			_, _ = fmt.Fprintf(p.w, "  (enter a number between 1 and %d)\n", len(options))
			continue
		}
		return n - 1, nil
	}
}

// Duration asks for a duration between lo and hi.
func (p *Prompter) Duration(label string, defaultVal, lo, hi time.Duration) time.Duration {
	for {
		val, ok := p.line("%s (%v..%v) [%v]", label, lo, hi, defaultVal)
		if !ok || val == "" {
			return defaultVal
		}
		d, err := time.ParseDuration(val)
		if err != nil || d < lo || d > hi {
			_, _ = fmt.Fprintf(p.w, "  (enter a duration between %v and %v, e.g. 45s)\n", lo, hi)
			continue
		}
		return d
	}
}
