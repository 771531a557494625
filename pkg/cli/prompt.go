// Package cli implements the line-oriented prompts shared by the
// sploots setup wizards.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter asks questions on Out and reads answers from In. Construct
// one around the process stdio with DefaultPrompter, or around buffers
// in tests.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
}

// DefaultPrompter returns a Prompter bound to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) readLine() string {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if !p.scanner.Scan() {
		return ""
	}
	return strings.TrimSpace(p.scanner.Text())
}

// Ask poses a question and returns the answer, or defaultVal when the
// operator just presses Enter.
func (p *Prompter) Ask(question, defaultVal string) string {
	suffix := ": "
	if defaultVal != "" {
		suffix = fmt.Sprintf(" [%s]: ", defaultVal)
	}
	_, _ = fmt.Fprint(p.Out, question, suffix)
	if line := p.readLine(); line != "" {
		return line
	}
	return defaultVal
}

// AskSecret reads an answer without echoing it, for tokens and signing
// secrets. When In is not a terminal (tests, piped input) it degrades
// to a plain read.
func (p *Prompter) AskSecret(question string) string {
	_, _ = fmt.Fprintf(p.Out, "%s: ", question)
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(p.Out)
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.readLine()
}

// Choose renders a numbered menu and returns the chosen option. Enter
// keeps the default; out-of-range answers re-prompt.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	_, _ = fmt.Fprintln(p.Out, question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		_, _ = fmt.Fprintf(p.Out, "%s%d) %s\n", marker, i+1, opt)
	}

	for {
		ans := p.Ask("Choice", strconv.Itoa(defaultIdx+1))
		if n, err := strconv.Atoi(ans); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		_, _ = fmt.Fprintf(p.Out, "  Please enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question, defaulting to defaultYes on a bare
// Enter.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := strings.ToLower(p.Ask(question+" ["+hint+"]", ""))
	if ans == "" {
		return defaultYes
	}
	return ans == "y" || ans == "yes"
}
