package cli

import (
	"bytes"
	"strings"
	"testing"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{
		In:  strings.NewReader(input),
		Out: out,
	}, out
}

func TestAsk_WithInput(t *testing.T) {
	p, _ := newTestPrompter("hello\n")
	if got := p.Ask("Name", "default"); got != "hello" {
		t.Errorf("Ask() = %q, want %q", got, "hello")
	}
}

func TestAsk_EmptyUsesDefault(t *testing.T) {
	p, _ := newTestPrompter("\n")
	if got := p.Ask("Name", "fallback"); got != "fallback" {
		t.Errorf("Ask() = %q, want %q", got, "fallback")
	}
}

func TestAsk_WhitespaceUsesDefault(t *testing.T) {
	p, _ := newTestPrompter("   \n")
	if got := p.Ask("Name", "fallback"); got != "fallback" {
		t.Errorf("Ask() = %q, want %q", got, "fallback")
	}
}

func TestAskSecret_PlainReadFallback(t *testing.T) {
	// Not a real terminal, so it degrades to a plain read.
	p, _ := newTestPrompter("hunter2\n")
	if got := p.AskSecret("Token"); got != "hunter2" {
		t.Errorf("AskSecret() = %q, want %q", got, "hunter2")
	}
}

func TestChoose_Selection(t *testing.T) {
	p, _ := newTestPrompter("2\n")
	options := []string{"alpha", "beta", "gamma"}
	if got := p.Choose("Pick one", options, 0); got != "beta" {
		t.Errorf("Choose() = %q, want %q", got, "beta")
	}
}

func TestChoose_DefaultOnEmpty(t *testing.T) {
	p, _ := newTestPrompter("\n")
	options := []string{"alpha", "beta", "gamma"}
	if got := p.Choose("Pick one", options, 1); got != "beta" {
		t.Errorf("Choose() = %q, want %q", got, "beta")
	}
}

func TestChoose_RepromptsOnInvalid(t *testing.T) {
	p, out := newTestPrompter("9\nx\n1\n")
	options := []string{"alpha", "beta"}
	if got := p.Choose("Pick one", options, 0); got != "alpha" {
		t.Errorf("Choose() = %q, want %q", got, "alpha")
	}
	if !strings.Contains(out.String(), "between 1 and 2") {
		t.Error("expected a re-prompt message for out-of-range input")
	}
}

func TestConfirm_Yes(t *testing.T) {
	p, _ := newTestPrompter("y\n")
	if !p.Confirm("Continue?", false) {
		t.Error("Confirm() = false, want true")
	}
}

func TestConfirm_No(t *testing.T) {
	p, _ := newTestPrompter("n\n")
	if p.Confirm("Continue?", true) {
		t.Error("Confirm() = true, want false")
	}
}

func TestConfirm_DefaultYes(t *testing.T) {
	p, _ := newTestPrompter("\n")
	if !p.Confirm("Continue?", true) {
		t.Error("Confirm() = false, want true (default)")
	}
}

func TestConfirm_DefaultNo(t *testing.T) {
	p, _ := newTestPrompter("\n")
	if p.Confirm("Continue?", false) {
		t.Error("Confirm() = true, want false (default)")
	}
}
