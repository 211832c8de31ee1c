package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/llmi/llmi/internal/llm/openai"
)

// streamPrinter renders streaming output for line-oriented runs.
type streamPrinter struct {
	// out is the primary output writer for assistant text.
	out io.Writer
	// errOut is used for notices.
	errOut io.Writer
	// lineOpen tracks whether a streaming line is in progress.
	lineOpen bool
}

// newStreamPrinter constructs a printer.
func newStreamPrinter(out io.Writer, errOut io.Writer) *streamPrinter {
	return &streamPrinter{out: out, errOut: errOut}
}

// Reset clears state before a new streamed response begins.
func (p *streamPrinter) Reset() {
	p.lineOpen = false
}

// EnsureNewline terminates a streaming line if one is active.
func (p *streamPrinter) EnsureNewline() {
	if p == nil {
		return
	}
	if !p.lineOpen {
		return
	}
	fmt.Fprintln(p.out)
	p.lineOpen = false
}

// OnStreamStart resets state for a new streaming assistant response.
func (p *streamPrinter) OnStreamStart() {
	p.Reset()
}

// OnDelta prints incremental text as it arrives.
func (p *streamPrinter) OnDelta(text string) {
	if text == "" {
		return
	}
	fmt.Fprint(p.out, text)
	p.lineOpen = !strings.HasSuffix(text, "\n")
}

// OnStreamEnd ensures the assistant response ends with a newline.
func (p *streamPrinter) OnStreamEnd() {
	p.EnsureNewline()
}

// OnNotice prints a diagnostic on its own line of errOut.
func (p *streamPrinter) OnNotice(text string) {
	if text == "" {
		return
	}
	p.EnsureNewline()
	fmt.Fprintln(p.errOut, text)
}

// slashAction tells the caller what a handled slash command asks for.
type slashAction int

const (
	// slashNone needs nothing beyond showing the output.
	slashNone slashAction = iota
	// slashQuit ends the session.
	slashQuit
	// slashClear starts a new conversation.
	slashClear
)

// slashCommands lists the supported commands with their help text.
var slashCommands = []struct {
	name string
	help string
}{
	{"help", "Show this help"},
	{"clear", "Start a new conversation"},
	{"quit", "Exit llmi"},
	{"exit", "Exit llmi"},
}

// handleSlashCommand routes slash commands. It reports whether line was a
// command, what to do, and any text to show.
func handleSlashCommand(line string, opts *options) (bool, slashAction, string) {
	if opts != nil && opts.DisableSlashCommands {
		return false, slashNone, ""
	}
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/") {
		return false, slashNone, ""
	}
	trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "/"))
	parts := strings.Fields(trimmed)
	if len(parts) == 0 {
		return false, slashNone, ""
	}
	command := strings.ToLower(parts[0])
	switch command {
	case "help":
		return true, slashNone, slashHelp()
	case "clear":
		return true, slashClear, ""
	case "quit", "exit":
		return true, slashQuit, ""
	default:
		return true, slashNone, fmt.Sprintf("Unknown command: /%s (try /help)", command)
	}
}

// slashHelp lists the commands.
func slashHelp() string {
	var builder strings.Builder
	builder.WriteString("Commands:")
	for _, command := range slashCommands {
		fmt.Fprintf(&builder, "\n  /%-6s %s", command.name, command.help)
	}
	return builder.String()
}

// compactWhitespace collapses internal whitespace into single spaces.
func compactWhitespace(value string) string {
	fields := strings.Fields(value)
	return strings.Join(fields, " ")
}

// truncateForDisplay shortens long strings without breaking runes.
func truncateForDisplay(value string, max int) string {
	if max <= 0 {
		return value
	}
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

// withInterrupt returns a context cancelled on the first SIGINT. The stop
// function releases the signal and cancels the context.
func withInterrupt(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt)
}

// formatInteractiveError normalizes common stream errors for display.
func formatInteractiveError(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *openai.APIError
	switch {
	case errors.Is(err, context.Canceled):
		return "Request cancelled."
	case errors.Is(err, context.DeadlineExceeded):
		return "Request timed out."
	case errors.As(err, &apiErr):
		return fmt.Sprintf("Gateway returned status %d.", apiErr.StatusCode)
	default:
		return compactWhitespace(err.Error())
	}
}
