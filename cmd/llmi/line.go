package main

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/llmi/llmi/internal/eventbus"
	"github.com/llmi/llmi/internal/llm/openai"
)

// runLineMode reads one prompt per input line and streams replies to out.
// Lines typed while a reply streams are queued behind it. It returns once
// input is exhausted and every reply has been printed, or on interrupt.
func runLineMode(
	ctx context.Context,
	opts *options,
	client *openai.Client,
	in io.Reader,
	out io.Writer,
	errOut io.Writer,
	logger zerolog.Logger,
) error {
	ctx, stop := withInterrupt(ctx)
	defer stop()

	source := eventbus.NewReaderSource(ctx, in)
	bus := eventbus.New(ctx, source, eventbus.WithTickInterval(0), eventbus.WithLogger(logger))
	defer bus.Close()
	ctrl := newController(ctx, client, bus, logger)
	defer ctrl.shutdown()

	printer := newStreamPrinter(out, errOut)
	endOfInput := false
	for {
		event, err := bus.Next(ctx)
		if errors.Is(err, eventbus.ErrClosed) || errors.Is(err, context.Canceled) {
			printer.EnsureNewline()
			return nil
		}
		if err != nil {
			return err
		}
		ctrl.apply(event)

		switch typed := event.(type) {
		case eventbus.Input:
			switch raw := typed.Raw.(type) {
			case eventbus.Line:
				if quit := handleLine(ctrl, opts, printer, raw.Text); quit {
					return nil
				}
			case eventbus.EndOfInput:
				endOfInput = true
			}
		case eventbus.StreamStart:
			printer.OnStreamStart()
		case eventbus.StreamDelta:
			printer.OnDelta(typed.Text)
		case eventbus.StreamEnd:
			printer.OnStreamEnd()
		case eventbus.Notice:
			printer.OnNotice(typed.Text)
		}

		if endOfInput && ctrl.idle() {
			return nil
		}
	}
}

// handleLine submits a prompt or runs a slash command. It reports whether
// the session should end.
func handleLine(ctrl *controller, opts *options, printer *streamPrinter, line string) bool {
	if handled, action, output := handleSlashCommand(line, opts); handled {
		switch action {
		case slashQuit:
			return true
		case slashClear:
			if !ctrl.reset() {
				output = "Wait for the current response before clearing."
			}
		}
		printer.OnNotice(output)
		return false
	}
	prompt := strings.TrimSpace(line)
	if prompt == "" {
		return false
	}
	ctrl.submit(prompt)
	return false
}
