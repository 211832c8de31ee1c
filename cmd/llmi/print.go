package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/llmi/llmi/internal/eventbus"
	"github.com/llmi/llmi/internal/llm/openai"
	"github.com/llmi/llmi/internal/streamjson"
)

// Output formats for print mode.
const (
	outputText       = "text"
	outputStreamJSON = "stream-json"
)

// printSink renders the events of one print-mode run.
type printSink interface {
	// Record renders one event.
	Record(event eventbus.Event) error
	// Finish closes the run; err is why it failed, if it did.
	Finish(err error) error
}

// textSink prints reply text to out and notices to errOut.
type textSink struct {
	printer *streamPrinter
}

// Record implements printSink.
func (s textSink) Record(event eventbus.Event) error {
	switch typed := event.(type) {
	case eventbus.StreamStart:
		s.printer.OnStreamStart()
	case eventbus.StreamDelta:
		s.printer.OnDelta(typed.Text)
	case eventbus.StreamEnd:
		s.printer.OnStreamEnd()
	case eventbus.Notice:
		s.printer.OnNotice(typed.Text)
	}
	return nil
}

// Finish implements printSink.
func (s textSink) Finish(error) error {
	s.printer.EnsureNewline()
	return nil
}

// newPrintSink picks the renderer for format.
func newPrintSink(format string, model string, out io.Writer, errOut io.Writer) printSink {
	if format == outputStreamJSON {
		return streamjson.NewRecorder(out, model)
	}
	return textSink{printer: newStreamPrinter(out, errOut)}
}

// runPrintMode streams the reply to a single prompt and returns when it
// ends. A failed stream is returned as an error after the sink has shown it.
func runPrintMode(
	ctx context.Context,
	client *openai.Client,
	prompt string,
	sink printSink,
	logger zerolog.Logger,
) error {
	ctx, stop := withInterrupt(ctx)
	defer stop()

	bus := eventbus.New(ctx, nil, eventbus.WithTickInterval(0), eventbus.WithLogger(logger))
	defer bus.Close()
	ctrl := newController(ctx, client, bus, logger)
	defer ctrl.shutdown()

	ctrl.submit(prompt)
	for {
		event, err := bus.Next(ctx)
		if err != nil {
			_ = sink.Finish(err)
			return err
		}
		ctrl.apply(event)
		if err := sink.Record(event); err != nil {
			return err
		}

		end, ok := event.(eventbus.StreamEnd)
		if !ok {
			continue
		}
		if err := sink.Finish(end.Err); err != nil {
			return err
		}
		if end.Err != nil {
			return fmt.Errorf("response failed: %w", end.Err)
		}
		return nil
	}
}
