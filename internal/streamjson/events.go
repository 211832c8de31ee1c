// Package streamjson renders bus events as JSON Lines for scripted use of
// print mode.
package streamjson

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llmi/llmi/internal/eventbus"
)

// Event types written on each line.
const (
	TypeStreamStart = "stream_start"
	TypeStreamDelta = "stream_delta"
	TypeStreamEnd   = "stream_end"
	TypeNotice      = "notice"
	TypeResult      = "result"
)

// Result subtypes.
const (
	SubtypeSuccess = "success"
	SubtypeError   = "error"
)

// StreamEvent mirrors one stream or notice event from the bus.
type StreamEvent struct {
	// Type is one of the Type constants.
	Type string `json:"type"`
	// RequestID identifies the completion invocation.
	RequestID string `json:"request_id,omitempty"`
	// Text is the delta or notice text.
	Text string `json:"text,omitempty"`
	// FinishReason is set on the delta that reported it.
	FinishReason string `json:"finish_reason,omitempty"`
	// Error is the failure that ended the stream.
	Error string `json:"error,omitempty"`
	// UUID uniquely identifies the event.
	UUID string `json:"uuid"`
}

// ResultEvent is the last line of a run.
type ResultEvent struct {
	// Type is always "result".
	Type string `json:"type"`
	// Subtype describes success or error conditions.
	Subtype string `json:"subtype"`
	// IsError reports whether the result indicates an error.
	IsError bool `json:"is_error"`
	// DurationMS is the total runtime in milliseconds.
	DurationMS int64 `json:"duration_ms"`
	// Model is the model the request named.
	Model string `json:"model"`
	// RequestID identifies the completion invocation.
	RequestID string `json:"request_id,omitempty"`
	// Result contains the full assistant text.
	Result string `json:"result"`
	// UUID uniquely identifies the event.
	UUID string `json:"uuid"`
	// Errors holds error messages for error subtypes.
	Errors []string `json:"errors,omitempty"`
}

// Writer emits events as JSON Lines.
type Writer struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewWriter constructs a stream-json writer.
func NewWriter(writer io.Writer) *Writer {
	return &Writer{writer: writer}
}

// Write emits a single event as a JSON line.
func (w *Writer) Write(event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal stream-json event: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write stream-json event: %w", err)
	}
	return nil
}

// Convert maps a bus event onto its line. Input and Tick events have no
// line and report false.
func Convert(event eventbus.Event) (StreamEvent, bool) {
	switch typed := event.(type) {
	case eventbus.StreamStart:
		return StreamEvent{Type: TypeStreamStart, RequestID: typed.RequestID, UUID: uuid.NewString()}, true
	case eventbus.StreamDelta:
		return StreamEvent{
			Type:         TypeStreamDelta,
			RequestID:    typed.RequestID,
			Text:         typed.Text,
			FinishReason: typed.FinishReason,
			UUID:         uuid.NewString(),
		}, true
	case eventbus.StreamEnd:
		line := StreamEvent{Type: TypeStreamEnd, RequestID: typed.RequestID, UUID: uuid.NewString()}
		if typed.Err != nil {
			line.Error = typed.Err.Error()
		}
		return line, true
	case eventbus.Notice:
		return StreamEvent{Type: TypeNotice, Text: typed.Text, UUID: uuid.NewString()}, true
	default:
		return StreamEvent{}, false
	}
}

// Recorder writes each event of one print-mode run and closes the run with
// a ResultEvent carrying the accumulated text.
type Recorder struct {
	// writer receives the lines.
	writer *Writer
	// model is echoed in the result.
	model string
	// started is when the recorder was created.
	started time.Time
	// requestID is the most recent stream seen.
	requestID string
	// text accumulates deltas of that stream.
	text strings.Builder
}

// NewRecorder returns a Recorder writing to writer.
func NewRecorder(writer io.Writer, model string) *Recorder {
	return &Recorder{writer: NewWriter(writer), model: model, started: time.Now()}
}

// Record writes event if it has a line.
func (r *Recorder) Record(event eventbus.Event) error {
	line, ok := Convert(event)
	if !ok {
		return nil
	}
	switch line.Type {
	case TypeStreamStart:
		r.requestID = line.RequestID
		r.text.Reset()
	case TypeStreamDelta:
		if line.RequestID == r.requestID {
			r.text.WriteString(line.Text)
		}
	}
	return r.writer.Write(line)
}

// Finish writes the ResultEvent; err is the failure that ended the run.
func (r *Recorder) Finish(err error) error {
	result := ResultEvent{
		Type:       TypeResult,
		Subtype:    SubtypeSuccess,
		DurationMS: time.Since(r.started).Milliseconds(),
		Model:      r.model,
		RequestID:  r.requestID,
		Result:     r.text.String(),
		UUID:       uuid.NewString(),
	}
	if err != nil {
		result.Subtype = SubtypeError
		result.IsError = true
		result.Errors = []string{err.Error()}
	}
	return r.writer.Write(result)
}
