package openai

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/rs/zerolog"
)

const (
	// dataPrefix marks a payload line.
	dataPrefix = "data:"
	// doneSentinel is the payload that ends a stream.
	doneSentinel = "[DONE]"
)

var (
	// ErrNoChoices reports a record that parsed but carried no choices.
	ErrNoChoices = errors.New("stream record has no choices")
	// ErrEmptyChoice reports a first choice with neither message nor delta.
	ErrEmptyChoice = errors.New("stream choice has neither message nor delta")
)

// Record is one item produced by the Decoder: a FragmentRecord, an
// EndRecord or a ViolationRecord.
type Record interface {
	streamRecord()
}

// FragmentRecord carries a decoded fragment.
type FragmentRecord struct {
	Fragment Fragment
}

// EndRecord is produced for the terminator line.
type EndRecord struct{}

// ViolationRecord reports a well-formed record the protocol does not allow.
type ViolationRecord struct {
	// Err wraps ErrNoChoices or ErrEmptyChoice.
	Err error
}

func (FragmentRecord) streamRecord()  {}
func (EndRecord) streamRecord()       {}
func (ViolationRecord) streamRecord() {}

// Decoder turns chunks of an SSE response body into records. Chunk
// boundaries may fall anywhere; bytes after the last newline are kept until
// a later chunk completes the line. A Decoder does no I/O and is not safe for
// concurrent use.
type Decoder struct {
	// cursor holds bytes not yet consumed as complete lines.
	cursor []byte
	// logger records skipped lines at debug level.
	logger zerolog.Logger
}

// NewDecoder returns an empty decoder.
func NewDecoder(logger zerolog.Logger) *Decoder {
	return &Decoder{logger: logger}
}

// Feed appends chunk to the buffered tail and returns the records of every
// complete line. The sequence is lazy: lines leave the buffer only as it is
// iterated, so stopping early keeps the rest for the next Feed or Flush.
func (d *Decoder) Feed(chunk []byte) iter.Seq[Record] {
	d.cursor = append(d.cursor, chunk...)
	return func(yield func(Record) bool) {
		for {
			end := bytes.IndexByte(d.cursor, '\n')
			if end < 0 {
				return
			}
			line := d.cursor[:end]
			d.cursor = d.cursor[end+1:]
			record, ok := d.decodeLine(line)
			if ok && !yield(record) {
				return
			}
		}
	}
}

// Flush decodes whatever is left as a final unterminated line. It is meant
// for transport EOF; a truncated payload fails to parse and is dropped.
func (d *Decoder) Flush() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		if len(d.cursor) == 0 {
			return
		}
		line := d.cursor
		d.cursor = nil
		if record, ok := d.decodeLine(line); ok {
			yield(record)
		}
	}
}

// Buffered reports how many bytes are waiting for a line ending.
func (d *Decoder) Buffered() int {
	return len(d.cursor)
}

// decodeLine maps one line to a record. Lines that are not data lines, or
// whose payload is not a stream response, produce nothing.
func (d *Decoder) decodeLine(line []byte) (Record, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	payload, found := bytes.CutPrefix(line, []byte(dataPrefix))
	if !found {
		return nil, false
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, false
	}
	if string(payload) == doneSentinel {
		return EndRecord{}, true
	}

	var response StreamResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		d.logger.Debug().Err(err).Int("bytes", len(payload)).Msg("skipping malformed stream record")
		return nil, false
	}
	if len(response.Choices) == 0 {
		return ViolationRecord{Err: fmt.Errorf("record %q: %w", response.ID, ErrNoChoices)}, true
	}

	choice := response.Choices[0]
	var body Body
	switch {
	case choice.Message != nil:
		body = MessageBody{Role: choice.Message.Role, Content: choice.Message.Content}
	case choice.Delta != nil:
		body = DeltaBody{Role: choice.Delta.Role, Content: choice.Delta.Content}
	default:
		return ViolationRecord{Err: fmt.Errorf("record %q: %w", response.ID, ErrEmptyChoice)}, true
	}
	return FragmentRecord{Fragment: Fragment{
		Index:        choice.Index,
		Body:         body,
		FinishReason: choice.FinishReason,
		Usage:        response.TokenUsage(),
	}}, true
}
