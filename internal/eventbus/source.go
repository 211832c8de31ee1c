package eventbus

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
)

// ErrSourceClosed is returned when sending into a closed ChanSource.
var ErrSourceClosed = errors.New("input source closed")

// InputSource supplies raw input to the bus producer.
type InputSource interface {
	// Input delivers raw input values in arrival order.
	Input() <-chan any
	// Done is closed when the source has ended.
	Done() <-chan struct{}
	// Err reports why the source ended; nil means a clean end.
	Err() error
}

// ChanSource is an InputSource fed by callers of Send. It is how front ends
// that decode their own input hand it to the bus.
type ChanSource struct {
	// input is unbuffered so a successful Send means the producer took it.
	input chan any
	// done is closed by Close.
	done chan struct{}
	// once guards done.
	once sync.Once
	// mu guards err.
	mu sync.Mutex
	// err is the reason passed to Close.
	err error
}

// NewChanSource returns an open ChanSource.
func NewChanSource() *ChanSource {
	return &ChanSource{
		input: make(chan any),
		done:  make(chan struct{}),
	}
}

// Send hands one raw value to the producer, waiting until it is taken.
func (s *ChanSource) Send(ctx context.Context, raw any) error {
	select {
	case <-s.done:
		return ErrSourceClosed
	default:
	}
	select {
	case s.input <- raw:
		return nil
	case <-s.done:
		return ErrSourceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the source. The first call wins; err may be nil.
func (s *ChanSource) Close(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// Input implements InputSource.
func (s *ChanSource) Input() <-chan any {
	return s.input
}

// Done implements InputSource.
func (s *ChanSource) Done() <-chan struct{} {
	return s.done
}

// Err implements InputSource.
func (s *ChanSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Line is one line of text read by a ReaderSource.
type Line struct {
	// Text is the line without its terminator.
	Text string
}

// EndOfInput is sent by a ReaderSource when its reader is exhausted.
type EndOfInput struct{}

// ReaderSource turns an io.Reader into Line inputs. Reaching EOF does not end
// the source: it sends EndOfInput instead, so a consumer can let in-flight
// work finish before stopping. Read errors do end the source.
type ReaderSource struct {
	*ChanSource
}

// NewReaderSource starts reading reader in the background until ctx is
// cancelled or the reader fails.
func NewReaderSource(ctx context.Context, reader io.Reader) *ReaderSource {
	source := &ReaderSource{ChanSource: NewChanSource()}
	go source.pump(ctx, reader)
	return source
}

// pump scans lines and forwards them.
func (s *ReaderSource) pump(ctx context.Context, reader io.Reader) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := s.Send(ctx, Line{Text: scanner.Text()}); err != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.Close(err)
		return
	}
	_ = s.Send(ctx, EndOfInput{})
}
