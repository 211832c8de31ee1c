// Package eventbus merges input, timer ticks and streaming-response events
// into one ordered queue read by a single consumer.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTickInterval is the period of Tick events.
const DefaultTickInterval = 250 * time.Millisecond

// ErrClosed is returned by Next once the producer has stopped and every
// queued event has been delivered, and by Publish after that point.
var ErrClosed = errors.New("event bus closed")

// Sender publishes events onto a bus. Implementations are safe for
// concurrent use.
type Sender interface {
	// Publish enqueues an event without blocking.
	Publish(event Event) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(event Event) error

// Publish calls f(event).
func (f SenderFunc) Publish(event Event) error {
	return f(event)
}

// Option configures a Bus.
type Option func(*Bus)

// WithTickInterval sets the timer period. Zero or negative disables ticks.
func WithTickInterval(interval time.Duration) Option {
	return func(b *Bus) {
		b.tickInterval = interval
	}
}

// WithLogger sets the logger used for producer diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// Bus is an unbounded FIFO of events with one background producer feeding
// input and ticks into it. Any number of goroutines may publish; a single
// consumer reads with Next.
type Bus struct {
	// tickInterval is the Tick period; zero disables ticks.
	tickInterval time.Duration
	// logger records producer lifecycle.
	logger zerolog.Logger

	// mu guards queue and closed.
	mu sync.Mutex
	// queue holds published events not yet delivered.
	queue []Event
	// closed is set once the producer has stopped.
	closed bool

	// ready holds a token whenever queue or closed may have changed.
	ready chan struct{}
	// done is closed when the producer goroutine returns.
	done chan struct{}
	// cancel stops the producer.
	cancel context.CancelFunc
}

// New starts a bus whose producer reads from source until the source ends or
// ctx is cancelled. A nil source yields a tick-only bus.
//
// The bus closes as soon as the producer stops, whether or not other
// goroutines still hold a Sender. Their later Publish calls fail with
// ErrClosed and those events are lost, so a consumer that must see every
// StreamEnd keeps the source open until its submissions have finished, the
// way ReaderSource reports EOF as EndOfInput instead of ending.
func New(ctx context.Context, source InputSource, opts ...Option) *Bus {
	bus := &Bus{
		tickInterval: DefaultTickInterval,
		logger:       zerolog.Nop(),
		ready:        make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(bus)
	}
	ctx, cancel := context.WithCancel(ctx)
	bus.cancel = cancel
	go bus.produce(ctx, source)
	return bus
}

// Sender returns a handle producers use to publish onto the bus.
func (b *Bus) Sender() Sender {
	return SenderFunc(b.Publish)
}

// Publish appends an event to the queue. It never blocks and never drops;
// it fails only after the bus has closed.
func (b *Bus) Publish(event Event) error {
	if event == nil {
		return errors.New("publish nil event")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.queue = append(b.queue, event)
	b.mu.Unlock()
	b.signal()
	return nil
}

// Next blocks until an event is available and returns it. After the
// producer stops, remaining events are still delivered before ErrClosed.
func (b *Bus) Next(ctx context.Context) (Event, error) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			event := b.queue[0]
			b.queue[0] = nil
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return event, nil
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		select {
		case <-b.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops the producer and waits for it to exit. Events already queued
// remain readable.
func (b *Bus) Close() {
	b.cancel()
	<-b.done
}

// Done is closed once the producer has stopped.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// produce is the background loop merging input and ticks.
func (b *Bus) produce(ctx context.Context, source InputSource) {
	defer close(b.done)
	defer b.shutdown()

	var ticks <-chan time.Time
	if b.tickInterval > 0 {
		ticker := time.NewTicker(b.tickInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	var input <-chan any
	var sourceDone <-chan struct{}
	if source != nil {
		input = source.Input()
		sourceDone = source.Done()
	}

	b.logger.Debug().Dur("tick_interval", b.tickInterval).Msg("event producer started")
	for {
		select {
		case <-ctx.Done():
			b.logger.Debug().Msg("event producer cancelled")
			return
		case at := <-ticks:
			_ = b.Publish(Tick{At: at})
		case raw := <-input:
			_ = b.Publish(Input{Raw: raw})
		case <-sourceDone:
			if err := source.Err(); err != nil {
				b.logger.Error().Err(err).Msg("input source failed")
				_ = b.Publish(Notice{Text: fmt.Sprintf("input stopped: %v", err)})
			} else {
				b.logger.Debug().Msg("input source ended")
			}
			return
		}
	}
}

// shutdown marks the bus closed and wakes the consumer.
func (b *Bus) shutdown() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

// signal leaves a wake-up token for Next without blocking.
func (b *Bus) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}
