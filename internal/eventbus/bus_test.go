package eventbus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/llmi/llmi/internal/testutil"
)

// nextWithin reads one event or fails the test after a timeout.
func nextWithin(testingHandle *testing.T, bus *Bus) Event {
	testingHandle.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	event, err := bus.Next(ctx)
	testutil.RequireNoError(testingHandle, err, "next event")
	return event
}

// TestBusDeliversInputAndTicksWithoutLoss interleaves N inputs and M ticks
// from two producers and checks count and per-source order.
func TestBusDeliversInputAndTicksWithoutLoss(testingHandle *testing.T) {
	const inputs = 200
	const ticks = 150

	source := NewChanSource()
	bus := New(context.Background(), source, WithTickInterval(0))
	defer bus.Close()

	var wait sync.WaitGroup
	wait.Add(2)
	go func() {
		defer wait.Done()
		for i := 0; i < inputs; i++ {
			if err := source.Send(context.Background(), i); err != nil {
				testingHandle.Errorf("send input %d: %v", i, err)
				return
			}
		}
	}()
	go func() {
		defer wait.Done()
		base := time.Unix(0, 0)
		for i := 0; i < ticks; i++ {
			if err := bus.Sender().Publish(Tick{At: base.Add(time.Duration(i))}); err != nil {
				testingHandle.Errorf("publish tick %d: %v", i, err)
				return
			}
		}
	}()

	nextInput := 0
	nextTick := 0
	for received := 0; received < inputs+ticks; received++ {
		switch typed := nextWithin(testingHandle, bus).(type) {
		case Input:
			testutil.RequireEqual(testingHandle, typed.Raw, nextInput, "input order")
			nextInput++
		case Tick:
			testutil.RequireEqual(testingHandle, typed.At, time.Unix(0, 0).Add(time.Duration(nextTick)), "tick order")
			nextTick++
		default:
			testingHandle.Fatalf("unexpected event %T", typed)
		}
	}
	wait.Wait()
	testutil.RequireEqual(testingHandle, nextInput, inputs, "input count")
	testutil.RequireEqual(testingHandle, nextTick, ticks, "tick count")
}

// TestBusPreservesPublishOrderAcrossProducers checks that concurrent
// publishers interleave without reordering any single publisher.
func TestBusPreservesPublishOrderAcrossProducers(testingHandle *testing.T) {
	const producers = 4
	const perProducer = 100

	bus := New(context.Background(), nil, WithTickInterval(0))
	defer bus.Close()

	var wait sync.WaitGroup
	for producer := 0; producer < producers; producer++ {
		wait.Add(1)
		go func(id int) {
			defer wait.Done()
			for seq := 0; seq < perProducer; seq++ {
				_ = bus.Publish(StreamDelta{RequestID: string(rune('a' + id)), Text: strings.Repeat("x", seq)})
			}
		}(producer)
	}
	wait.Wait()

	lastSeen := map[string]int{}
	for i := 0; i < producers*perProducer; i++ {
		delta, ok := nextWithin(testingHandle, bus).(StreamDelta)
		testutil.RequireTrue(testingHandle, ok, "expected delta events only")
		previous, seen := lastSeen[delta.RequestID]
		if seen {
			testutil.RequireEqual(testingHandle, len(delta.Text), previous+1, "per-producer order")
		} else {
			testutil.RequireEqual(testingHandle, len(delta.Text), 0, "first event of producer")
		}
		lastSeen[delta.RequestID] = len(delta.Text)
	}
	testutil.RequireEqual(testingHandle, len(lastSeen), producers, "every producer delivered")
}

// TestBusDrainsThenReportsClosed verifies events queued before the source
// ended are still delivered, followed by ErrClosed.
func TestBusDrainsThenReportsClosed(testingHandle *testing.T) {
	source := NewChanSource()
	bus := New(context.Background(), source, WithTickInterval(0))

	testutil.RequireNoError(testingHandle, source.Send(context.Background(), "a"), "send a")
	testutil.RequireNoError(testingHandle, source.Send(context.Background(), "b"), "send b")
	source.Close(nil)
	<-bus.Done()

	testutil.RequireEqual(testingHandle, nextWithin(testingHandle, bus), Event(Input{Raw: "a"}), "first input")
	testutil.RequireEqual(testingHandle, nextWithin(testingHandle, bus), Event(Input{Raw: "b"}), "second input")

	_, err := bus.Next(context.Background())
	testutil.RequireErrorIs(testingHandle, err, ErrClosed, "closed after drain")
	testutil.RequireErrorIs(testingHandle, bus.Publish(Notice{Text: "late"}), ErrClosed, "publish after close")
}

// TestBusSourceEndDropsLaterPublishes verifies a publisher still running
// when the source fails keeps what it queued before the close and is
// refused afterwards.
func TestBusSourceEndDropsLaterPublishes(testingHandle *testing.T) {
	source := NewChanSource()
	bus := New(context.Background(), source, WithTickInterval(0))
	sender := bus.Sender()

	testutil.RequireNoError(testingHandle, sender.Publish(StreamStart{RequestID: "r1"}), "publish before close")
	source.Close(errors.New("stdin broken"))
	<-bus.Done()
	testutil.RequireErrorIs(testingHandle, sender.Publish(StreamEnd{RequestID: "r1"}), ErrClosed, "publish after close")

	testutil.RequireEqual(testingHandle, nextWithin(testingHandle, bus), Event(StreamStart{RequestID: "r1"}), "queued event kept")
	_, ok := nextWithin(testingHandle, bus).(Notice)
	testutil.RequireTrue(testingHandle, ok, "failure notice")
	_, err := bus.Next(context.Background())
	testutil.RequireErrorIs(testingHandle, err, ErrClosed, "late end never delivered")
}

// TestBusReportsSourceFailure verifies a failing source yields a notice.
func TestBusReportsSourceFailure(testingHandle *testing.T) {
	source := NewChanSource()
	bus := New(context.Background(), source, WithTickInterval(0))
	source.Close(errors.New("tty gone"))
	<-bus.Done()

	notice, ok := nextWithin(testingHandle, bus).(Notice)
	testutil.RequireTrue(testingHandle, ok, "expected a notice")
	testutil.RequireStringContains(testingHandle, notice.Text, "tty gone", "notice text")

	_, err := bus.Next(context.Background())
	testutil.RequireErrorIs(testingHandle, err, ErrClosed, "closed after failure")
	testutil.RequireErrorIs(testingHandle, source.Send(context.Background(), "x"), ErrSourceClosed, "send after close")
}

// TestBusNextHonoursContext verifies Next does not hang when idle.
func TestBusNextHonoursContext(testingHandle *testing.T) {
	bus := New(context.Background(), nil, WithTickInterval(0))
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := bus.Next(ctx)
	testutil.RequireErrorIs(testingHandle, err, context.DeadlineExceeded, "idle next")
}

// TestBusTicks verifies the timer publishes ticks on its own.
func TestBusTicks(testingHandle *testing.T) {
	bus := New(context.Background(), nil, WithTickInterval(5*time.Millisecond))
	defer bus.Close()

	_, ok := nextWithin(testingHandle, bus).(Tick)
	testutil.RequireTrue(testingHandle, ok, "expected a tick")
}

// TestBusCancelClosesProducer verifies cancelling the parent context stops
// the producer.
func TestBusCancelClosesProducer(testingHandle *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := New(ctx, NewChanSource(), WithTickInterval(0))
	cancel()

	select {
	case <-bus.Done():
	case <-time.After(2 * time.Second):
		testingHandle.Fatalf("producer did not stop")
	}
	_, err := bus.Next(context.Background())
	testutil.RequireErrorIs(testingHandle, err, ErrClosed, "closed after cancel")
}

// TestReaderSourceLines verifies lines arrive in order and EOF is reported
// without closing the bus.
func TestReaderSourceLines(testingHandle *testing.T) {
	source := NewReaderSource(context.Background(), strings.NewReader("hello\nworld\n"))
	bus := New(context.Background(), source, WithTickInterval(0))
	defer bus.Close()

	testutil.RequireEqual(testingHandle, nextWithin(testingHandle, bus), Event(Input{Raw: Line{Text: "hello"}}), "first line")
	testutil.RequireEqual(testingHandle, nextWithin(testingHandle, bus), Event(Input{Raw: Line{Text: "world"}}), "second line")
	testutil.RequireEqual(testingHandle, nextWithin(testingHandle, bus), Event(Input{Raw: EndOfInput{}}), "end of input")

	select {
	case <-bus.Done():
		testingHandle.Fatalf("bus should stay open after EOF")
	default:
	}
}
