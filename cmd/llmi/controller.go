package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/llmi/llmi/internal/eventbus"
	"github.com/llmi/llmi/internal/llm/openai"
	"github.com/llmi/llmi/internal/session"
)

// controller holds the state shared by every front end: the bus, the
// conversation it feeds, and the submission in flight. It belongs to the
// goroutine reading the bus.
//
// Prompts are sent one at a time in the order they were entered. The next
// prompt goes out once the StreamEnd of the previous one has been applied,
// so its history carries the reply it was queued behind.
type controller struct {
	// client streams completions.
	client *openai.Client
	// bus is the single event queue.
	bus *eventbus.Bus
	// conversation is the transcript built from bus events.
	conversation *session.Conversation
	// runner tracks background submissions.
	runner *session.Runner
	// base parents every generation context.
	base context.Context
	// generation is cancelled to abort every submission made so far.
	generation context.Context
	// cancelGeneration cancels generation.
	cancelGeneration context.CancelFunc
	// inFlight is set from dispatch until the submission's StreamEnd is
	// applied.
	inFlight bool
	// released is closed when the latest submission task has returned.
	released <-chan struct{}
	// logger records controller decisions.
	logger zerolog.Logger
}

// newController returns a controller reading from bus.
func newController(ctx context.Context, client *openai.Client, bus *eventbus.Bus, logger zerolog.Logger) *controller {
	generation, cancel := context.WithCancel(ctx)
	return &controller{
		client:           client,
		bus:              bus,
		conversation:     session.NewConversation(),
		runner:           session.NewRunner(ctx, logger),
		base:             ctx,
		generation:       generation,
		cancelGeneration: cancel,
		logger:           logger,
	}
}

// submit queues prompt and sends it if nothing is in flight.
func (c *controller) submit(prompt string) {
	c.conversation.AddUser(prompt)
	c.dispatch()
}

// dispatch sends the oldest queued prompt when the client is free. Every
// dispatched submission publishes exactly one StreamEnd, even when it is
// cancelled before the client starts it.
func (c *controller) dispatch() {
	if c.inFlight {
		return
	}
	prompt, history, ok := c.conversation.Next()
	if !ok {
		return
	}
	c.inFlight = true

	previous := c.released
	released := make(chan struct{})
	c.released = released
	generation := c.generation
	sender := c.bus.Sender()
	client := c.client
	logger := c.logger
	c.runner.Go("submit", func(ctx context.Context) error {
		defer close(released)
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(generation, cancel)
		defer stop()

		started := false
		tracked := eventbus.SenderFunc(func(event eventbus.Event) error {
			if _, ok := event.(eventbus.StreamStart); ok {
				started = true
			}
			return sender.Publish(event)
		})

		err := awaitRelease(ctx, previous)
		if err == nil {
			err = client.Submit(ctx, prompt, history, tracked)
		}
		if !started {
			if publishErr := sender.Publish(eventbus.StreamEnd{Err: err}); publishErr != nil {
				logger.Warn().Err(publishErr).Msg("publish end of unstarted submission")
			}
		}
		return err
	})
}

// awaitRelease waits until the previous submission task has returned, so
// the client is never found held by a submission that already ended.
func awaitRelease(ctx context.Context, previous <-chan struct{}) error {
	if previous == nil {
		return nil
	}
	select {
	case <-previous:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apply folds event into the conversation and reports whether the visible
// state changed. A StreamEnd frees the client for the next queued prompt.
func (c *controller) apply(event eventbus.Event) bool {
	changed := c.conversation.Apply(event)
	if _, ok := event.(eventbus.StreamEnd); ok && c.inFlight {
		c.inFlight = false
		c.dispatch()
	}
	return changed
}

// busy reports whether a reply is streaming or queued.
func (c *controller) busy() bool {
	_, streaming := c.conversation.InProgress()
	return streaming || c.inFlight || c.conversation.Waiting() > 0
}

// idle reports whether every submitted prompt has had its StreamEnd
// consumed. Tasks may still be returning; shutdown waits for them.
func (c *controller) idle() bool {
	return !c.inFlight && c.conversation.Waiting() == 0
}

// cancelInFlight aborts the submission in flight and drops queued prompts.
// The cancelled submission still ends through its StreamEnd.
func (c *controller) cancelInFlight() {
	c.cancelGeneration()
	c.generation, c.cancelGeneration = context.WithCancel(c.base)
	c.conversation.Forget()
	c.logger.Debug().Bool("in_flight", c.inFlight).Msg("cancelled in-flight submissions")
}

// reset starts a new conversation. It refuses while a reply is streaming or
// queued.
func (c *controller) reset() bool {
	if c.busy() {
		return false
	}
	c.conversation = session.NewConversation()
	return true
}

// shutdown cancels background work and waits for it.
func (c *controller) shutdown() {
	c.cancelGeneration()
	c.runner.Shutdown()
}
