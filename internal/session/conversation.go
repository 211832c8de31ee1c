// Package session holds the in-memory state the control loop builds from
// bus events, and the handle set tracking submissions in flight.
package session

import (
	"slices"
	"strings"

	"github.com/llmi/llmi/internal/chat"
	"github.com/llmi/llmi/internal/eventbus"
)

// maxNotices bounds how many notices are kept for display.
const maxNotices = 20

// Conversation is the transcript of one run. It is owned by the control
// loop and is not safe for concurrent use.
type Conversation struct {
	// turns is the transcript, including at most one pending assistant turn.
	turns []chat.Turn
	// awaiting holds indexes of user turns not yet sent, oldest first.
	awaiting []int
	// sent is the index of the user turn handed out by Next whose reply has
	// not started, or -1.
	sent int
	// active is the index of the pending assistant turn, or -1.
	active int
	// requestID identifies the stream filling the pending turn.
	requestID string
	// text accumulates deltas of the active stream.
	text strings.Builder
	// notices are diagnostics in arrival order.
	notices []string
}

// NewConversation returns an empty conversation.
func NewConversation() *Conversation {
	return &Conversation{active: -1, sent: -1}
}

// AddUser queues a prompt. Its reply is requested once Next hands it out.
func (c *Conversation) AddUser(prompt string) {
	c.turns = append(c.turns, chat.User(prompt))
	c.awaiting = append(c.awaiting, len(c.turns)-1)
}

// Next hands out the oldest queued prompt together with the history to send
// with it: every complete turn before the prompt. The next StreamStart is
// placed after that prompt. It reports false when nothing is queued.
func (c *Conversation) Next() (string, []chat.Turn, bool) {
	if len(c.awaiting) == 0 {
		return "", nil, false
	}
	c.sent = c.awaiting[0]
	c.awaiting = c.awaiting[1:]
	prompt, _ := c.turns[c.sent].Text()
	history := make([]chat.Turn, 0, c.sent)
	for _, turn := range c.turns[:c.sent] {
		if turn.Complete() {
			history = append(history, turn)
		}
	}
	return prompt, history, true
}

// Apply folds one bus event into the conversation and reports whether the
// visible state changed.
func (c *Conversation) Apply(event eventbus.Event) bool {
	switch typed := event.(type) {
	case eventbus.StreamStart:
		c.start(typed.RequestID)
		return true
	case eventbus.StreamDelta:
		if c.active < 0 || typed.RequestID != c.requestID {
			return false
		}
		c.text.WriteString(typed.Text)
		return typed.Text != ""
	case eventbus.StreamEnd:
		if c.active < 0 {
			// The sent prompt ended before its reply started.
			c.sent = -1
			return false
		}
		if typed.RequestID != c.requestID {
			return false
		}
		c.finish()
		return true
	case eventbus.Notice:
		c.notices = append(c.notices, typed.Text)
		if len(c.notices) > maxNotices {
			c.notices = slices.Delete(c.notices, 0, len(c.notices)-maxNotices)
		}
		return true
	default:
		return false
	}
}

// start opens a pending assistant turn after the sent prompt.
func (c *Conversation) start(requestID string) {
	if c.active >= 0 {
		c.finish()
	}
	position := len(c.turns)
	if c.sent >= 0 {
		position = c.sent + 1
		c.sent = -1
	}
	c.turns = slices.Insert(c.turns, position, chat.Pending())
	c.shiftAwaiting(position, 1)
	c.active = position
	c.requestID = requestID
	c.text.Reset()
}

// finish commits the streamed text, or drops the pending turn when nothing
// arrived.
func (c *Conversation) finish() {
	if c.text.Len() > 0 {
		c.turns[c.active] = chat.Assistant(c.text.String())
	} else {
		c.turns = slices.Delete(c.turns, c.active, c.active+1)
		c.shiftAwaiting(c.active, -1)
	}
	c.active = -1
	c.requestID = ""
	c.text.Reset()
}

// shiftAwaiting moves queued and sent indexes at or after position by delta.
func (c *Conversation) shiftAwaiting(position int, delta int) {
	for i, index := range c.awaiting {
		if index >= position {
			c.awaiting[i] = index + delta
		}
	}
	if c.sent >= position {
		c.sent += delta
	}
}

// History returns the complete turns in order.
func (c *Conversation) History() []chat.Turn {
	history := make([]chat.Turn, 0, len(c.turns))
	for _, turn := range c.turns {
		if turn.Complete() {
			history = append(history, turn)
		}
	}
	return history
}

// Turns returns every turn, including a pending assistant turn.
func (c *Conversation) Turns() []chat.Turn {
	return slices.Clone(c.turns)
}

// InProgress returns the text streamed so far and whether a reply is
// streaming.
func (c *Conversation) InProgress() (string, bool) {
	return c.text.String(), c.active >= 0
}

// Waiting reports how many prompts have not started streaming yet.
func (c *Conversation) Waiting() int {
	if c.sent >= 0 {
		return len(c.awaiting) + 1
	}
	return len(c.awaiting)
}

// Notices returns the retained diagnostics, oldest first.
func (c *Conversation) Notices() []string {
	return slices.Clone(c.notices)
}

// LastNotice returns the newest diagnostic, if any.
func (c *Conversation) LastNotice() string {
	if len(c.notices) == 0 {
		return ""
	}
	return c.notices[len(c.notices)-1]
}

// Forget drops queued prompts that were never sent. A prompt already handed
// out by Next stays until its StreamEnd arrives.
func (c *Conversation) Forget() {
	c.awaiting = nil
}
