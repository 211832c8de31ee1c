package eventbus

import "time"

// Event is the sealed union of everything the control loop can observe.
// Events are consumed exactly once and never retained by the bus.
type Event interface {
	busEvent()
}

// Input carries one raw input occurrence, as produced by an InputSource.
type Input struct {
	// Raw is the platform input value (for example a decoded key press).
	Raw any
}

// Tick is published once per timer period.
type Tick struct {
	// At is the time the timer fired.
	At time.Time
}

// StreamStart opens an assistant turn.
type StreamStart struct {
	// RequestID identifies the completion invocation.
	RequestID string
}

// StreamDelta carries one decoded fragment of assistant text.
type StreamDelta struct {
	// RequestID identifies the completion invocation.
	RequestID string
	// Text is the fragment content; it may be empty.
	Text string
	// FinishReason is set when the provider reported why generation stopped.
	FinishReason string
}

// StreamEnd closes an assistant turn.
type StreamEnd struct {
	// RequestID identifies the completion invocation.
	RequestID string
	// Err is the transport failure that ended the turn, if any.
	Err error
}

// Notice is a diagnostic meant for the user.
type Notice struct {
	// Text is the message to show.
	Text string
}

func (Input) busEvent()       {}
func (Tick) busEvent()        {}
func (StreamStart) busEvent() {}
func (StreamDelta) busEvent() {}
func (StreamEnd) busEvent()   {}
func (Notice) busEvent()      {}

var (
	_ Event = Input{}
	_ Event = Tick{}
	_ Event = StreamStart{}
	_ Event = StreamDelta{}
	_ Event = StreamEnd{}
	_ Event = Notice{}
)
