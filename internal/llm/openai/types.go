package openai

import "github.com/llmi/llmi/internal/chat"

// ChatRequest matches the OpenAI-compatible chat/completions request.
type ChatRequest struct {
	// Model is the provider model identifier.
	Model string `json:"model"`
	// Stream toggles server-sent events in the response.
	Stream bool `json:"stream"`
	// MaxTokens limits the model output.
	MaxTokens int `json:"max_tokens"`
	// Messages is the ordered conversation history ending with the prompt.
	Messages []Message `json:"messages"`
}

// Message represents a chat message on the wire.
type Message struct {
	// Role is user or assistant.
	Role chat.Role `json:"role"`
	// Content carries the message text.
	Content string `json:"content"`
}

// Usage represents token usage info.
type Usage struct {
	// PromptTokens counts input tokens.
	PromptTokens int `json:"prompt_tokens"`
	// CompletionTokens counts output tokens.
	CompletionTokens int `json:"completion_tokens"`
	// TotalTokens is the sum of prompt and completion tokens.
	TotalTokens int `json:"total_tokens"`
}

// StreamResponse is one decoded SSE payload.
type StreamResponse struct {
	// ID is the provider request id.
	ID string `json:"id,omitempty"`
	// Model is the model identifier for the stream.
	Model string `json:"model,omitempty"`
	// Choices carries the candidate completions; only the first is used.
	Choices []StreamChoice `json:"choices"`
	// Usage is present on providers that report tokens in the stream.
	Usage *Usage `json:"usage,omitempty"`
	// Groq carries Groq's extension block, which holds usage on the final
	// record instead of the top level.
	Groq *GroqExtension `json:"x_groq,omitempty"`
}

// GroqExtension is the x_groq object of a Groq stream record.
type GroqExtension struct {
	ID    string `json:"id,omitempty"`
	Usage *Usage `json:"usage,omitempty"`
}

// TokenUsage returns the usage block from wherever the provider put it.
func (r StreamResponse) TokenUsage() *Usage {
	if r.Usage != nil {
		return r.Usage
	}
	if r.Groq != nil {
		return r.Groq.Usage
	}
	return nil
}

// StreamChoice is a single choice of a stream payload. Providers send
// either a full message or an incremental delta.
type StreamChoice struct {
	// Index is the choice index.
	Index int `json:"index"`
	// Message is set when the provider sent the whole message at once.
	Message *StreamMessage `json:"message,omitempty"`
	// Delta is set for incremental updates.
	Delta *StreamMessage `json:"delta,omitempty"`
	// FinishReason signals why generation stopped.
	FinishReason *string `json:"finish_reason,omitempty"`
}

// StreamMessage is the role/content pair inside a choice. Both fields are
// optional on the wire.
type StreamMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// Body is the payload of a fragment: a MessageBody or a DeltaBody.
type Body interface {
	fragmentBody()
}

// MessageBody is a complete message sent in one record.
type MessageBody struct {
	// Role is the wire role, often empty on later records.
	Role string
	// Content is the message text.
	Content string
}

// DeltaBody is an incremental piece of a message.
type DeltaBody struct {
	// Role is the wire role, usually set only on the first delta.
	Role string
	// Content is the new text; it may be empty.
	Content string
}

func (MessageBody) fragmentBody() {}
func (DeltaBody) fragmentBody()   {}

// Fragment is one decoded unit of assistant output taken from choice 0.
type Fragment struct {
	// Index is the choice index reported by the provider.
	Index int
	// Body is the message or delta carried by the choice.
	Body Body
	// FinishReason is set on the record that ends generation.
	FinishReason *string
	// Usage is copied from the record when present.
	Usage *Usage
}

// Text returns the content of the fragment body.
func (f Fragment) Text() string {
	switch body := f.Body.(type) {
	case MessageBody:
		return body.Content
	case DeltaBody:
		return body.Content
	default:
		return ""
	}
}

// Finish returns the finish reason or an empty string.
func (f Fragment) Finish() string {
	if f.FinishReason == nil {
		return ""
	}
	return *f.FinishReason
}
