// Package lorem provides an offline stand-in for a chat/completions
// endpoint. It is an http.RoundTripper, so the regular client streams from it
// without knowing the difference.
package lorem

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	loremgen "github.com/bozaro/golorem"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/llmi/llmi/internal/llm/openai"
)

const (
	// defaultWords is how many words a reply has when max_tokens allows.
	defaultWords = 60
	// finishStop and finishLength mirror the provider finish reasons.
	finishStop   = "stop"
	finishLength = "length"
)

// Options configures a Transport.
type Options struct {
	// Words is the reply length in words; zero means defaultWords.
	Words int
	// Delay overrides the per-word pacing derived from the model name.
	// A negative value disables pacing.
	Delay time.Duration
	// Logger receives transport diagnostics.
	Logger zerolog.Logger
}

// Transport answers chat/completions requests with streamed lorem ipsum.
type Transport struct {
	// words is the default reply length.
	words int
	// delay is the pacing override.
	delay time.Duration
	// mu guards generator.
	mu sync.Mutex
	// generator produces the text.
	generator *loremgen.Lorem
	// logger records served requests.
	logger zerolog.Logger
}

// NewTransport returns a Transport.
func NewTransport(opts Options) *Transport {
	words := opts.Words
	if words <= 0 {
		words = defaultWords
	}
	return &Transport{
		words:     words,
		delay:     opts.Delay,
		generator: loremgen.New(),
		logger:    opts.Logger.With().Str("component", "lorem").Logger(),
	}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(request *http.Request) (*http.Response, error) {
	if request.Body != nil {
		defer request.Body.Close()
	}
	if request.Method != http.MethodPost {
		return textResponse(request, http.StatusMethodNotAllowed, "method not allowed"), nil
	}

	var chatRequest openai.ChatRequest
	if err := json.NewDecoder(request.Body).Decode(&chatRequest); err != nil {
		return textResponse(request, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err)), nil
	}
	if len(chatRequest.Messages) == 0 {
		return textResponse(request, http.StatusBadRequest, "messages must not be empty"), nil
	}

	words, finish := t.reply(chatRequest.MaxTokens)
	t.logger.Debug().
		Str("model", chatRequest.Model).
		Int("words", len(words)).
		Str("finish_reason", finish).
		Msg("serving lorem reply")

	reader, writer := io.Pipe()
	go t.stream(request, writer, chatRequest, words, finish)

	return &http.Response{
		Status:     "200 OK",
		StatusCode: http.StatusOK,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       reader,
		Request:    request,
	}, nil
}

// reply generates the words to send and the finish reason.
func (t *Transport) reply(maxTokens int) ([]string, string) {
	target := t.words
	finish := finishStop
	if maxTokens > 0 && maxTokens < target {
		target = maxTokens
		finish = finishLength
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var words []string
	for len(words) < target {
		words = append(words, strings.Fields(t.generator.Sentence(5, 15))...)
	}
	return words[:target], finish
}

// stream writes the SSE body word by word and closes writer.
func (t *Transport) stream(request *http.Request, writer *io.PipeWriter, chatRequest openai.ChatRequest, words []string, finish string) {
	id := "lorem-" + uuid.NewString()
	delay := t.pace(chatRequest.Model)
	ctx := request.Context()

	send := func(choice openai.StreamChoice, usage *openai.Usage) error {
		payload, err := json.Marshal(openai.StreamResponse{
			ID:      id,
			Model:   chatRequest.Model,
			Choices: []openai.StreamChoice{choice},
			Usage:   usage,
		})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(writer, "data: %s\n\n", payload)
		return err
	}

	err := send(openai.StreamChoice{Delta: &openai.StreamMessage{Role: "assistant"}}, nil)
	for i := 0; err == nil && i < len(words); i++ {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				err = ctx.Err()
				continue
			case <-timer.C:
			}
		}
		content := words[i]
		if i > 0 {
			content = " " + content
		}
		err = send(openai.StreamChoice{Delta: &openai.StreamMessage{Content: content}}, nil)
	}
	if err == nil {
		usage := &openai.Usage{
			PromptTokens:     promptWords(chatRequest.Messages),
			CompletionTokens: len(words),
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		err = send(openai.StreamChoice{Delta: &openai.StreamMessage{}, FinishReason: &finish}, usage)
	}
	if err == nil {
		_, err = io.WriteString(writer, "data: [DONE]\n\n")
	}
	if err != nil {
		t.logger.Debug().Err(err).Msg("lorem stream interrupted")
	}
	writer.CloseWithError(err)
}

// pace returns the per-word delay for a model name.
func (t *Transport) pace(model string) time.Duration {
	if t.delay != 0 {
		return t.delay
	}
	switch {
	case strings.Contains(model, "slow"):
		return 500 * time.Millisecond
	case strings.Contains(model, "fast"):
		return 33 * time.Millisecond
	default:
		return 100 * time.Millisecond
	}
}

// promptWords approximates prompt tokens by word count.
func promptWords(messages []openai.Message) int {
	total := 0
	for _, message := range messages {
		total += len(strings.Fields(message.Content))
	}
	return total
}

// textResponse builds a plain-text response with the given status.
func textResponse(request *http.Request, status int, body string) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          io.NopCloser(bytes.NewBufferString(body)),
		ContentLength: int64(len(body)),
		Request:       request,
	}
}
