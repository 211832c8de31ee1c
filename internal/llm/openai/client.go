package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/llmi/llmi/internal/chat"
	"github.com/llmi/llmi/internal/eventbus"
)

const (
	// DefaultReadSize is the buffer size for each body read.
	DefaultReadSize = 4096
	// WaitingNotice is published when a submission queues behind another.
	WaitingNotice = "waiting for previous response"
	// maxErrorBody caps how much of an error response is kept.
	maxErrorBody = 4096
)

// APIError represents an HTTP error from the OpenAI-compatible gateway.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai api error: status %d: %s", e.StatusCode, e.Body)
}

// Options configures a Client.
type Options struct {
	// Endpoint is the gateway base URL or the full chat/completions URL.
	Endpoint string
	// APIKey is sent as a bearer token when non-empty.
	APIKey string
	// Model is the provider model identifier.
	Model string
	// MaxTokens caps the model output.
	MaxTokens int
	// Timeout bounds a whole request including the body; zero means none.
	Timeout time.Duration
	// Transport replaces http.DefaultTransport when set.
	Transport http.RoundTripper
	// ReadSize overrides DefaultReadSize.
	ReadSize int
	// Logger receives request diagnostics.
	Logger zerolog.Logger
}

// Client talks to an OpenAI-compatible chat/completions endpoint. The
// underlying HTTP client is used by one submission at a time; concurrent
// submissions wait their turn.
type Client struct {
	// url is the normalized chat/completions endpoint.
	url string
	// apiKey is sent as a bearer token, if provided.
	apiKey string
	// model is copied into every request.
	model string
	// maxTokens is copied into every request.
	maxTokens int
	// readSize is the body read buffer size.
	readSize int
	// httpClient executes requests.
	httpClient *http.Client
	// exclusive admits one submission to httpClient at a time.
	exclusive *semaphore.Weighted
	// busy is set while a submission holds exclusive.
	busy atomic.Bool
	// logger records request lifecycle.
	logger zerolog.Logger
}

// NewClient constructs a client from options.
func NewClient(opts Options) *Client {
	readSize := opts.ReadSize
	if readSize <= 0 {
		readSize = DefaultReadSize
	}
	return &Client{
		url:       completionsURL(opts.Endpoint),
		apiKey:    opts.APIKey,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		readSize:  readSize,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: opts.Transport,
		},
		exclusive: semaphore.NewWeighted(1),
		logger:    opts.Logger.With().Str("component", "openai").Logger(),
	}
}

// Busy reports whether a submission currently owns the client.
func (c *Client) Busy() bool {
	return c.busy.Load()
}

// Submit sends prompt after history and publishes the reply on sender as
// StreamStart, zero or more StreamDelta, then one StreamEnd. If another
// submission is in flight it publishes a waiting Notice and blocks until
// that one finishes; cancelling ctx while waiting returns without any
// stream events. Failures after StreamStart still end the turn with
// StreamEnd and are also returned.
func (c *Client) Submit(ctx context.Context, prompt string, history []chat.Turn, sender eventbus.Sender) error {
	requestID := uuid.NewString()
	logger := c.logger.With().Str("request_id", requestID).Logger()
	emit := func(event eventbus.Event) {
		if err := sender.Publish(event); err != nil {
			logger.Warn().Err(err).Type("event", event).Msg("publish stream event")
		}
	}

	if !c.exclusive.TryAcquire(1) {
		emit(eventbus.Notice{Text: WaitingNotice})
		logger.Debug().Msg("waiting for in-flight submission")
		if err := c.exclusive.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("wait for client: %w", err)
		}
	}
	c.busy.Store(true)
	defer func() {
		c.busy.Store(false)
		c.exclusive.Release(1)
	}()

	emit(eventbus.StreamStart{RequestID: requestID})
	err := c.stream(ctx, requestID, prompt, history, emit, logger)
	if err != nil {
		logger.Error().Err(err).Msg("completion failed")
		emit(eventbus.Notice{Text: err.Error()})
	}
	emit(eventbus.StreamEnd{RequestID: requestID, Err: err})
	return err
}

// stream performs the HTTP exchange and emits deltas. It never emits
// StreamStart or StreamEnd; Submit frames the turn.
func (c *Client) stream(
	ctx context.Context,
	requestID string,
	prompt string,
	history []chat.Turn,
	emit func(eventbus.Event),
	logger zerolog.Logger,
) error {
	payload, err := json.Marshal(c.buildRequest(prompt, history))
	if err != nil {
		return fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Request-ID", requestID)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if readErr != nil {
			return fmt.Errorf("read stream error body: %w", readErr)
		}
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	logger.Debug().Int("status", resp.StatusCode).Dur("latency", time.Since(started)).Msg("stream opened")

	decoder := NewDecoder(logger)
	state := streamState{requestID: requestID, emit: emit, logger: logger}
	buf := make([]byte, c.readSize)
	for !state.ended {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			for record := range decoder.Feed(buf[:n]) {
				state.handle(record)
			}
		}
		if errors.Is(readErr, io.EOF) {
			for record := range decoder.Flush() {
				state.handle(record)
			}
			break
		}
		if readErr != nil {
			return fmt.Errorf("read stream body: %w", readErr)
		}
	}

	event := logger.Info().
		Int("deltas", state.deltas).
		Bool("terminated", state.ended).
		Dur("elapsed", time.Since(started))
	if state.usage != nil {
		event = event.Int("total_tokens", state.usage.TotalTokens)
	}
	event.Msg("stream finished")
	return nil
}

// buildRequest appends prompt to the complete turns of history.
func (c *Client) buildRequest(prompt string, history []chat.Turn) *ChatRequest {
	messages := make([]Message, 0, len(history)+1)
	for _, turn := range history {
		text, ok := turn.Text()
		if !ok {
			continue
		}
		messages = append(messages, Message{Role: turn.Role(), Content: text})
	}
	messages = append(messages, Message{Role: chat.RoleUser, Content: prompt})
	return &ChatRequest{
		Model:     c.model,
		Stream:    true,
		MaxTokens: c.maxTokens,
		Messages:  messages,
	}
}

// streamState turns decoder records into bus events for one submission.
type streamState struct {
	requestID string
	emit      func(eventbus.Event)
	logger    zerolog.Logger
	// ended is set by the terminator; later fragments are dropped.
	ended  bool
	deltas int
	usage  *Usage
}

// handle emits the event for one record.
func (s *streamState) handle(record Record) {
	switch typed := record.(type) {
	case FragmentRecord:
		if typed.Fragment.Usage != nil {
			s.usage = typed.Fragment.Usage
		}
		if s.ended {
			s.logger.Debug().Msg("dropping fragment after terminator")
			return
		}
		s.deltas++
		s.emit(eventbus.StreamDelta{
			RequestID:    s.requestID,
			Text:         typed.Fragment.Text(),
			FinishReason: typed.Fragment.Finish(),
		})
	case EndRecord:
		s.ended = true
	case ViolationRecord:
		s.logger.Warn().Err(typed.Err).Msg("protocol violation")
		if !s.ended {
			s.emit(eventbus.Notice{Text: fmt.Sprintf("skipped record: %v", typed.Err)})
		}
	}
}

// completionsURL normalizes the base URL to a chat/completions endpoint.
func completionsURL(endpoint string) string {
	endpoint = strings.TrimRight(endpoint, "/")
	if strings.HasSuffix(endpoint, "/chat/completions") {
		return endpoint
	}
	return endpoint + "/chat/completions"
}
