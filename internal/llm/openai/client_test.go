package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/llmi/llmi/internal/chat"
	"github.com/llmi/llmi/internal/eventbus"
	"github.com/llmi/llmi/internal/testutil"
)

// recorder is a Sender that keeps every published event.
type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) Publish(event eventbus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) snapshot() []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventbus.Event(nil), r.events...)
}

// roundTripperFunc adapts a function to http.RoundTripper.
type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(request *http.Request) (*http.Response, error) {
	return f(request)
}

// helloStream is a two-delta reply followed by the terminator.
var helloStream = testutil.SSE(
	`{"id":"r1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
	`{"id":"r1","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
	"[DONE]",
)

// kinds names each event for order assertions.
func kinds(events []eventbus.Event) []string {
	names := make([]string, 0, len(events))
	for _, event := range events {
		switch event.(type) {
		case eventbus.StreamStart:
			names = append(names, "start")
		case eventbus.StreamDelta:
			names = append(names, "delta")
		case eventbus.StreamEnd:
			names = append(names, "end")
		case eventbus.Notice:
			names = append(names, "notice")
		default:
			names = append(names, "other")
		}
	}
	return names
}

// TestSubmitSendsRequestAndFramesReply verifies the request shape and the
// Start, Delta, End framing of the reply.
func TestSubmitSendsRequestAndFramesReply(testingHandle *testing.T) {
	server := testutil.NewStreamServer(testingHandle, testutil.StreamServerConfig{Chunks: []string{helloStream}})
	client := NewClient(Options{Endpoint: server.URL, APIKey: "secret", Model: "model-x", MaxTokens: 3000})
	events := &recorder{}

	history := []chat.Turn{chat.User("hi"), chat.Assistant("hello"), chat.Pending()}
	err := client.Submit(context.Background(), "again", history, events)
	testutil.RequireNoError(testingHandle, err, "submit")

	requests := server.Requests()
	testutil.RequireEqual(testingHandle, len(requests), 1, "request count")
	testutil.RequireEqual(testingHandle, requests[0].Header.Get("Authorization"), "Bearer secret", "auth header")
	testutil.RequireEqual(testingHandle, requests[0].Header.Get("Accept"), "text/event-stream", "accept header")

	var body map[string]any
	testutil.RequireNoError(testingHandle, json.Unmarshal(requests[0].Body, &body), "decode body")
	testutil.RequireEqual(testingHandle, body["model"], "model-x", "model")
	testutil.RequireEqual(testingHandle, body["stream"], true, "stream flag")
	testutil.RequireEqual(testingHandle, body["max_tokens"], float64(3000), "max tokens")
	testutil.RequireEqual(testingHandle, body["messages"], []any{
		map[string]any{"role": "user", "content": "hi"},
		map[string]any{"role": "assistant", "content": "hello"},
		map[string]any{"role": "user", "content": "again"},
	}, "messages")

	got := events.snapshot()
	testutil.RequireEqual(testingHandle, kinds(got), []string{"start", "delta", "delta", "end"}, "framing")
	start := got[0].(eventbus.StreamStart)
	testutil.RequireEqual(testingHandle, requests[0].Header.Get("X-Request-ID"), start.RequestID, "request id header")
	testutil.RequireEqual(testingHandle, got[1], eventbus.Event(eventbus.StreamDelta{RequestID: start.RequestID, Text: "Hel"}), "first delta")
	testutil.RequireEqual(testingHandle, got[2], eventbus.Event(eventbus.StreamDelta{RequestID: start.RequestID, Text: "lo", FinishReason: "stop"}), "second delta")
	testutil.RequireEqual(testingHandle, got[3], eventbus.Event(eventbus.StreamEnd{RequestID: start.RequestID}), "end")
}

// TestSubmitSmallReads forces chunk boundaries inside records.
func TestSubmitSmallReads(testingHandle *testing.T) {
	server := testutil.NewStreamServer(testingHandle, testutil.StreamServerConfig{Chunks: []string{helloStream}})
	client := NewClient(Options{Endpoint: server.URL + "/chat/completions", Model: "m", ReadSize: 3})
	events := &recorder{}

	testutil.RequireNoError(testingHandle, client.Submit(context.Background(), "hi", nil, events), "submit")

	got := events.snapshot()
	testutil.RequireEqual(testingHandle, kinds(got), []string{"start", "delta", "delta", "end"}, "framing")
	testutil.RequireEqual(testingHandle, got[1].(eventbus.StreamDelta).Text+got[2].(eventbus.StreamDelta).Text, "Hello", "joined text")
}

// TestSubmitEndsWithoutTerminator treats EOF as the end of the turn.
func TestSubmitEndsWithoutTerminator(testingHandle *testing.T) {
	server := testutil.NewStreamServer(testingHandle, testutil.StreamServerConfig{Chunks: []string{
		`data: {"choices":[{"delta":{"content":"no newline"}}]}`,
	}})
	client := NewClient(Options{Endpoint: server.URL})
	events := &recorder{}

	testutil.RequireNoError(testingHandle, client.Submit(context.Background(), "hi", nil, events), "submit")
	testutil.RequireEqual(testingHandle, kinds(events.snapshot()), []string{"start", "delta", "end"}, "framing")
}

// TestSubmitDropsFragmentsAfterTerminator keeps exactly one end.
func TestSubmitDropsFragmentsAfterTerminator(testingHandle *testing.T) {
	server := testutil.NewStreamServer(testingHandle, testutil.StreamServerConfig{Chunks: []string{
		testutil.SSE(`{"choices":[{"delta":{"content":"a"}}]}`, "[DONE]", `{"choices":[{"delta":{"content":"b"}}]}`),
		testutil.SSE("[DONE]"),
	}})
	client := NewClient(Options{Endpoint: server.URL})
	events := &recorder{}

	testutil.RequireNoError(testingHandle, client.Submit(context.Background(), "hi", nil, events), "submit")
	got := events.snapshot()
	testutil.RequireEqual(testingHandle, kinds(got), []string{"start", "delta", "end"}, "framing")
	testutil.RequireEqual(testingHandle, got[1].(eventbus.StreamDelta).Text, "a", "delta text")
}

// TestSubmitReportsViolations publishes a notice and keeps streaming.
func TestSubmitReportsViolations(testingHandle *testing.T) {
	server := testutil.NewStreamServer(testingHandle, testutil.StreamServerConfig{Chunks: []string{
		testutil.SSE(`{"choices":[]}`, `not json`, `{"choices":[{"delta":{"content":"a"}}]}`, "[DONE]"),
	}})
	client := NewClient(Options{Endpoint: server.URL})
	events := &recorder{}

	testutil.RequireNoError(testingHandle, client.Submit(context.Background(), "hi", nil, events), "submit")
	got := events.snapshot()
	testutil.RequireEqual(testingHandle, kinds(got), []string{"start", "notice", "delta", "end"}, "framing")
	testutil.RequireStringContains(testingHandle, got[1].(eventbus.Notice).Text, ErrNoChoices.Error(), "violation notice")
}

// TestSubmitErrorStatus ends the turn without deltas.
func TestSubmitErrorStatus(testingHandle *testing.T) {
	server := testutil.NewStreamServer(testingHandle, testutil.StreamServerConfig{
		Status: http.StatusTooManyRequests,
		Chunks: []string{"rate limited"},
	})
	client := NewClient(Options{Endpoint: server.URL})
	events := &recorder{}

	err := client.Submit(context.Background(), "hi", nil, events)
	var apiErr *APIError
	testutil.RequireTrue(testingHandle, errors.As(err, &apiErr), "api error")
	testutil.RequireEqual(testingHandle, apiErr.StatusCode, http.StatusTooManyRequests, "status")
	testutil.RequireEqual(testingHandle, apiErr.Body, "rate limited", "body")

	got := events.snapshot()
	testutil.RequireEqual(testingHandle, kinds(got), []string{"start", "notice", "end"}, "framing")
	testutil.RequireStringContains(testingHandle, got[1].(eventbus.Notice).Text, "429", "notice text")
	end := got[2].(eventbus.StreamEnd)
	testutil.RequireTrue(testingHandle, errors.As(end.Err, &apiErr), "end carries api error")
}

// TestSubmitTransportFailure ends the turn gracefully.
func TestSubmitTransportFailure(testingHandle *testing.T) {
	failure := errors.New("connection refused")
	client := NewClient(Options{
		Endpoint: "http://llm.invalid",
		Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
			return nil, failure
		}),
	})
	events := &recorder{}

	err := client.Submit(context.Background(), "hi", nil, events)
	testutil.RequireErrorIs(testingHandle, err, failure, "transport error")
	got := events.snapshot()
	testutil.RequireEqual(testingHandle, kinds(got), []string{"start", "notice", "end"}, "framing")
	testutil.RequireErrorIs(testingHandle, got[2].(eventbus.StreamEnd).Err, failure, "end error")
	testutil.RequireTrue(testingHandle, !client.Busy(), "released after failure")
}

// TestSubmitConnectionDropMidStream ends the turn with the read error when
// the connection closes after some of the reply has streamed.
func TestSubmitConnectionDropMidStream(testingHandle *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(responseWriter http.ResponseWriter, request *http.Request) {
		responseWriter.Header().Set("Content-Type", "text/event-stream")
		responseWriter.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(responseWriter, testutil.SSE(`{"choices":[{"delta":{"content":"partial"}}]}`))
		responseWriter.(http.Flusher).Flush()
		conn, _, err := responseWriter.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		_ = conn.Close()
	}))
	defer server.Close()
	client := NewClient(Options{Endpoint: server.URL})
	events := &recorder{}

	err := client.Submit(context.Background(), "hi", nil, events)
	testutil.RequireError(testingHandle, err, "read failure returned")
	testutil.RequireStringContains(testingHandle, err.Error(), "read stream body", "wrapped read error")

	got := events.snapshot()
	testutil.RequireEqual(testingHandle, kinds(got), []string{"start", "delta", "notice", "end"}, "framing")
	testutil.RequireEqual(testingHandle, got[1].(eventbus.StreamDelta).Text, "partial", "delta before the drop")
	end := got[3].(eventbus.StreamEnd)
	testutil.RequireEqual(testingHandle, end.RequestID, got[0].(eventbus.StreamStart).RequestID, "same invocation")
	testutil.RequireTrue(testingHandle, end.Err != nil, "end carries the error")
	testutil.RequireTrue(testingHandle, !client.Busy(), "released after failure")
}

// TestSubmitSerializesCalls runs two submissions against a held stream and
// checks their network calls never overlap.
func TestSubmitSerializesCalls(testingHandle *testing.T) {
	gate := make(chan struct{})
	server := testutil.NewStreamServer(testingHandle, testutil.StreamServerConfig{
		Chunks: []string{helloStream},
		Gate:   gate,
	})
	transport := &testutil.CountingTransport{}
	client := NewClient(Options{Endpoint: server.URL, Transport: transport})
	events := &recorder{}

	var wait sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wait.Add(1)
		go func(slot int) {
			defer wait.Done()
			errs[slot] = client.Submit(context.Background(), "hi", nil, events)
		}(i)
	}

	select {
	case <-server.Arrived():
	case <-time.After(2 * time.Second):
		testingHandle.Fatalf("first request never arrived")
	}
	require.Eventually(testingHandle, func() bool {
		for _, event := range events.snapshot() {
			if notice, ok := event.(eventbus.Notice); ok && notice.Text == WaitingNotice {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "second submission should report it is waiting")
	testutil.RequireTrue(testingHandle, client.Busy(), "client busy while streaming")
	testutil.RequireEqual(testingHandle, len(server.Requests()), 1, "second call not issued yet")

	close(gate)
	wait.Wait()
	testutil.RequireNoError(testingHandle, errs[0], "first submit")
	testutil.RequireNoError(testingHandle, errs[1], "second submit")
	testutil.RequireEqual(testingHandle, transport.Peak(), 1, "overlapping calls")
	testutil.RequireEqual(testingHandle, len(server.Requests()), 2, "both calls issued")

	// Each invocation keeps its own Start, Delta, End order.
	stage := map[string]string{}
	for _, event := range events.snapshot() {
		switch typed := event.(type) {
		case eventbus.StreamStart:
			testutil.RequireEqual(testingHandle, stage[typed.RequestID], "", "start first")
			stage[typed.RequestID] = "start"
		case eventbus.StreamDelta:
			testutil.RequireTrue(testingHandle, stage[typed.RequestID] == "start" || stage[typed.RequestID] == "delta", "delta after start")
			stage[typed.RequestID] = "delta"
		case eventbus.StreamEnd:
			testutil.RequireEqual(testingHandle, stage[typed.RequestID], "delta", "end after deltas")
			stage[typed.RequestID] = "end"
		}
	}
	testutil.RequireEqual(testingHandle, len(stage), 2, "two invocations")
}

// TestSubmitCancelledWhileWaiting publishes no stream events for a
// submission that never got the client.
func TestSubmitCancelledWhileWaiting(testingHandle *testing.T) {
	gate := make(chan struct{})
	server := testutil.NewStreamServer(testingHandle, testutil.StreamServerConfig{
		Chunks: []string{helloStream},
		Gate:   gate,
	})
	client := NewClient(Options{Endpoint: server.URL})
	events := &recorder{}

	done := make(chan error, 1)
	go func() {
		done <- client.Submit(context.Background(), "first", nil, events)
	}()
	<-server.Arrived()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := client.Submit(ctx, "second", nil, events)
	testutil.RequireErrorIs(testingHandle, err, context.Canceled, "cancelled wait")

	close(gate)
	testutil.RequireNoError(testingHandle, <-done, "first submit")
	starts := 0
	for _, event := range events.snapshot() {
		if _, ok := event.(eventbus.StreamStart); ok {
			starts++
		}
	}
	testutil.RequireEqual(testingHandle, starts, 1, "only the first submission started")
}

// TestCompletionsURL normalizes gateway base URLs.
func TestCompletionsURL(testingHandle *testing.T) {
	testutil.RequireEqual(testingHandle, completionsURL("https://api.groq.com/openai/v1/"), "https://api.groq.com/openai/v1/chat/completions", "base url")
	testutil.RequireEqual(testingHandle, completionsURL("https://api.groq.com/openai/v1/chat/completions"), "https://api.groq.com/openai/v1/chat/completions", "full url")
}
