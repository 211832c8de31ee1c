package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/llmi/llmi/internal/llm/lorem"
	"github.com/llmi/llmi/internal/llm/openai"
	"github.com/llmi/llmi/internal/testutil"
)

// loremClient returns a client served in-process with unpaced replies of
// words words.
func loremClient(words int) *openai.Client {
	return openai.NewClient(openai.Options{
		Endpoint:  loremEndpoint,
		Model:     "lorem",
		MaxTokens: 3000,
		Transport: lorem.NewTransport(lorem.Options{Words: words, Delay: -1}),
		ReadSize:  32,
	})
}

// TestRunPrintModeStreamsReply prints one reply and a trailing newline.
func TestRunPrintModeStreamsReply(testingHandle *testing.T) {
	var out bytes.Buffer
	var errOut bytes.Buffer

	sink := newPrintSink(outputText, "lorem", &out, &errOut)
	err := runPrintMode(context.Background(), loremClient(6), "hello", sink, zerolog.Nop())
	testutil.RequireNoError(testingHandle, err, "print mode")

	testutil.RequireEqual(testingHandle, len(strings.Fields(out.String())), 6, "word count")
	testutil.RequireTrue(testingHandle, strings.HasSuffix(out.String(), "\n"), "trailing newline")
	testutil.RequireEqual(testingHandle, errOut.String(), "", "no notices")
}

// TestRunPrintModeReportsFailure returns the gateway error after its notice.
func TestRunPrintModeReportsFailure(testingHandle *testing.T) {
	server := testutil.NewStreamServer(testingHandle, testutil.StreamServerConfig{
		Status: http.StatusUnauthorized,
		Chunks: []string{`{"error":"bad key"}`},
	})
	client := openai.NewClient(openai.Options{Endpoint: server.URL, Model: "m"})
	var out bytes.Buffer
	var errOut bytes.Buffer

	sink := newPrintSink(outputText, "m", &out, &errOut)
	err := runPrintMode(context.Background(), client, "hello", sink, zerolog.Nop())

	var apiErr *openai.APIError
	testutil.RequireTrue(testingHandle, errors.As(err, &apiErr), "api error returned")
	testutil.RequireEqual(testingHandle, apiErr.StatusCode, http.StatusUnauthorized, "status")
	testutil.RequireStringContains(testingHandle, errOut.String(), "bad key", "notice shown")
	testutil.RequireEqual(testingHandle, out.String(), "", "no reply text")
}

// TestRunPrintModeStreamJSON writes one JSON line per event and a result.
func TestRunPrintModeStreamJSON(testingHandle *testing.T) {
	var out bytes.Buffer
	var errOut bytes.Buffer

	sink := newPrintSink(outputStreamJSON, "lorem", &out, &errOut)
	err := runPrintMode(context.Background(), loremClient(3), "hello", sink, zerolog.Nop())
	testutil.RequireNoError(testingHandle, err, "print mode")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	var first, last map[string]any
	testutil.RequireNoError(testingHandle, json.Unmarshal([]byte(lines[0]), &first), "decode first line")
	testutil.RequireNoError(testingHandle, json.Unmarshal([]byte(lines[len(lines)-1]), &last), "decode last line")
	testutil.RequireEqual(testingHandle, first["type"], any("stream_start"), "starts the stream")
	testutil.RequireEqual(testingHandle, last["type"], any("result"), "ends with the result")
	result, _ := last["result"].(string)
	testutil.RequireEqual(testingHandle, len(strings.Fields(result)), 3, "result text")
	testutil.RequireEqual(testingHandle, errOut.String(), "", "nothing on stderr")
}

// TestRunLineModeAnswersEachLine queues prompts and exits after the last reply.
func TestRunLineModeAnswersEachLine(testingHandle *testing.T) {
	var out bytes.Buffer
	var errOut bytes.Buffer
	input := strings.NewReader("first\n\n/help\nsecond\n")

	done := make(chan error, 1)
	go func() {
		done <- runLineMode(context.Background(), &options{}, loremClient(4), input, &out, &errOut, zerolog.Nop())
	}()

	select {
	case err := <-done:
		testutil.RequireNoError(testingHandle, err, "line mode")
	case <-time.After(10 * time.Second):
		testingHandle.Fatalf("line mode did not finish")
	}

	replies := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	testutil.RequireEqual(testingHandle, len(replies), 2, "one line per reply")
	for _, reply := range replies {
		testutil.AssertEqual(testingHandle, len(strings.Fields(reply)), 4, "words per reply")
	}
	testutil.RequireTrue(testingHandle, strings.HasSuffix(out.String(), "\n"), "trailing newline")
	testutil.RequireStringContains(testingHandle, errOut.String(), "Commands:", "help printed")
}

// TestRunLineModeRepliesInInputOrder prints each reply after the one for the
// line before it.
func TestRunLineModeRepliesInInputOrder(testingHandle *testing.T) {
	server := newEchoServer(testingHandle)
	client := openai.NewClient(openai.Options{Endpoint: server.URL, Model: "m"})
	var out bytes.Buffer
	var errOut bytes.Buffer

	err := runLineMode(context.Background(), &options{}, client, strings.NewReader("a\nb\nc\n"), &out, &errOut, zerolog.Nop())
	testutil.RequireNoError(testingHandle, err, "line mode")
	testutil.RequireEqual(testingHandle, out.String(), "re:a\nre:b\nre:c\n", "replies in input order")
	testutil.AssertEqual(testingHandle, errOut.String(), "", "no notices")
	testutil.RequireEqual(testingHandle, server.recorded()[2], "user:a assistant:re:a user:b assistant:re:b user:c", "history sent with the last line")
}

// TestRunLineModeQuitCommand stops before later prompts are sent.
func TestRunLineModeQuitCommand(testingHandle *testing.T) {
	var out bytes.Buffer
	var errOut bytes.Buffer
	input := strings.NewReader("/quit\nnever sent\n")

	err := runLineMode(context.Background(), &options{}, loremClient(4), input, &out, &errOut, zerolog.Nop())
	testutil.RequireNoError(testingHandle, err, "line mode")
	testutil.RequireEqual(testingHandle, out.String(), "", "nothing streamed")
}

// TestRunLineModeCancelled returns cleanly when the context ends.
func TestRunLineModeCancelled(testingHandle *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reader, writer := io.Pipe()
	defer writer.Close()
	var out bytes.Buffer
	var errOut bytes.Buffer

	done := make(chan error, 1)
	go func() {
		done <- runLineMode(ctx, &options{}, loremClient(4), reader, &out, &errOut, zerolog.Nop())
	}()
	cancel()

	select {
	case err := <-done:
		testutil.RequireNoError(testingHandle, err, "cancelled line mode")
	case <-time.After(5 * time.Second):
		testingHandle.Fatalf("line mode ignored cancellation")
	}
}
