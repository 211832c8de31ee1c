package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// SSE renders payloads as "data:" lines, each followed by a blank line.
func SSE(payloads ...string) string {
	var builder strings.Builder
	for _, payload := range payloads {
		fmt.Fprintf(&builder, "data: %s\n\n", payload)
	}
	return builder.String()
}

// RecordedRequest is a request observed by a StreamServer.
type RecordedRequest struct {
	// Header is a copy of the request headers.
	Header http.Header
	// Body is the raw request payload.
	Body []byte
}

// StreamServerConfig controls what a StreamServer replies with.
type StreamServerConfig struct {
	// Status is the response status; zero means 200.
	Status int
	// Chunks are written and flushed one at a time.
	Chunks []string
	// Gate, when non-nil, is waited on before the first chunk is written.
	Gate <-chan struct{}
}

// StreamServer is an httptest server that replies with a chunked body.
type StreamServer struct {
	*httptest.Server

	// config is the fixed reply.
	config StreamServerConfig
	// mu guards requests.
	mu sync.Mutex
	// requests lists every request in arrival order.
	requests []RecordedRequest
	// arrived is signalled once per request.
	arrived chan struct{}
}

// NewStreamServer starts a server and closes it when the test ends.
func NewStreamServer(testingHandle *testing.T, config StreamServerConfig) *StreamServer {
	testingHandle.Helper()
	server := &StreamServer{
		config:  config,
		arrived: make(chan struct{}, 64),
	}
	server.Server = httptest.NewServer(http.HandlerFunc(server.serve))
	testingHandle.Cleanup(server.Close)
	return server
}

// serve records the request and streams the configured chunks.
func (s *StreamServer) serve(responseWriter http.ResponseWriter, request *http.Request) {
	body, _ := io.ReadAll(request.Body)
	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{Header: request.Header.Clone(), Body: body})
	s.mu.Unlock()
	s.arrived <- struct{}{}

	if s.config.Gate != nil {
		select {
		case <-s.config.Gate:
		case <-request.Context().Done():
			return
		}
	}

	status := s.config.Status
	if status == 0 {
		status = http.StatusOK
	}
	responseWriter.Header().Set("Content-Type", "text/event-stream")
	responseWriter.WriteHeader(status)
	flusher, _ := responseWriter.(http.Flusher)
	for _, chunk := range s.config.Chunks {
		_, _ = io.WriteString(responseWriter, chunk)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// Arrived is signalled each time a request reaches the handler.
func (s *StreamServer) Arrived() <-chan struct{} {
	return s.arrived
}

// Requests returns a snapshot of the requests seen so far.
func (s *StreamServer) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// CountingTransport tracks how many round trips are open at once. A round
// trip stays open until its response body is closed.
type CountingTransport struct {
	// Base performs the actual round trip; nil means http.DefaultTransport.
	Base http.RoundTripper

	// mu guards the counters.
	mu sync.Mutex
	// active is the number of open round trips.
	active int
	// peak is the highest value active has reached.
	peak int
}

// RoundTrip implements http.RoundTripper.
func (c *CountingTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	c.mu.Lock()
	c.active++
	if c.active > c.peak {
		c.peak = c.active
	}
	c.mu.Unlock()

	base := c.Base
	if base == nil {
		base = http.DefaultTransport
	}
	response, err := base.RoundTrip(request)
	if err != nil {
		c.release()
		return nil, err
	}
	response.Body = &countedBody{ReadCloser: response.Body, release: c.release}
	return response, nil
}

// Peak returns the highest number of simultaneously open round trips.
func (c *CountingTransport) Peak() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}

// release marks one round trip as finished.
func (c *CountingTransport) release() {
	c.mu.Lock()
	c.active--
	c.mu.Unlock()
}

// countedBody releases its round trip on the first Close.
type countedBody struct {
	io.ReadCloser
	// once guards release.
	once sync.Once
	// release is called when the body is closed.
	release func()
}

// Close closes the wrapped body and releases the round trip.
func (b *countedBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
