// Package ollama streams chat completions from an Ollama server.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"
)

// ClientError represents an error from the Ollama client.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotRunning
	ErrTypeTimeout
	ErrTypeModelNotFound
	ErrTypeInvalidResponse
)

// Sentinel errors for easy checking.
var (
	ErrNotRunning    = &ClientError{Type: ErrTypeNotRunning, Message: "Ollama is not running"}
	ErrTimeout       = &ClientError{Type: ErrTypeTimeout, Message: "request timed out"}
	ErrModelNotFound = &ClientError{Type: ErrTypeModelNotFound, Message: "model not found"}
)

// Config holds configuration options for the client.
type Config struct {
	// BaseURL is the Ollama API base URL (default: http://127.0.0.1:11434).
	BaseURL string
	// DefaultModel is used when a request does not name one.
	DefaultModel string
	// Timeout bounds non-streaming requests. Streams are bounded only by
	// their context.
	Timeout time.Duration
}

// Client talks to the Ollama HTTP API. It is safe for concurrent use.
type Client struct {
	config     Config
	httpClient *http.Client
	streamHTTP *http.Client
}

// NewClient returns a client for cfg, filling in defaults for zero values.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:11434"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "llama3.2"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		streamHTTP: &http.Client{},
	}
}

// CheckRunning verifies that Ollama is reachable.
func (c *Client) CheckRunning(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL, nil)
	if err != nil {
		return &ClientError{Type: ErrTypeUnknown, Message: "failed to create request", Cause: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "unexpected status from Ollama: " + resp.Status}
	}
	return nil
}

// ListModels returns the names of the locally available models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeUnknown, Message: "failed to create request", Cause: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to list models: " + resp.Status}
	}

	var result listModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}

// StreamChat starts a streamed chat completion and yields its chunks in the
// order the server produces them. Thinking chunks are yielded only when
// opts.Think is set. The request is sent when iteration starts; a failure
// is yielded as the final error and ends the sequence. Breaking out of the
// loop closes the connection.
func (c *Client) StreamChat(ctx context.Context, messages []Message, opts StreamOptions) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		body, err := c.openStream(ctx, messages, opts)
		if err != nil {
			yield(Chunk{}, err)
			return
		}
		defer drainAndClose(body)

		r := bufio.NewReader(body)
		for {
			line, err := r.ReadBytes('\n')
			if len(bytes.TrimSpace(line)) > 0 {
				var part chatResponseLine
				if jerr := json.Unmarshal(line, &part); jerr != nil {
					yield(Chunk{}, &ClientError{Type: ErrTypeInvalidResponse, Message: "malformed stream line", Cause: jerr})
					return
				}
				if part.Error != "" {
					yield(Chunk{}, &ClientError{Type: ErrTypeInvalidResponse, Message: part.Error})
					return
				}
				if opts.Think && part.Message.Thinking != "" {
					if !yield(Chunk{Kind: KindThinking, Text: part.Message.Thinking}, nil) {
						return
					}
				}
				if part.Message.Content != "" {
					if !yield(Chunk{Kind: KindContent, Text: part.Message.Content}, nil) {
						return
					}
				}
				if part.Done {
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if ctxErr := ctx.Err(); ctxErr != nil {
					err = ctxErr
				}
				yield(Chunk{}, &ClientError{Type: ErrTypeUnknown, Message: "stream interrupted", Cause: err})
				return
			}
		}
	}
}

func (c *Client) openStream(ctx context.Context, messages []Message, opts StreamOptions) (io.ReadCloser, error) {
	model := opts.Model
	if model == "" {
		model = c.config.DefaultModel
	}
	reqBody := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	if opts.Think {
		think := true
		reqBody.Think = &think
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeUnknown, Message: "failed to marshal request", Cause: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &ClientError{Type: ErrTypeUnknown, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrModelNotFound
	}
	var oerr errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&oerr); err == nil && oerr.Error != "" {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: oerr.Error}
	}
	return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "stream request failed: " + resp.Status}
}

func transportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ClientError{Type: ErrTypeTimeout, Message: ErrTimeout.Message, Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &ClientError{Type: ErrTypeUnknown, Message: "request canceled", Cause: err}
	}
	return &ClientError{Type: ErrTypeNotRunning, Message: ErrNotRunning.Message, Cause: err}
}

// IsModelNotFound checks if an error is a model not found error.
func IsModelNotFound(err error) bool {
	var clientErr *ClientError
	return errors.As(err, &clientErr) && clientErr.Type == ErrTypeModelNotFound
}

// IsNotRunning checks if an error indicates Ollama is not reachable.
func IsNotRunning(err error) bool {
	var clientErr *ClientError
	return errors.As(err, &clientErr) && clientErr.Type == ErrTypeNotRunning
}

// IsTimeout checks if an error is a timeout error.
func IsTimeout(err error) bool {
	var clientErr *ClientError
	return errors.As(err, &clientErr) && clientErr.Type == ErrTypeTimeout
}

func drainAndClose(r io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 64<<10))
	r.Close()
}
