package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func ndjson(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

func newTestServer(t *testing.T, h func(t *testing.T, req chatRequest, raw map[string]any, w http.ResponseWriter)) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("Could not read request body: %v", err)
			return
		}
		var req chatRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("Could not decode request: %v", err)
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(body, &raw); err != nil {
			t.Errorf("Could not decode request: %v", err)
			return
		}
		h(t, req, raw, w)
	}))
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, DefaultModel: "test-model"})
}

func collect(t *testing.T, c *Client, opts StreamOptions) ([]Chunk, error) {
	t.Helper()
	var chunks []Chunk
	for chunk, err := range c.StreamChat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, opts) {
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

const thinkingStream = `{"message":{"role":"assistant","content":"","thinking":"let me "}}
{"message":{"role":"assistant","content":"","thinking":"see"}}
{"message":{"role":"assistant","content":"Hel"}}
{"message":{"role":"assistant","content":"lo"}}
{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}
`

func TestClient_StreamChat(t *testing.T) {
	tests := []struct {
		name      string
		opts      StreamOptions
		wantModel string
		wantThink bool
		want      []Chunk
	}{
		{
			name:      "think off",
			wantModel: "test-model",
			want: []Chunk{
				{Kind: KindContent, Text: "Hel"},
				{Kind: KindContent, Text: "lo"},
			},
		},
		{
			name:      "think on",
			opts:      StreamOptions{Think: true, Model: "qwen3"},
			wantModel: "qwen3",
			wantThink: true,
			want: []Chunk{
				{Kind: KindThinking, Text: "let me "},
				{Kind: KindThinking, Text: "see"},
				{Kind: KindContent, Text: "Hel"},
				{Kind: KindContent, Text: "lo"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, func(t *testing.T, req chatRequest, raw map[string]any, w http.ResponseWriter) {
				if req.Model != tt.wantModel {
					t.Errorf("model = %q, want %q", req.Model, tt.wantModel)
				}
				if !req.Stream {
					t.Error("stream = false, want true")
				}
				_, present := raw["think"]
				if present != tt.wantThink {
					t.Errorf("think present = %v, want %v", present, tt.wantThink)
				}
				w.Header().Set("Content-Type", "application/x-ndjson")
				fmt.Fprint(w, thinkingStream)
			})

			got, err := collect(t, c, tt.opts)
			if err != nil {
				t.Fatalf("StreamChat: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("chunks mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClient_StreamChat_StopsAtDone(t *testing.T) {
	c := newTestServer(t, func(t *testing.T, _ chatRequest, _ map[string]any, w http.ResponseWriter) {
		fmt.Fprint(w, ndjson(
			`{"message":{"content":"a"},"done":true}`,
			`{"message":{"content":"b"}}`,
		))
	})

	got, err := collect(t, c, StreamOptions{})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if diff := cmp.Diff([]Chunk{{Kind: KindContent, Text: "a"}}, got); diff != "" {
		t.Errorf("chunks mismatch (-want +got):\n%s", diff)
	}
}

func TestClient_StreamChat_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantChunks int
		check      func(error) bool
		wantMsg    string
	}{
		{
			name:    "model not found",
			status:  http.StatusNotFound,
			body:    `{"error":"model 'x' not found"}`,
			check:   IsModelNotFound,
			wantMsg: "model not found",
		},
		{
			name:    "server error",
			status:  http.StatusInternalServerError,
			body:    `{"error":"out of memory"}`,
			wantMsg: "out of memory",
		},
		{
			name:       "error mid stream",
			status:     http.StatusOK,
			body:       ndjson(`{"message":{"content":"par"}}`, `{"error":"model crashed"}`),
			wantChunks: 1,
			wantMsg:    "model crashed",
		},
		{
			name:    "malformed line",
			status:  http.StatusOK,
			body:    ndjson(`not json`),
			wantMsg: "malformed stream line",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, func(t *testing.T, _ chatRequest, _ map[string]any, w http.ResponseWriter) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})

			got, err := collect(t, c, StreamOptions{})
			if err == nil {
				t.Fatal("StreamChat succeeded, want error")
			}
			if len(got) != tt.wantChunks {
				t.Errorf("got %d chunks before the error, want %d", len(got), tt.wantChunks)
			}
			if tt.check != nil && !tt.check(err) {
				t.Errorf("unexpected error kind: %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantMsg)
			}
		})
	}
}

func TestClient_NotRunning(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{BaseURL: url})
	_, err := collect(t, c, StreamOptions{})
	if !IsNotRunning(err) {
		t.Errorf("StreamChat error = %v, want not running", err)
	}
	if err := c.CheckRunning(context.Background()); !IsNotRunning(err) {
		t.Errorf("CheckRunning error = %v, want not running", err)
	}
}

func TestClient_StreamChat_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, ndjson(`{"message":{"content":"first"}}`))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Config{BaseURL: srv.URL})
	var (
		chunks  int
		lastErr error
	)
	for _, err := range c.StreamChat(ctx, nil, StreamOptions{}) {
		if err != nil {
			lastErr = err
			break
		}
		chunks++
		cancel()
	}
	if chunks != 1 {
		t.Errorf("got %d chunks, want 1", chunks)
	}
	if !errors.Is(lastErr, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", lastErr)
	}
}

func TestClient_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"models":[{"name":"llama3.2:latest"},{"name":"qwen3:8b"}]}`)
	}))
	defer srv.Close()

	got, err := NewClient(Config{BaseURL: srv.URL}).ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if diff := cmp.Diff([]string{"llama3.2:latest", "qwen3:8b"}, got); diff != "" {
		t.Errorf("models mismatch (-want +got):\n%s", diff)
	}
}
