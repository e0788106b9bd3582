// Package client is a Go client for the realtime gateway. It keeps a local,
// reconciled view of a conversation under optimistic sends, streamed
// assistant answers and history refetches.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/snie2012/family-chat-local-ai/api"
)

// ErrClosed is returned by requests on a closed connection.
var ErrClosed = errors.New("connection closed")

// Conn is a gateway connection. Acks are matched to the request that caused
// them; every other frame is delivered on Events.
type Conn struct {
	ws     *websocket.Conn
	events chan api.Frame
	done   chan struct{}

	mu      sync.Mutex
	seq     uint64
	pending map[string]chan api.Ack
	err     error
}

// Dial connects to the gateway at url, a ws:// or wss:// address,
// authenticating with token.
func Dial(ctx context.Context, url, token string) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c := &Conn{
		ws:      ws,
		events:  make(chan api.Frame, 256),
		done:    make(chan struct{}),
		pending: make(map[string]chan api.Ack),
	}
	go c.readLoop()
	return c, nil
}

// Events returns the server events. The channel is closed when the
// connection ends. It must be drained for acks to keep arriving.
func (c *Conn) Events() <-chan api.Frame {
	return c.events
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		var f api.Frame
		if err := wsjson.Read(context.Background(), c.ws, &f); err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			close(c.done)
			return
		}
		if f.Event == api.EventAck {
			c.deliverAck(f)
			continue
		}
		c.events <- f
	}
}

func (c *Conn) deliverAck(f api.Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if !ok {
		// Nobody waits for it anymore.
		return
	}
	var a api.Ack
	if err := json.Unmarshal(f.Data, &a); err != nil {
		a = api.Ack{Error: api.CodeInvalid}
	}
	ch <- a
}

// Emit sends an event that expects no ack.
func (c *Conn) Emit(ctx context.Context, event string, data any) error {
	return c.write(ctx, event, "", data)
}

// Request sends an event and waits for its ack. A request abandoned through
// ctx ignores any ack arriving later.
func (c *Conn) Request(ctx context.Context, event string, data any) (api.Ack, error) {
	ch := make(chan api.Ack, 1)
	c.mu.Lock()
	c.seq++
	id := strconv.FormatUint(c.seq, 10)
	c.pending[id] = ch
	c.mu.Unlock()
	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.write(ctx, event, id, data); err != nil {
		forget()
		return api.Ack{}, err
	}
	select {
	case a := <-ch:
		return a, nil
	case <-ctx.Done():
		forget()
		return api.Ack{}, ctx.Err()
	case <-c.done:
		forget()
		return api.Ack{}, ErrClosed
	}
}

func (c *Conn) write(ctx context.Context, event, id string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if err := wsjson.Write(ctx, c.ws, api.Frame{Event: event, ID: id, Data: raw}); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}
