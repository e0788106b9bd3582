package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/snie2012/family-chat-local-ai/api"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	readLimit    = 64 << 10
)

// conn is one authenticated client connection. Frames are queued on send and
// written by a single writer goroutine, so events reach the client in the
// order they were queued.
type conn struct {
	g    *Gateway
	ws   *websocket.Conn
	id   api.Identity
	send chan []byte

	closeOnce sync.Once
}

func newConn(g *Gateway, ws *websocket.Conn, id api.Identity) *conn {
	return &conn{
		g:    g,
		ws:   ws,
		id:   id,
		send: make(chan []byte, g.sendBuffer()),
	}
}

// run serves the connection until the client leaves or ctx is done.
func (c *conn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.ws.SetReadLimit(readLimit)
	go func() {
		defer cancel()
		c.writeLoop(ctx)
	}()
	c.readLoop(ctx)
}

func (c *conn) readLoop(ctx context.Context) {
	for {
		typ, b, err := c.ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				c.g.Logger.Debug("Connection read ended", "userID", c.id.UserID, "error", err.Error())
			}
			return
		}
		if typ != websocket.MessageText {
			c.emitError(api.CodeInvalid, "Frames must be JSON text")
			continue
		}
		var f api.Frame
		if err := json.Unmarshal(b, &f); err != nil || f.Event == "" {
			c.emitError(api.CodeInvalid, "Could not decode frame")
			continue
		}
		c.g.dispatch(ctx, c, f)
	}
}

func (c *conn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case b := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				c.g.Logger.Debug("Ping failed", "userID", c.id.UserID, "error", err.Error())
				return
			}
		}
	}
}

// enqueue queues an encoded frame without blocking. A client that cannot
// keep up is disconnected.
func (c *conn) enqueue(b []byte) {
	select {
	case c.send <- b:
	default:
		c.g.Logger.Warn("Closing slow connection", "userID", c.id.UserID)
		c.close(websocket.StatusPolicyViolation, "slow consumer")
	}
}

// close starts the closing handshake once. It does not wait for it.
func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		go c.ws.Close(code, reason)
	})
}

func (c *conn) emit(event string, data any) {
	b, err := encodeFrame(event, "", data)
	if err != nil {
		c.g.Logger.Error("Could not encode frame", "event", event, "error", err.Error())
		return
	}
	c.enqueue(b)
}

func (c *conn) emitError(code, msg string) {
	c.emit(api.EventError, api.ErrorEvent{Code: code, Message: msg})
}

// ack answers the request id. Requests without an id get no ack.
func (c *conn) ack(id string, a api.Ack) {
	if id == "" {
		return
	}
	b, err := encodeFrame(api.EventAck, id, a)
	if err != nil {
		c.g.Logger.Error("Could not encode ack", "error", err.Error())
		return
	}
	c.enqueue(b)
}

func encodeFrame(event, id string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(api.Frame{Event: event, ID: id, Data: raw})
}
