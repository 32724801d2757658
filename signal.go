package callcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/linklive/callcore/shared"
	"go.uber.org/zap"
)

// EventHandler is a durable handler invoked once per server push for the session's
// lifetime. Invocations are independent and may run concurrently with in-flight
// requests.
type EventHandler func(data json.RawMessage)

// DisconnectHandler is notified when the underlying connection drops for any reason
// other than a local Close. Disconnects are reported, never thrown: the session
// orchestrator decides whether they are fatal.
type DisconnectHandler func(err error)

// Signaler is the channel contract the orchestrator, transports and registry program
// against. Channel is the production implementation.
type Signaler interface {
	Emit(event EventName, payload any) error
	Request(ctx context.Context, event EventName, payload any) (json.RawMessage, error)
	AwaitEvent(ctx context.Context, event EventName) (json.RawMessage, error)
	On(event EventName, handler EventHandler)
	OnDisconnect(handler DisconnectHandler)
	Close() error
}

const (
	writeQueueSize = 32
	writeDeadline  = 5 * time.Second
)

// Channel is one persistent, multiplexed signaling connection. A single writer
// goroutine owns all writes; the reader goroutine dispatches acks to their pending
// request, one-shot waiters, then durable handlers.
type Channel struct {
	logger shared.LoggerAdapter
	conn   *websocket.Conn
	send   chan []byte

	mu            sync.Mutex
	pending       map[string]chan json.RawMessage
	handlers      map[EventName][]EventHandler
	waiters       map[EventName][]chan json.RawMessage
	onDisconnect  []DisconnectHandler
	closedLocally bool

	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelCauseFunc
}

var _ Signaler = (*Channel)(nil)

// DialChannel connects to the signaling server and starts the read/write pumps.
func DialChannel(ctx context.Context, logger shared.LoggerAdapter, serverURL string) (*Channel, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %w", shared.ErrConnection, serverURL, err)
	}
	cctx, cancel := context.WithCancelCause(context.Background())
	c := &Channel{
		logger:   logger,
		conn:     conn,
		send:     make(chan []byte, writeQueueSize),
		pending:  make(map[string]chan json.RawMessage),
		handlers: make(map[EventName][]EventHandler),
		waiters:  make(map[EventName][]chan json.RawMessage),
		ctx:      cctx,
		cancel:   cancel,
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

func (c *Channel) writePump() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				c.logger.Error("setting write deadline", err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error("writing signaling frame", err)
				return
			}
		}
	}
}

func (c *Channel) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			local := c.closedLocally
			handlers := append([]DisconnectHandler(nil), c.onDisconnect...)
			c.mu.Unlock()
			if !local {
				c.logger.Warn("signaling connection dropped", zap.Error(err))
				for _, h := range handlers {
					go h(fmt.Errorf("%w: %w", shared.ErrConnection, err))
				}
			}
			c.shutdown(fmt.Errorf("%w: read loop ended: %w", shared.ErrChannelClosed, err))
			return
		}
		c.dispatch(data)
	}
}

func (c *Channel) dispatch(data []byte) {
	var f frame
	if err := sonic.Unmarshal(data, &f); err != nil {
		c.logger.Error("unmarshaling signaling frame", err, zap.ByteString("data", data))
		return
	}
	if f.Event == EventAck {
		c.mu.Lock()
		ch, ok := c.pending[f.Ack]
		if ok {
			delete(c.pending, f.Ack)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("ack for unknown token", zap.String("token", f.Ack))
			return
		}
		ch <- f.Data
		return
	}
	c.mu.Lock()
	if ws := c.waiters[f.Event]; len(ws) > 0 {
		w := ws[0]
		c.waiters[f.Event] = ws[1:]
		c.mu.Unlock()
		w <- f.Data
		return
	}
	handlers := append([]EventHandler(nil), c.handlers[f.Event]...)
	c.mu.Unlock()
	if len(handlers) == 0 {
		c.logger.Debug("unhandled event", zap.String("event", string(f.Event)))
		return
	}
	for _, h := range handlers {
		go h(f.Data)
	}
}

func (c *Channel) write(f frame) error {
	data, err := sonic.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}
	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return shared.ErrChannelClosed
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := sonic.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	return data, nil
}

// Emit sends an event without awaiting acknowledgment. Delivery guarantees are those
// of the underlying transport.
func (c *Channel) Emit(event EventName, payload any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	c.logger.Trace("emit", zap.String("event", string(event)))
	return c.write(frame{Event: event, Data: data})
}

// Request emits event with a fresh correlation token and suspends the caller until
// the matching ack arrives. An empty ack payload resolves to a synthetic
// {"success":true}; a non-object payload fails with ErrInvalidResponse. Concurrent
// requests carry independent tokens and may interleave freely.
func (c *Channel) Request(ctx context.Context, event EventName, payload any) (json.RawMessage, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	token := uuid.NewString()
	result := make(chan json.RawMessage, 1)
	c.mu.Lock()
	c.pending[token] = result
	c.mu.Unlock()
	unregister := func() {
		c.mu.Lock()
		delete(c.pending, token)
		c.mu.Unlock()
	}

	c.logger.Trace("request", zap.String("event", string(event)), zap.String("token", token))
	if err := c.write(frame{Event: event, Ack: token, Data: data}); err != nil {
		unregister()
		return nil, err
	}
	select {
	case <-ctx.Done():
		unregister()
		return nil, fmt.Errorf("awaiting ack for %s: %w", event, ctx.Err())
	case <-c.ctx.Done():
		unregister()
		return nil, fmt.Errorf("awaiting ack for %s: %w", event, shared.ErrChannelClosed)
	case raw := <-result:
		if len(raw) == 0 || string(raw) == "null" {
			return json.RawMessage(`{"success":true}`), nil
		}
		if !isJSONObject(raw) {
			return nil, fmt.Errorf("%w: ack for %s", shared.ErrInvalidResponse, event)
		}
		return raw, nil
	}
}

// AwaitEvent suspends until the named event fires once, then auto-unsubscribes.
func (c *Channel) AwaitEvent(ctx context.Context, event EventName) (json.RawMessage, error) {
	w := make(chan json.RawMessage, 1)
	c.mu.Lock()
	c.waiters[event] = append(c.waiters[event], w)
	c.mu.Unlock()
	unregister := func() {
		c.mu.Lock()
		ws := c.waiters[event]
		for i := range ws {
			if ws[i] == w {
				c.waiters[event] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
	}

	select {
	case <-ctx.Done():
		unregister()
		return nil, fmt.Errorf("awaiting %s: %w", event, ctx.Err())
	case <-c.ctx.Done():
		unregister()
		return nil, fmt.Errorf("awaiting %s: %w", event, shared.ErrChannelClosed)
	case raw := <-w:
		if !isJSONObject(raw) {
			return nil, fmt.Errorf("%w: first payload for %s", shared.ErrInvalidEventData, event)
		}
		return raw, nil
	}
}

// On registers a durable handler for event.
func (c *Channel) On(event EventName, handler EventHandler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], handler)
	c.mu.Unlock()
}

// OnDisconnect registers a handler for remote connection loss.
func (c *Channel) OnDisconnect(handler DisconnectHandler) {
	c.mu.Lock()
	c.onDisconnect = append(c.onDisconnect, handler)
	c.mu.Unlock()
}

// Close performs a best-effort graceful shutdown then hard-closes the connection.
// Safe to call multiple times and from concurrent failure paths; pending requests
// and waiters are cancelled, never leaked.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closedLocally = true
	c.mu.Unlock()
	c.shutdown(errors.New("channel closed"))
	return nil
}

func (c *Channel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeDeadline)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.logger.Debug("writing close frame", zap.Error(err))
		}
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("closing connection", zap.Error(err))
		}
		c.cancel(cause)
	})
}
