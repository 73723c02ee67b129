package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/migadu/livequery/bridge"
	"github.com/migadu/livequery/engine"
	"github.com/migadu/livequery/logger"
	"github.com/migadu/livequery/pkg/metrics"
	"github.com/migadu/livequery/query"
	"github.com/migadu/livequery/server/idgen"
)

// Websocket frame types.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePending     = "pending"
	frameNext        = "next"
	frameError       = "error"
)

const maxFrameSize = 1 << 20

// ClientFrame is a message from a websocket client.
type ClientFrame struct {
	Type          string          `json:"type" validate:"required,oneof=subscribe unsubscribe"`
	ID            string          `json:"id,omitempty"`
	Query         string          `json:"query,omitempty" validate:"required_if=Type subscribe"`
	OperationName string          `json:"operationName,omitempty"`
	Variables     json.RawMessage `json:"variables,omitempty"`
	Subscription  uint64          `json:"subscription,omitempty" validate:"required_if=Type unsubscribe"`
}

// ServerFrame is a message to a websocket client.
type ServerFrame struct {
	Type         string          `json:"type"`
	ID           string          `json:"id,omitempty"`
	Subscription uint64          `json:"subscription,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Message      string          `json:"message,omitempty"`
	Kind         string          `json:"kind,omitempty"`
}

// wsConn is one websocket client. Frames are written by the subscription
// dispatch goroutines, so writes are serialized by writeMu; a client that
// stops reading blocks its own subscriptions until the write deadline and
// the engine falls back to reloads.
type wsConn struct {
	s    *Server
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[uint64]struct{}
	closed bool
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("HTTP API: websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &wsConn{
		s:    s,
		id:   idgen.New(),
		conn: conn,
		subs: make(map[uint64]struct{}),
	}
	metrics.WebsocketConnectionsCurrent.Inc()
	logger.Info("HTTP API: websocket connected", "conn", idgen.Short(c.id), "remote", getClientIP(r))

	// The request context ends when the handler returns, so subscriptions
	// get a context that only ends with the connection.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go c.keepalive(done)

	c.readLoop(ctx)

	cancel()
	close(done)
	cancelled := c.close()
	metrics.WebsocketConnectionsCurrent.Dec()
	logger.Info("HTTP API: websocket closed", "conn", idgen.Short(c.id), "subscriptions_cancelled", cancelled)
}

func (c *wsConn) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameSize)
	pongWait := c.s.pingInterval * 2
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("HTTP API: websocket read failed", "conn", idgen.Short(c.id), "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("", fmt.Errorf("invalid frame: %v", err), "InvalidFrame")
			continue
		}
		if err := c.s.validate.Struct(&frame); err != nil {
			c.sendError(frame.ID, fmt.Errorf("invalid %q frame: %v", frame.Type, err), "InvalidFrame")
			continue
		}

		switch frame.Type {
		case frameSubscribe:
			c.subscribe(ctx, frame)
		case frameUnsubscribe:
			c.unsubscribe(frame)
		}
	}
}

func (c *wsConn) subscribe(ctx context.Context, frame ClientFrame) {
	plan, err := c.s.bridge.Compile(frame.Query, frame.OperationName, string(frame.Variables))
	if err != nil {
		_, kind := errorKind(err)
		c.sendError(frame.ID, err, kind)
		return
	}
	if plan.Operation != query.OpSubscription {
		c.sendError(frame.ID, engine.ErrNotSubscription, "NotSubscription")
		return
	}

	// onNext may only be called once Run has returned; the id is published
	// to it through ready.
	var subID uint64
	ready := make(chan struct{})
	onNext := func(payload string) {
		<-ready
		c.send(ServerFrame{Type: frameNext, Subscription: subID, Payload: json.RawMessage(payload)})
	}

	res, err := c.s.bridge.Run(ctx, plan, "", onNext)
	if err != nil {
		_, kind := errorKind(err)
		c.sendError(frame.ID, err, kind)
		return
	}
	p, err := bridge.Decode([]byte(res))
	ack, ok := p.(*bridge.PendingAck)
	if err != nil || !ok {
		logger.Error("HTTP API: unexpected subscription acknowledgement", "conn", idgen.Short(c.id), "payload", res, "error", err)
		c.sendError(frame.ID, errors.New("internal error"), "Internal")
		return
	}
	subID = ack.Pending

	if !c.track(subID) {
		// The connection closed while the subscription was being opened.
		close(ready)
		c.s.bridge.Unsubscribe(subID)
		return
	}
	c.send(ServerFrame{Type: framePending, ID: frame.ID, Subscription: subID})
	close(ready)
	logger.Debug("HTTP API: websocket subscription opened", "conn", idgen.Short(c.id), "subscription", subID)
}

func (c *wsConn) unsubscribe(frame ClientFrame) {
	c.mu.Lock()
	_, owned := c.subs[frame.Subscription]
	delete(c.subs, frame.Subscription)
	c.mu.Unlock()

	if !owned {
		c.sendError(frame.ID, engine.ErrSubscriptionNotFound, "NotFound")
		return
	}
	c.s.bridge.Unsubscribe(frame.Subscription)
}

func (c *wsConn) track(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.subs[id] = struct{}{}
	return true
}

// close cancels every subscription the connection still owns.
func (c *wsConn) close() int {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for id := range subs {
		c.s.bridge.Unsubscribe(id)
	}
	c.writeMu.Lock()
	_ = c.conn.Close()
	c.writeMu.Unlock()
	return len(subs)
}

func (c *wsConn) keepalive(done <-chan struct{}) {
	ticker := time.NewTicker(c.s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.s.writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.Debug("HTTP API: websocket ping failed", "conn", idgen.Short(c.id), "error", err)
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *wsConn) sendError(id string, err error, kind string) {
	c.send(ServerFrame{Type: frameError, ID: id, Message: err.Error(), Kind: kind})
}

// send writes one frame. A failed write closes the connection, which ends
// the read loop and cancels the subscriptions.
func (c *wsConn) send(frame ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		logger.Error("HTTP API: encoding websocket frame", "conn", idgen.Short(c.id), "type", frame.Type, "error", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.s.writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logger.Debug("HTTP API: websocket write failed", "conn", idgen.Short(c.id), "error", err)
		_ = c.conn.Close()
	}
}
