package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"github.com/chihaya/remora/pkg/log"
	"github.com/chihaya/remora/wire"
)

// conn is one WebSocket connection with its read and write pumps. Per the
// usual gorilla discipline only the write pump writes, only the read pump
// reads, and everything outbound goes through the send channel.
type conn struct {
	id string
	f  *Frontend
	ws *websocket.Conn

	send chan wire.Outbound

	closeOnce sync.Once
	closed    chan struct{}

	// claims is only touched under f.mu.
	claims map[string]struct{}
}

func newConn(f *Frontend, ws *websocket.Conn) *conn {
	return &conn{
		id:     xid.New().String(),
		f:      f,
		ws:     ws,
		send:   make(chan wire.Outbound, f.WriteBufferSize),
		closed: make(chan struct{}),
		claims: make(map[string]struct{}),
	}
}

// enqueue hands an outbound message to the write pump without blocking. On
// overflow the message is dropped with a diagnostic.
func (c *conn) enqueue(m wire.Outbound) {
	select {
	case c.send <- m:
	case <-c.closed:
	default:
		log.Warn("dropping outbound message on full send buffer", log.Fields{
			"conn":      c.id,
			"clientKey": m.ClientKey,
			"type":      m.Type,
		})
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
		c.f.release(c)
		promConnectionsCount.Dec()
		log.Debug("connection closed", log.Fields{"conn": c.id})
	})
}

// readPump decodes inbound messages and hands them to the broker. WebSocket
// pongs only keep the socket alive; broker liveness is driven purely by real
// messages.
func (c *conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(c.f.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.f.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.f.ReadTimeout))
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("read failed", log.Err(err), log.Fields{"conn": c.id})
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.f.ReadTimeout))

		start := time.Now()

		var m wire.Message
		if err := json.Unmarshal(payload, &m); err != nil {
			log.Warn("dropping undecodable message", log.Err(err), log.Fields{"conn": c.id})
			continue
		}

		if m.ClientKey != "" {
			c.f.claim(m.ClientKey, c)
		}

		c.f.broker.Receive(m)
		recordResponseDuration(messageLabel(m), time.Since(start))
	}
}

func messageLabel(m wire.Message) string {
	if m.Type == wire.None {
		return "unknown"
	}
	return m.Type.String()
}

// writePump serializes outbound messages and keeps the connection alive with
// pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.f.PingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.closed:
			return

		case m := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.f.WriteTimeout))
			if err := c.ws.WriteJSON(m); err != nil {
				log.Debug("write failed", log.Err(err), log.Fields{"conn": c.id})
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.f.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
