package fabric

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/marketplace-dispatch/internal/auth"
)

const (
	authWait   = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 5 * time.Second
	sendBuffer = 32
)

// Conn is one authenticated websocket connection. Writes are serialized
// through a buffered channel drained by a single writer goroutine, which
// is what gives per-connection ordering.
type Conn struct {
	identity auth.Identity
	ws       *websocket.Conn
	send     chan Envelope
	done     chan struct{}
	topics   map[string]struct{}
	fab      *Fabric
	once     sync.Once
}

func (c *Conn) Identity() auth.Identity { return c.identity }

// enqueue hands an envelope to the writer. A full buffer means the
// consumer stopped draining; the connection is dropped rather than
// letting a slow client stall publishers.
func (c *Conn) enqueue(ev Envelope) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- ev:
	default:
		c.fab.logger.Warn("dropping slow fabric connection", "subject", c.identity.Subject)
		c.close()
	}
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.fab.unregister(c)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

type authFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type inboundFrame struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Attach performs the handshake on a freshly upgraded websocket and, on
// success, runs the connection's pumps. The credential is validated
// exactly once here; every later join or command trusts the attached
// identity.
func (f *Fabric) Attach(ws *websocket.Conn, secret []byte) {
	_ = ws.SetReadDeadline(time.Now().Add(authWait))
	var frame authFrame
	if err := ws.ReadJSON(&frame); err != nil {
		_ = ws.WriteJSON(map[string]string{"error": "auth frame required"})
		_ = ws.Close()
		return
	}
	if frame.Type != "auth" {
		_ = ws.WriteJSON(map[string]string{"error": "first frame must be auth"})
		_ = ws.Close()
		return
	}
	id, err := auth.ParseToken(frame.Token, secret)
	if err != nil {
		_ = ws.WriteJSON(map[string]string{"error": "invalid credential"})
		_ = ws.Close()
		return
	}

	c := &Conn{
		identity: id,
		ws:       ws,
		send:     make(chan Envelope, sendBuffer),
		done:     make(chan struct{}),
		topics:   make(map[string]struct{}),
		fab:      f,
	}
	if err := f.register(c); err != nil {
		_ = ws.WriteJSON(map[string]string{"error": err.Error()})
		_ = ws.Close()
		return
	}
	f.logger.Info("fabric connection attached", "subject", id.Subject, "role", id.Role)

	go c.writePump()
	go c.readPump()
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(ev); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *Conn) readPump() {
	defer c.close()
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var frame inboundFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return
		}
		if err := c.dispatch(frame); err != nil {
			c.enqueue(Envelope{Event: "error", Data: err.Error()})
		}
	}
}

func (c *Conn) dispatch(frame inboundFrame) error {
	switch frame.Type {
	case "join":
		return c.fab.Join(c, frame.Topic)
	case "leave":
		c.fab.Leave(c, frame.Topic)
		return nil
	default:
		if h, ok := c.fab.handlers[frame.Type]; ok {
			return h(c, frame.Data)
		}
		c.fab.logger.Debug("unhandled fabric message", "type", frame.Type, "subject", c.identity.Subject)
		return nil
	}
}
