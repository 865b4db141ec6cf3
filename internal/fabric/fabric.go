package fabric

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/example/marketplace-dispatch/internal/auth"
	"github.com/example/marketplace-dispatch/internal/observability"
)

// Envelope is the wire shape of every event pushed to a client.
type Envelope struct {
	Event string `json:"event"`
	Topic string `json:"topic,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// InboundHandler processes one named client message. Returning an error
// sends an error frame back to that connection instead of crashing the
// read loop.
type InboundHandler func(c *Conn, data json.RawMessage) error

// JoinAuthorizer decides whether an identity may join a topic.
type JoinAuthorizer func(id auth.Identity, topic string) error

// Fabric is the topic-addressed messaging substrate: per-request rooms,
// per-agent direct channels and per-restaurant console rooms. Delivery
// is at-most-once, ordered per connection.
type Fabric struct {
	mu     sync.RWMutex
	topics map[string]map[*Conn]struct{}
	agents map[string]*Conn

	handlers     map[string]InboundHandler
	authorize    JoinAuthorizer
	onDisconnect []func(id auth.Identity)

	logger *slog.Logger
}

func New(logger *slog.Logger) *Fabric {
	return &Fabric{
		topics:   make(map[string]map[*Conn]struct{}),
		agents:   make(map[string]*Conn),
		handlers: make(map[string]InboundHandler),
		logger:   logger,
	}
}

// SetJoinAuthorizer installs the topic-join policy. Must be called
// before any connection is attached.
func (f *Fabric) SetJoinAuthorizer(fn JoinAuthorizer) { f.authorize = fn }

// HandleInbound registers the handler for one client message type.
func (f *Fabric) HandleInbound(msgType string, h InboundHandler) {
	f.handlers[msgType] = h
}

// OnDisconnect registers a callback fired after a connection is fully
// torn down. The presence registry hangs off this so a dead agent is
// removed synchronously with the connection loss.
func (f *Fabric) OnDisconnect(fn func(id auth.Identity)) {
	f.onDisconnect = append(f.onDisconnect, fn)
}

// Join subscribes the connection to a topic after the authorizer admits
// it. Joining twice is harmless.
func (f *Fabric) Join(c *Conn, topic string) error {
	if f.authorize != nil {
		if err := f.authorize(c.identity, topic); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.topics[topic]
	if !ok {
		room = make(map[*Conn]struct{})
		f.topics[topic] = room
	}
	room[c] = struct{}{}
	c.topics[topic] = struct{}{}
	return nil
}

func (f *Fabric) Leave(c *Conn, topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaveLocked(c, topic)
}

func (f *Fabric) leaveLocked(c *Conn, topic string) {
	if room, ok := f.topics[topic]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(f.topics, topic)
		}
	}
	delete(c.topics, topic)
}

// Publish fans an event out to every connection in the topic.
func (f *Fabric) Publish(topic, event string, data any) {
	ev := Envelope{Event: event, Topic: topic, Data: data}
	f.mu.RLock()
	conns := make([]*Conn, 0, len(f.topics[topic]))
	for c := range f.topics[topic] {
		conns = append(conns, c)
	}
	f.mu.RUnlock()
	for _, c := range conns {
		c.enqueue(ev)
	}
	observability.FabricPublishes.Inc()
}

// PublishToOne pushes an event straight to one agent's connection.
// Returns ErrNoSession when the agent is not connected; the caller
// decides whether that is fatal (it is not, mid-search).
func (f *Fabric) PublishToOne(agentID, event string, data any) error {
	f.mu.RLock()
	c, ok := f.agents[agentID]
	f.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	c.enqueue(Envelope{Event: event, Topic: "agent:" + agentID, Data: data})
	observability.FabricPublishes.Inc()
	return nil
}

func (f *Fabric) register(c *Conn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.identity.Role == auth.RoleAgent {
		if _, dup := f.agents[c.identity.Subject]; dup {
			return ErrDuplicateSession
		}
		f.agents[c.identity.Subject] = c
	}
	observability.WSConnections.Inc()
	return nil
}

func (f *Fabric) unregister(c *Conn) {
	f.mu.Lock()
	for topic := range c.topics {
		f.leaveLocked(c, topic)
	}
	if c.identity.Role == auth.RoleAgent && f.agents[c.identity.Subject] == c {
		delete(f.agents, c.identity.Subject)
	}
	f.mu.Unlock()
	observability.WSConnections.Dec()
	for _, fn := range f.onDisconnect {
		fn(c.identity)
	}
}

var (
	ErrNoSession        = &SessionError{msg: "no live session for agent"}
	ErrDuplicateSession = &SessionError{msg: "agent already connected"}
)

type SessionError struct{ msg string }

func (e *SessionError) Error() string { return e.msg }
