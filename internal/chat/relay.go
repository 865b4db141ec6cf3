package chat

import (
	"log/slog"
	"strings"
	"time"

	"github.com/example/marketplace-dispatch/internal/apperr"
	"github.com/example/marketplace-dispatch/internal/models"
)

// Publisher is the fabric surface the relay needs.
type Publisher interface {
	Publish(topic, event string, data any)
}

// ParticipantLookup resolves the identities attached to a request so
// only involved parties can talk on its room.
type ParticipantLookup func(requestID string) ([]string, bool)

type Message struct {
	RequestID string    `json:"request_id"`
	From      string    `json:"from"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sent_at"`
}

// Relay is a thin pass-through on the channel fabric scoped to an
// active request. It owns no state beyond the lookup it delegates to.
type Relay struct {
	fab    Publisher
	lookup ParticipantLookup
	logger *slog.Logger
}

func NewRelay(fab Publisher, lookup ParticipantLookup, logger *slog.Logger) *Relay {
	return &Relay{fab: fab, lookup: lookup, logger: logger}
}

// Send relays one message to the request's room after checking the
// sender is a participant.
func (r *Relay) Send(requestID, from, body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return apperr.Validationf("empty chat message")
	}
	participants, ok := r.lookup(requestID)
	if !ok {
		return apperr.NotFoundf("request %s not found", requestID)
	}
	member := false
	for _, p := range participants {
		if p == from {
			member = true
			break
		}
	}
	if !member {
		return apperr.Validationf("sender is not a participant of request %s", requestID)
	}
	msg := Message{RequestID: requestID, From: from, Body: body, SentAt: time.Now()}
	r.fab.Publish("request:"+requestID, models.EventChatMessage, msg)
	return nil
}
