package presence

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/marketplace-dispatch/internal/models"
)

// RedisMirror keeps a Redis GEO index of on-duty agents in step with the
// registry so sibling processes (reporting, the ops console) can read
// fleet state without talking to this engine.
type RedisMirror struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

func NewRedisMirror(addr, password, key string, logger *slog.Logger) *RedisMirror {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisMirror{client: c, key: key, logger: logger}
}

// NewRedisMirrorFromClient wraps an existing client, mainly for tests.
func NewRedisMirrorFromClient(c *redis.Client, key string, logger *slog.Logger) *RedisMirror {
	return &RedisMirror{client: c, key: key, logger: logger}
}

func (m *RedisMirror) Upsert(p models.AgentPresence) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.client.GeoAdd(ctx, m.key, &redis.GeoLocation{
		Longitude: p.Position.Lon,
		Latitude:  p.Position.Lat,
		Name:      p.AgentID,
	}).Err(); err != nil {
		m.logger.Warn("presence mirror geoadd failed", "agent_id", p.AgentID, "error", err)
		return
	}
	if err := m.client.HSet(ctx, metaKey(p.AgentID), map[string]interface{}{
		"heading": strconv.FormatFloat(p.Position.Heading, 'f', 1, 64),
		"updated": p.UpdatedAt.Format(time.RFC3339),
	}).Err(); err != nil {
		m.logger.Warn("presence mirror hset failed", "agent_id", p.AgentID, "error", err)
	}
}

func (m *RedisMirror) Delete(agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.client.ZRem(ctx, m.key, agentID).Err(); err != nil {
		m.logger.Warn("presence mirror zrem failed", "agent_id", agentID, "error", err)
	}
	if err := m.client.Del(ctx, metaKey(agentID)).Err(); err != nil {
		m.logger.Warn("presence mirror del failed", "agent_id", agentID, "error", err)
	}
}

func metaKey(id string) string { return "agent:meta:" + id }
