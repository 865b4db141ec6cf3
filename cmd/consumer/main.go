// Command consumer mirrors agent position events from Kafka into the
// Redis geo-index so reporting processes see fleet state without
// touching the live dispatch engine.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/marketplace-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total agent position messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

// positionEvent is the wire shape of one agent position report.
type positionEvent struct {
	AgentID  string          `json:"agent_id"`
	Position models.Position `json:"position"`
}

func main() {
	_ = godotenv.Load()

	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokers := []string{"localhost:9092"}
	if env := os.Getenv("KAFKA_BROKERS"); env != "" {
		brokers = brokers[:0]
		for _, b := range strings.Split(env, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	}
	topic := getenv("KAFKA_LOCATIONS_TOPIC", "agent-locations")
	group := getenv("KAFKA_GROUP", "presence-mirror-consumer")
	redisAddr := getenv("REDIS_ADDR", "localhost:6379")
	geoKey := getenv("REDIS_GEO_KEY", "agents_geo")

	rc := redis.NewClient(&redis.Options{Addr: redisAddr})
	radapter := &redisAdapter{c: rc}

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			_, _ = w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Printf("consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var ev positionEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.AgentID == "" {
			msgsInvalid.Inc()
			log.Printf("invalid message: %v", err)
			continue
		}

		if err := mirrorWithRetry(ctx, radapter, geoKey, &ev, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			log.Printf("redis update failed for agent=%s: %v", ev.AgentID, err)
			continue
		}
		redisUpdates.Inc()
	}
}

// GeoWriter defines the small subset of redis operations we need for
// tests and production.
type GeoWriter interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

// mirrorWithRetry writes one position event through the GeoWriter with
// retry/backoff.
func mirrorWithRetry(ctx context.Context, w GeoWriter, geoKey string, ev *positionEvent, attempts int, delay time.Duration) error {
	for i := 0; i < attempts; i++ {
		if err := w.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: ev.Position.Lon, Latitude: ev.Position.Lat, Name: ev.AgentID}); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		if err := w.HSet(ctx, "agent:meta:"+ev.AgentID, map[string]interface{}{"heading": ev.Position.Heading, "updated": time.Now().Format(time.RFC3339)}); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return nil
	}
	return nil
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
