package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SearchesStarted   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "marketplace_dispatch", Name: "searches_started_total", Help: "Dispatch searches started"})
	SearchesExhausted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "marketplace_dispatch", Name: "searches_exhausted_total", Help: "Dispatch searches that ran out of attempts with no candidates"})
	OffersPushed      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "marketplace_dispatch", Name: "offers_pushed_total", Help: "Opportunity pushes sent to agents"})
	OffersAccepted    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "marketplace_dispatch", Name: "offers_accepted_total", Help: "Trip offers committed"})
	BidsPlaced        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "marketplace_dispatch", Name: "bids_placed_total", Help: "Courier bids placed on delivery orders"})
	BidsAccepted      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "marketplace_dispatch", Name: "bids_accepted_total", Help: "Courier bids committed"})
	FabricPublishes   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "marketplace_dispatch", Name: "fabric_publishes_total", Help: "Events published on the channel fabric"})
	WSConnections     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "marketplace_dispatch", Name: "ws_connections", Help: "Live websocket connections"})

	SearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "marketplace_dispatch",
		Name:      "search_duration_seconds",
		Help:      "Time from search start to commit or exhaustion",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 240},
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "marketplace_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketplace_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
