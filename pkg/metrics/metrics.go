package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every instrument the service exports. Pass
// prometheus.DefaultRegisterer in main; tests pass a fresh registry or nil
// to keep instruments unregistered.
type Metrics struct {
	WaitingTickets prometheus.Gauge
	ActiveBattles  prometheus.Gauge
	FeedClients    prometheus.Gauge
	Matches        *prometheus.CounterVec
	RoundsScored   *prometheus.CounterVec
	MashGames      prometheus.Counter
	Finishes       *prometheus.CounterVec
	CommandSeconds prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	const namespace = "quizduel"
	m := &Metrics{
		WaitingTickets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "waiting_tickets",
			Help:      "Number of tickets waiting for an opponent",
		}),
		ActiveBattles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_battles",
			Help:      "Number of battles in progress",
		}),
		FeedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_clients",
			Help:      "Number of connected realtime feed clients",
		}),
		Matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_total",
			Help:      "Battles created, by opponent kind",
		}, []string{"kind"}),
		RoundsScored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_scored_total",
			Help:      "Rounds resolved, by how they were decided",
		}, []string{"outcome"}),
		MashGames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mash_games_total",
			Help:      "Mash tie-breaks started",
		}),
		Finishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finishes_total",
			Help:      "Battles finished, by reason",
		}, []string{"reason"}),
		CommandSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_seconds",
			Help:      "Command API request latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.WaitingTickets,
			m.ActiveBattles,
			m.FeedClients,
			m.Matches,
			m.RoundsScored,
			m.MashGames,
			m.Finishes,
			m.CommandSeconds,
		)
	}
	return m
}
