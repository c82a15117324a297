package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the drawing game server.
//
// Naming convention: namespace_subsystem_name
// - namespace: sketchparty (application-level grouping)
// - subsystem: websocket, room, game (feature-level grouping)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sketchparty",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the number of rooms with in-process game state
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sketchparty",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms with live game state",
	})

	// RoomPlayers tracks the number of connected players per room
	RoomPlayers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sketchparty",
		Subsystem: "room",
		Name:      "players_count",
		Help:      "Number of connected players in each room",
	}, []string{"room_code"})

	// WebsocketEvents tracks the total number of inbound envelopes processed
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sketchparty",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total inbound envelopes processed",
	}, []string{"event_type", "status"})

	// RoundsStarted counts round_start transitions
	RoundsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sketchparty",
		Subsystem: "game",
		Name:      "rounds_started_total",
		Help:      "Total rounds started",
	})

	// CorrectGuesses counts scoring guesses
	CorrectGuesses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sketchparty",
		Subsystem: "game",
		Name:      "correct_guesses_total",
		Help:      "Total correct guesses",
	})

	// MessageProcessingDuration tracks the time spent processing inbound envelopes
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sketchparty",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing inbound envelopes",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// CircuitBreakerState tracks Redis circuit breaker state (0 closed, 1 open, 2 half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sketchparty",
		Subsystem: "redis",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	// CircuitBreakerFailures counts requests rejected by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sketchparty",
		Subsystem: "redis",
		Name:      "circuit_breaker_failures_total",
		Help:      "Requests rejected while the circuit breaker was open",
	}, []string{"service"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
