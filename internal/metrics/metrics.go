// Package metrics defines the prometheus collectors of the sync engine and the reference backend. Every
// method is safe to call on a nil receiver so callers never have to check whether metrics are enabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatsync"

// Metrics counts what the client engine does with each send.
type Metrics struct {
	framesDecoded prometheus.Counter
	framesSkipped prometheus.Counter
	sends         *prometheus.CounterVec
	rollbacks     prometheus.Counter
	polls         *prometheus.CounterVec
}

// Send outcomes.
const (
	OutcomeResolved = "resolved"
	OutcomeErrored  = "errored"
	OutcomeFallback = "fallback"
	OutcomeRollback = "rollback"
	OutcomeAborted  = "aborted"
	OutcomePending  = "pending"
)

// Poll results.
const (
	PollResolved = "resolved"
	PollPending  = "pending"
	PollFailed   = "failed"
)

// New creates the client collectors and registers them with reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_decoded_total",
			Help:      "Stream frames decoded into events.",
		}),
		framesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_skipped_total",
			Help:      "Stream frames skipped because their payload was malformed.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sender",
			Name:      "sends_total",
			Help:      "Sends by how their stream phase ended.",
		}, []string{"outcome"}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sender",
			Name:      "rollbacks_total",
			Help:      "Optimistic pairs removed because the send failed to reach the server or the session expired.",
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fallback",
			Name:      "polls_total",
			Help:      "History polls by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.framesDecoded, m.framesSkipped, m.sends, m.rollbacks, m.polls)
	}
	return m
}

// FrameDecoded counts a frame decoded into an event.
func (m *Metrics) FrameDecoded() {
	if m == nil {
		return
	}
	m.framesDecoded.Inc()
}

// FrameSkipped counts a malformed frame.
func (m *Metrics) FrameSkipped() {
	if m == nil {
		return
	}
	m.framesSkipped.Inc()
}

// Send counts a finished send by outcome.
func (m *Metrics) Send(outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
}

// Rollback counts a rolled back optimistic pair.
func (m *Metrics) Rollback() {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
}

// Poll counts one history poll.
func (m *Metrics) Poll(result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
}

// Server counts what the reference backend streams.
type Server struct {
	streams      *prometheus.CounterVec
	events       *prometheus.CounterVec
	generations  *prometheus.CounterVec
	rateLimited  prometheus.Counter
	unauthorized prometheus.Counter
}

// NewServer creates the backend collectors and registers them with reg. A nil reg leaves them
// unregistered.
func NewServer(reg prometheus.Registerer) *Server {
	s := &Server{
		streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "streams_total",
			Help:      "Send streams by how they ended.",
		}, []string{"end"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "events_total",
			Help:      "Stream events written by type.",
		}, []string{"type"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "generations_total",
			Help:      "Assistant generations by final status.",
		}, []string{"status"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "rate_limited_total",
			Help:      "Sends rejected by the rate limiter.",
		}),
		unauthorized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "unauthorized_total",
			Help:      "Requests rejected for missing or unknown credentials.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.streams, s.events, s.generations, s.rateLimited, s.unauthorized)
	}
	return s
}

// Stream counts a finished stream.
func (s *Server) Stream(end string) {
	if s == nil {
		return
	}
	s.streams.WithLabelValues(end).Inc()
}

// Event counts a written stream event.
func (s *Server) Event(eventType string) {
	if s == nil {
		return
	}
	s.events.WithLabelValues(eventType).Inc()
}

// Generation counts a finished generation.
func (s *Server) Generation(status string) {
	if s == nil {
		return
	}
	s.generations.WithLabelValues(status).Inc()
}

// RateLimited counts a rejected send.
func (s *Server) RateLimited() {
	if s == nil {
		return
	}
	s.rateLimited.Inc()
}

// Unauthorized counts a rejected request.
func (s *Server) Unauthorized() {
	if s == nil {
		return
	}
	s.unauthorized.Inc()
}
