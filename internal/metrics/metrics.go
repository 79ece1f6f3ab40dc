// Package metrics exposes lanlink counters to prometheus. A nil *Recorder is valid
// and records nothing, so components can be built without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lanlink"

// Labels for the result dimension of counters
const (
	ResultAccepted  = "accepted"
	ResultIgnored   = "ignored"
	ResultMalformed = "malformed"
	ResultReplied   = "replied"
	ResultDropped   = "dropped"
	ResultCapacity  = "rejected_capacity"
	ResultToken     = "rejected_token"
	ResultFailed    = "failed"
	ResultSent      = "sent"
)

// Sides of a session
const (
	SideClient = "client"
	SideServer = "server"
)

// Recorder holds every lanlink collector
type Recorder struct {
	probesSent         prometheus.Counter
	acksReceived       *prometheus.CounterVec
	probesReceived     *prometheus.CounterVec
	acksSent           *prometheus.CounterVec
	connectionRequests *prometheus.CounterVec
	sessions           prometheus.Gauge
	disconnects        *prometheus.CounterVec
	heartbeats         *prometheus.CounterVec
	messagesReceived   *prometheus.CounterVec
	messagesSent       *prometheus.CounterVec
}

// NewRecorder creates the collectors and registers them with reg
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		probesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "probes_sent_total",
			Help:      "Number of discovery probes broadcast by the client.",
		}),
		acksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "acks_received_total",
			Help:      "Number of discovery acknowledgments received by the client.",
		}, []string{"result"}),
		probesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "probes_received_total",
			Help:      "Number of discovery probes received by the server.",
		}, []string{"result"}),
		acksSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "acks_sent_total",
			Help:      "Number of discovery acknowledgments sent by the server.",
		}, []string{"result"}),
		connectionRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connection_requests_total",
			Help:      "Number of inbound session requests by admission result.",
		}, []string{"result"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of sessions currently admitted by the server.",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "disconnects_total",
			Help:      "Number of ended sessions by side and reason.",
		}, []string{"side", "reason"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "heartbeats_total",
			Help:      "Number of heartbeat payloads sent by side.",
		}, []string{"side"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "messages_received_total",
			Help:      "Number of application messages delivered to handlers.",
		}, []string{"side"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "messages_sent_total",
			Help:      "Number of application messages sent by side and result.",
		}, []string{"side", "result"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			r.probesSent, r.acksReceived, r.probesReceived, r.acksSent,
			r.connectionRequests, r.sessions, r.disconnects, r.heartbeats,
			r.messagesReceived, r.messagesSent,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

func (r *Recorder) ProbeSent() {
	if r == nil {
		return
	}
	r.probesSent.Inc()
}

func (r *Recorder) AckReceived(result string) {
	if r == nil {
		return
	}
	r.acksReceived.WithLabelValues(result).Inc()
}

func (r *Recorder) ProbeReceived(result string) {
	if r == nil {
		return
	}
	r.probesReceived.WithLabelValues(result).Inc()
}

func (r *Recorder) AckSent(result string) {
	if r == nil {
		return
	}
	r.acksSent.WithLabelValues(result).Inc()
}

func (r *Recorder) ConnectionRequest(result string) {
	if r == nil {
		return
	}
	r.connectionRequests.WithLabelValues(result).Inc()
}

// SetSessions records the current number of admitted sessions
func (r *Recorder) SetSessions(n int) {
	if r == nil {
		return
	}
	r.sessions.Set(float64(n))
}

func (r *Recorder) Disconnect(side, reason string) {
	if r == nil {
		return
	}
	r.disconnects.WithLabelValues(side, reason).Inc()
}

func (r *Recorder) Heartbeat(side string) {
	if r == nil {
		return
	}
	r.heartbeats.WithLabelValues(side).Inc()
}

func (r *Recorder) MessageReceived(side string) {
	if r == nil {
		return
	}
	r.messagesReceived.WithLabelValues(side).Inc()
}

func (r *Recorder) MessageSent(side, result string) {
	if r == nil {
		return
	}
	r.messagesSent.WithLabelValues(side, result).Inc()
}
