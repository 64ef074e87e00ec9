package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "obstaso_build_info",
			Help: "Build information",
		},
		[]string{"component", "date", "sha", "version"},
	)

	sessionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "obstaso_session_state",
			Help: "Session state (0=disconnected, 1=connecting, 2=awaiting_identify, 3=identified)",
		},
	)

	sessionRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obstaso_session_requests_total",
			Help: "Requests sent by the session, by outcome",
		},
		[]string{"request_type", "outcome"},
	)

	sessionRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "obstaso_session_request_duration_seconds",
			Help:    "Time from request transmission to settlement",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"request_type"},
	)

	sessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obstaso_session_events_total",
			Help: "Events received by the session",
		},
		[]string{"event_type"},
	)

	sessionReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "obstaso_session_reconnect_attempts_total",
			Help: "Reconnect attempts made by the supervisor",
		},
	)

	malformedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obstaso_malformed_frames_total",
			Help: "Inbound frames dropped because they could not be decoded",
		},
		[]string{"side"},
	)

	devPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "obstaso_devserver_peers",
			Help: "Connected peers on the dev server",
		},
	)

	devRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obstaso_devserver_requests_total",
			Help: "Requests handled by the dev server, by status code",
		},
		[]string{"request_type", "code"},
	)

	devBroadcasts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "obstaso_devserver_event_deliveries_total",
			Help: "Event frames queued to peers by the dev server",
		},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, sessionState, sessionRequests, sessionRequestDuration, sessionEvents,
		sessionReconnects, malformedFrames, devPeers, devRequests, devBroadcasts)
}

// SetBuildInfo sets the build info metric for a binary.
func SetBuildInfo(component, version, sha, date string) {
	buildInfo.WithLabelValues(component, date, sha, version).Set(1)
}

// SetSessionState records the numeric session state.
func SetSessionState(state int) {
	sessionState.Set(float64(state))
}

// RecordSessionRequest counts a settled request and observes its latency.
func RecordSessionRequest(requestType, outcome string, d time.Duration) {
	sessionRequests.WithLabelValues(requestType, outcome).Inc()
	sessionRequestDuration.WithLabelValues(requestType).Observe(d.Seconds())
}

// RecordSessionEvent counts an inbound event.
func RecordSessionEvent(eventType string) {
	sessionEvents.WithLabelValues(eventType).Inc()
}

// RecordReconnectAttempt counts a supervisor reconnect attempt.
func RecordReconnectAttempt() {
	sessionReconnects.Inc()
}

// RecordMalformedFrame counts a dropped frame on the client or server side.
func RecordMalformedFrame(side string) {
	malformedFrames.WithLabelValues(side).Inc()
}

// SetDevPeers records the number of connected dev server peers.
func SetDevPeers(n int) {
	devPeers.Set(float64(n))
}

// RecordDevRequest counts a request answered by the dev server.
func RecordDevRequest(requestType string, code int) {
	devRequests.WithLabelValues(requestType, codeLabel(code)).Inc()
}

// RecordDevBroadcast counts event frames queued for delivery.
func RecordDevBroadcast(deliveries int) {
	devBroadcasts.Add(float64(deliveries))
}

func codeLabel(code int) string {
	switch code {
	case 100:
		return "100"
	case 203:
		return "203"
	case 300:
		return "300"
	case 400:
		return "400"
	case 702:
		return "702"
	}
	return "other"
}
