package metrics

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relay-access/internal/apperr"
)

var (
	InviteRedemptions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "invite_redemptions_total",
		Help:      "Invite redemption attempts by outcome.",
	}, []string{"result"})

	PermissionChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "permission_checks_total",
		Help:      "Permission resolver decisions.",
	}, []string{"permission", "result"})

	TokenGateChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "token_gate_checks_total",
		Help:      "Token gate checks against the ownership oracle by outcome.",
	}, []string{"result"})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "http_requests_total",
		Help:      "HTTP requests served by status code.",
	}, []string{"method", "status"})

	HTTPBytesOut = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "http_bytes_out_total",
		Help:      "Bytes written in HTTP responses.",
	})

	WebSocketMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "websocket_messages_total",
		Help:      "Events pushed to websocket clients.",
	})

	ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "websocket_connected_clients",
		Help:      "Currently connected websocket clients.",
	})
)

func init() {
	prometheus.MustRegister(
		InviteRedemptions,
		PermissionChecks,
		TokenGateChecks,
		HTTPRequests,
		HTTPBytesOut,
		WebSocketMessages,
		ConnectedClients,
	)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := apperr.CodeOf(err); code != apperr.CodeUnknown {
		return string(code)
	}
	return "error"
}

func ObserveRedemption(err error) {
	InviteRedemptions.WithLabelValues(outcome(err)).Inc()
}

func ObserveGateCheck(err error) {
	if err != nil && errors.Is(err, apperr.ErrAccessDenied) {
		TokenGateChecks.WithLabelValues("denied").Inc()
		return
	}
	TokenGateChecks.WithLabelValues(outcome(err)).Inc()
}

func ObservePermissionCheck(permission string, allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	PermissionChecks.WithLabelValues(permission, result).Inc()
}

func ObserveHTTPRequest(method string, status int, bytesOut int64) {
	HTTPRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	HTTPBytesOut.Add(float64(bytesOut))
}
