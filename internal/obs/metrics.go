package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var initOnce sync.Once

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gatehouse_ready",
		Help: "1 when the last readiness probe succeeded.",
	})
)

// Доменные метрики
var (
	tokenEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_token_events_total",
			Help: "Token issuance, refresh and revocation outcomes.",
		},
		[]string{"event", "result"},
	)

	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_authz_decisions_total",
			Help: "Authorization decisions by result.",
		},
		[]string{"result"},
	)

	invitationTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_invitation_transitions_total",
			Help: "Invitation state transitions by target state.",
		},
		[]string{"state"},
	)

	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_job_runs_total",
			Help: "Background job executions.",
		},
		[]string{"job", "result"},
	)

	jobAffected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_job_affected_total",
			Help: "Rows changed by background jobs.",
		},
		[]string{"job"},
	)
)

// Init регистрирует метрики в default-регистре. Повторный вызов безопасен.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			tokenEvents, authzDecisions, invitationTransitions, jobRuns, jobAffected,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records in-flight, count and latency per canonical route.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// SetReady mirrors the readiness probe outcome.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// ObserveToken counts a token lifecycle event ("issue", "refresh", "revoke").
func ObserveToken(event string, err error) {
	tokenEvents.WithLabelValues(event, result(err)).Inc()
}

// ObserveDecision counts an authorization decision.
func ObserveDecision(granted bool) {
	if granted {
		authzDecisions.WithLabelValues("granted").Inc()
		return
	}
	authzDecisions.WithLabelValues("denied").Inc()
}

// ObserveInvitation counts a transition into state.
func ObserveInvitation(state string) {
	invitationTransitions.WithLabelValues(state).Inc()
}

// ObserveJob counts one run of a background job and the rows it changed.
func ObserveJob(job string, affected int, err error) {
	jobRuns.WithLabelValues(job, result(err)).Inc()
	if affected > 0 {
		jobAffected.WithLabelValues(job).Add(float64(affected))
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// collection -> shape of the id-bearing sub-routes
var idRoutes = map[string]map[string]bool{
	"invitations": {"": true, "cancel": true},
	"roles":       {"": true, "permissions": true},
	"users":       {"": true, "roles": true},
}

// fixed segments that must not be collapsed into :id
var staticRoutes = map[string]bool{
	"/v1/invitations/redeem": true,
}

// CanonicalPath folds identifiers out of request paths so metric labels stay bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	if staticRoutes[raw] {
		return raw
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return raw
	}
	collection := parts[1]
	if collection == "invitations" && parts[2] == "code" {
		if len(parts) == 4 {
			return "/v1/invitations/code/:code"
		}
		return raw
	}
	subs, ok := idRoutes[collection]
	if !ok {
		return raw
	}
	switch len(parts) {
	case 3:
		return "/v1/" + collection + "/:id"
	case 4:
		if subs[parts[3]] {
			return "/v1/" + collection + "/:id/" + parts[3]
		}
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
