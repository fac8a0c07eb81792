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

const namespace = "botgate"

var httpLabels = []string{"method", "path", "status"}

// HTTP surface.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "Requests currently being served.",
	})
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Served HTTP requests.",
	}, httpLabels)
	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Time to serve an HTTP request.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, httpLabels)
	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ready",
		Help:      "1 while the backing stores answer, 0 otherwise.",
	})
)

// Gateway, ledger and key management.
var (
	ProxyRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proxy_requests_total",
		Help:      "Proxy requests by outcome.",
	}, []string{"outcome"})

	ProxyUpstreamDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "proxy_upstream_duration_seconds",
		Help:      "Latency of calls to bot origins.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	TokensConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_consumed_total",
		Help:      "Tokens committed to the quota ledger.",
	}, []string{"source"})

	LedgerOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_operations_total",
		Help:      "Quota ledger operations by kind and result.",
	}, []string{"op", "result"})

	KeyFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "key_fetches_total",
		Help:      "Verification key fetches by result.",
	}, []string{"result"})
)

var initOnce sync.Once

// Init registers every collector with the default registry once.
func Init() {
	initOnce.Do(func() {
		for _, c := range []prometheus.Collector{
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge, buildInfo,
			ProxyRequests, ProxyUpstreamDuration, TokensConsumed, LedgerOperations, KeyFetches,
		} {
			prometheus.MustRegister(c)
		}
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func SetReady(ok bool) {
	v := 0.0
	if ok {
		v = 1
	}
	readyGauge.Set(v)
}

// Instrument records request count, latency and in-flight gauge keyed by CanonicalPath.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		began := time.Now()
		next.ServeHTTP(sw, r)

		labels := prometheus.Labels{
			"method": r.Method,
			"path":   CanonicalPath(r.URL.Path),
			"status": strconv.Itoa(sw.code),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(began).Seconds())
	})
}

// CanonicalPath replaces bot and request identifiers with placeholders.
func CanonicalPath(p string) string {
	p, _, _ = strings.Cut(p, "?")
	segs := strings.Split(strings.Trim(p, "/"), "/")
	switch {
	case p == "" || p == "/":
		return "/"
	case segs[0] == "proxy" && len(segs) > 1:
		return "/proxy/:botId"
	case len(segs) == 3 && segs[0] == "bots" && segs[1] == "request":
		return "/bots/request/:id"
	case len(segs) == 4 && segs[0] == "admin" && segs[1] == "bots":
		return "/admin/bots/:botId/" + segs[3]
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
