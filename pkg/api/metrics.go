package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricAnnotationSaves = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "margin",
		Name:      "annotation_saves_total",
		Help:      "Annotation records written.",
	})
	metricThreadMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "margin",
		Name:      "thread_messages_total",
		Help:      "Completed assistant replies, streamed or whole.",
	})
	metricActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "margin",
		Name:      "token_streams_active",
		Help:      "Token streams currently open.",
	})
	metricStreamErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "margin",
		Name:      "token_stream_errors_total",
		Help:      "Token streams that ended with an error event.",
	})
)

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
