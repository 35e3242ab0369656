// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	defaultBuckets = []float64{5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000}
	prometheusMW   prometheusMiddleware

	breaksCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "ad_breaks_created_total",
			Help:        "Number of ad breaks created, partitioned by source.",
			ConstLabels: prometheus.Labels{"service": service},
		},
		[]string{"source"},
	)
	decisionOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "ad_decisions_total",
			Help:        "Number of ad decisions, partitioned by waterfall outcome.",
			ConstLabels: prometheus.Labels{"service": service},
		},
		[]string{"outcome"},
	)
	sgaiFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "ssai_fallbacks_total",
			Help:        "Number of SSAI requests re-rendered as SGAI, partitioned by reason.",
			ConstLabels: prometheus.Labels{"service": service},
		},
		[]string{"reason"},
	)
	beaconEnqueues = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:        "beacon_enqueues_total",
			Help:        "Number of beacon fire records enqueued.",
			ConstLabels: prometheus.Labels{"service": service},
		},
	)
)

const (
	manifestReqsName    = "manifest_requests_total"
	manifestLatencyName = "manifest_request_duration_milliseconds"
	segReqsName         = "segment_requests_total"
	segLatencyName      = "segment_request_duration_milliseconds"
	service             = "stitchd"
)

// prometheusMiddleware exposes request counters and latency histograms
// partitioned into manifest and segment traffic.
type prometheusMiddleware struct {
	manifestReqs    *prometheus.CounterVec
	manifestLatency *prometheus.HistogramVec
	segReqs         *prometheus.CounterVec
	segLatency      *prometheus.HistogramVec
}

func init() {
	prometheusMW.manifestReqs = newCounter(manifestReqsName,
		"Number of manifest requests processed, partitioned by status code.", service)
	prometheusMW.manifestLatency = newHistogram(manifestLatencyName,
		"Manifest response latency.", service, defaultBuckets)
	prometheusMW.segReqs = newCounter(segReqsName,
		"Number of segment requests processed, partitioned by status code.", service)
	prometheusMW.segLatency = newHistogram(segLatencyName,
		"Segment response latency.", service, defaultBuckets)
	prometheus.MustRegister(breaksCreated, decisionOutcomes, sgaiFallbacks, beaconEnqueues)
}

// NewPrometheusMiddleware returns a new prometheus middleware handler.
func NewPrometheusMiddleware() func(next http.Handler) http.Handler {
	return prometheusMW.handler
}

func (mw prometheusMiddleware) handler(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := strconv.Itoa(ww.Status())
		latencyMS := float64(time.Since(start).Nanoseconds()) * 1e-6
		switch {
		case strings.HasSuffix(path, ".m3u8"):
			mw.manifestReqs.WithLabelValues(status).Inc()
			mw.manifestLatency.WithLabelValues(status).Observe(latencyMS)
		case strings.HasSuffix(path, ".ts"), strings.HasSuffix(path, ".m4s"),
			strings.Contains(path, "/adseg/"):
			mw.segReqs.WithLabelValues(status).Inc()
			mw.segLatency.WithLabelValues(status).Observe(latencyMS)
		}
	}
	return http.HandlerFunc(fn)
}

func observeBreakCreated(source string)     { breaksCreated.WithLabelValues(source).Inc() }
func observeDecisionOutcome(outcome string) { decisionOutcomes.WithLabelValues(outcome).Inc() }
func observeSGAIFallback(reason string)     { sgaiFallbacks.WithLabelValues(reason).Inc() }
func observeBeaconEnqueues(n int)           { beaconEnqueues.Add(float64(n)) }

func newCounter(counterName, help, serviceName string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        counterName,
			Help:        help,
			ConstLabels: prometheus.Labels{"service": serviceName},
		},
		[]string{"code"},
	)
	prometheus.MustRegister(cv)
	return cv
}

func newHistogram(histogramName, help, serviceName string, buckets []float64) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        histogramName,
		Help:        help,
		ConstLabels: prometheus.Labels{"service": serviceName},
		Buckets:     buckets,
	},
		[]string{"code"},
	)
	prometheus.MustRegister(h)
	return h
}
