// Package utils holds the process-wide plumbing shared by every querycache package: logging setup, build info and
// invariants.
//
// Invariants are conditions in code that must hold; if one does not, there is a bug in querycache itself rather than
// in the caller or the upstream backend. Raising an invariant records an error log and bumps a monitoring counter
// instead of crashing the process. The caller still has to handle the broken case, typically by treating the cache
// lookup as a miss and moving on.
//
// Do not raise invariants for conditions that depend on external factors: an upstream backend failing a find is an
// UpstreamFailure and must be returned to the caller untouched. A cached value whose type does not match what the
// read operation produces, on the other hand, can only come from our own bookkeeping and is a good invariant.

package utils

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	promclient "github.com/prometheus/client_model/go"
)

var invariantsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "invariants_total",
	Help: "The total number of invariant violations",
}, []string{
	"module", // The querycache package in which this invariant occurred, e.g. cache or readthrough.
	"type",   // The type of the invariant that occurred.
})

// RaiseInvariant logs the violated invariant and increments its counter. Test builds panic so the violation can't go
// unnoticed.
func RaiseInvariant(module, invariantType, msg string, args ...any) {
	invariantsMetric.WithLabelValues(module, invariantType).Inc()
	slog.With("invariant", invariantType, "module", module).Error(msg, args...)
	if IsTestMode {
		panic("invariant violated: " + invariantType)
	}
}

// GetMetricValue returns how many times the invariant `invariantType` of `module` has been raised.
func GetMetricValue(module, invariantType string) int {
	var metric = &promclient.Metric{}
	if err := invariantsMetric.WithLabelValues(module, invariantType).Write(metric); err != nil {
		slog.Error(err.Error())
		return 0
	}
	return int(metric.Counter.GetValue())
}
