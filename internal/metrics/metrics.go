// Package metrics defines the prometheus collectors for job dispatch.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "clipbot"

	jobsCreatedTotal      = "jobs_created_total"
	claimsTotal           = "claims_total"
	remoteDispatchesTotal = "remote_dispatches_total"
	jobsFinishedTotal     = "jobs_finished_total"
	jobsExpiredTotal      = "jobs_expired_total"
	jobsByStatus          = "jobs"

	modeLabel    = "mode"
	resultLabel  = "result"
	pathLabel    = "path"
	statusLabel  = "status"
	processLabel = "processor"
)

var jobsCreatedMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      jobsCreatedTotal,
		Help:      "number of jobs created by the intake flow",
	},
	[]string{modeLabel},
)

var claimsMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      claimsTotal,
		Help:      "local worker claim attempts by result",
	},
	[]string{resultLabel},
)

var remoteDispatchesMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      remoteDispatchesTotal,
		Help:      "remote runner dispatch attempts by path and result",
	},
	[]string{pathLabel, resultLabel},
)

var jobsFinishedMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      jobsFinishedTotal,
		Help:      "jobs reaching a terminal status",
	},
	[]string{statusLabel, processLabel},
)

var jobsExpiredMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      jobsExpiredTotal,
		Help:      "jobs removed by the retention sweep",
	},
)

var jobsByStatusMetric = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      jobsByStatus,
		Help:      "jobs currently tracked, by status",
	},
	[]string{statusLabel},
)

func IncreaseJobsCreated(mode string) {
	jobsCreatedMetric.With(prometheus.Labels{modeLabel: mode}).Inc()
}

func IncreaseClaims(result string) {
	claimsMetric.With(prometheus.Labels{resultLabel: result}).Inc()
}

func IncreaseRemoteDispatches(path, result string) {
	remoteDispatchesMetric.With(prometheus.Labels{pathLabel: path, resultLabel: result}).Inc()
}

func IncreaseJobsFinished(status, processor string) {
	jobsFinishedMetric.With(prometheus.Labels{statusLabel: status, processLabel: processor}).Inc()
}

func AddJobsExpired(n int) {
	jobsExpiredMetric.Add(float64(n))
}

func UpdateJobsByStatus(status string, count int) {
	jobsByStatusMetric.With(prometheus.Labels{statusLabel: status}).Set(float64(count))
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(jobsCreatedMetric)
	prometheus.MustRegister(claimsMetric)
	prometheus.MustRegister(remoteDispatchesMetric)
	prometheus.MustRegister(jobsFinishedMetric)
	prometheus.MustRegister(jobsExpiredMetric)
	prometheus.MustRegister(jobsByStatusMetric)
}
