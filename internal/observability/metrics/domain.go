package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	executionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultpilot",
		Subsystem: "execution",
		Name:      "transitions_total",
		Help:      "Execution status transitions by target status.",
	}, []string{"status"})

	executionFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultpilot",
		Subsystem: "execution",
		Name:      "failures_total",
		Help:      "Executions that ended FAILED, by error code.",
	}, []string{"code"})

	approvalResolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultpilot",
		Subsystem: "approval",
		Name:      "resolutions_total",
		Help:      "Approval outcomes: approved, rejected, expired.",
	}, []string{"outcome"})

	schedulerCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultpilot",
		Subsystem: "scheduler",
		Name:      "cycles_total",
		Help:      "Recurring order cycles by outcome.",
	}, []string{"outcome"})

	feeCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultpilot",
		Subsystem: "wallet",
		Name:      "fee_cache_requests_total",
		Help:      "Fee cache lookups by result.",
	}, []string{"result"})
)

func registerDomainCollectors() {
	registry.MustRegister(executionTransitions, executionFailures, approvalResolutions, schedulerCycles, feeCache)
}

// ObserveExecutionTransition counts an execution entering status.
func ObserveExecutionTransition(status string) {
	executionTransitions.WithLabelValues(status).Inc()
}

// ObserveExecutionFailure counts a terminal failure with its error code.
func ObserveExecutionFailure(code string) {
	executionFailures.WithLabelValues(code).Inc()
}

// ObserveApproval counts an approval outcome.
func ObserveApproval(outcome string) {
	approvalResolutions.WithLabelValues(outcome).Inc()
}

// ObserveSchedulerCycle counts a recurring cycle outcome.
func ObserveSchedulerCycle(outcome string) {
	schedulerCycles.WithLabelValues(outcome).Inc()
}

// ObserveFeeCache counts a fee cache hit or miss.
func ObserveFeeCache(hit bool) {
	if hit {
		feeCache.WithLabelValues("hit").Inc()
		return
	}
	feeCache.WithLabelValues("miss").Inc()
}
