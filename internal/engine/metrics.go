package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values for executionsTotal.
const (
	outcomeSuccess       = "success"
	outcomeFailure       = "failure"
	outcomeViolation     = "violation"
	outcomeNotRegistered = "not_registered"
)

var (
	// executionsTotal counts Execute calls.
	// Labels: tool, outcome (success, failure, violation, not_registered)
	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolgate",
		Name:      "executions_total",
		Help:      "Total tool execution attempts by outcome",
	}, []string{"tool", "outcome"})

	// policyViolations counts admissions rejected by policy.
	policyViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolgate",
		Name:      "policy_violations_total",
		Help:      "Total tool executions rejected by policy",
	}, []string{"tool"})

	// executionDuration measures implementation run time, admitted calls only.
	executionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "toolgate",
		Name:      "execution_duration_seconds",
		Help:      "Tool implementation run time in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"tool"})
)
