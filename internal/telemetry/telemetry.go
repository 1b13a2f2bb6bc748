// Package telemetry names the metrics emitted by the orchestrator.
package telemetry

import (
	"github.com/hashicorp/go-metrics"
)

var (
	MetricDispatchAttempts    = []string{"analyzerd", "dispatch", "attempt", "count"}
	MetricDispatchOutcome     = []string{"analyzerd", "dispatch", "outcome", "count"}
	MetricDispatchDuration    = []string{"analyzerd", "dispatch", "duration", "ms"}
	MetricDedupShared         = []string{"analyzerd", "dedup", "shared", "count"}
	MetricBreakerTransitions  = []string{"analyzerd", "breaker", "transition", "count"}
	MetricProbeFailures       = []string{"analyzerd", "probe", "failure", "count"}
	MetricEndpointCooldowns   = []string{"analyzerd", "endpoint", "cooldown", "count"}
	MetricPoolInUse           = []string{"analyzerd", "pool", "in_use"}
	MetricPoolAcquireTimeouts = []string{"analyzerd", "pool", "acquire", "timeout", "count"}
	MetricTaskTransitions     = []string{"analyzerd", "task", "transition", "count"}
	MetricTasksStuck          = []string{"analyzerd", "task", "stuck", "count"}
)

// Label is a metric label name.
type Label string

var (
	LabelServiceClass Label = "service_class"
	LabelEndpoint     Label = "endpoint"
	LabelOutcome      Label = "outcome"
	LabelFrom         Label = "from"
	LabelTo           Label = "to"
	LabelStatus       Label = "status"
)

// M builds a metrics label.
func (l Label) M(value string) metrics.Label {
	return metrics.Label{Name: string(l), Value: value}
}

// OrDefault returns sink, or the process-wide default sink when nil.
func OrDefault(sink metrics.MetricSink) metrics.MetricSink {
	if sink == nil {
		return metrics.Default()
	}
	return sink
}

// Discard returns a sink that drops everything.
func Discard() metrics.MetricSink {
	return &metrics.BlackholeSink{}
}
