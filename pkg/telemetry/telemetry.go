// Package telemetry holds the metric keys and labels shared by every
// tainin component so logs and metrics agree on naming.
package telemetry

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricRoutedCount counts frames forwarded by a router.
	MetricRoutedCount = []string{"tainin", "route", "forwarded", "count"}
	// MetricDroppedCount counts frames a router silently dropped because
	// they were not addressed to anything it knows.
	MetricDroppedCount          = []string{"tainin", "route", "dropped", "count"}
	MetricRouteErrorCount       = []string{"tainin", "route", "error", "count"}
	MetricChunkInBytes          = []string{"tainin", "chunk", "in", "bytes"}
	MetricChunkOutBytes         = []string{"tainin", "chunk", "out", "bytes"}
	MetricFrameInCount          = []string{"tainin", "frame", "in", "count"}
	MetricFrameOutCount         = []string{"tainin", "frame", "out", "count"}
	MetricEndpointFaultCount    = []string{"tainin", "endpoint", "fault", "count"}
	MetricKeepAliveTimeoutCount = []string{"tainin", "endpoint", "keepalive", "timeout", "count"}
	MetricEndpointActive        = []string{"tainin", "endpoint", "active"}
	MetricRPCCallCount          = []string{"tainin", "rpc", "call", "count"}
	MetricRPCCancelCount        = []string{"tainin", "rpc", "cancel", "count"}
	MetricRPCPending            = []string{"tainin", "rpc", "pending"}
	MetricRPCLatency            = []string{"tainin", "rpc", "latency"}
	MetricConnEstCount          = []string{"tainin", "connection", "established", "count"}
	MetricConnErrorCount        = []string{"tainin", "connection", "error", "count"}
	MetricUDPBufferSizeBytes    = []string{"tainin", "udp", "buffer", "size", "bytes"}
)

type TelemetryLabel string

var (
	LabelError        TelemetryLabel = "error"
	LabelNodeID       TelemetryLabel = "node_id"
	LabelPeerAddr     TelemetryLabel = "peer_addr"
	LabelPeerName     TelemetryLabel = "peer_name"
	LabelRouteKey     TelemetryLabel = "route_key"
	LabelRouteName    TelemetryLabel = "route_name"
	LabelEndpointKey  TelemetryLabel = "endpoint_key"
	LabelEndpointName TelemetryLabel = "endpoint_name"
	LabelConnID       TelemetryLabel = "conn_id"
	LabelStatus       TelemetryLabel = "status"
	LabelInstruction  TelemetryLabel = "instruction"
	LabelSource       TelemetryLabel = "source"
	LabelRouter       TelemetryLabel = "router"
	LabelReason       TelemetryLabel = "reason"
	LabelDuration     TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// With returns a copy of static with the extra labels appended, never
// aliasing the backing array of static.
func With(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(static)+len(extra))
	out = append(out, static...)
	return append(out, extra...)
}
