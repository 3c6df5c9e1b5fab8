package procmesh

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricFrameOutCount       = []string{"procmesh", "frame", "out", "count"}
	MetricFrameOutErrorCount  = []string{"procmesh", "frame", "out", "error", "count"}
	MetricFrameInCount        = []string{"procmesh", "frame", "in", "count"}
	MetricDecodeErrorCount    = []string{"procmesh", "decode", "error", "count"}
	MetricResyncCount         = []string{"procmesh", "resync", "count"}
	MetricHandshakeErrorCount = []string{"procmesh", "handshake", "error", "count"}
	MetricCallInCount         = []string{"procmesh", "call", "in", "count"}
	MetricCallErrorCount      = []string{"procmesh", "call", "error", "count"}
	MetricResultOutCount      = []string{"procmesh", "result", "out", "count"}
	MetricWorkersGauge        = []string{"procmesh", "workers", "connected"}
	MetricConnEstCount        = []string{"procmesh", "connection", "established", "count"}
	MetricPeerFailCount       = []string{"procmesh", "peer", "failure", "count"}
	MetricLaunchCount         = []string{"procmesh", "launch", "count"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelWorkerID TelemetryLabel = "worker_id"
	LabelFunc     TelemetryLabel = "func"
	LabelTag      TelemetryLabel = "tag"
	LabelAddr     TelemetryLabel = "addr"
	LabelRRID     TelemetryLabel = "rrid"
	LabelDuration TelemetryLabel = "duration"
	LabelTopology TelemetryLabel = "topology"
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
