package agent

import (
	"time"

	"github.com/ofkm/agenthost/pkg/types"
)

// ReportPayload is the body of one heartbeat request. Built fresh each cycle.
type ReportPayload struct {
	HostID string `json:"hostId"`
	types.HostMetrics
	Uptime  int64  `json:"uptime"`
	Version string `json:"version"`
	// Agents is a legacy field the control plane still expects; always empty.
	Agents         []any                `json:"agents"`
	MessageReplies []types.MessageReply `json:"messageReplies"`
}

// HeartbeatResponse is the control plane's answer to a successful report.
type HeartbeatResponse struct {
	OK              bool                    `json:"ok"`
	TS              int64                   `json:"ts"`
	Commands        []types.IncomingMessage `json:"commands"`
	NextHeartbeatMs int64                   `json:"nextHeartbeatMs"`
}

// ReportOutcome is what the transport observed for one exchange.
type ReportOutcome struct {
	StatusCode int
	// RetryAfter is only meaningful when HasRetryAfter is set.
	RetryAfter    time.Duration
	HasRetryAfter bool
	Response      *HeartbeatResponse
	// DecodeErr is set when a 2xx body could not be decoded.
	DecodeErr error
}

func (o *ReportOutcome) Success() bool {
	return o.StatusCode >= 200 && o.StatusCode < 300
}
