package types

import "time"

// EngineStatus is a point-in-time view of the heartbeat engine, served by the
// local status API.
type EngineStatus struct {
	HostID              string     `json:"hostId"`
	Version             string     `json:"version"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	BackoffMs           int64      `json:"backoffMs"`
	Cycles              int64      `json:"cycles"`
	LastStatusCode      int        `json:"lastStatusCode,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	LastReportAt        *time.Time `json:"lastReportAt,omitempty"`
	NextReportAt        *time.Time `json:"nextReportAt,omitempty"`
	PendingReplies      int        `json:"pendingReplies"`
	InFlightMessages    int        `json:"inFlightMessages"`
	UptimeSeconds       int64      `json:"uptimeSeconds"`
}
