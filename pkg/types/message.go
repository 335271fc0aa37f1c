package types

// IsolationKind names the sandbox an agent runs in.
type IsolationKind string

const (
	IsolationContainer    IsolationKind = "container"
	IsolationLocalProfile IsolationKind = "local-profile"
)

// AgentDescriptor describes how to reach one agent on this host.
type AgentDescriptor struct {
	ID          string        `json:"id" yaml:"id"`
	Isolation   IsolationKind `json:"isolation" yaml:"isolation"`
	ContainerID string        `json:"container_id,omitempty" yaml:"container_id,omitempty"`
	Profile     string        `json:"profile,omitempty" yaml:"profile,omitempty"`
	Port        int           `json:"port,omitempty" yaml:"port,omitempty"`
}

// IncomingMessage is a chat message delivered by the control plane inside a
// heartbeat response.
type IncomingMessage struct {
	ID      string `json:"id"`
	AgentID string `json:"agentId"`
	Content string `json:"content"`
}

// MessageReply answers exactly one IncomingMessage.
type MessageReply struct {
	MessageID string `json:"messageId"`
	AgentID   string `json:"agentId"`
	Reply     string `json:"reply"`
}

// HostMetrics is one sample of host health.
type HostMetrics struct {
	CPUPercent  int     `json:"cpuPercent"`
	RAMPercent  int     `json:"ramPercent"`
	DiskPercent int     `json:"diskPercent"`
	OS          string  `json:"os"`
	RAMTotalGB  float64 `json:"ramTotalGb"`
	CPUCores    int     `json:"cpuCores"`
	CPUModel    string  `json:"cpuModel"`
}

// Supported reports whether the dispatcher knows how to reach agents of this
// isolation kind.
func (k IsolationKind) Supported() bool {
	return k == IsolationContainer || k == IsolationLocalProfile
}
