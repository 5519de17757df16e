package types

// AgentState 表示 Agent 与 Orchestrator 之间连接的当前状态。
type AgentState string

const (
	// AgentStateDisconnected 表示未连接。
	AgentStateDisconnected AgentState = "disconnected"
	// AgentStateConnecting 表示正在建立连接。
	AgentStateConnecting AgentState = "connecting"
	// AgentStateAuthenticated 表示握手（令牌）已通过，尚未发送 INIT。
	AgentStateAuthenticated AgentState = "authenticated"
	// AgentStateLive 表示 INIT 已发送，连接可用。
	AgentStateLive AgentState = "live"
)

// AgentStatus 是 Agent 运行状态快照。
type AgentStatus struct {
	InstanceID string                     `json:"instance_id"`
	State      AgentState                 `json:"state"`
	Live       int                        `json:"live"`
	Provisions int                        `json:"provisions"`
	Outbox     int                        `json:"outbox"`
	Terminals  map[EventKind]int64        `json:"terminals,omitempty"`
	Interfaces map[string]*InterfaceStats `json:"interfaces,omitempty"`
	WorkerPool *WorkerPoolStatus          `json:"worker_pool,omitempty"`
}

// InterfaceStats 是单个接口的执行耗时统计（毫秒）。
type InterfaceStats struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	P50   int64   `json:"p50"`
	P95   int64   `json:"p95"`
	P99   int64   `json:"p99"`
	Max   int64   `json:"max"`
}

// WorkerPoolStatus 是阻塞型处理函数工作池的状态。
type WorkerPoolStatus struct {
	Capacity int `json:"capacity"`
	Running  int `json:"running"`
	Waiting  int `json:"waiting"`
}
