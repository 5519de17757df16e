package types

// EventKind is the kind of an ASSIGNATION_EVENT.
type EventKind string

const (
	EventQueued    EventKind = "QUEUED"
	EventAssign    EventKind = "ASSIGN"
	EventProgress  EventKind = "PROGRESS"
	EventLog       EventKind = "LOG"
	EventYield     EventKind = "YIELD"
	EventDone      EventKind = "DONE"
	EventError     EventKind = "ERROR"
	EventCritical  EventKind = "CRITICAL"
	EventCancelled EventKind = "CANCELLED"
)

// IsTerminal reports whether the event ends an assignation stream.
func (k EventKind) IsTerminal() bool {
	switch k {
	case EventDone, EventError, EventCritical, EventCancelled:
		return true
	}
	return false
}

// LogLevel is the severity of a LOG event.
type LogLevel string

const (
	LogDebug    LogLevel = "DEBUG"
	LogInfo     LogLevel = "INFO"
	LogWarning  LogLevel = "WARNING"
	LogError    LogLevel = "ERROR"
	LogCritical LogLevel = "CRITICAL"
)

// Rank orders severities; unknown levels rank as INFO.
func (l LogLevel) Rank() int {
	switch l {
	case LogDebug:
		return 0
	case LogWarning:
		return 2
	case LogError:
		return 3
	case LogCritical:
		return 4
	default:
		return 1
	}
}

// ParseLogLevel maps a config string onto a LogLevel.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "debug", "DEBUG":
		return LogDebug
	case "warn", "warning", "WARN", "WARNING":
		return LogWarning
	case "error", "ERROR":
		return LogError
	case "critical", "CRITICAL":
		return LogCritical
	default:
		return LogInfo
	}
}

// InitPayload is the first message an agent sends after every (re)connect.
type InitPayload struct {
	InstanceID     string   `json:"instance_id"`
	Agent          string   `json:"agent"`
	RegistryHash   string   `json:"registry_hash"`
	LiveProvisions []string `json:"live_provisions"`
	Inquiries      []string `json:"inquiries"`
}

// AssignPayload asks the agent to run one registered interface.
type AssignPayload struct {
	Assignation string         `json:"assignation"`
	Interface   string         `json:"interface"`
	Parent      string         `json:"parent,omitempty"`
	Mother      string         `json:"mother,omitempty"`
	Provision   string         `json:"provision,omitempty"`
	Reservation string         `json:"reservation,omitempty"`
	Reference   string         `json:"reference,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
	User        string         `json:"user,omitempty"`

	// Timeout is an optional per-assignation timeout in milliseconds.
	Timeout int64 `json:"timeout,omitempty"`
}

// CancelPayload is shared by CANCEL and INTERRUPT.
type CancelPayload struct {
	Assignation string `json:"assignation"`
}

// ProvidePayload is shared by PROVIDE and UNPROVIDE.
type ProvidePayload struct {
	Provision string `json:"provision"`
	Interface string `json:"interface,omitempty"`
}

// AssignationEvent reports the lifecycle of an assignation.
type AssignationEvent struct {
	Assignation string         `json:"assignation"`
	Kind        EventKind      `json:"kind"`
	Message     string         `json:"message,omitempty"`
	Returns     map[string]any `json:"returns,omitempty"`
	Progress    *int           `json:"progress,omitempty"`
	Persist     bool           `json:"persist,omitempty"`
	Log         LogLevel       `json:"log,omitempty"`
}

// HeartbeatPayload carries the agent status on heartbeat replies.
type HeartbeatPayload struct {
	Status *AgentStatus `json:"status,omitempty"`
}
