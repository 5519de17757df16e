package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration values.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate validates the entire configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	v.validateAgentConfig(&cfg.Agent)
	v.validateOrchestratorConfig(&cfg.Orchestrator)
	v.validateTransportConfig(&cfg.Transport)
	v.validateRuntimeConfig(&cfg.Runtime)
	v.validateLabConfig(&cfg.Lab)
	v.validateLoggingConfig(cfg)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

// Validate is a convenience function to validate a configuration.
func Validate(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

func (v *Validator) validateAgentConfig(cfg *AgentConfig) {
	if cfg.Name == "" {
		v.addError("agent.name", "name is required")
	}
}

func (v *Validator) validateOrchestratorConfig(cfg *OrchestratorConfig) {
	if cfg.URL == "" {
		v.addError("orchestrator.url", "url is required")
		return
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		v.addError("orchestrator.url", fmt.Sprintf("invalid url: %v", err))
		return
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		v.addError("orchestrator.url", "scheme must be one of ws, wss, http, https")
	}
}

func (v *Validator) validateTransportConfig(cfg *TransportConfig) {
	if cfg.HandshakeTimeout < 0 {
		v.addError("transport.handshake_timeout", "handshake timeout must be non-negative")
	}
	if cfg.ReconnectInterval <= 0 {
		v.addError("transport.reconnect_interval", "reconnect interval must be positive")
	}
	if cfg.MaxReconnectInterval < cfg.ReconnectInterval {
		v.addError("transport.max_reconnect_interval", "backoff ceiling must not be below reconnect interval")
	}
	if cfg.MaxReconnectAttempts < 0 {
		v.addError("transport.max_reconnect_attempts", "max reconnect attempts must be non-negative")
	}
	if cfg.HeartbeatInterval > 0 && cfg.HeartbeatInterval < 100*time.Millisecond {
		v.addError("transport.heartbeat_interval", "heartbeat interval should be at least 100ms")
	}
	if cfg.HeartbeatMisses < 1 {
		v.addError("transport.heartbeat_misses", "heartbeat misses must be at least 1")
	}
	if cfg.OutboundBuffer < 1 {
		v.addError("transport.outbound_buffer", "outbound buffer must be at least 1")
	}
}

func (v *Validator) validateRuntimeConfig(cfg *RuntimeConfig) {
	if cfg.WorkerPoolSize < 1 {
		v.addError("runtime.worker_pool_size", "worker pool size must be at least 1")
	}
	if cfg.CancelGrace < 0 {
		v.addError("runtime.cancel_grace", "cancel grace must be non-negative")
	}
	if cfg.ProgressWindow < 0 {
		v.addError("runtime.progress_window", "progress window must be non-negative")
	}
	if cfg.DefaultTimeout < 0 {
		v.addError("runtime.default_timeout", "default timeout must be non-negative")
	}
	if !isValidLevel(cfg.LogFloor, "debug", "info", "warning", "warn", "error", "critical") {
		v.addError("runtime.log_floor", "log floor must be one of debug, info, warning, error, critical")
	}
	seen := make(map[string]bool)
	for _, g := range cfg.ParallelGroups {
		if g == "" {
			v.addError("runtime.parallel_groups", "group name must not be empty")
		}
		if seen[g] {
			v.addError("runtime.parallel_groups", fmt.Sprintf("duplicate group %q", g))
		}
		seen[g] = true
	}
}

func (v *Validator) validateLabConfig(cfg *LabConfig) {
	if cfg.Robot == "" {
		v.addError("lab.robot", "robot name is required")
	}
	if cfg.WashDuration < 0 || cfg.StainDuration < 0 || cfg.DummyDuration < 0 {
		v.addError("lab", "protocol durations must be non-negative")
	}
}

func (v *Validator) validateLoggingConfig(cfg *Config) {
	if !isValidLevel(cfg.Logging.Level, "debug", "info", "warn", "warning", "error") {
		v.addError("logging.level", "level must be one of debug, info, warn, error")
	}
	switch cfg.Logging.Format {
	case "json", "console", "":
	default:
		v.addError("logging.format", "format must be json or console")
	}
	switch cfg.Logging.Output {
	case "stdout", "", "both", "file":
	default:
		v.addError("logging.output", "output must be stdout, file or both")
	}
	if (cfg.Logging.Output == "file" || cfg.Logging.Output == "both") && cfg.Logging.FilePath == "" {
		v.addError("logging.file_path", "file path is required for file output")
	}
}

func isValidLevel(level string, allowed ...string) bool {
	for _, a := range allowed {
		if strings.EqualFold(level, a) {
			return true
		}
	}
	return false
}
