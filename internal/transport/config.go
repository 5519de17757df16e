// Package transport maintains the WebSocket channel between the agent and the orchestrator.
package transport

import (
	"time"

	"yqhp/ot2-agent/internal/config"
)

// Config holds the configuration for the transport.
type Config struct {
	// HandshakeTimeout bounds the WebSocket handshake and the INIT write.
	HandshakeTimeout time.Duration

	// ReconnectInterval is the first backoff step after a failed dial.
	ReconnectInterval time.Duration

	// MaxReconnectInterval is the backoff ceiling.
	MaxReconnectInterval time.Duration

	// MaxReconnectAttempts is the number of consecutive failed dials after
	// which Connect gives up with ErrConnectionFailed. 0 means unlimited.
	MaxReconnectAttempts int

	// HeartbeatInterval is the expected interval between orchestrator heartbeats.
	// 0 disables the watchdog.
	HeartbeatInterval time.Duration

	// HeartbeatMisses is the number of silent intervals tolerated before reconnecting.
	HeartbeatMisses int

	// OutboundBuffer caps the number of queued outbound messages.
	OutboundBuffer int

	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
}

// DefaultConfig returns a default transport configuration.
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout:     10 * time.Second,
		ReconnectInterval:    1 * time.Second,
		MaxReconnectInterval: 60 * time.Second,
		MaxReconnectAttempts: 0, // Unlimited
		HeartbeatInterval:    30 * time.Second,
		HeartbeatMisses:      3,
		OutboundBuffer:       1000,
		WriteTimeout:         10 * time.Second,
	}
}

// ConfigFrom builds a transport configuration from the application config.
// Zero values fall back to the defaults.
func ConfigFrom(cfg config.TransportConfig) *Config {
	c := DefaultConfig()
	if cfg.HandshakeTimeout > 0 {
		c.HandshakeTimeout = cfg.HandshakeTimeout
		c.WriteTimeout = cfg.HandshakeTimeout
	}
	if cfg.ReconnectInterval > 0 {
		c.ReconnectInterval = cfg.ReconnectInterval
	}
	if cfg.MaxReconnectInterval > 0 {
		c.MaxReconnectInterval = cfg.MaxReconnectInterval
	}
	c.MaxReconnectAttempts = cfg.MaxReconnectAttempts
	c.HeartbeatInterval = cfg.HeartbeatInterval
	if cfg.HeartbeatMisses > 0 {
		c.HeartbeatMisses = cfg.HeartbeatMisses
	}
	if cfg.OutboundBuffer > 0 {
		c.OutboundBuffer = cfg.OutboundBuffer
	}
	return c
}
