package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffBounds(t *testing.T) {
	cases := []struct {
		name             string
		interval, max    time.Duration
		backoff, ceiling time.Duration
	}{
		{"defaults", time.Second, 60 * time.Second, time.Second, 60 * time.Second},
		{"cap below interval is raised to interval", 5 * time.Second, 2 * time.Second, 5 * time.Second, 5 * time.Second},
		{"zero interval", 0, 0, time.Second, time.Second},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ReconnectInterval = c.interval
			cfg.MaxReconnectInterval = c.max
			backoff, ceiling := backoffBounds(cfg)
			assert.Equal(t, c.backoff, backoff)
			assert.Equal(t, c.ceiling, ceiling)
		})
	}
}
