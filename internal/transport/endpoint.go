package transport

import (
	"context"
	"fmt"
	"strings"
)

// Endpoint supplies the orchestrator URL and bearer token for each dial.
type Endpoint interface {
	Resolve(ctx context.Context) (url, token string, err error)
}

// StaticEndpoint is an Endpoint with a fixed URL and token.
type StaticEndpoint struct {
	URL   string
	Token string
}

// Resolve implements Endpoint.
func (e StaticEndpoint) Resolve(context.Context) (string, string, error) {
	if e.URL == "" {
		return "", "", fmt.Errorf("endpoint url is empty")
	}
	return toWebSocketURL(e.URL), e.Token, nil
}

// toWebSocketURL converts an HTTP(s) URL or bare host:port to a ws:// URL.
func toWebSocketURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "ws://"), strings.HasPrefix(raw, "wss://"):
		return raw
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	return "ws://" + raw
}
