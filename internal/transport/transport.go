package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"yqhp/ot2-agent/pkg/types"
)

// InitFunc builds the INIT payload sent after every (re)connect.
type InitFunc func() *types.InitPayload

// StatusFunc builds the status snapshot attached to heartbeat replies.
type StatusFunc func() *types.AgentStatus

// session is one established WebSocket connection.
type session struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

// Transport keeps a single logical channel to the orchestrator alive.
//
// Outbound messages go through a bounded Outbox drained by one writer per
// connection, so order is preserved across reconnects. Inbound messages are
// read by one reader per connection and handed out through Receive.
// Heartbeats are answered here and never reach Receive.
type Transport struct {
	endpoint Endpoint
	config   *Config
	logger   *zap.Logger
	dialer   *websocket.Dialer
	breaker  *gobreaker.CircuitBreaker

	outbox *Outbox
	inbox  chan *types.WSMessage
	lost   chan struct{}

	initFunc   InitFunc
	statusFunc StatusFunc

	state    atomic.Value // types.AgentState
	lastSeen atomic.Int64
	connects atomic.Int64

	mu        sync.Mutex
	current   *session
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a transport. Connect or Run must be called to open the channel.
func New(endpoint Endpoint, config *Config, logger *zap.Logger) *Transport {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Transport{
		endpoint: endpoint,
		config:   config,
		logger:   logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		outbox: NewOutbox(config.OutboundBuffer),
		inbox:  make(chan *types.WSMessage, 256),
		lost:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	t.state.Store(types.AgentStateDisconnected)

	maxAttempts := uint32(config.MaxReconnectAttempts)
	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "orchestrator-dial",
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return maxAttempts > 0 && counts.ConsecutiveFailures >= maxAttempts
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrAuthRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Debug("dial breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return t
}

// SetInitFunc sets the INIT payload builder.
func (t *Transport) SetInitFunc(f InitFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initFunc = f
}

// SetStatusFunc sets the heartbeat status builder.
func (t *Transport) SetStatusFunc(f StatusFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statusFunc = f
}

// State returns the current connection state.
func (t *Transport) State() types.AgentState {
	return t.state.Load().(types.AgentState)
}

func (t *Transport) setState(s types.AgentState) {
	if prev := t.state.Swap(s); prev != s {
		t.logger.Debug("transport state changed",
			zap.String("from", string(prev.(types.AgentState))), zap.String("state", string(s)))
	}
}

// Connects returns the number of established connections.
func (t *Transport) Connects() int64 {
	return t.connects.Load()
}

// Outbox returns the outbound queue.
func (t *Transport) Outbox() *Outbox {
	return t.outbox
}

// Pending returns the number of frames waiting for the writer.
func (t *Transport) Pending() int {
	return t.outbox.Len()
}

// Connect dials until a connection is live, backing off exponentially
// between failures. It returns ErrAuthRejected without retrying when the
// token is refused and ErrConnectionFailed once MaxReconnectAttempts
// consecutive dials failed.
func (t *Transport) Connect(ctx context.Context) error {
	backoff, ceiling := backoffBounds(t.config)

	for attempt := 1; ; attempt++ {
		select {
		case <-t.closed:
			return ErrClosed
		default:
		}

		t.setState(types.AgentStateConnecting)
		_, err := t.breaker.Execute(func() (interface{}, error) {
			return nil, t.dial(ctx)
		})
		if err == nil {
			return nil
		}
		t.setState(types.AgentStateDisconnected)

		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		if t.breaker.State() == gobreaker.StateOpen {
			return fmt.Errorf("%w after %d attempts: %v", ErrConnectionFailed, attempt, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		t.logger.Warn("connect failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("backoff", backoff), zap.Error(err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed:
			return ErrClosed
		}
		backoff = min(backoff*2, ceiling)
	}
}

// backoffBounds returns the first retry delay and the cap it doubles up to.
// A cap below the first delay is raised to it.
func backoffBounds(cfg *Config) (time.Duration, time.Duration) {
	backoff := cfg.ReconnectInterval
	if backoff <= 0 {
		backoff = time.Second
	}
	return backoff, max(cfg.MaxReconnectInterval, backoff)
}

// Run connects and reconnects until ctx is done, Close is called, or
// Connect gives up.
func (t *Transport) Run(ctx context.Context) error {
	defer t.Close()

	for {
		if err := t.Connect(ctx); err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		select {
		case <-t.lost:
			t.logger.Info("connection lost, reconnecting")
		case <-ctx.Done():
			return nil
		case <-t.closed:
			return nil
		}
	}
}

func (t *Transport) dial(ctx context.Context) error {
	url, token, err := t.endpoint.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve endpoint: %w", err)
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := t.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: status %d", ErrAuthRejected, resp.StatusCode)
		}
		return fmt.Errorf("WebSocket dial failed: %w", err)
	}
	t.setState(types.AgentStateAuthenticated)

	// INIT goes out on the raw connection before the writer starts draining
	// the outbox, so it is always the first frame of a connection.
	initMsg, err := types.NewMessage(types.WSMsgInit, t.buildInit())
	if err != nil {
		conn.Close()
		return fmt.Errorf("build init message: %w", err)
	}
	data, err := types.Encode(initMsg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("encode init message: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(t.writeTimeout()))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return fmt.Errorf("send init message failed: %w", err)
	}

	sess := &session{conn: conn, done: make(chan struct{})}
	t.mu.Lock()
	t.current = sess
	t.mu.Unlock()

	t.lastSeen.Store(time.Now().UnixNano())
	t.connects.Add(1)
	t.setState(types.AgentStateLive)
	t.logger.Info("connected to orchestrator", zap.String("url", url))

	go t.readPump(sess)
	go t.writePump(sess)
	go t.watchdog(sess)
	return nil
}

func (t *Transport) buildInit() *types.InitPayload {
	t.mu.Lock()
	f := t.initFunc
	t.mu.Unlock()

	if f == nil {
		return &types.InitPayload{LiveProvisions: []string{}, Inquiries: []string{}}
	}
	return f()
}

func (t *Transport) writeTimeout() time.Duration {
	if t.config.WriteTimeout > 0 {
		return t.config.WriteTimeout
	}
	return 10 * time.Second
}

// Send enqueues msg for the writer. It never blocks on the network.
func (t *Transport) Send(msg *types.WSMessage) error {
	data, err := types.Encode(msg)
	if err != nil {
		return err
	}
	return t.enqueue(&outboxItem{data: data, msgType: msg.Type})
}

// SendEvent enqueues an ASSIGNATION_EVENT.
func (t *Transport) SendEvent(ev *types.AssignationEvent) error {
	msg, err := types.NewMessage(types.WSMsgEvent, ev)
	if err != nil {
		return err
	}
	data, err := types.Encode(msg)
	if err != nil {
		return err
	}
	return t.enqueue(&outboxItem{
		data:        data,
		msgType:     msg.Type,
		assignation: ev.Assignation,
		kind:        ev.Kind,
	})
}

func (t *Transport) enqueue(item *outboxItem) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	t.outbox.push(item)
	return nil
}

// Receive returns the next inbound message. It returns ErrDisconnected once
// for every lost connection and ErrClosed after Close.
func (t *Transport) Receive(ctx context.Context) (*types.WSMessage, error) {
	select {
	case msg := <-t.inbox:
		if msg == nil {
			return nil, ErrDisconnected
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, ErrClosed
	}
}

// Disconnect drops the current connection; Run will reconnect.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	sess := t.current
	t.mu.Unlock()
	if sess != nil {
		t.teardown(sess, errors.New("disconnect requested"))
	}
}

// Close shuts the transport down for good.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		sess := t.current
		t.mu.Unlock()
		if sess != nil {
			sess.once.Do(func() {
				close(sess.done)
				sess.conn.Close()
			})
		}
		t.setState(types.AgentStateDisconnected)
	})
}

// teardown closes sess once and signals the loss to Receive and Run.
func (t *Transport) teardown(sess *session, cause error) {
	sess.once.Do(func() {
		close(sess.done)
		sess.conn.Close()
		t.setState(types.AgentStateDisconnected)
		t.logger.Warn("connection closed", zap.Error(cause))

		select {
		case t.lost <- struct{}{}:
		default:
		}
		// nil marks the loss in the inbound stream
		select {
		case t.inbox <- nil:
		case <-t.closed:
		}
	})
}

// ─── pumps ──────────────────────────────────────────────────────────────────

func (t *Transport) readPump(sess *session) {
	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			t.teardown(sess, err)
			return
		}
		t.lastSeen.Store(time.Now().UnixNano())

		msg, err := types.DecodeMessage(raw)
		if err != nil {
			t.logger.Warn("drop malformed frame", zap.Error(err))
			continue
		}

		if msg.Type == types.WSMsgHeartbeat {
			t.replyHeartbeat(msg)
			continue
		}

		select {
		case t.inbox <- msg:
		case <-sess.done:
			return
		}
	}
}

func (t *Transport) writePump(sess *session) {
	gen := t.outbox.claim()
	for {
		item, ok := t.outbox.next(gen, sess.done)
		if !ok {
			return
		}
		sess.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout()))
		if err := sess.conn.WriteMessage(websocket.TextMessage, item.data); err != nil {
			t.outbox.requeue(item)
			t.teardown(sess, err)
			return
		}
		t.outbox.ack()
	}
}

func (t *Transport) watchdog(sess *session) {
	interval := t.config.HeartbeatInterval
	if interval <= 0 {
		return
	}
	misses := t.config.HeartbeatMisses
	if misses < 1 {
		misses = 1
	}
	limit := time.Duration(misses) * interval

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			silent := time.Since(time.Unix(0, t.lastSeen.Load()))
			if silent > limit {
				t.teardown(sess, fmt.Errorf("%w: silent for %v", errHeartbeatTimeout, silent.Round(time.Millisecond)))
				return
			}
		case <-sess.done:
			return
		}
	}
}

func (t *Transport) replyHeartbeat(msg *types.WSMessage) {
	t.mu.Lock()
	f := t.statusFunc
	t.mu.Unlock()

	payload := &types.HeartbeatPayload{}
	if f != nil {
		payload.Status = f()
	}
	reply, err := types.NewMessage(types.WSMsgHeartbeat, payload)
	if err != nil {
		t.logger.Warn("build heartbeat reply failed", zap.Error(err))
		return
	}
	reply.ReplyTo = msg.ID
	if err := t.Send(reply); err != nil {
		t.logger.Debug("heartbeat reply dropped", zap.Error(err))
	}
}
