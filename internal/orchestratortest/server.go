// Package orchestratortest runs an in-process orchestrator for agent tests.
package orchestratortest

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"

	"yqhp/ot2-agent/pkg/types"
)

const route = "/agi"

// Frame is one message received from an agent, tagged with its connection number.
type Frame struct {
	Conn int
	Msg  *types.WSMessage
}

// agentConn wraps a single WebSocket connection from an agent.
type agentConn struct {
	id   int
	conn *fiberws.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *agentConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Server is a fake orchestrator speaking the agent wire protocol.
type Server struct {
	app   *fiber.App
	ln    net.Listener
	token string

	reject atomic.Bool
	conns  atomic.Int32

	mu       sync.Mutex
	current  *agentConn
	inits    []*types.InitPayload
	frames   []Frame
	attempts int

	events     chan *types.AssignationEvent
	heartbeats chan *types.WSMessage
	connected  chan int
}

// New creates a fake orchestrator that accepts the given bearer token.
// An empty token accepts any request.
func New(token string) *Server {
	s := &Server{
		token:      token,
		events:     make(chan *types.AssignationEvent, 4096),
		heartbeats: make(chan *types.WSMessage, 64),
		connected:  make(chan int, 64),
	}

	s.app = fiber.New(fiber.Config{DisableStartupMessage: true})
	s.app.Use(route, func(c *fiber.Ctx) error {
		s.mu.Lock()
		s.attempts++
		s.mu.Unlock()

		if s.reject.Load() || (s.token != "" && c.Get(fiber.HeaderAuthorization) != "Bearer "+s.token) {
			return fiber.ErrUnauthorized
		}
		if fiberws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get(route, fiberws.New(s.handleConnection))
	return s
}

// Start listens on a random local port.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		_ = s.app.Listener(ln)
	}()
	return nil
}

// URL returns the WebSocket URL agents should dial.
func (s *Server) URL() string {
	return "ws://" + s.ln.Addr().String() + route
}

// Close drops connections and stops the server.
func (s *Server) Close() error {
	s.DropConnections()
	return s.app.ShutdownWithTimeout(2 * time.Second)
}

// RejectAuth makes the handshake fail with 401 while on is true.
func (s *Server) RejectAuth(on bool) {
	s.reject.Store(on)
}

// DropConnections closes the current agent connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conn := s.current
	s.mu.Unlock()
	if conn != nil {
		conn.close()
	}
}

// Attempts returns the number of handshake attempts seen.
func (s *Server) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Inits returns the INIT payloads received so far.
func (s *Server) Inits() []*types.InitPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.InitPayload(nil), s.inits...)
}

// Frames returns every message received so far in arrival order.
func (s *Server) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

// Events streams received ASSIGNATION_EVENT payloads.
func (s *Server) Events() <-chan *types.AssignationEvent {
	return s.events
}

// HeartbeatReplies streams HEARTBEAT messages sent by the agent.
func (s *Server) HeartbeatReplies() <-chan *types.WSMessage {
	return s.heartbeats
}

// WaitConnected blocks until the n-th connection (1-based) has sent INIT.
func (s *Server) WaitConnected(ctx context.Context, n int) error {
	for {
		if int(s.conns.Load()) >= n {
			return nil
		}
		select {
		case <-s.connected:
		case <-ctx.Done():
			return fmt.Errorf("waiting for connection %d: %w", n, ctx.Err())
		}
	}
}

// Assign pushes an ASSIGN message.
func (s *Server) Assign(p *types.AssignPayload) error {
	return s.push(types.WSMsgAssign, p)
}

// Cancel pushes a CANCEL message.
func (s *Server) Cancel(assignation string) error {
	return s.push(types.WSMsgCancel, &types.CancelPayload{Assignation: assignation})
}

// Interrupt pushes an INTERRUPT message.
func (s *Server) Interrupt(assignation string) error {
	return s.push(types.WSMsgInterrupt, &types.CancelPayload{Assignation: assignation})
}

// Provide pushes a PROVIDE message.
func (s *Server) Provide(provision, iface string) error {
	return s.push(types.WSMsgProvide, &types.ProvidePayload{Provision: provision, Interface: iface})
}

// Unprovide pushes an UNPROVIDE message.
func (s *Server) Unprovide(provision, iface string) error {
	return s.push(types.WSMsgUnprovide, &types.ProvidePayload{Provision: provision, Interface: iface})
}

// Heartbeat pushes a HEARTBEAT and returns its message id.
func (s *Server) Heartbeat() (string, error) {
	msg, err := types.NewMessage(types.WSMsgHeartbeat, &types.HeartbeatPayload{})
	if err != nil {
		return "", err
	}
	return msg.ID, s.pushMessage(msg)
}

func (s *Server) push(msgType types.WSMessageType, payload any) error {
	msg, err := types.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return s.pushMessage(msg)
}

func (s *Server) pushMessage(msg *types.WSMessage) error {
	s.mu.Lock()
	conn := s.current
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no agent connected")
	}

	data, err := types.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case conn.send <- data:
		return nil
	case <-conn.done:
		return fmt.Errorf("agent connection closed")
	}
}

// handleConnection handles a newly established agent WebSocket connection.
func (s *Server) handleConnection(c *fiberws.Conn) {
	// The first message must be INIT.
	_, raw, err := c.ReadMessage()
	if err != nil {
		return
	}
	first, err := types.DecodeMessage(raw)
	if err != nil || first.Type != types.WSMsgInit {
		return
	}
	var init types.InitPayload
	if err := first.Decode(&init); err != nil {
		return
	}

	conn := &agentConn{
		id:   int(s.conns.Load()) + 1,
		conn: c,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if old := s.current; old != nil {
		old.close()
	}
	s.current = conn
	s.inits = append(s.inits, &init)
	s.frames = append(s.frames, Frame{Conn: conn.id, Msg: first})
	s.mu.Unlock()

	s.conns.Add(1)
	select {
	case s.connected <- conn.id:
	default:
	}

	defer func() {
		conn.close()
		s.mu.Lock()
		if s.current == conn {
			s.current = nil
		}
		s.mu.Unlock()
	}()

	go s.writePump(conn)
	s.readPump(conn)
}

func (s *Server) readPump(conn *agentConn) {
	for {
		_, raw, err := conn.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := types.DecodeMessage(raw)
		if err != nil {
			continue
		}

		s.mu.Lock()
		s.frames = append(s.frames, Frame{Conn: conn.id, Msg: msg})
		s.mu.Unlock()

		switch msg.Type {
		case types.WSMsgEvent:
			var ev types.AssignationEvent
			if err := msg.Decode(&ev); err != nil {
				continue
			}
			select {
			case s.events <- &ev:
			case <-conn.done:
				return
			}
		case types.WSMsgHeartbeat:
			select {
			case s.heartbeats <- msg:
			default:
			}
		}
	}
}

func (s *Server) writePump(conn *agentConn) {
	for {
		select {
		case data := <-conn.send:
			if err := conn.conn.WriteMessage(fiberws.TextMessage, data); err != nil {
				conn.close()
				return
			}
		case <-conn.done:
			return
		}
	}
}

// EventKinds is a helper rendering events as "KIND(assignation)" strings.
func EventKinds(events []*types.AssignationEvent) string {
	parts := make([]string, 0, len(events))
	for _, ev := range events {
		parts = append(parts, fmt.Sprintf("%s(%s)", ev.Kind, ev.Assignation))
	}
	return strings.Join(parts, " ")
}

// Collect reads events until one terminal event was seen for every id in
// ids, or the timeout expires.
func (s *Server) Collect(timeout time.Duration, ids ...string) ([]*types.AssignationEvent, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	var out []*types.AssignationEvent
	deadline := time.After(timeout)
	for len(want) > 0 {
		select {
		case ev := <-s.events:
			out = append(out, ev)
			if ev.Kind.IsTerminal() {
				delete(want, ev.Assignation)
			}
		case <-deadline:
			return out, fmt.Errorf("timed out waiting for terminal events; got %s", EventKinds(out))
		}
	}
	return out, nil
}
