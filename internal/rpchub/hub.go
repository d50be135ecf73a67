// Package rpchub is the RpcHub collaborator: a registry of agent and client
// sessions per sandbox, bidirectional message routing, and a per-request
// correlation table, with a per-sandbox critical section so unrelated
// sandboxes never contend. Grounded on the teacher's
// internal/tunnel/registry.go (per-sandbox map + pending-call table,
// replace-on-reconnect semantics), adapted from its binary tunnel framing
// to the generic `{id,type}` JSON envelope of spec.md §6.
package rpchub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/sandboxd/sandboxd/internal/logging"
)

// AgentSession is a single connected in-sandbox agent (spec.md §3). At most
// one exists per sandbox at a time.
type AgentSession struct {
	SandboxID string
	Conn      Conn
	Subject   string
}

// ClientSession is a single connected SDK client (spec.md §3). Zero or more
// exist per sandbox.
type ClientSession struct {
	id         uint64
	SandboxID  string
	Conn       Conn
	Subject    string
	AuthMethod string
}

type sandboxState struct {
	mu      sync.Mutex
	agent   *AgentSession
	clients map[*ClientSession]struct{}
	pending map[string]*ClientSession // requestID -> originating client

	reconnectMu      sync.Mutex
	reconnectWaiters []chan struct{}
}

// Hub implements spec.md §4.7. Its top-level mutex guards only the map
// (creating, fetching, or on CloseSandbox dropping a sandbox's state) and
// the client-session id counter; all session/pending mutation happens
// inside that sandbox's own mutex, never the top-level one.
type Hub struct {
	mu        sync.RWMutex
	sandboxes map[string]*sandboxState
	nextID    uint64
	log       zerolog.Logger
}

// New builds an empty Hub.
func New() *Hub {
	return &Hub{sandboxes: make(map[string]*sandboxState), log: logging.WithComponent("rpchub")}
}

func (h *Hub) state(sandboxID string) *sandboxState {
	h.mu.RLock()
	s, ok := h.sandboxes[sandboxID]
	h.mu.RUnlock()
	if ok {
		return s
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sandboxes[sandboxID]; ok {
		return s
	}
	s = &sandboxState{clients: make(map[*ClientSession]struct{}), pending: make(map[string]*ClientSession)}
	h.sandboxes[sandboxID] = s
	return s
}

// AgentConnect registers a new agent for sandboxID. If one is already
// registered, it is replaced: the prior socket is closed with a
// policy-violation close code. This is also how port-exposure recreation
// reattaches (spec.md §4.7).
func (h *Hub) AgentConnect(sandboxID string, conn Conn, subject string) *AgentSession {
	s := h.state(sandboxID)
	session := &AgentSession{SandboxID: sandboxID, Conn: conn, Subject: subject}

	s.mu.Lock()
	old := s.agent
	s.agent = session
	s.mu.Unlock()

	if old != nil {
		_ = old.Conn.Close(websocket.StatusPolicyViolation, "replaced by new agent connection")
	}

	h.notifyReconnect(s)
	h.log.Info().Str("sandbox_id", sandboxID).Msg("agent connected")
	return session
}

// AgentDisconnect removes session from the registry if it is still the
// current agent. Any PendingCalls remain pending until their clients
// disconnect or time out locally.
func (h *Hub) AgentDisconnect(sandboxID string, session *AgentSession) {
	s := h.state(sandboxID)
	s.mu.Lock()
	if s.agent == session {
		s.agent = nil
	}
	s.mu.Unlock()
	h.log.Info().Str("sandbox_id", sandboxID).Msg("agent disconnected")
}

// ClientConnect adds a new client session to sandboxID's client set. The
// caller is responsible for the SandboxLive-exists and authentication
// checks (AuthGate, SandboxManager) before calling this — RpcHub owns only
// the session tables, not sandbox existence.
func (h *Hub) ClientConnect(sandboxID string, conn Conn, subject, authMethod string) *ClientSession {
	s := h.state(sandboxID)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.mu.Unlock()

	session := &ClientSession{id: id, SandboxID: sandboxID, Conn: conn, Subject: subject, AuthMethod: authMethod}
	s.mu.Lock()
	s.clients[session] = struct{}{}
	s.mu.Unlock()
	return session
}

// ClientDisconnect removes session from the client set and drops any
// PendingCalls targeting it.
func (h *Hub) ClientDisconnect(sandboxID string, session *ClientSession) {
	s := h.state(sandboxID)
	s.mu.Lock()
	delete(s.clients, session)
	for reqID, c := range s.pending {
		if c == session {
			delete(s.pending, reqID)
		}
	}
	s.mu.Unlock()
}

// HasAgent reports whether sandboxID currently has a registered agent.
func (h *Hub) HasAgent(sandboxID string) bool {
	s := h.state(sandboxID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent != nil
}

// ClientMessage handles a raw frame received from client on sandboxID, per
// spec.md §4.7's clientMessage transition. ctx bounds only the forward
// write, never the per-sandbox lock.
func (h *Hub) ClientMessage(ctx context.Context, sandboxID string, client *ClientSession, raw []byte) error {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return err
	}

	s := h.state(sandboxID)
	s.mu.Lock()
	agent := s.agent
	if agent == nil {
		s.mu.Unlock()
		return client.Conn.Write(ctx, websocket.MessageText, ErrorFrame(env.ID, "no agent connected"))
	}
	s.pending[env.ID] = client
	s.mu.Unlock()

	if err := agent.Conn.Write(ctx, websocket.MessageText, raw); err != nil {
		s.mu.Lock()
		delete(s.pending, env.ID)
		s.mu.Unlock()
		return err
	}
	return nil
}

// AgentMessage handles a raw frame received from the agent of sandboxID,
// per spec.md §4.7's agentMessage transition: forward verbatim to the
// client that owns this request id, then drop the PendingCall. Unknown or
// late ids are silently dropped.
func (h *Hub) AgentMessage(ctx context.Context, sandboxID string, raw []byte) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		h.log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("dropping malformed agent frame")
		return
	}

	s := h.state(sandboxID)
	s.mu.Lock()
	client, ok := s.pending[env.ID]
	if ok {
		delete(s.pending, env.ID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	if err := client.Conn.Write(ctx, websocket.MessageText, raw); err != nil {
		h.log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("failed to deliver agent reply to client")
	}
}

// AwaitAgent returns true at once if an agent is already registered for
// sandboxID; otherwise it blocks until an agent connects (or reconnects),
// or timeout elapses. Satisfies portexposer.AgentWaiter.
func (h *Hub) AwaitAgent(ctx context.Context, sandboxID string, timeout time.Duration) bool {
	if h.HasAgent(sandboxID) {
		return true
	}

	s := h.state(sandboxID)
	ch := make(chan struct{}, 1)
	s.reconnectMu.Lock()
	s.reconnectWaiters = append(s.reconnectWaiters, ch)
	s.reconnectMu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-ch:
		return true
	case <-waitCtx.Done():
		return false
	}
}

func (h *Hub) notifyReconnect(s *sandboxState) {
	s.reconnectMu.Lock()
	waiters := s.reconnectWaiters
	s.reconnectWaiters = nil
	s.reconnectMu.Unlock()
	for _, ch := range waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// CloseSandbox closes every agent/client socket for sandboxID and clears
// its state, used by SandboxManager.destroy.
func (h *Hub) CloseSandbox(sandboxID string) {
	h.mu.Lock()
	s, ok := h.sandboxes[sandboxID]
	delete(h.sandboxes, sandboxID)
	h.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	agent := s.agent
	clients := make([]*ClientSession, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	if agent != nil {
		_ = agent.Conn.Close(websocket.StatusNormalClosure, "sandbox destroyed")
	}
	for _, c := range clients {
		_ = c.Conn.Close(websocket.StatusNormalClosure, "sandbox destroyed")
	}
}

// CloseAll closes every session across every sandbox, used on graceful
// shutdown (spec.md §5).
func (h *Hub) CloseAll() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.sandboxes))
	for id := range h.sandboxes {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.CloseSandbox(id)
	}
}
