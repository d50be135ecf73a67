package rpchub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	closed   bool
	closeErr error
}

func (f *fakeConn) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeConn) Read(_ context.Context) (websocket.MessageType, []byte, error) {
	return websocket.MessageText, nil, nil
}

func (f *fakeConn) Close(_ websocket.StatusCode, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

func (f *fakeConn) lastWrite() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.written) == 0 {
		return nil
	}
	return f.written[len(f.written)-1]
}

var _ Conn = (*fakeConn)(nil)

func TestClientMessageNoAgentReturnsErrorFrame(t *testing.T) {
	h := New()
	clientConn := &fakeConn{}
	client := h.ClientConnect("sbx-1", clientConn, "user-1", "bearer")

	err := h.ClientMessage(context.Background(), "sbx-1", client, []byte(`{"id":"req-1","type":"call"}`))
	require.NoError(t, err)

	var frame Envelope
	require.NoError(t, json.Unmarshal(clientConn.lastWrite(), &frame))
	assert.Equal(t, "req-1", frame.ID)
	assert.Equal(t, "error", frame.Type)
}

func TestClientAgentRoundTrip(t *testing.T) {
	h := New()
	agentConn := &fakeConn{}
	h.AgentConnect("sbx-1", agentConn, "agent-1")

	clientConn := &fakeConn{}
	client := h.ClientConnect("sbx-1", clientConn, "user-1", "bearer")

	require.NoError(t, h.ClientMessage(context.Background(), "sbx-1", client, []byte(`{"id":"req-1","type":"call"}`)))
	assert.Equal(t, []byte(`{"id":"req-1","type":"call"}`), agentConn.lastWrite())

	h.AgentMessage(context.Background(), "sbx-1", []byte(`{"id":"req-1","type":"result"}`))
	assert.Equal(t, []byte(`{"id":"req-1","type":"result"}`), clientConn.lastWrite())
}

func TestAgentMessageUnknownIDDropped(t *testing.T) {
	h := New()
	clientConn := &fakeConn{}
	h.ClientConnect("sbx-1", clientConn, "user-1", "bearer")

	h.AgentMessage(context.Background(), "sbx-1", []byte(`{"id":"never-sent","type":"result"}`))
	assert.Nil(t, clientConn.lastWrite())
}

func TestAgentReconnectClosesOldSession(t *testing.T) {
	h := New()
	oldConn := &fakeConn{}
	h.AgentConnect("sbx-1", oldConn, "agent-1")

	newConn := &fakeConn{}
	h.AgentConnect("sbx-1", newConn, "agent-1")

	assert.True(t, oldConn.closed)
	assert.True(t, h.HasAgent("sbx-1"))
}

func TestClientDisconnectDropsPending(t *testing.T) {
	h := New()
	agentConn := &fakeConn{}
	h.AgentConnect("sbx-1", agentConn, "agent-1")

	clientConn := &fakeConn{}
	client := h.ClientConnect("sbx-1", clientConn, "user-1", "bearer")
	require.NoError(t, h.ClientMessage(context.Background(), "sbx-1", client, []byte(`{"id":"req-1","type":"call"}`)))

	h.ClientDisconnect("sbx-1", client)

	s := h.state("sbx-1")
	s.mu.Lock()
	_, stillPending := s.pending["req-1"]
	s.mu.Unlock()
	assert.False(t, stillPending)
}

func TestAwaitAgentTimesOutWithoutReconnect(t *testing.T) {
	h := New()
	start := time.Now()
	ok := h.AwaitAgent(context.Background(), "sbx-1", 50*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestAwaitAgentReturnsOnReconnect(t *testing.T) {
	h := New()
	done := make(chan bool, 1)
	go func() {
		done <- h.AwaitAgent(context.Background(), "sbx-1", 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	h.AgentConnect("sbx-1", &fakeConn{}, "agent-1")

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitAgent did not return after reconnect")
	}
}

func TestCloseSandboxClosesAllSessions(t *testing.T) {
	h := New()
	agentConn := &fakeConn{}
	h.AgentConnect("sbx-1", agentConn, "agent-1")
	clientConn := &fakeConn{}
	h.ClientConnect("sbx-1", clientConn, "user-1", "bearer")

	h.CloseSandbox("sbx-1")

	assert.True(t, agentConn.closed)
	assert.True(t, clientConn.closed)
	assert.False(t, h.HasAgent("sbx-1"))
}
