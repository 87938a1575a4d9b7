// ABOUTME: Tests for the session state machine over a scripted transport.
// ABOUTME: Validates handshake rules, dispatch, supersede, and guaranteed cleanup.

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wallboard-gateway/internal/auth"
	"github.com/2389/wallboard-gateway/internal/presence"
	"github.com/2389/wallboard-gateway/internal/relay"
	"github.com/2389/wallboard-gateway/internal/store"
	"github.com/2389/wallboard-gateway/internal/wire"
)

// fakeTransport scripts inbound frames and records outbound ones.
type fakeTransport struct {
	inbound chan []byte

	mu     sync.Mutex
	writes [][]byte
	closed bool
	code   websocket.StatusCode
	reason string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan []byte, 16)}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-f.inbound:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
}

func (f *fakeTransport) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeTransport) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.code = code
		f.reason = reason
	}
	return nil
}

func (f *fakeTransport) closeStatus() (bool, websocket.StatusCode, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.code, f.reason
}

// written decodes every outbound frame written so far.
func (f *fakeTransport) written(t *testing.T) []*wire.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*wire.Envelope, 0, len(f.writes))
	for _, data := range f.writes {
		env, err := wire.DecodeEnvelope(data)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func (f *fakeTransport) send(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := wire.Encode(event, payload)
	require.NoError(t, err)
	f.inbound <- data
}

// harness bundles a running session with its collaborators.
type harness struct {
	session   *Session
	transport *fakeTransport
	registry  *presence.Registry
	store     *store.MockStore
	done      chan struct{}
}

func startSession(t *testing.T, subject auth.Subject) *harness {
	t.Helper()

	registry := presence.NewRegistry("available", nil)
	st := store.NewMockStore()
	rl := relay.New(registry, st, relay.Config{
		BroadcastEcho: true,
		Statuses:      []string{"available", "busy", "break", "offline"},
	}, nil)

	transport := newFakeTransport()
	sess := New(t.Context(), transport, registry, rl, subject, Config{}, nil)

	done := make(chan struct{})
	go func() {
		sess.Run()
		close(done)
	}()

	t.Cleanup(func() {
		close(transport.inbound)
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("session did not shut down")
		}
	})

	return &harness{session: sess, transport: transport, registry: registry, store: st, done: done}
}

func agentSubject() auth.Subject {
	return auth.Subject{Identity: "A100", Role: wire.RoleAgent, Team: "T1"}
}

// waitForEvent polls outbound frames until one with the event name appears.
func (h *harness) waitForEvent(t *testing.T, event string) *wire.Envelope {
	t.Helper()
	var found *wire.Envelope
	require.Eventually(t, func() bool {
		for _, env := range h.transport.written(t) {
			if env.Event == event {
				found = env
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "no %s event written", event)
	return found
}

// waitForAck polls for an ack referencing the given inbound event.
func (h *harness) waitForAck(t *testing.T, event string) *wire.Ack {
	t.Helper()
	var found *wire.Ack
	require.Eventually(t, func() bool {
		for _, env := range h.transport.written(t) {
			if env.Event != wire.EventAck {
				continue
			}
			var ack wire.Ack
			require.NoError(t, json.Unmarshal(env.Payload, &ack))
			if ack.Event == event {
				found = &ack
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "no ack for %s written", event)
	return found
}

func (h *harness) identify(t *testing.T) {
	t.Helper()
	h.transport.send(t, wire.EventAgentConnect, &wire.ConnectPayload{Identity: "A100", Team: "T1"})
	h.waitForEvent(t, wire.EventConnectionSuccess)
}

func TestHandshake(t *testing.T) {
	t.Run("valid handshake activates the session", func(t *testing.T) {
		h := startSession(t, agentSubject())
		h.transport.send(t, wire.EventAgentConnect, &wire.ConnectPayload{Identity: "A100", Team: "T1"})

		env := h.waitForEvent(t, wire.EventConnectionSuccess)
		var success wire.ConnectionSuccess
		require.NoError(t, json.Unmarshal(env.Payload, &success))
		assert.Equal(t, "A100", success.Identity)
		assert.Equal(t, wire.RoleAgent, success.Role)

		assert.Equal(t, StateActive, h.session.State())
		entry, ok := h.registry.Lookup("A100")
		require.True(t, ok)
		assert.Equal(t, "T1", entry.Team)
	})

	t.Run("identity mismatch with token closes the connection", func(t *testing.T) {
		h := startSession(t, agentSubject())
		h.transport.send(t, wire.EventAgentConnect, &wire.ConnectPayload{Identity: "A999"})

		select {
		case <-h.done:
		case <-time.After(time.Second):
			t.Fatal("session did not close")
		}

		closed, code, _ := h.transport.closeStatus()
		assert.True(t, closed)
		assert.Equal(t, websocket.StatusPolicyViolation, code)
		assert.Equal(t, 0, h.registry.Len())
	})

	t.Run("role mismatch with token closes the connection", func(t *testing.T) {
		h := startSession(t, agentSubject())
		h.transport.send(t, wire.EventSupervisorConnect, &wire.ConnectPayload{Identity: "A100"})

		select {
		case <-h.done:
		case <-time.After(time.Second):
			t.Fatal("session did not close")
		}
		assert.Equal(t, 0, h.registry.Len())
	})

	t.Run("malformed handshake payload closes the connection", func(t *testing.T) {
		h := startSession(t, agentSubject())
		h.transport.send(t, wire.EventAgentConnect, map[string]string{"identity": ""})

		select {
		case <-h.done:
		case <-time.After(time.Second):
			t.Fatal("session did not close")
		}

		closed, code, reason := h.transport.closeStatus()
		assert.True(t, closed)
		assert.Equal(t, websocket.StatusPolicyViolation, code)
		assert.Equal(t, ErrInvalidIdentity.Error(), reason)
	})

	t.Run("second identify is rejected without re-registration", func(t *testing.T) {
		h := startSession(t, agentSubject())
		h.identify(t)
		first, _ := h.registry.Lookup("A100")

		h.transport.send(t, wire.EventAgentConnect, &wire.ConnectPayload{Identity: "A100"})
		ack := h.waitForAck(t, wire.EventAgentConnect)
		assert.False(t, ack.OK)
		assert.Equal(t, ErrAlreadyIdentified.Error(), ack.Error)

		// Connection stays open and the original registration is untouched.
		assert.Equal(t, StateActive, h.session.State())
		second, ok := h.registry.Lookup("A100")
		require.True(t, ok)
		assert.Equal(t, first.ConnectedAt, second.ConnectedAt)
	})

	t.Run("events before identify get a failure ack and the connection stays open", func(t *testing.T) {
		h := startSession(t, agentSubject())
		h.transport.send(t, wire.EventUpdateStatus, &wire.UpdateStatusPayload{Status: "busy"})

		ack := h.waitForAck(t, wire.EventUpdateStatus)
		assert.False(t, ack.OK)
		assert.NotEqual(t, StateClosed, h.session.State())
	})
}

func TestDispatch(t *testing.T) {
	t.Run("update_status acks success", func(t *testing.T) {
		h := startSession(t, agentSubject())
		h.identify(t)

		h.transport.send(t, wire.EventUpdateStatus, &wire.UpdateStatusPayload{Status: "busy"})
		ack := h.waitForAck(t, wire.EventUpdateStatus)
		assert.True(t, ack.OK)

		entry, ok := h.registry.Lookup("A100")
		require.True(t, ok)
		assert.Equal(t, "busy", entry.Status)
	})

	t.Run("update_status with unconfigured label acks failure", func(t *testing.T) {
		h := startSession(t, agentSubject())
		h.identify(t)

		h.transport.send(t, wire.EventUpdateStatus, &wire.UpdateStatusPayload{Status: "golfing"})
		ack := h.waitForAck(t, wire.EventUpdateStatus)
		assert.False(t, ack.OK)
	})

	t.Run("send_message overwrites a spoofed fromCode", func(t *testing.T) {
		h := startSession(t, agentSubject())
		h.identify(t)

		to := "A200"
		h.transport.send(t, wire.EventSendMessage, &wire.SendMessagePayload{
			FromCode: "A999",
			ToCode:   &to,
			Content:  "hello",
			Type:     wire.MessageTypeDirect,
		})
		ack := h.waitForAck(t, wire.EventSendMessage)
		require.True(t, ack.OK)
		require.NotEmpty(t, ack.MessageID)

		msg, err := h.store.GetMessage(context.Background(), ack.MessageID)
		require.NoError(t, err)
		assert.Equal(t, "A100", msg.FromCode)
	})

	t.Run("send_message persistence failure acks SendFailed", func(t *testing.T) {
		h := startSession(t, agentSubject())
		h.identify(t)
		h.store.InsertErr = fmt.Errorf("disk full")

		to := "A200"
		h.transport.send(t, wire.EventSendMessage, &wire.SendMessagePayload{
			ToCode: &to, Content: "hello", Type: wire.MessageTypeDirect,
		})
		ack := h.waitForAck(t, wire.EventSendMessage)
		assert.False(t, ack.OK)
		assert.Equal(t, relay.ErrSendFailed.Error(), ack.Error)
	})

	t.Run("mark_read acks and is idempotent", func(t *testing.T) {
		h := startSession(t, agentSubject())
		h.identify(t)

		to := "A100"
		msg := &store.Message{FromCode: "S1", ToCode: &to, Content: "x", Type: store.MessageTypeDirect}
		require.NoError(t, h.store.InsertMessage(context.Background(), msg))

		h.transport.send(t, wire.EventMarkRead, &wire.MarkReadPayload{MessageID: msg.ID})
		ack := h.waitForAck(t, wire.EventMarkRead)
		assert.True(t, ack.OK)
		assert.Equal(t, msg.ID, ack.MessageID)
	})

	t.Run("malformed frame gets an error event, connection stays open", func(t *testing.T) {
		h := startSession(t, agentSubject())
		h.identify(t)

		h.transport.inbound <- []byte(`{not json`)
		env := h.waitForEvent(t, wire.EventError)
		var ev wire.ErrorEvent
		require.NoError(t, json.Unmarshal(env.Payload, &ev))
		assert.Equal(t, "malformed_frame", ev.Code)
		assert.NotEqual(t, StateClosed, h.session.State())
	})

	t.Run("unknown event gets an error event", func(t *testing.T) {
		h := startSession(t, agentSubject())
		h.identify(t)

		h.transport.send(t, "make_coffee", map[string]string{})
		env := h.waitForEvent(t, wire.EventError)
		var ev wire.ErrorEvent
		require.NoError(t, json.Unmarshal(env.Payload, &ev))
		assert.Equal(t, "unknown_event", ev.Code)
	})
}

func TestCleanup(t *testing.T) {
	t.Run("transport loss releases the presence entry", func(t *testing.T) {
		registry := presence.NewRegistry("available", nil)
		st := store.NewMockStore()
		rl := relay.New(registry, st, relay.Config{Statuses: []string{"available"}}, nil)

		transport := newFakeTransport()
		sess := New(t.Context(), transport, registry, rl, agentSubject(), Config{}, nil)
		done := make(chan struct{})
		go func() {
			sess.Run()
			close(done)
		}()

		data, err := wire.Encode(wire.EventAgentConnect, &wire.ConnectPayload{Identity: "A100"})
		require.NoError(t, err)
		transport.inbound <- data
		require.Eventually(t, func() bool { return registry.Len() == 1 }, time.Second, 5*time.Millisecond)

		// Abrupt disconnect: the read loop sees an error, never a clean
		// goodbye. Cleanup must still run.
		close(transport.inbound)
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("session did not shut down")
		}
		assert.Equal(t, 0, registry.Len())
	})

	t.Run("superseded session is kicked and does not evict its successor", func(t *testing.T) {
		registry := presence.NewRegistry("available", nil)
		st := store.NewMockStore()
		rl := relay.New(registry, st, relay.Config{Statuses: []string{"available"}}, nil)

		subject := agentSubject()
		runSession := func() (*fakeTransport, chan struct{}) {
			transport := newFakeTransport()
			sess := New(t.Context(), transport, registry, rl, subject, Config{}, nil)
			done := make(chan struct{})
			go func() {
				sess.Run()
				close(done)
			}()
			data, err := wire.Encode(wire.EventAgentConnect, &wire.ConnectPayload{Identity: "A100"})
			require.NoError(t, err)
			transport.inbound <- data
			return transport, done
		}

		firstTransport, firstDone := runSession()
		require.Eventually(t, func() bool { return registry.Len() == 1 }, time.Second, 5*time.Millisecond)

		secondTransport, secondDone := runSession()

		// The first session receives connection_superseded and terminates.
		select {
		case <-firstDone:
		case <-time.After(time.Second):
			t.Fatal("superseded session did not close")
		}
		var sawSuperseded bool
		for _, raw := range firstTransport.writtenRaw() {
			if env, err := wire.DecodeEnvelope(raw); err == nil && env.Event == wire.EventConnectionSuperseded {
				sawSuperseded = true
			}
		}
		assert.True(t, sawSuperseded, "old connection should be told it was superseded")

		// The successor stays registered.
		assert.Equal(t, 1, registry.Len())
		close(secondTransport.inbound)
		select {
		case <-secondDone:
		case <-time.After(time.Second):
			t.Fatal("second session did not shut down")
		}
		assert.Equal(t, 0, registry.Len())
	})
}

// writtenRaw returns copies of the raw outbound frames.
func (f *fakeTransport) writtenRaw() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}
