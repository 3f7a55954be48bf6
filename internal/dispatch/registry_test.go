package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/adred-codev/roomcast/internal/apperr"
	"github.com/adred-codev/roomcast/internal/dispatch"
	"github.com/adred-codev/roomcast/internal/dispatch/dispatchtest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandler struct {
	name   string
	events []string
	err    error
	panics bool
	calls  []string

	connected    []string
	disconnected []string
	attempts     []int
}

func (h *stubHandler) Name() string     { return h.name }
func (h *stubHandler) Events() []string { return h.events }

func (h *stubHandler) HandleEvent(_ context.Context, sock dispatch.Socket, event string, _ json.RawMessage) error {
	if h.panics {
		panic("boom")
	}
	h.calls = append(h.calls, event)
	if h.err != nil {
		return h.err
	}
	return sock.Emit(event+":ack", map[string]any{"handler": h.name})
}

func (h *stubHandler) OnConnect(_ context.Context, sock dispatch.Socket) error {
	h.connected = append(h.connected, sock.ID())
	return nil
}

func (h *stubHandler) OnDisconnect(_ context.Context, sock dispatch.Socket, reason string) {
	h.disconnected = append(h.disconnected, reason)
}

func (h *stubHandler) OnReconnectAttempt(_ context.Context, _ dispatch.Socket, n int) {
	h.attempts = append(h.attempts, n)
}
func (h *stubHandler) OnReconnectSuccess(context.Context, dispatch.Socket, int) {}
func (h *stubHandler) OnReconnectFailed(context.Context, dispatch.Socket)       {}

func errorPayload(t *testing.T, sock *dispatchtest.Socket) apperr.Payload {
	t.Helper()
	var p apperr.Payload
	require.NoError(t, sock.Decode(dispatch.EventError, &p))
	return p
}

func TestDispatchRoutesToOwner(t *testing.T) {
	reg := dispatch.NewRegistry(zerolog.Nop())
	h := &stubHandler{name: "client", events: []string{"join_room", "leave_room"}}
	reg.Register(h)

	sock := dispatchtest.NewSocket("c1")
	require.NoError(t, reg.Dispatch(context.Background(), sock, "join_room", nil))

	assert.Equal(t, []string{"join_room"}, h.calls)
	assert.Equal(t, []string{"join_room:ack"}, sock.Events())
	assert.Equal(t, 2, reg.Events())
}

func TestDispatchUnknownEvent(t *testing.T) {
	reg := dispatch.NewRegistry(zerolog.Nop())
	sock := dispatchtest.NewSocket("c1")

	err := reg.Dispatch(context.Background(), sock, "teleport", nil)
	require.Error(t, err)

	p := errorPayload(t, sock)
	assert.Equal(t, apperr.CodeUnsupportedEvent, p.Code)
	assert.Equal(t, "teleport", p.Event)
}

func TestLastRegistrationWins(t *testing.T) {
	reg := dispatch.NewRegistry(zerolog.Nop())
	first := &stubHandler{name: "first", events: []string{"ping"}}
	second := &stubHandler{name: "second", events: []string{"ping"}}
	reg.Register(first)
	reg.Register(second)

	sock := dispatchtest.NewSocket("c1")
	require.NoError(t, reg.Dispatch(context.Background(), sock, "ping", nil))

	assert.Empty(t, first.calls)
	assert.Equal(t, []string{"ping"}, second.calls)
	h, ok := reg.Handler("ping")
	require.True(t, ok)
	assert.Equal(t, "second", h.Name())
}

func TestKnownErrorForwardedAsIs(t *testing.T) {
	reg := dispatch.NewRegistry(zerolog.Nop())
	reg.Register(&stubHandler{
		name:   "client",
		events: []string{"send_message"},
		err:    apperr.Validation("message must not be empty"),
	})

	sock := dispatchtest.NewSocket("c1")
	err := reg.Dispatch(context.Background(), sock, "send_message", json.RawMessage(`{}`))
	require.Error(t, err)

	p := errorPayload(t, sock)
	assert.Equal(t, apperr.CodeValidation, p.Code)
	assert.Equal(t, "message must not be empty", p.Message)
	assert.Equal(t, "send_message", p.Event)
}

func TestUnknownErrorWrappedGeneric(t *testing.T) {
	reg := dispatch.NewRegistry(zerolog.Nop())
	reg.Register(&stubHandler{
		name:   "client",
		events: []string{"get_rooms"},
		err:    errors.New("dial tcp 10.0.0.7:6379: connection refused"),
	})

	sock := dispatchtest.NewSocket("c1")
	_ = reg.Dispatch(context.Background(), sock, "get_rooms", nil)

	p := errorPayload(t, sock)
	assert.Equal(t, apperr.CodeInternal, p.Code)
	assert.NotContains(t, p.Message, "10.0.0.7")
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	reg := dispatch.NewRegistry(zerolog.Nop())
	reg.Register(&stubHandler{name: "bad", events: []string{"ping"}, panics: true})

	sock := dispatchtest.NewSocket("c1")
	err := reg.Dispatch(context.Background(), sock, "ping", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInternal, errorPayload(t, sock).Code)
}

func TestLifecycleHooks(t *testing.T) {
	reg := dispatch.NewRegistry(zerolog.Nop())
	h := &stubHandler{name: "system", events: []string{"ping"}}
	reg.Register(h)

	sock := dispatchtest.NewSocket("c1")
	require.NoError(t, reg.Connect(context.Background(), sock))
	reg.ReconnectAttempt(context.Background(), sock, 2)
	reg.Disconnect(context.Background(), sock, "client_closed")

	assert.Equal(t, []string{"c1"}, h.connected)
	assert.Equal(t, []int{2}, h.attempts)
	assert.Equal(t, []string{"client_closed"}, h.disconnected)
}

func TestEncodeDecode(t *testing.T) {
	frame, err := dispatch.Encode("pong", map[string]int{"ts": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"pong","data":{"ts":1}}`, string(frame))

	env, err := dispatch.Decode([]byte(`{"event":"ping","data":{"a":1}}`))
	require.NoError(t, err)
	assert.Equal(t, "ping", env.Event)
	assert.JSONEq(t, `{"a":1}`, string(env.Data))

	_, err = dispatch.Decode([]byte(`{"data":1}`))
	assert.ErrorIs(t, err, dispatch.ErrMissingEvent)
	_, err = dispatch.Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestEncodeBatch(t *testing.T) {
	a, _ := dispatch.Encode("a", 1)
	b, _ := dispatch.Encode("b", "x")

	out := dispatch.EncodeBatch([][]byte{a, b})
	assert.JSONEq(t, `{"event":"batch","data":[{"event":"a","data":1},{"event":"b","data":"x"}]}`, string(out))
}
