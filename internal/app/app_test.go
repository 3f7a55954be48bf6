package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/adred-codev/roomcast/internal/bus"
	"github.com/adred-codev/roomcast/internal/config"
	"github.com/adred-codev/roomcast/internal/dispatch"
	"github.com/adred-codev/roomcast/internal/handlers"
	"github.com/adred-codev/roomcast/internal/monitoring"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, instanceID string) *config.Config {
	t.Helper()
	cfg, err := config.Parse()
	require.NoError(t, err)

	cfg.InstanceID = instanceID
	cfg.ClusterHeartbeat = 50 * time.Millisecond
	cfg.MetricsInterval = time.Second
	cfg.BatchMaxDelay = 10 * time.Millisecond
	// Host load must not turn test clients away
	cfg.CPURejectThreshold = 0
	cfg.MemoryRejectThreshold = 0
	cfg.MaxGoroutines = 0
	cfg.IPConnBurst = 100
	return cfg
}

func startApp(t *testing.T, cfg *config.Config, opts ...Option) (*App, string) {
	t.Helper()
	a, err := New(cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, a.Serve(t.Context(), ln))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a, ln.Addr().String()
}

type wsClient struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []dispatch.Envelope
}

func dial(t *testing.T, addr string) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(event string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	frame, err := json.Marshal(dispatch.Envelope{Event: event, Data: raw})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))
}

func (c *wsClient) expect(name string) dispatch.Envelope {
	c.t.Helper()
	for i := 0; i < 30; i++ {
		if len(c.pending) == 0 {
			require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
			_, data, err := c.conn.ReadMessage()
			require.NoError(c.t, err)

			var env dispatch.Envelope
			require.NoError(c.t, json.Unmarshal(data, &env))
			if env.Event == dispatch.EventBatch {
				var inner []dispatch.Envelope
				require.NoError(c.t, json.Unmarshal(env.Data, &inner))
				c.pending = append(c.pending, inner...)
			} else {
				c.pending = append(c.pending, env)
			}
		}
		env := c.pending[0]
		c.pending = c.pending[1:]
		if env.Event == name {
			return env
		}
	}
	c.t.Fatalf("event %s never arrived", name)
	return dispatch.Envelope{}
}

func (c *wsClient) join(user, room string) {
	c.t.Helper()
	c.expect(handlers.EventWelcome)
	c.send(handlers.EventRegister, map[string]string{"userId": user})
	c.expect(handlers.Ack(handlers.EventRegister))
	c.send(handlers.EventJoinRoom, map[string]string{"room": room})
	c.expect(handlers.Ack(handlers.EventJoinRoom))
}

func TestCrossInstanceRoomBroadcast(t *testing.T) {
	shared := bus.NewMemory(64, zerolog.Nop())
	t.Cleanup(func() { _ = shared.Close() })

	first, firstAddr := startApp(t, testConfig(t, "node-a"), WithBus(shared))
	second, secondAddr := startApp(t, testConfig(t, "node-b"), WithBus(shared))
	assert.Equal(t, "node-a", first.InstanceID())
	assert.Equal(t, "node-b", second.InstanceID())

	alice := dial(t, firstAddr)
	alice.join("alice", "lobby")
	bob := dial(t, secondAddr)
	bob.join("bob", "lobby")

	alice.send(handlers.EventSendMessage, map[string]string{"room": "lobby", "message": "hello from a"})

	var msg handlers.Message
	require.NoError(t, json.Unmarshal(bob.expect(handlers.EventNewMessage).Data, &msg))
	assert.Equal(t, "hello from a", msg.Message)
	assert.Equal(t, "alice", msg.From)

	assert.Eventually(t, func() bool {
		resp, err := http.Get("http://" + firstAddr + "/instances")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var instances []map[string]any
		if json.NewDecoder(resp.Body).Decode(&instances) != nil {
			return false
		}
		return len(instances) == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStatusAndLogs(t *testing.T) {
	ring := monitoring.NewLogRing(50)
	cfg := testConfig(t, "solo")
	_, addr := startApp(t, cfg, WithLogRing(ring))

	c := dial(t, addr)
	c.expect(handlers.EventWelcome)

	resp, err := http.Get("http://" + addr + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "solo", status["instanceId"])

	logs, err := http.Get("http://" + addr + "/logs?limit=5")
	require.NoError(t, err)
	defer logs.Body.Close()
	assert.Equal(t, http.StatusOK, logs.StatusCode)
}

func TestShutdownRejectsNewConnections(t *testing.T) {
	a, addr := startApp(t, testConfig(t, ""))
	assert.NotEmpty(t, a.InstanceID(), "instance id is generated when unset")

	c := dial(t, addr)
	c.expect(handlers.EventWelcome)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))
	require.NoError(t, a.Shutdown(ctx), "second shutdown is a no-op")

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}

	_, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	assert.Error(t, err)
}

func TestNewRejectsUnknownBusTransport(t *testing.T) {
	cfg := testConfig(t, "broken")
	cfg.ClusterTransport = "carrier-pigeon"

	_, err := New(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "cluster bus"))
}
