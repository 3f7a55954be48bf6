package cluster

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/roomcast/internal/bus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	room, event string
	payload     any
}

type localRooms struct {
	mu  sync.Mutex
	got []delivery
}

func (l *localRooms) BroadcastLocal(room, event string, payload any) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, delivery{room, event, payload})
	return 1
}

func (l *localRooms) snapshot() []delivery {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]delivery(nil), l.got...)
}

func newNode(t *testing.T, b bus.Bus, id string, heartbeat time.Duration) (*Coordinator, *localRooms) {
	t.Helper()
	rooms := &localRooms{}
	c, err := NewCoordinator(Config{
		InstanceID: id,
		Prefix:     "test",
		Heartbeat:  heartbeat,
		Bus:        b,
		Rooms:      rooms,
		Sample:     func() Sample { return Sample{Connections: 3, Load: 42} },
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c, rooms
}

func TestRelayReachesSiblingsOnly(t *testing.T) {
	b := bus.NewMemory(64, zerolog.Nop())
	defer b.Close()

	a, roomsA := newNode(t, b, "a", time.Hour)
	_, roomsB := newNode(t, b, "b", time.Hour)

	require.NoError(t, a.Publish("group:lobby", "new_message", map[string]string{"text": "hi"}))

	require.Eventually(t, func() bool { return len(roomsB.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	got := roomsB.snapshot()[0]
	assert.Equal(t, "group:lobby", got.room)
	assert.Equal(t, "new_message", got.event)

	raw, ok := got.payload.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"text":"hi"}`, string(raw))

	// The origin never redelivers its own relay
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, roomsA.snapshot())
}

func TestPeersSeeHeartbeats(t *testing.T) {
	b := bus.NewMemory(64, zerolog.Nop())
	defer b.Close()

	a, _ := newNode(t, b, "a", 20*time.Millisecond)
	newNode(t, b, "b", 20*time.Millisecond)

	require.Eventually(t, func() bool { return len(a.Peers()) == 1 }, time.Second, 5*time.Millisecond)
	peer := a.Peers()[0]
	assert.Equal(t, "b", peer.ID)
	assert.Equal(t, int64(3), peer.Connections)
	assert.Equal(t, 42.0, peer.Load)

	instances := a.Instances()
	require.Len(t, instances, 2)
	assert.Equal(t, "a", instances[0].ID)
	assert.True(t, instances[0].Self)
}

func TestPeerExpiresAfterMissedHeartbeats(t *testing.T) {
	b := bus.NewMemory(64, zerolog.Nop())
	defer b.Close()

	c, err := NewCoordinator(Config{InstanceID: "a", Heartbeat: time.Second, Bus: b, Rooms: &localRooms{}, Logger: zerolog.Nop()})
	require.NoError(t, err)

	now := time.Now()
	c.now = func() time.Time { return now }

	data, _ := json.Marshal(Descriptor{ID: "b"})
	c.handleDescriptor("", data)
	assert.Len(t, c.Peers(), 1)

	now = now.Add(2 * time.Second)
	assert.Len(t, c.Peers(), 1, "two missed beats is still alive")

	now = now.Add(2 * time.Second)
	assert.Empty(t, c.Peers())

	c.expire()
	c.mu.RLock()
	assert.Empty(t, c.peers)
	c.mu.RUnlock()
}

func TestLeavingDescriptorRemovesPeer(t *testing.T) {
	c, err := NewCoordinator(Config{InstanceID: "a", Bus: bus.NewMemory(1, zerolog.Nop()), Rooms: &localRooms{}, Logger: zerolog.Nop()})
	require.NoError(t, err)

	data, _ := json.Marshal(Descriptor{ID: "b"})
	c.handleDescriptor("", data)
	require.Len(t, c.Peers(), 1)

	data, _ = json.Marshal(Descriptor{ID: "b", Leaving: true})
	c.handleDescriptor("", data)
	assert.Empty(t, c.Peers())
}

func TestPublishQueueFull(t *testing.T) {
	c, err := NewCoordinator(Config{InstanceID: "a", QueueSize: 1, Bus: bus.NewMemory(1, zerolog.Nop()), Rooms: &localRooms{}, Logger: zerolog.Nop()})
	require.NoError(t, err)

	// Not started, so nothing drains the queue
	require.NoError(t, c.Publish("group:x", "e", nil))
	assert.ErrorIs(t, c.Publish("group:x", "e", nil), ErrQueueFull)
}

func TestMalformedMessagesIgnored(t *testing.T) {
	rooms := &localRooms{}
	c, err := NewCoordinator(Config{InstanceID: "a", Bus: bus.NewMemory(1, zerolog.Nop()), Rooms: rooms, Logger: zerolog.Nop()})
	require.NoError(t, err)

	c.handleRoomMessage("", []byte("{"))
	c.handleDescriptor("", []byte("nope"))
	assert.Empty(t, rooms.snapshot())
	assert.Empty(t, c.Peers())
}

func TestNewCoordinatorValidates(t *testing.T) {
	_, err := NewCoordinator(Config{Bus: bus.NewMemory(1, zerolog.Nop()), Rooms: &localRooms{}})
	assert.Error(t, err)
	_, err = NewCoordinator(Config{InstanceID: "a", Rooms: &localRooms{}})
	assert.Error(t, err)
	_, err = NewCoordinator(Config{InstanceID: "a", Bus: bus.NewMemory(1, zerolog.Nop())})
	assert.Error(t, err)
}
