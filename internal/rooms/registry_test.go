package rooms

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	connID  string
	event   string
	payload any
}

type fakeDeliverer struct {
	mu   sync.Mutex
	got  []delivery
	fail map[string]bool
}

func (f *fakeDeliverer) Deliver(connID, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[connID] {
		return errors.New("gone")
	}
	f.got = append(f.got, delivery{connID, event, payload})
	return nil
}

func (f *fakeDeliverer) recipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.got))
	for _, d := range f.got {
		out = append(out, d.connID)
	}
	return out
}

type fakePublisher struct {
	mu    sync.Mutex
	rooms []string
	err   error
}

func (f *fakePublisher) Publish(room, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = append(f.rooms, room)
	return f.err
}

func newTestRegistry() (*Registry, *fakeDeliverer) {
	r := NewRegistry(Config{HistorySize: 3, Logger: zerolog.Nop()})
	d := &fakeDeliverer{}
	r.SetDeliverer(d)
	return r, d
}

func TestParseName(t *testing.T) {
	tests := []struct {
		in     string
		typ    Type
		id     string
		hasErr bool
	}{
		{"user:u1", TypeUser, "u1", false},
		{"group:lobby", TypeGroup, "lobby", false},
		{"system:broadcast", TypeSystem, "broadcast", false},
		{"lobby", TypeGroup, "lobby", false},
		{"team:blue", TypeGroup, "team:blue", false},
		{"user:", "", "", true},
		{"", "", "", true},
		{"has space", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			typ, id, err := ParseName(tt.in)
			if tt.hasErr {
				assert.ErrorIs(t, err, ErrInvalidName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.typ, typ)
			assert.Equal(t, tt.id, id)
		})
	}
}

func TestNormalize(t *testing.T) {
	name, err := Normalize("lobby", TypeGroup)
	require.NoError(t, err)
	assert.Equal(t, "group:lobby", name)

	name, err = Normalize("user:u1", TypeUser)
	require.NoError(t, err)
	assert.Equal(t, "user:u1", name)

	_, err = Normalize("user:u1", TypeGroup)
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestJoinIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry()

	res, err := r.Join("c1", "lobby", TypeGroup)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Added)
	assert.Equal(t, "group:lobby", res.Room)

	res, err = r.Join("c1", "lobby", TypeGroup)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.False(t, res.Added)

	assert.Equal(t, []string{"c1"}, r.Members("group:lobby"))
	assert.Equal(t, []string{"group:lobby"}, r.RoomsOf("c1"))
}

func TestLeaveDeletesEmptyUserAndGroupRooms(t *testing.T) {
	r, _ := newTestRegistry()
	_, _ = r.Join("c1", "lobby", TypeGroup)
	_, _ = r.Join("c2", "lobby", TypeGroup)
	_, _ = r.Join("c1", "u1", TypeUser)

	assert.True(t, r.Leave("c1", "group:lobby"))
	_, ok := r.Get("group:lobby")
	assert.True(t, ok, "room with remaining members survives")

	assert.True(t, r.Leave("c2", "group:lobby"))
	_, ok = r.Get("group:lobby")
	assert.False(t, ok)

	assert.True(t, r.Leave("c1", "user:u1"))
	_, ok = r.Get("user:u1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())

	assert.False(t, r.Leave("c1", "user:u1"))
}

func TestSystemRoomsPersist(t *testing.T) {
	r, _ := newTestRegistry()
	_, _ = r.Join("c1", "broadcast", TypeSystem)

	assert.True(t, r.Leave("c1", "system:broadcast"))
	info, ok := r.Get("system:broadcast")
	require.True(t, ok)
	assert.Empty(t, info.Members)
	assert.Equal(t, []string{"system:broadcast"}, r.ListByType(TypeSystem))
}

func TestLeaveAll(t *testing.T) {
	r, _ := newTestRegistry()
	_, _ = r.Join("c1", "a", TypeGroup)
	_, _ = r.Join("c1", "b", TypeGroup)
	_, _ = r.Join("c1", "broadcast", TypeSystem)
	_, _ = r.Join("c2", "a", TypeGroup)

	left := r.LeaveAll("c1")
	assert.ElementsMatch(t, []string{"group:a", "group:b", "system:broadcast"}, left)
	assert.Empty(t, r.RoomsOf("c1"))
	assert.Equal(t, []string{"c2"}, r.Members("group:a"))
	_, ok := r.Get("group:b")
	assert.False(t, ok)
}

func TestAccessCheckAndCreateMetadata(t *testing.T) {
	r, _ := newTestRegistry()
	ownerOnly := func(user string) JoinOption {
		return WithAccessCheck(func(md map[string]any) error {
			if md["owner"] != user {
				return errors.New("not owner")
			}
			return nil
		})
	}

	res, err := r.Join("a", "private-x", TypeGroup,
		WithCreateMetadata(map[string]any{"owner": "alice"}), ownerOnly("alice"))
	require.NoError(t, err)
	assert.True(t, res.Created)

	_, err = r.Join("b", "private-x", TypeGroup,
		WithCreateMetadata(map[string]any{"owner": "bob"}), ownerOnly("bob"))
	assert.Error(t, err)
	assert.Equal(t, []string{"a"}, r.Members("group:private-x"))
	assert.Empty(t, r.RoomsOf("b"))

	md, ok := r.Metadata("group:private-x")
	require.True(t, ok)
	assert.Equal(t, "alice", md["owner"])
}

func TestSetMetadata(t *testing.T) {
	r, _ := newTestRegistry()
	assert.False(t, r.SetMetadata("group:none", map[string]any{"k": "v"}))

	_, _ = r.Join("c1", "lobby", TypeGroup)
	assert.True(t, r.SetMetadata("group:lobby", map[string]any{"topic": "go", "pinned": true}))
	assert.True(t, r.SetMetadata("group:lobby", map[string]any{"pinned": nil}))

	md, _ := r.Metadata("group:lobby")
	assert.Equal(t, map[string]any{"topic": "go"}, md)
}

func TestHistoryRing(t *testing.T) {
	r, _ := newTestRegistry()
	_, _ = r.Join("c1", "lobby", TypeGroup)

	for i := 1; i <= 5; i++ {
		require.NoError(t, r.AppendHistory("group:lobby", i))
	}
	assert.Equal(t, []any{3, 4, 5}, r.History("group:lobby"))
	assert.ErrorIs(t, r.AppendHistory("group:none", 1), ErrNoSuchRoom)
}

func TestBroadcastOrderAndRelay(t *testing.T) {
	r, d := newTestRegistry()
	pub := &fakePublisher{}
	r.SetPublisher(pub)

	for _, c := range []string{"c3", "c1", "c2"} {
		_, _ = r.Join(c, "lobby", TypeGroup)
	}

	n := r.Broadcast("group:lobby", "new_message", "hi")
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"c3", "c1", "c2"}, d.recipients())
	assert.Equal(t, []string{"group:lobby"}, pub.rooms)
}

func TestBroadcastLocalDoesNotRelay(t *testing.T) {
	r, d := newTestRegistry()
	pub := &fakePublisher{}
	r.SetPublisher(pub)
	_, _ = r.Join("c1", "lobby", TypeGroup)

	assert.Equal(t, 1, r.BroadcastLocal("group:lobby", "new_message", "hi"))
	assert.Len(t, d.recipients(), 1)
	assert.Empty(t, pub.rooms)
}

func TestBroadcastSurvivesFailures(t *testing.T) {
	r, d := newTestRegistry()
	d.fail = map[string]bool{"c2": true}
	r.SetPublisher(&fakePublisher{err: errors.New("bus down")})

	for _, c := range []string{"c1", "c2", "c3"} {
		_, _ = r.Join(c, "lobby", TypeGroup)
	}
	assert.Equal(t, 2, r.Broadcast("group:lobby", "e", nil))
	assert.Equal(t, []string{"c1", "c3"}, d.recipients())
}

func TestBroadcastExcept(t *testing.T) {
	r, d := newTestRegistry()
	_, _ = r.Join("c1", "lobby", TypeGroup)
	_, _ = r.Join("c2", "lobby", TypeGroup)

	assert.Equal(t, 1, r.BroadcastExcept("group:lobby", "c1", "user_joined", nil))
	assert.Equal(t, []string{"c2"}, d.recipients())
}

func TestBroadcastByType(t *testing.T) {
	r, d := newTestRegistry()
	_, _ = r.Join("c1", "broadcast", TypeSystem)
	_, _ = r.Join("c2", "alerts", TypeSystem)
	_, _ = r.Join("c3", "lobby", TypeGroup)

	n := r.BroadcastByType(TypeSystem, "system:notification", "maintenance")
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"c1", "c2"}, d.recipients())
}

func TestConcurrentJoinLeave(t *testing.T) {
	r, _ := newTestRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprintf("c%d", i)
			for j := 0; j < 20; j++ {
				room := fmt.Sprintf("room-%d", j%5)
				_, _ = r.Join(conn, room, TypeGroup)
				if j%2 == 0 {
					r.Leave(conn, "group:"+room)
				}
			}
			r.LeaveAll(conn)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.List())
}
