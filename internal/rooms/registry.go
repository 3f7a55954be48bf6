package rooms

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/roomcast/internal/monitoring"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const numShards = 32

// ErrNoSuchRoom is returned for operations on rooms that do not exist.
var ErrNoSuchRoom = errors.New("no such room")

// Deliverer sends one event to one local connection. The transport
// satisfies it.
type Deliverer interface {
	Deliver(connID, event string, payload any) error
}

// CrossInstancePublisher relays a room broadcast to sibling instances.
// A registry without one runs in single-instance mode.
type CrossInstancePublisher interface {
	Publish(room, event string, payload any) error
}

// Config holds Registry settings.
type Config struct {
	// HistorySize is how many recent messages each room remembers (0 disables)
	HistorySize int
	Logger      zerolog.Logger
}

// Registry tracks rooms and their members.
//
// Rooms are spread across shards by name hash, and each connection's room
// set lives in a second shard array keyed by connection id. Lock order is
// always room shard first, then index shard. Delivery and cross-instance
// publish run after every lock has been released.
type Registry struct {
	rooms [numShards]roomShard
	index [numShards]indexShard

	deliverer atomic.Pointer[delivererHolder]
	publisher atomic.Pointer[publisherHolder]

	counts      sync.Map // Type -> *atomic.Int64
	historySize int
	logger      zerolog.Logger
	now         func() time.Time
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

type indexShard struct {
	mu    sync.Mutex
	conns map[string]map[string]struct{} // connID -> room names
}

type delivererHolder struct{ Deliverer }
type publisherHolder struct{ CrossInstancePublisher }

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		historySize: cfg.HistorySize,
		logger:      cfg.Logger.With().Str("component", "rooms").Logger(),
		now:         time.Now,
	}
	for i := range r.rooms {
		r.rooms[i].rooms = make(map[string]*room)
		r.index[i].conns = make(map[string]map[string]struct{})
	}
	for _, t := range []Type{TypeUser, TypeGroup, TypeSystem} {
		r.counts.Store(t, new(atomic.Int64))
	}
	return r
}

// SetDeliverer installs local delivery.
func (r *Registry) SetDeliverer(d Deliverer) {
	r.deliverer.Store(&delivererHolder{d})
}

// SetPublisher installs the cross-instance relay. Passing nil switches back
// to single-instance mode.
func (r *Registry) SetPublisher(p CrossInstancePublisher) {
	if p == nil {
		r.publisher.Store(nil)
		return
	}
	r.publisher.Store(&publisherHolder{p})
}

func shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % numShards)
}

func (r *Registry) roomShard(name string) *roomShard {
	return &r.rooms[shardFor(name)]
}

func (r *Registry) indexShard(connID string) *indexShard {
	return &r.index[shardFor(connID)]
}

func (r *Registry) adjustCount(t Type, delta int64) {
	v, _ := r.counts.Load(t)
	n := v.(*atomic.Int64).Add(delta)
	monitoring.SetRoomCount(string(t), int(n))
}

// JoinOption customizes a single Join call.
type JoinOption func(*joinOptions)

type joinOptions struct {
	createMetadata map[string]any
	check          func(metadata map[string]any) error
}

// WithCreateMetadata sets metadata only if this join creates the room.
func WithCreateMetadata(md map[string]any) JoinOption {
	return func(o *joinOptions) { o.createMetadata = md }
}

// WithAccessCheck runs check against an existing room's metadata while the
// room is locked. A non-nil error aborts the join unchanged.
func WithAccessCheck(check func(metadata map[string]any) error) JoinOption {
	return func(o *joinOptions) { o.check = check }
}

// JoinResult describes what a Join changed.
type JoinResult struct {
	Room    string // full room name
	Created bool   // the room did not exist before
	Added   bool   // false when connID was already a member
}

// Join adds connID to room, creating the room on first join. Joining a room
// twice leaves membership unchanged.
func (r *Registry) Join(connID, roomName string, t Type, opts ...JoinOption) (JoinResult, error) {
	name, err := Normalize(roomName, t)
	if err != nil {
		return JoinResult{}, err
	}

	var o joinOptions
	for _, opt := range opts {
		opt(&o)
	}

	res := JoinResult{Room: name}
	s := r.roomShard(name)

	s.mu.Lock()
	rm, exists := s.rooms[name]
	if exists {
		if _, member := rm.memberSet[connID]; !member && o.check != nil {
			if err := o.check(rm.snapshotMetadata()); err != nil {
				s.mu.Unlock()
				return JoinResult{}, err
			}
		}
	} else {
		rm = &room{
			id:        uuid.NewString(),
			name:      name,
			typ:       t,
			createdAt: r.now(),
			memberSet: make(map[string]struct{}),
			history:   newHistory(r.historySize),
		}
		if len(o.createMetadata) > 0 {
			rm.metadata = make(map[string]any, len(o.createMetadata))
			for k, v := range o.createMetadata {
				rm.metadata[k] = v
			}
		}
		s.rooms[name] = rm
		res.Created = true
	}
	res.Added = rm.add(connID)

	idx := r.indexShard(connID)
	idx.mu.Lock()
	set, ok := idx.conns[connID]
	if !ok {
		set = make(map[string]struct{})
		idx.conns[connID] = set
	}
	set[name] = struct{}{}
	idx.mu.Unlock()
	s.mu.Unlock()

	if res.Created {
		r.adjustCount(t, 1)
		r.logger.Debug().Str("room", name).Msg("Room created")
	}

	return res, nil
}

// EnsureRoom creates a room with no members if it does not exist yet.
// It is meant for system rooms, which persist while empty.
func (r *Registry) EnsureRoom(roomName string, t Type) (string, error) {
	name, err := Normalize(roomName, t)
	if err != nil {
		return "", err
	}

	s := r.roomShard(name)
	s.mu.Lock()
	_, exists := s.rooms[name]
	if !exists {
		s.rooms[name] = &room{
			id:        uuid.NewString(),
			name:      name,
			typ:       t,
			createdAt: r.now(),
			memberSet: make(map[string]struct{}),
			history:   newHistory(r.historySize),
		}
	}
	s.mu.Unlock()

	if !exists {
		r.adjustCount(t, 1)
	}
	return name, nil
}

// Leave removes connID from room. An empty user or group room is deleted;
// a system room persists. It reports whether connID was a member.
func (r *Registry) Leave(connID, room string) bool {
	s := r.roomShard(room)

	s.mu.Lock()
	rm, ok := s.rooms[room]
	if !ok || !rm.remove(connID) {
		s.mu.Unlock()
		return false
	}

	deleted := false
	if len(rm.members) == 0 && rm.typ != TypeSystem {
		delete(s.rooms, room)
		deleted = true
	}

	idx := r.indexShard(connID)
	idx.mu.Lock()
	if set, ok := idx.conns[connID]; ok {
		delete(set, room)
		if len(set) == 0 {
			delete(idx.conns, connID)
		}
	}
	idx.mu.Unlock()
	s.mu.Unlock()

	if deleted {
		r.adjustCount(rm.typ, -1)
		r.logger.Debug().Str("room", room).Msg("Empty room deleted")
	}
	return true
}

// LeaveAll removes connID from every room and returns the rooms it left.
func (r *Registry) LeaveAll(connID string) []string {
	left := r.RoomsOf(connID)
	out := left[:0]
	for _, name := range left {
		if r.Leave(connID, name) {
			out = append(out, name)
		}
	}
	return out
}

// RoomsOf returns the rooms connID belongs to, sorted.
func (r *Registry) RoomsOf(connID string) []string {
	idx := r.indexShard(connID)
	idx.mu.Lock()
	set := idx.conns[connID]
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	idx.mu.Unlock()
	sort.Strings(out)
	return out
}

// IsMember reports whether connID is in room.
func (r *Registry) IsMember(connID, room string) bool {
	s := r.roomShard(room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rm, ok := s.rooms[room]
	if !ok {
		return false
	}
	_, member := rm.memberSet[connID]
	return member
}

// Members returns room's members in join order.
func (r *Registry) Members(room string) []string {
	s := r.roomShard(room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rm, ok := s.rooms[room]; ok {
		return rm.snapshotMembers()
	}
	return nil
}

// Get returns a snapshot of room.
func (r *Registry) Get(room string) (Info, bool) {
	s := r.roomShard(room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rm, ok := s.rooms[room]; ok {
		return rm.info(), true
	}
	return Info{}, false
}

// List returns every room ordered by name.
func (r *Registry) List() []Info {
	var out []Info
	for i := range r.rooms {
		s := &r.rooms[i]
		s.mu.RLock()
		for _, rm := range s.rooms {
			out = append(out, rm.info())
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListByType returns the names of every room of type t, sorted.
func (r *Registry) ListByType(t Type) []string {
	var out []string
	for i := range r.rooms {
		s := &r.rooms[i]
		s.mu.RLock()
		for name, rm := range s.rooms {
			if rm.typ == t {
				out = append(out, name)
			}
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// Count returns the number of rooms.
func (r *Registry) Count() int {
	var n int64
	r.counts.Range(func(_, v any) bool {
		n += v.(*atomic.Int64).Load()
		return true
	})
	return int(n)
}

// SetMetadata merges patch into room's metadata. A nil value deletes the
// key. It returns false if the room does not exist.
func (r *Registry) SetMetadata(room string, patch map[string]any) bool {
	s := r.roomShard(room)
	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[room]
	if !ok {
		return false
	}
	if rm.metadata == nil {
		rm.metadata = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(rm.metadata, k)
			continue
		}
		rm.metadata[k] = v
	}
	return true
}

// Metadata returns a copy of room's metadata.
func (r *Registry) Metadata(room string) (map[string]any, bool) {
	s := r.roomShard(room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rm, ok := s.rooms[room]
	if !ok {
		return nil, false
	}
	return rm.snapshotMetadata(), true
}

// AppendHistory remembers payload as the newest message of room.
func (r *Registry) AppendHistory(room string, payload any) error {
	s := r.roomShard(room)
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[room]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchRoom, room)
	}
	rm.history.add(payload)
	return nil
}

// History returns room's remembered messages, oldest first.
func (r *Registry) History(room string) []any {
	s := r.roomShard(room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rm, ok := s.rooms[room]; ok {
		return rm.history.list()
	}
	return nil
}
