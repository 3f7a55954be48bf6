package rooms

import (
	"time"
)

// room is guarded by its shard's lock.
type room struct {
	id        string
	name      string
	typ       Type
	createdAt time.Time

	// members keeps insertion order; memberSet makes lookups O(1)
	members   []string
	memberSet map[string]struct{}

	metadata map[string]any
	history  *history
}

func (r *room) add(connID string) bool {
	if _, ok := r.memberSet[connID]; ok {
		return false
	}
	r.memberSet[connID] = struct{}{}
	r.members = append(r.members, connID)
	return true
}

func (r *room) remove(connID string) bool {
	if _, ok := r.memberSet[connID]; !ok {
		return false
	}
	delete(r.memberSet, connID)
	for i, id := range r.members {
		if id == connID {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	return true
}

func (r *room) snapshotMembers() []string {
	out := make([]string, len(r.members))
	copy(out, r.members)
	return out
}

func (r *room) snapshotMetadata() map[string]any {
	if len(r.metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(r.metadata))
	for k, v := range r.metadata {
		out[k] = v
	}
	return out
}

func (r *room) info() Info {
	return Info{
		ID:        r.id,
		Name:      r.name,
		Type:      r.typ,
		CreatedAt: r.createdAt,
		Members:   r.snapshotMembers(),
		Metadata:  r.snapshotMetadata(),
	}
}

// Info is a point-in-time view of a room.
type Info struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      Type           `json:"type"`
	CreatedAt time.Time      `json:"createdAt"`
	Members   []string       `json:"members"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// history is a fixed-size ring of recent payloads, oldest first on read.
type history struct {
	items []any
	next  int
	full  bool
}

func newHistory(size int) *history {
	if size <= 0 {
		return nil
	}
	return &history{items: make([]any, size)}
}

func (h *history) add(item any) {
	if h == nil {
		return
	}
	h.items[h.next] = item
	h.next = (h.next + 1) % len(h.items)
	if h.next == 0 {
		h.full = true
	}
}

func (h *history) list() []any {
	if h == nil {
		return nil
	}
	if !h.full {
		out := make([]any, h.next)
		copy(out, h.items[:h.next])
		return out
	}
	out := make([]any, 0, len(h.items))
	out = append(out, h.items[h.next:]...)
	out = append(out, h.items[:h.next]...)
	return out
}
