package rooms

import (
	"github.com/adred-codev/roomcast/internal/monitoring"
)

// Broadcast delivers event to every local member of room in join order and
// relays it to sibling instances when a publisher is installed. It returns
// the number of local deliveries that succeeded.
//
// A failed relay is logged, never retried.
func (r *Registry) Broadcast(room, event string, payload any) int {
	return r.broadcast(room, "", event, payload, true)
}

// BroadcastExcept is Broadcast without delivering to skipConnID locally.
func (r *Registry) BroadcastExcept(room, skipConnID, event string, payload any) int {
	return r.broadcast(room, skipConnID, event, payload, true)
}

// BroadcastLocal delivers to local members only. Messages that arrived from
// another instance go through here so they are not relayed again.
func (r *Registry) BroadcastLocal(room, event string, payload any) int {
	return r.broadcast(room, "", event, payload, false)
}

// BroadcastByType broadcasts to every room of type t, one room at a time.
// It returns the total number of local deliveries.
func (r *Registry) BroadcastByType(t Type, event string, payload any) int {
	total := 0
	for _, name := range r.ListByType(t) {
		total += r.Broadcast(name, event, payload)
	}
	return total
}

func (r *Registry) broadcast(room, skip, event string, payload any, relay bool) int {
	members := r.Members(room)

	delivered := 0
	if h := r.deliverer.Load(); h != nil && h.Deliverer != nil {
		for _, connID := range members {
			if connID == skip {
				continue
			}
			if err := h.Deliver(connID, event, payload); err != nil {
				r.logger.Debug().
					Err(err).
					Str("room", room).
					Str("conn_id", connID).
					Str("event", event).
					Msg("Room delivery failed")
				continue
			}
			delivered++
		}
	}

	origin := "local"
	if !relay {
		origin = "remote"
	}
	monitoring.RecordRoomBroadcast(origin)

	if !relay {
		return delivered
	}

	if h := r.publisher.Load(); h != nil && h.CrossInstancePublisher != nil {
		if err := h.Publish(room, event, payload); err != nil {
			r.logger.Warn().
				Err(err).
				Str("room", room).
				Str("event", event).
				Msg("Cross-instance publish failed")
		}
	}

	return delivered
}
