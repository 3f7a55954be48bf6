package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/adred-codev/roomcast/internal/cluster"
	"github.com/adred-codev/roomcast/internal/handlers"
	"github.com/adred-codev/roomcast/internal/monitoring"
	"github.com/adred-codev/roomcast/internal/rooms"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

type statusResponse struct {
	Status      string         `json:"status"`
	InstanceID  string         `json:"instanceId"`
	Connections int64          `json:"connections"`
	Rooms       int            `json:"rooms"`
	Messages    messageCounts  `json:"messages"`
	Uptime      float64        `json:"uptime"` // seconds
	Stats       map[string]any `json:"stats"`
}

type messageCounts struct {
	Sent     int64 `json:"sent"`
	Received int64 `json:"received"`
}

func (a *API) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := a.deps.Stats.Snapshot()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:      "ok",
		InstanceID:  a.deps.InstanceID,
		Connections: a.deps.Sessions.Count(),
		Rooms:       a.deps.Rooms.Count(),
		Messages:    messageCounts{Sent: snap.MessagesSent, Received: snap.MessagesReceived},
		Uptime:      snap.Uptime.Seconds(),
		Stats: map[string]any{
			"totalConnections":    snap.TotalConnections,
			"rejectedConnections": snap.RejectedConnections,
			"rateLimitedMessages": snap.RateLimitedMessages,
			"bytesSent":           snap.BytesSent,
			"bytesReceived":       snap.BytesReceived,
		},
	})
}

type healthResponse struct {
	Status      string                    `json:"status"`
	Healthy     bool                      `json:"healthy"`
	Reason      string                    `json:"reason,omitempty"`
	Load        float64                   `json:"load"`
	Connections int64                     `json:"connections"`
	System      *monitoring.SystemMetrics `json:"system,omitempty"`
}

// handleHealth reports 503 while admission control would refuse new
// connections, so load balancers can route around the instance.
func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:      "healthy",
		Healthy:     true,
		Connections: a.deps.Sessions.Count(),
	}

	if a.deps.Monitor != nil {
		m := a.deps.Monitor.Snapshot()
		resp.System = &m
	}

	status := http.StatusOK
	if a.deps.Health != nil {
		resp.Load = a.deps.Health.LoadScore()
		if allow, _, reason := a.deps.Health.Evaluate(); !allow {
			resp.Status = "overloaded"
			resp.Healthy = false
			resp.Reason = reason
			status = http.StatusServiceUnavailable
			a.logger.Warn().Str("reason", reason).Msg("Health check failed")
		}
	}

	writeJSON(w, status, resp)
}

type roomView struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Type      rooms.Type `json:"type"`
	CreatedAt time.Time  `json:"createdAt"`
	UserCount int        `json:"userCount"`
	Users     []string   `json:"users"`
}

func (a *API) handleRooms(w http.ResponseWriter, r *http.Request) {
	filter := rooms.Type(r.URL.Query().Get("type"))
	if filter != "" && !filter.Valid() {
		writeError(w, http.StatusBadRequest, "unknown room type")
		return
	}

	infos := a.deps.Rooms.List()
	out := make([]roomView, 0, len(infos))
	for _, info := range infos {
		if filter != "" && info.Type != filter {
			continue
		}
		out = append(out, roomView{
			ID:        info.ID,
			Name:      info.Name,
			Type:      info.Type,
			CreatedAt: info.CreatedAt,
			UserCount: len(info.Members),
			Users:     a.usersOf(info.Members),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// usersOf maps connection ids to distinct authenticated user ids.
func (a *API) usersOf(connIDs []string) []string {
	seen := make(map[string]struct{}, len(connIDs))
	users := make([]string, 0, len(connIDs))
	for _, connID := range connIDs {
		userID, ok := a.deps.Sessions.GetUserID(connID)
		if !ok {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

func (a *API) handleConnections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Sessions.List())
}

func (a *API) handleCloseConnection(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "id")
	if a.deps.Conns == nil || !a.deps.Conns.Evict(connID, monitoring.DisconnectReasonEvicted) {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}

	a.logger.Info().Str("conn_id", connID).Msg("Connection closed by operator")
	w.WriteHeader(http.StatusNoContent)
}

type broadcastRequest struct {
	Message string          `json:"message"`
	Type    string          `json:"type,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type notification struct {
	Message   string          `json:"message"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type deliveryResponse struct {
	Success   bool   `json:"success"`
	Delivered int    `json:"delivered"`
	Room      string `json:"room,omitempty"`
}

// handleBroadcast sends a system:notification to every system room.
func (a *API) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.Type == "" {
		req.Type = "info"
	}

	delivered := a.deps.Rooms.BroadcastByType(rooms.TypeSystem, handlers.EventNotification, notification{
		Message:   req.Message,
		Type:      req.Type,
		Data:      req.Data,
		Timestamp: time.Now().UnixMilli(),
	})

	a.logger.Info().
		Str("type", req.Type).
		Int("delivered", delivered).
		Msg("System notification broadcast")

	writeJSON(w, http.StatusOK, deliveryResponse{Success: true, Delivered: delivered})
}

type pushRequest struct {
	UserID string          `json:"userId,omitempty"`
	Room   string          `json:"room,omitempty"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// handlePush delivers one event to a user's personal room or to any room.
func (a *API) handlePush(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Event == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}
	if (req.UserID == "") == (req.Room == "") {
		writeError(w, http.StatusBadRequest, "exactly one of userId or room is required")
		return
	}

	var room string
	if req.UserID != "" {
		room = rooms.Name(rooms.TypeUser, req.UserID)
	} else {
		t, id, err := rooms.ParseName(req.Room)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		room = rooms.Name(t, id)
	}

	var payload any
	if len(req.Data) > 0 {
		payload = req.Data
	}
	delivered := a.deps.Rooms.Broadcast(room, req.Event, payload)

	writeJSON(w, http.StatusOK, deliveryResponse{Success: true, Delivered: delivered, Room: room})
}

type logsResponse struct {
	Count int               `json:"count"`
	Lines []json.RawMessage `json:"lines"`
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	if a.deps.Logs == nil {
		writeJSON(w, http.StatusOK, logsResponse{Lines: []json.RawMessage{}})
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	lines := a.deps.Logs.Lines(limit)
	out := make([]json.RawMessage, 0, len(lines))
	for _, line := range lines {
		if json.Valid([]byte(line)) {
			out = append(out, json.RawMessage(line))
			continue
		}
		// Pretty format lines are plain text
		quoted, _ := json.Marshal(line)
		out = append(out, quoted)
	}
	writeJSON(w, http.StatusOK, logsResponse{Count: len(out), Lines: out})
}

func (a *API) handleInstances(w http.ResponseWriter, _ *http.Request) {
	if a.deps.Cluster != nil {
		writeJSON(w, http.StatusOK, a.deps.Cluster.Instances())
		return
	}

	// Single-instance mode: describe ourselves
	hostname, _ := os.Hostname()
	self := cluster.Descriptor{
		ID:          a.deps.InstanceID,
		Hostname:    hostname,
		Connections: atomic.LoadInt64(&a.deps.Stats.CurrentConnections),
		UpdatedAt:   time.Now().UTC(),
		Self:        true,
	}
	if a.deps.Health != nil {
		self.Load = a.deps.Health.LoadScore()
	}
	if a.deps.Monitor != nil {
		m := a.deps.Monitor.Snapshot()
		self.CPU, self.Memory = m.CPUPercent, m.MemoryPercent
	}
	writeJSON(w, http.StatusOK, []cluster.Descriptor{self})
}
