// Package cluster lets sibling instances share room broadcasts and a view of
// each other's load over a bus.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/adred-codev/roomcast/internal/bus"
	"github.com/adred-codev/roomcast/internal/monitoring"
	"github.com/rs/zerolog"
)

// ErrQueueFull is returned by Publish when the outbound queue is saturated.
var ErrQueueFull = errors.New("cluster: outbound queue full")

// Peers are forgotten after this many missed heartbeats.
const expiryHeartbeats = 3

// Descriptor is what an instance advertises about itself.
type Descriptor struct {
	ID          string    `json:"id"`
	Hostname    string    `json:"hostname"`
	Connections int64     `json:"connections"`
	Load        float64   `json:"load"`
	CPU         float64   `json:"cpu"`
	Memory      float64   `json:"memory"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Leaving     bool      `json:"leaving,omitempty"`
	Self        bool      `json:"self,omitempty"`
}

// Sample is the local state folded into each heartbeat.
type Sample struct {
	Connections int64
	Load        float64 // 0-100
	CPU         float64
	Memory      float64
}

// LocalBroadcaster delivers to members on this instance only.
// rooms.Registry satisfies it.
type LocalBroadcaster interface {
	BroadcastLocal(room, event string, payload any) int
}

type roomMessage struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Config struct {
	InstanceID string
	Prefix     string
	Heartbeat  time.Duration
	QueueSize  int
	Bus        bus.Bus
	Rooms      LocalBroadcaster
	Sample     func() Sample
	Logger     zerolog.Logger
}

type peer struct {
	desc     Descriptor
	lastSeen time.Time
}

// Coordinator relays room broadcasts to siblings and tracks their heartbeats.
type Coordinator struct {
	id        string
	hostname  string
	heartbeat time.Duration
	roomsSubj string
	instSubj  string

	bus    bus.Bus
	rooms  LocalBroadcaster
	sample func() Sample
	logger zerolog.Logger
	now    func() time.Time

	outbound chan roomMessage

	mu    sync.RWMutex
	peers map[string]*peer
	self  Descriptor

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.InstanceID == "" {
		return nil, fmt.Errorf("instance id is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if cfg.Rooms == nil {
		return nil, fmt.Errorf("local broadcaster is required")
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "roomcast"
	}
	if cfg.Sample == nil {
		cfg.Sample = func() Sample { return Sample{} }
	}

	hostname, _ := os.Hostname()

	return &Coordinator{
		id:        cfg.InstanceID,
		hostname:  hostname,
		heartbeat: cfg.Heartbeat,
		roomsSubj: cfg.Prefix + ".rooms",
		instSubj:  cfg.Prefix + ".instances",
		bus:       cfg.Bus,
		rooms:     cfg.Rooms,
		sample:    cfg.Sample,
		logger:    cfg.Logger.With().Str("component", "cluster").Str("instance_id", cfg.InstanceID).Logger(),
		now:       time.Now,
		outbound:  make(chan roomMessage, cfg.QueueSize),
		peers:     make(map[string]*peer),
	}, nil
}

func (c *Coordinator) ID() string { return c.id }

// Start subscribes to both subjects, then runs the publisher and heartbeat
// loops until Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.bus.Subscribe(c.roomsSubj, c.handleRoomMessage); err != nil {
		return fmt.Errorf("subscribe rooms: %w", err)
	}
	if err := c.bus.Subscribe(c.instSubj, c.handleDescriptor); err != nil {
		return fmt.Errorf("subscribe instances: %w", err)
	}

	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(2)
	go c.publishLoop(ctx)
	go c.heartbeatLoop(ctx)

	c.logger.Info().
		Str("rooms_subject", c.roomsSubj).
		Str("instances_subject", c.instSubj).
		Dur("heartbeat", c.heartbeat).
		Msg("Cluster coordinator started")
	return nil
}

// Stop announces departure and stops the loops. Queued relays that have not
// been sent yet are dropped.
func (c *Coordinator) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	desc := c.describe()
	desc.Leaving = true
	if err := c.publishDescriptor(ctx, desc); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to announce departure")
	}

	c.logger.Info().Msg("Cluster coordinator stopped")
}

// Publish queues a room broadcast for siblings. It never blocks the caller.
func (c *Coordinator) Publish(room, event string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			monitoring.RecordError(monitoring.ErrorTypeSerialization, monitoring.ErrorSeverityWarning)
			return fmt.Errorf("marshal payload: %w", err)
		}
		raw = data
	}

	msg := roomMessage{Origin: c.id, Room: room, Event: event, Payload: raw}
	select {
	case c.outbound <- msg:
		return nil
	default:
		monitoring.RecordBusMessage("out", ErrQueueFull)
		return ErrQueueFull
	}
}

func (c *Coordinator) publishLoop(ctx context.Context) {
	defer c.wg.Done()
	defer monitoring.RecoverPanic(c.logger, "cluster.publishLoop", nil)

	for {
		select {
		case msg := <-c.outbound:
			data, err := json.Marshal(msg)
			if err == nil {
				err = c.bus.Publish(ctx, c.roomsSubj, data)
			}
			monitoring.RecordBusMessage("out", err)
			if err != nil {
				c.logger.Warn().
					Err(err).
					Str("room", msg.Room).
					Str("event", msg.Event).
					Msg("Failed to relay room broadcast")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) handleRoomMessage(_ string, data []byte) {
	var msg roomMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		monitoring.RecordBusMessage("in", err)
		c.logger.Warn().Err(err).Msg("Dropping malformed room message")
		return
	}
	if msg.Origin == c.id {
		return
	}
	monitoring.RecordBusMessage("in", nil)

	var payload any
	if len(msg.Payload) > 0 {
		payload = msg.Payload
	}
	c.rooms.BroadcastLocal(msg.Room, msg.Event, payload)
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	defer monitoring.RecoverPanic(c.logger, "cluster.heartbeatLoop", nil)

	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	c.beat(ctx)
	for {
		select {
		case <-ticker.C:
			c.beat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) beat(ctx context.Context) {
	desc := c.describe()
	if err := c.publishDescriptor(ctx, desc); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to publish heartbeat")
	}
	c.expire()
}

func (c *Coordinator) describe() Descriptor {
	s := c.sample()
	desc := Descriptor{
		ID:          c.id,
		Hostname:    c.hostname,
		Connections: s.Connections,
		Load:        s.Load,
		CPU:         s.CPU,
		Memory:      s.Memory,
		UpdatedAt:   c.now().UTC(),
	}

	c.mu.Lock()
	c.self = desc
	c.mu.Unlock()

	monitoring.SetInstanceLoad(c.id, desc.Load)
	return desc
}

func (c *Coordinator) publishDescriptor(ctx context.Context, desc Descriptor) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	err = c.bus.Publish(ctx, c.instSubj, data)
	monitoring.RecordBusMessage("out", err)
	return err
}

func (c *Coordinator) handleDescriptor(_ string, data []byte) {
	var desc Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		monitoring.RecordBusMessage("in", err)
		c.logger.Warn().Err(err).Msg("Dropping malformed descriptor")
		return
	}
	if desc.ID == c.id || desc.ID == "" {
		return
	}
	monitoring.RecordBusMessage("in", nil)

	c.mu.Lock()
	if desc.Leaving {
		delete(c.peers, desc.ID)
	} else {
		p, ok := c.peers[desc.ID]
		if !ok {
			p = &peer{}
			c.peers[desc.ID] = p
			c.logger.Info().Str("peer_id", desc.ID).Str("hostname", desc.Hostname).Msg("Peer instance joined")
		}
		p.desc = desc
		// Expiry uses the local clock so skewed peers do not vanish early
		p.lastSeen = c.now()
	}
	active := len(c.peers) + 1
	c.mu.Unlock()

	if desc.Leaving {
		monitoring.DeleteInstanceLoad(desc.ID)
		c.logger.Info().Str("peer_id", desc.ID).Msg("Peer instance left")
	} else {
		monitoring.SetInstanceLoad(desc.ID, desc.Load)
	}
	monitoring.SetInstancesActive(active)
}

// expire drops peers that missed three heartbeats.
func (c *Coordinator) expire() {
	cutoff := c.now().Add(-expiryHeartbeats * c.heartbeat)

	var gone []string
	c.mu.Lock()
	for id, p := range c.peers {
		if p.lastSeen.Before(cutoff) {
			delete(c.peers, id)
			gone = append(gone, id)
		}
	}
	active := len(c.peers) + 1
	c.mu.Unlock()

	for _, id := range gone {
		monitoring.DeleteInstanceLoad(id)
		c.logger.Warn().Str("peer_id", id).Msg("Peer instance expired")
	}
	monitoring.SetInstancesActive(active)
}

// Peers returns live sibling descriptors ordered by id.
func (c *Coordinator) Peers() []Descriptor {
	cutoff := c.now().Add(-expiryHeartbeats * c.heartbeat)

	c.mu.RLock()
	out := make([]Descriptor, 0, len(c.peers))
	for _, p := range c.peers {
		if p.lastSeen.Before(cutoff) {
			continue
		}
		out = append(out, p.desc)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Instances returns this instance followed by its live peers.
func (c *Coordinator) Instances() []Descriptor {
	c.mu.RLock()
	self := c.self
	c.mu.RUnlock()
	if self.ID == "" {
		self = c.describe()
	}
	self.Self = true

	return append([]Descriptor{self}, c.Peers()...)
}
