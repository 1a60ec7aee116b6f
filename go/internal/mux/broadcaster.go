package mux

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

var (
	// ErrCapacity rejects an attach once MaxClients connections are up.
	ErrCapacity = errors.New("broadcaster at client capacity")
	// ErrStopped rejects an attach after Stop.
	ErrStopped = errors.New("broadcaster stopped")
)

// DropPolicy selects which pending message a full per-connection buffer
// sacrifices.
type DropPolicy string

const (
	DropOldest DropPolicy = "oldest"
	DropNewest DropPolicy = "newest"
)

// BroadcasterConfig holds the fan-out tunables.
type BroadcasterConfig struct {
	// MaxClients bounds concurrent attached connections.
	MaxClients int
	// BufferSize is the per-connection pending-message bound.
	BufferSize int
	// DropPolicy is applied when a connection's buffer is full.
	DropPolicy DropPolicy
	// PingInterval between keep-alive writes. Zero disables pings.
	PingInterval time.Duration
	// ClientTimeout sweeps connections with no successful write for this long.
	// Zero disables the sweep.
	ClientTimeout time.Duration
	// SnapshotFunc supplies the attach-time snapshot payload; returning false
	// means no state is available yet and nothing is pre-written.
	SnapshotFunc func() ([]byte, bool)
	// Clock drives ping and sweep timers. Defaults to the real clock.
	Clock clockwork.Clock
}

func (c BroadcasterConfig) withDefaults() BroadcasterConfig {
	if c.MaxClients <= 0 {
		c.MaxClients = 100
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.DropPolicy != DropNewest {
		c.DropPolicy = DropOldest
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Stats is a point-in-time view of broadcaster activity.
type Stats struct {
	Clients       int   `json:"clients"`
	TotalAttached int64 `json:"totalAttached"`
	Dropped       int64 `json:"dropped"`
	Reaped        int64 `json:"reaped"`
	WriteFailures int64 `json:"writeFailures"`
}

type message struct {
	name    string
	payload []byte
	ping    bool
}

type client struct {
	id   uuid.UUID
	conn Conn
	send chan message
	done chan struct{}
	once sync.Once

	// lastActivity is guarded by the broadcaster mutex.
	lastActivity time.Time
}

func (c *client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Broadcaster fans one reconciled event stream out to many downstream
// connections. One slow consumer never stalls the rest: each connection gets
// a bounded queue and its own write goroutine, and a write failure detaches
// only that connection.
type Broadcaster struct {
	clock clockwork.Clock
	cfg   BroadcasterConfig

	mu      sync.Mutex
	clients map[uuid.UUID]*client
	byConn  map[Conn]uuid.UUID
	stopped bool

	totalAttached int64
	dropped       int64
	reaped        int64
	writeFailures int64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewBroadcaster creates a broadcaster and starts its keep-alive and idle
// sweep maintenance.
func NewBroadcaster(cfg BroadcasterConfig) *Broadcaster {
	cfg = cfg.withDefaults()
	b := &Broadcaster{
		clock:   cfg.Clock,
		cfg:     cfg,
		clients: make(map[uuid.UUID]*client),
		byConn:  make(map[Conn]uuid.UUID),
		stop:    make(chan struct{}),
	}
	if cfg.PingInterval > 0 {
		go b.pingLoop()
	}
	if cfg.ClientTimeout > 0 {
		go b.sweepLoop()
	}
	return b
}

// Attach registers a connection and queues the current snapshot as its first
// message, so every new consumer starts from a no-gap state. Returns
// ErrCapacity when MaxClients connections are already attached.
func (b *Broadcaster) Attach(conn Conn) (uuid.UUID, error) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return uuid.Nil, ErrStopped
	}
	if len(b.clients) >= b.cfg.MaxClients {
		b.mu.Unlock()
		return uuid.Nil, ErrCapacity
	}

	c := &client{
		id:           uuid.New(),
		conn:         conn,
		send:         make(chan message, b.cfg.BufferSize),
		done:         make(chan struct{}),
		lastActivity: b.clock.Now(),
	}
	if b.cfg.SnapshotFunc != nil {
		if payload, ok := b.cfg.SnapshotFunc(); ok {
			c.send <- message{name: "snapshot", payload: payload}
		}
	}
	b.clients[c.id] = c
	b.byConn[conn] = c.id
	b.totalAttached++
	count := len(b.clients)
	b.mu.Unlock()

	go b.writePump(c)
	log.Info().Str("connection_id", c.id.String()).Int("clients", count).Msg("connection attached")
	return c.id, nil
}

// Detach removes a connection by id. Idempotent.
func (b *Broadcaster) Detach(id uuid.UUID) {
	b.mu.Lock()
	c, ok := b.clients[id]
	if ok {
		delete(b.clients, id)
		delete(b.byConn, c.conn)
	}
	count := len(b.clients)
	b.mu.Unlock()
	if !ok {
		return
	}
	c.shutdown()
	log.Info().Str("connection_id", id.String()).Int("clients", count).Msg("connection detached")
}

// DetachByHandle removes a connection by its handle. Idempotent.
func (b *Broadcaster) DetachByHandle(conn Conn) {
	b.mu.Lock()
	id, ok := b.byConn[conn]
	b.mu.Unlock()
	if ok {
		b.Detach(id)
	}
}

// Broadcast queues one named event for every attached connection. Full
// buffers drop per policy; nothing here blocks on a slow consumer.
func (b *Broadcaster) Broadcast(name string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	for _, c := range b.clients {
		b.enqueueLocked(c, message{name: name, payload: payload})
	}
}

// Ping queues a keep-alive for every attached connection.
func (b *Broadcaster) Ping() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	for _, c := range b.clients {
		b.enqueueLocked(c, message{ping: true})
	}
}

func (b *Broadcaster) enqueueLocked(c *client, m message) {
	select {
	case c.send <- m:
		return
	default:
	}
	b.dropped++
	if b.cfg.DropPolicy == DropNewest {
		return
	}
	// Sacrifice the oldest pending message to make room.
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- m:
	default:
	}
}

// Stats returns a point-in-time activity view.
func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Clients:       len(b.clients),
		TotalAttached: b.totalAttached,
		Dropped:       b.dropped,
		Reaped:        b.reaped,
		WriteFailures: b.writeFailures,
	}
}

// Stop detaches every connection and rejects further attaches. Idempotent.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	clients := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[uuid.UUID]*client)
	b.byConn = make(map[Conn]uuid.UUID)
	b.mu.Unlock()
	for _, c := range clients {
		c.shutdown()
	}
}

// writePump is the single writer for one connection. A failed write is an
// implicit disconnect for that connection only.
func (b *Broadcaster) writePump(c *client) {
	for {
		select {
		case <-c.done:
			return
		case m := <-c.send:
			var err error
			if m.ping {
				err = c.conn.Ping()
			} else {
				err = c.conn.WriteEvent(m.name, m.payload)
			}
			if err != nil {
				b.mu.Lock()
				b.writeFailures++
				b.mu.Unlock()
				log.Warn().Err(err).Str("connection_id", c.id.String()).Msg("write failed, detaching connection")
				b.Detach(c.id)
				return
			}
			b.mu.Lock()
			c.lastActivity = b.clock.Now()
			b.mu.Unlock()
		}
	}
}

func (b *Broadcaster) pingLoop() {
	ticker := b.clock.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.Chan():
			b.Ping()
		}
	}
}

// sweepLoop reaps connections with no successful write inside ClientTimeout,
// covering silently dead peers that never fail a write.
func (b *Broadcaster) sweepLoop() {
	ticker := b.clock.NewTicker(b.cfg.ClientTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.Chan():
			b.sweep()
		}
	}
}

func (b *Broadcaster) sweep() {
	cutoff := b.clock.Now().Add(-b.cfg.ClientTimeout)
	b.mu.Lock()
	var stale []uuid.UUID
	for id, c := range b.clients {
		if c.lastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	b.reaped += int64(len(stale))
	b.mu.Unlock()
	for _, id := range stale {
		log.Info().Str("connection_id", id.String()).Msg("reaping idle connection")
		b.Detach(id)
	}
}
