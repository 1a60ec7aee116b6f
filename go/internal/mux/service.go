package mux

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lodegame/roundsync/go/clients/gamestate"
	"github.com/lodegame/roundsync/go/internal/rounds"
)

// ServiceConfig assembles the multiplexer: one upstream poller feeding one
// reconciliation store, fanned out to many downstream connections.
type ServiceConfig struct {
	// Upstream is the ordered endpoint candidate list.
	Upstream []string
	// ClientID is sent with every upstream request.
	ClientID string

	Poller gamestate.PollerConfig
	// EnablePush adds the upstream push subscriber on top of polling.
	EnablePush bool
	Subscriber gamestate.SubscriberConfig
	// EnableHealth deploys the upstream health prober and the downstream
	// health event.
	EnableHealth bool
	Prober       gamestate.ProberConfig

	Store       rounds.Config
	Broadcaster BroadcasterConfig

	// NATSURL enables the relay mirror when non-empty.
	NATSURL string

	Clock clockwork.Clock
}

// Service composes the upstream transport, the reconciliation store, and the
// downstream broadcaster. The poller's apply callback is the only writer to
// the store; everything downstream consumes its events.
type Service struct {
	store       *rounds.Store
	transport   *gamestate.Transport
	broadcaster *Broadcaster
	relay       *Relay
	prober      *gamestate.Prober

	upgrader    websocket.Upgrader
	unsubscribe func()
	stopOnce    sync.Once
}

// NewService wires a multiplexer service.
func NewService(cfg ServiceConfig) (*Service, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cfg.Store.Clock = clock
	svc := &Service{
		store: rounds.NewStore(cfg.Store),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	bCfg := cfg.Broadcaster
	bCfg.Clock = clock
	bCfg.SnapshotFunc = svc.snapshotPayload
	svc.broadcaster = NewBroadcaster(bCfg)

	var hooks gamestate.TransportHooks
	if cfg.EnableHealth {
		hooks.Prober = gamestate.ProberHooks{
			OnReport:   svc.broadcastHealth,
			OnDegraded: svc.broadcastHealth,
		}
	}
	svc.transport = gamestate.NewTransport(gamestate.TransportConfig{
		Endpoints:    cfg.Upstream,
		ClientID:     cfg.ClientID,
		Poller:       cfg.Poller,
		Subscriber:   cfg.Subscriber,
		Prober:       cfg.Prober,
		EnablePush:   cfg.EnablePush,
		EnableHealth: cfg.EnableHealth,
	}, svc.store, clock, hooks)
	svc.prober = svc.transport.Prober

	svc.unsubscribe = svc.store.OnEvent(svc.fanOut)

	if cfg.NATSURL != "" {
		relay, err := NewRelay(DefaultRelayConfig(cfg.NATSURL))
		if err != nil {
			return nil, err
		}
		svc.relay = relay
	}
	return svc, nil
}

// Store exposes the reconciled state for read access.
func (s *Service) Store() *rounds.Store { return s.store }

// Broadcaster exposes the fan-out layer, mainly for stats.
func (s *Service) Broadcaster() *Broadcaster { return s.broadcaster }

// Start launches the upstream transport.
func (s *Service) Start(ctx context.Context) {
	s.transport.Start(ctx)
}

// Stop halts upstream polling, detaches every downstream connection, and
// resets reconciled state so a restarted service begins fresh. Idempotent.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.transport.Stop()
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.broadcaster.Stop()
		if s.relay != nil {
			s.relay.Close()
		}
		s.store.Reset()
	})
}

// fanOut republishes every store event downstream under its type name. The
// snapshot event carries the full reconciled state rather than the store's
// internal notification payload.
func (s *Service) fanOut(ev rounds.Event) {
	name := string(ev.Type())
	var payload []byte
	var err error
	if ev.Type() == rounds.EventTypeSnapshot {
		payload, err = json.Marshal(s.store.Snapshot())
	} else {
		payload, err = json.Marshal(ev)
	}
	if err != nil {
		log.Error().Err(err).Str("event", name).Msg("failed to encode event for broadcast")
		return
	}
	s.broadcaster.Broadcast(name, payload)
	if s.relay != nil {
		s.relay.Publish(name, payload)
	}
}

func (s *Service) broadcastHealth(report gamestate.HealthReport) {
	payload, err := json.Marshal(report)
	if err != nil {
		return
	}
	s.broadcaster.Broadcast("health", payload)
	if s.relay != nil {
		s.relay.Publish("health", payload)
	}
}

func (s *Service) snapshotPayload() ([]byte, bool) {
	snap := s.store.Snapshot()
	if snap.CurrentRoundID == "" && len(snap.Frames) == 0 {
		// No poll has completed yet; new connections start empty.
		return nil, false
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, false
	}
	return payload, true
}

// Routes registers the downstream HTTP surface.
func (s *Service) Routes(m *http.ServeMux) {
	m.HandleFunc("/events", s.HandleSSE)
	m.HandleFunc("/ws", s.HandleWS)
	m.HandleFunc("/healthz", s.HandleHealthz)
}

// HandleSSE attaches the request as a chunked event-stream consumer and
// blocks until either side closes.
func (s *Service) HandleSSE(w http.ResponseWriter, r *http.Request) {
	conn, err := NewSSEConn(w)
	if err != nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	id, err := s.broadcaster.Attach(conn)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, ErrCapacity) {
			log.Warn().Msg("rejecting stream attach at capacity")
		}
		http.Error(w, err.Error(), status)
		return
	}
	// Push headers and a first keep-alive right away so proxies commit to
	// the stream.
	conn.Ping()

	select {
	case <-r.Context().Done():
	case <-conn.Done():
	}
	s.broadcaster.Detach(id)
}

// HandleWS upgrades the request and attaches it as a websocket consumer.
func (s *Service) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}
	conn := NewWSConn(ws, 10*time.Second)
	id, err := s.broadcaster.Attach(conn)
	if err != nil {
		conn.Close()
		return
	}
	go s.readPump(ws, id)
}

// readPump drains inbound frames until the peer goes away, then detaches.
// Consumers have nothing to say; reading only detects disconnects and
// answers pings.
func (s *Service) readPump(ws *websocket.Conn, id uuid.UUID) {
	defer s.broadcaster.Detach(id)
	ws.SetReadLimit(1024)
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// HandleHealthz reports connectivity classification and fan-out stats.
func (s *Service) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	doc := map[string]any{
		"status":         "ok",
		"currentRoundId": s.store.CurrentRoundID(),
		"connections":    s.broadcaster.Stats(),
	}
	if s.prober != nil {
		doc["connectivity"] = s.prober.State()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}
