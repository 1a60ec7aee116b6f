package gamestate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lodegame/roundsync/go/internal/rounds"
)

// Status classifies the push subscription.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusOnline     Status = "online"
	StatusRecovering Status = "recovering"
)

// roundFrameEvent is the named SSE event carrying section updates.
const roundFrameEvent = "round_frame"

// SubscriberConfig holds the push-stream tunables.
type SubscriberConfig struct {
	// Endpoints is the rotating candidate list; a successful connection
	// resets the rotation start point.
	Endpoints []string
	// ReconnectDelay is the fixed wait before trying the next candidate.
	ReconnectDelay time.Duration
	// IncludeBids asks upstream to include per-round bid detail.
	IncludeBids bool
	// APIKey is forwarded as a query parameter when set.
	APIKey string
	// ClientID is sent in the client identifier header.
	ClientID string
}

// SubscriberHooks receive stream outcomes. Nil hooks are skipped.
type SubscriberHooks struct {
	// OnUpdate fires for every decoded round_frame event.
	OnUpdate func(rounds.SectionUpdate)
	// OnStatus fires on every status transition.
	OnStatus func(Status)
}

// Subscriber maintains one push connection against a rotating candidate
// list. Polling stays authoritative; the stream is additive.
type Subscriber struct {
	clock clockwork.Clock
	http  *http.Client
	cfg   SubscriberConfig
	hooks SubscriberHooks

	mu      sync.Mutex
	status  Status
	idx     int
	running bool
	cancel  context.CancelFunc

	stop    chan struct{}
	stopped sync.Once
}

// NewSubscriber creates a push subscriber.
func NewSubscriber(cfg SubscriberConfig, clock clockwork.Clock, hooks SubscriberHooks) *Subscriber {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	return &Subscriber{
		clock:  clock,
		http:   &http.Client{}, // no timeout: the stream stays open
		cfg:    cfg,
		hooks:  hooks,
		status: StatusIdle,
		stop:   make(chan struct{}),
	}
}

// Status returns the current subscription status.
func (s *Subscriber) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Running reports whether the subscription loop is active.
func (s *Subscriber) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Reconnect drops the active stream, forcing an immediate reconnect cycle.
// Used on health recovery to minimize time-to-fresh-data.
func (s *Subscriber) Reconnect() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Start launches the subscription loop. It returns immediately; no-op when
// no endpoints are configured.
func (s *Subscriber) Start(ctx context.Context) {
	if len(s.cfg.Endpoints) == 0 {
		return
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	go s.run(ctx)
}

// Stop halts the subscription loop and closes any open stream. Idempotent.
func (s *Subscriber) Stop() {
	s.stopped.Do(func() { close(s.stop) })
	s.Reconnect()
}

func (s *Subscriber) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.setStatus(StatusIdle)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		endpoint := s.currentEndpoint()
		if err := s.stream(ctx, endpoint); err != nil {
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("push stream closed")
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		s.setStatus(StatusRecovering)
		s.advance()

		timer := s.clock.NewTimer(s.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}

func (s *Subscriber) currentEndpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Endpoints[s.idx%len(s.cfg.Endpoints)]
}

func (s *Subscriber) advance() {
	s.mu.Lock()
	s.idx = (s.idx + 1) % len(s.cfg.Endpoints)
	s.mu.Unlock()
}

func (s *Subscriber) setStatus(status Status) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()
	if s.hooks.OnStatus != nil {
		s.hooks.OnStatus(status)
	}
}

func (s *Subscriber) streamURL(endpoint string) string {
	v := url.Values{}
	if s.cfg.IncludeBids {
		v.Set("includeBids", "1")
	}
	if s.cfg.APIKey != "" {
		v.Set("apiKey", s.cfg.APIKey)
	}
	u := strings.TrimRight(endpoint, "/") + "/events"
	if len(v) > 0 {
		u += "?" + v.Encode()
	}
	return u
}

// stream opens one SSE connection and consumes it until it breaks.
func (s *Subscriber) stream(ctx context.Context, endpoint string) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.streamURL(endpoint), nil)
	if err != nil {
		return fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(ClientIDHeader, s.cfg.ClientID)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect push stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode}
	}

	// Connected: report online and reset the rotation start point.
	s.mu.Lock()
	s.idx = indexOf(s.cfg.Endpoints, endpoint)
	s.mu.Unlock()
	s.setStatus(StatusOnline)
	log.Info().Str("endpoint", endpoint).Msg("push stream connected")

	return s.consume(resp)
}

func indexOf(list []string, v string) int {
	for i, e := range list {
		if e == v {
			return i
		}
	}
	return 0
}

func (s *Subscriber) consume(resp *http.Response) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventName == roundFrameEvent && data.Len() > 0 {
				s.dispatch([]byte(data.String()))
			}
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("push stream ended")
}

// pushFrame is the round_frame event envelope. The payload arrives either as
// a nested object or a JSON-encoded string, depending on upstream version.
type pushFrame struct {
	RoundID string                `json:"roundId"`
	Section rounds.Section        `json:"section"`
	Version int64                 `json:"version,omitempty"`
	Payload json.RawMessage       `json:"payload"`
	Phase   *rounds.PhaseMetadata `json:"phase,omitempty"`
}

type pushPayload struct {
	Mode     rounds.MergeMode   `json:"mode"`
	Data     map[string]any     `json:"data,omitempty"`
	Globals  map[string]any     `json:"globals,omitempty"`
	Pointers *rounds.Pointers   `json:"pointers,omitempty"`
	Meta     *rounds.UpdateMeta `json:"meta,omitempty"`
}

func (s *Subscriber) dispatch(raw []byte) {
	update, err := decodeRoundFrame(raw)
	if err != nil {
		log.Debug().Err(err).Msg("discarding undecodable round_frame event")
		return
	}
	if s.hooks.OnUpdate != nil {
		s.hooks.OnUpdate(update)
	}
}

// decodeRoundFrame normalizes a round_frame wire event into a SectionUpdate.
func decodeRoundFrame(raw []byte) (rounds.SectionUpdate, error) {
	var frame pushFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return rounds.SectionUpdate{}, fmt.Errorf("failed to decode round_frame envelope: %w", err)
	}

	payloadBytes := []byte(frame.Payload)
	if len(payloadBytes) > 0 && payloadBytes[0] == '"' {
		var inner string
		if err := json.Unmarshal(payloadBytes, &inner); err != nil {
			return rounds.SectionUpdate{}, fmt.Errorf("failed to unquote round_frame payload: %w", err)
		}
		payloadBytes = []byte(inner)
	}
	var payload pushPayload
	if len(payloadBytes) > 0 {
		if err := json.Unmarshal(payloadBytes, &payload); err != nil {
			return rounds.SectionUpdate{}, fmt.Errorf("failed to decode round_frame payload: %w", err)
		}
	}

	return rounds.SectionUpdate{
		RoundID:  frame.RoundID,
		Section:  frame.Section,
		Mode:     payload.Mode,
		Version:  frame.Version,
		Data:     payload.Data,
		Globals:  payload.Globals,
		Pointers: payload.Pointers,
		Meta:     payload.Meta,
		Phase:    frame.Phase,
	}, nil
}
