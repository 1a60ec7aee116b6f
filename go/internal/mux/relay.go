package mux

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// relaySubjectPrefix is the NATS subject tree the relay publishes under; the
// event name becomes the last token.
const relaySubjectPrefix = "rounds.events"

// RelayConfig holds the NATS relay tunables.
type RelayConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultRelayConfig returns the relay defaults (infinite reconnects).
func DefaultRelayConfig(url string) RelayConfig {
	return RelayConfig{
		URL:           url,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Relay mirrors every broadcast event onto a NATS subject so non-HTTP
// consumers can tap the same reconciled stream. Publishing is fire-and-forget;
// a relay failure never affects downstream connections.
type Relay struct {
	nc *nats.Conn
}

// NewRelay connects to NATS with logged reconnect handling.
func NewRelay(config RelayConfig) (*Relay, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}
	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &Relay{nc: nc}, nil
}

// Publish mirrors one event. Errors are logged, never propagated.
func (r *Relay) Publish(event string, payload []byte) {
	subject := relaySubjectPrefix + "." + event
	if err := r.nc.Publish(subject, payload); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("relay publish failed")
	}
}

// Close drains and closes the NATS connection.
func (r *Relay) Close() {
	if err := r.nc.Drain(); err != nil {
		r.nc.Close()
	}
}
