package gamestate

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/lodegame/roundsync/go/internal/rounds"
)

// TransportConfig assembles a full transport: poller plus optional push
// subscriber and health prober against the same endpoint list.
type TransportConfig struct {
	// Endpoints is the ordered candidate list; the poller uses the first,
	// the push subscriber rotates through all of them.
	Endpoints []string
	// ClientID is sent with every request.
	ClientID string

	Poller     PollerConfig
	Subscriber SubscriberConfig
	Prober     ProberConfig

	// EnablePush turns the push subscriber on; polling alone is a complete
	// deployment.
	EnablePush bool
	// EnableHealth turns the health prober on.
	EnableHealth bool
}

// TransportHooks fan transport outcomes out to the embedding application.
type TransportHooks struct {
	Poller     PollerHooks
	Subscriber SubscriberHooks
	Prober     ProberHooks
}

// Transport composes the REST poller, the push subscriber, and the health
// prober into the store-feeding pipeline, including the recovery wiring:
// when health recovers, an out-of-cycle poll and a push reconnect fire
// immediately.
type Transport struct {
	Poller     *Poller
	Subscriber *Subscriber
	Prober     *Prober
	Modes      *Rescheduler

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewTransport wires a transport into the given store.
func NewTransport(cfg TransportConfig, store *rounds.Store, clock clockwork.Clock, hooks TransportHooks) *Transport {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	primary := ""
	if len(cfg.Endpoints) > 0 {
		primary = cfg.Endpoints[0]
	}
	client := NewClient(primary, cfg.ClientID)

	t := &Transport{}

	pollerHooks := hooks.Poller
	userPollSuccess := pollerHooks.OnSuccess
	pollerHooks.OnSuccess = func() {
		if t.Prober != nil {
			t.Prober.NotePollSuccess()
		}
		if userPollSuccess != nil {
			userPollSuccess()
		}
	}
	t.Poller = NewPoller(client, cfg.Poller, clock, store.ApplySnapshot, pollerHooks)

	if cfg.EnablePush {
		subCfg := cfg.Subscriber
		if len(subCfg.Endpoints) == 0 {
			subCfg.Endpoints = cfg.Endpoints
		}
		if subCfg.ClientID == "" {
			subCfg.ClientID = cfg.ClientID
		}
		subHooks := hooks.Subscriber
		userUpdate := subHooks.OnUpdate
		subHooks.OnUpdate = func(u rounds.SectionUpdate) {
			store.ApplySectionUpdate(u)
			if userUpdate != nil {
				userUpdate(u)
			}
		}
		t.Subscriber = NewSubscriber(subCfg, clock, subHooks)
	}

	if cfg.EnableHealth {
		proberHooks := hooks.Prober
		userRecovered := proberHooks.OnRecovered
		proberHooks.OnRecovered = func() {
			t.Poller.PollNow()
			if t.Subscriber != nil {
				t.Subscriber.Reconnect()
			}
			if userRecovered != nil {
				userRecovered()
			}
		}
		t.Prober = NewProber(client, cfg.Prober, clock, proberHooks)
	}

	t.Modes = NewRescheduler(nil, t.Poller, t.Prober)
	return t
}

// Start launches every deployed component. Idempotent.
func (t *Transport) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		t.Poller.Start(ctx)
		if t.Subscriber != nil {
			t.Subscriber.Start(ctx)
		}
		if t.Prober != nil {
			t.Prober.Start(ctx)
		}
	})
}

// Stop cancels all pending timers and closes any open push connection.
// Idempotent; safe on a transport that was never started.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		t.Poller.Stop()
		if t.Subscriber != nil {
			t.Subscriber.Stop()
		}
		if t.Prober != nil {
			t.Prober.Stop()
		}
	})
}
