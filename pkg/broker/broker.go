// Package broker wires the Presence Registry, Transport Multiplexer,
// Registration Service, and Dissemination Engine into the mode-agnostic
// broker shell described in SPEC_FULL.md §4.4: the state machine
// Uninit → Electing → Configuring → Running → Draining → Closed. The
// shell never branches on centralized-vs-decentralized mode itself; it
// holds one dissem.ModeHandler and defers to it.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"

	"github.com/cuemby/topicbroker/pkg/config"
	"github.com/cuemby/topicbroker/pkg/dissem"
	"github.com/cuemby/topicbroker/pkg/events"
	"github.com/cuemby/topicbroker/pkg/health"
	"github.com/cuemby/topicbroker/pkg/metrics"
	"github.com/cuemby/topicbroker/pkg/portpool"
	"github.com/cuemby/topicbroker/pkg/presence"
	"github.com/cuemby/topicbroker/pkg/registration"
	"github.com/cuemby/topicbroker/pkg/transport"
)

// State is one stage of the broker lifecycle state machine.
type State string

const (
	StateUninit      State = "uninit"
	StateElecting    State = "electing"
	StateConfiguring State = "configuring"
	StateRunning     State = "running"
	StateDraining    State = "draining"
	StateClosed      State = "closed"
)

// Identity names one broker process: an instance-scoped UUID plus the
// Raft candidate ID it campaigns under (SPEC_FULL.md glossary,
// "BrokerIdentity").
type Identity struct {
	InstanceID  uuid.UUID
	CandidateID string
}

// Broker is one candidate's full runtime: its Presence Registry
// membership, its Transport Multiplexer, its two registration
// endpoints, and its Dissemination Engine.
type Broker struct {
	identity Identity
	cfg      *config.Manifest
	log      zerolog.Logger

	mux     *transport.Multiplexer
	pool    *portpool.Pool
	handler dissem.ModeHandler
	gate    *gatedHandler

	presenceReg *presence.Registry
	pubEP       *registration.PublisherEndpoint
	subEP       *registration.SubscriberEndpoint
	eventBus    *events.Broker
	checker     *metrics.Checker

	mu    sync.RWMutex
	state State
}

// New constructs a Broker from a validated manifest. It binds the two
// registration listeners (so their final, possibly-incremented ports
// are known before campaigning) and opens this candidate's
// coordination-store peer, but does not campaign for leadership; call
// Run to do that.
func New(cfg *config.Manifest, log zerolog.Logger) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("broker: invalid config: %w", err)
	}

	b := &Broker{
		identity: Identity{InstanceID: uuid.New(), CandidateID: cfg.Spec.Coordination.CandidateID},
		cfg:      cfg,
		log:      log,
		mux:      transport.New(),
		pool:     portpool.New(cfg.Spec.DynamicPortLow, cfg.Spec.DynamicPortHigh),
		eventBus: events.NewBroker(),
		checker:  metrics.NewChecker("presence", "registration"),
		state:    StateUninit,
	}

	switch cfg.Spec.Mode {
	case config.ModeCentralized:
		b.handler = dissem.NewCentral(cfg.Spec.OwnHost, b.mux, b.pool, log)
	case config.ModeDecentralized:
		b.handler = dissem.NewDecentral(cfg.Spec.OwnHost, b.pool, cfg.Spec.FilterNotificationsByTopic, cfg.Spec.AckTimeout, log)
	default:
		return nil, fmt.Errorf("broker: unknown mode %q", cfg.Spec.Mode)
	}
	b.gate = newGatedHandler(b.handler)

	pubEP, err := registration.ListenPublisher(cfg.Spec.OwnHost, cfg.Spec.PublisherRegPort, b.gate, log)
	if err != nil {
		return nil, fmt.Errorf("broker: bind publisher registration: %w", err)
	}
	b.pubEP = pubEP

	subEP, err := registration.ListenSubscriber(cfg.Spec.OwnHost, cfg.Spec.SubscriberRegPort, b.gate, cfg.Spec.AckTimeout, log)
	if err != nil {
		return nil, fmt.Errorf("broker: bind subscriber registration: %w", err)
	}
	b.subEP = subEP

	// The registration ports belong to the broker's claimed port set, so
	// no dynamic draw can collide with them.
	b.pool.Reserve(pubEP.Port())
	b.pool.Reserve(subEP.Port())

	presenceReg, err := presence.Open(presence.Config{
		CandidateID: cfg.Spec.Coordination.CandidateID,
		BindAddr:    cfg.Spec.Coordination.BindAddr,
		DataDir:     cfg.Spec.Coordination.DataDir,
		Bootstrap:   cfg.Spec.Coordination.Bootstrap,
		Peers:       cfg.Spec.Coordination.Peers,
		Log:         log,
	})
	if err != nil {
		return nil, fmt.Errorf("broker: open presence registry: %w", err)
	}
	b.presenceReg = presenceReg

	b.eventBus.Start()

	return b, nil
}

// Identity returns this broker's instance/candidate identity.
func (b *Broker) Identity() Identity { return b.identity }

// State returns the current lifecycle state.
func (b *Broker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Broker) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
	b.log.Info().Str("state", string(s)).Msg("broker state transition")
}

// Run drives the lifecycle state machine until ctx is canceled:
// Electing (campaign via the Presence Registry), Configuring (open the
// registration endpoints for traffic), Running (serve), and back to
// Electing on leadership loss, per spec.md §4.1/§7 category 4. It
// returns when ctx is canceled, after completing Draining and Closed.
func (b *Broker) Run(ctx context.Context) error {
	defer b.cleanup()

	record := presence.Record{
		Host:              b.cfg.Spec.OwnHost,
		PublisherRegPort:  b.pubEP.Port(),
		SubscriberRegPort: b.subEP.Port(),
	}

	epCtx, cancelEndpoints := context.WithCancel(ctx)
	defer cancelEndpoints()
	go b.pubEP.Serve(epCtx)
	go b.subEP.Serve(epCtx)
	go b.runIngressLoop(epCtx)
	go b.runSelfChecks(epCtx)

electionLoop:
	for {
		b.setState(StateElecting)
		b.gate.setAccepting(false)
		b.checker.Set("presence", false, "electing")

		won, err := b.presenceReg.Join(ctx, record)
		if err != nil {
			b.setState(StateClosed)
			return fmt.Errorf("broker: election canceled: %w", err)
		}
		if !won {
			continue electionLoop
		}

		b.setState(StateConfiguring)
		b.checker.Set("presence", true, "leader")
		b.checker.Set("registration", true, "serving")
		b.gate.setAccepting(true)

		b.setState(StateRunning)
		metrics.IsLeader.Set(1)
		b.eventBus.Publish(&events.Event{Type: events.TypeLeadershipAcquired, Message: record.Host})

	runLoop:
		for {
			select {
			case <-ctx.Done():
				b.setState(StateDraining)
				b.gate.setAccepting(false)
				b.checker.Set("registration", false, "draining")
				b.setState(StateClosed)
				return nil
			case isLeader := <-b.presenceReg.LeadershipChanges():
				if !isLeader {
					b.checker.Set("presence", false, "lost leadership, re-electing")
					metrics.IsLeader.Set(0)
					metrics.ElectionTransitionsTotal.Inc()
					b.eventBus.Publish(&events.Event{Type: events.TypeLeadershipLost, Message: "coordination session lost"})
					break runLoop
				}
			}
		}
	}
}

// runIngressLoop drains the Transport Multiplexer and dispatches every
// readiness event to the Dissemination Engine. Decentralized mode
// never registers ingress sockets, so Poll simply blocks on ctx.Done()
// for that mode.
func (b *Broker) runIngressLoop(ctx context.Context) {
	for {
		ev, err := b.mux.Poll(ctx)
		if err != nil {
			return
		}
		b.handler.OnIngressReady(ev)
	}
}

// runSelfChecks periodically TCP-probes this broker's own registration
// endpoints and feeds the results into the Checker serving /healthz and
// /readyz, per pkg/health's debounced-check model.
func (b *Broker) runSelfChecks(ctx context.Context) {
	cfg := health.DefaultConfig()
	checks := map[string]*health.TCPChecker{
		"pubreg-tcp": health.NewTCPChecker(fmt.Sprintf("%s:%d", b.cfg.Spec.OwnHost, b.pubEP.Port())),
		"subreg-tcp": health.NewTCPChecker(fmt.Sprintf("%s:%d", b.cfg.Spec.OwnHost, b.subEP.Port())),
	}
	statuses := make(map[string]*health.Status, len(checks))
	for name := range checks {
		statuses[name] = health.NewStatus()
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, checker := range checks {
				checkCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
				result := checker.Check(checkCtx)
				cancel()

				st := statuses[name]
				st.Update(result, cfg)
				if !st.InStartPeriod(cfg) {
					b.checker.Set(name, st.Healthy, result.Message)
				}
			}
		}
	}
}

func (b *Broker) cleanup() {
	b.mux.Close()
	b.handler.Close()
	b.eventBus.Stop()
	if err := b.presenceReg.Shutdown(); err != nil {
		b.log.Warn().Err(err).Msg("presence registry shutdown error")
	}
}

// Members returns the current Raft configuration's server list, for
// `broker members`.
func (b *Broker) Members() ([]raft.Server, error) {
	return b.presenceReg.Members()
}

// IsLeader reports whether this candidate currently holds leadership.
func (b *Broker) IsLeader() bool { return b.presenceReg.IsLeader() }

// EventBus exposes the internal operational-event bus for in-process
// consumers (the admin process's event-to-metrics subscriber).
func (b *Broker) EventBus() *events.Broker { return b.eventBus }

// Checker exposes the broker's metrics.Checker for wiring into an HTTP
// mux.
func (b *Broker) Checker() *metrics.Checker { return b.checker }
