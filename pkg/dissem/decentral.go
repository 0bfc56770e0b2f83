package dissem

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/topicbroker/pkg/metrics"
	"github.com/cuemby/topicbroker/pkg/portpool"
	"github.com/cuemby/topicbroker/pkg/registration"
	"github.com/cuemby/topicbroker/pkg/transport"
)

// notifyBinding is one subscriber's dedicated address-discovery
// connection. Spec.md §4.4 explains the per-subscriber isolation: a
// shared notify endpoint would let one subscriber's poller consume an
// event meant for another.
type notifyBinding struct {
	id     string
	topics []string
	port   int
	ln     net.Listener

	mu   sync.Mutex
	conn net.Conn
}

func (nb *notifyBinding) setConn(conn net.Conn) {
	nb.mu.Lock()
	nb.conn = conn
	nb.mu.Unlock()
}

func (nb *notifyBinding) getConn() net.Conn {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	return nb.conn
}

func (nb *notifyBinding) close() {
	nb.ln.Close()
	nb.mu.Lock()
	if nb.conn != nil {
		nb.conn.Close()
	}
	nb.mu.Unlock()
}

// Decentral is the decentralized-mode ModeHandler: subscribers connect
// directly to publishers, and the broker only pushes address-discovery
// notifications (SPEC_FULL.md §4.4, decentralized mode).
type Decentral struct {
	ownHost       string
	pool          *portpool.Pool
	log           zerolog.Logger
	filterByTopic bool
	ackTimeout    time.Duration

	mu          sync.Mutex
	subsByTopic map[string]map[string]struct{} // topic -> subscriber ids
	notify      map[string]*notifyBinding      // subscriber id -> binding
}

// NewDecentral constructs a Decentral handler. filterByTopic resolves
// the spec.md §9 open question: when false (the default, matching
// original_source), a new publisher registration notifies every
// registered subscriber regardless of topic interest; when true, only
// subscribers that registered interest in one of the publisher's
// topics are notified. ackTimeout bounds sendAndAwaitAck's wait for a
// subscriber's notification acknowledgment; zero blocks indefinitely
// (spec.md §7 category 5).
func NewDecentral(ownHost string, pool *portpool.Pool, filterByTopic bool, ackTimeout time.Duration, log zerolog.Logger) *Decentral {
	return &Decentral{
		ownHost:       ownHost,
		pool:          pool,
		filterByTopic: filterByTopic,
		ackTimeout:    ackTimeout,
		log:           log.With().Str("component", "de").Str("mode", "decentralized").Logger(),
		subsByTopic:   make(map[string]map[string]struct{}),
		notify:        make(map[string]*notifyBinding),
	}
}

// RegisterSubscriber implements registration.SubscriberHandler.
func (d *Decentral) RegisterSubscriber(id, address string, topics []string) (registration.SubscriberReply, error) {
	d.mu.Lock()
	for _, topic := range topics {
		if d.subsByTopic[topic] == nil {
			d.subsByTopic[topic] = make(map[string]struct{})
		}
		d.subsByTopic[topic][id] = struct{}{}
	}
	d.mu.Unlock()

	port, err := d.pool.Draw()
	if err != nil {
		return registration.SubscriberReply{}, fmt.Errorf("dissem: draw notify port for subscriber %s: %w", id, err)
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", d.ownHost, port))
	if err != nil {
		d.pool.Release(port)
		return registration.SubscriberReply{}, fmt.Errorf("dissem: bind notify endpoint for subscriber %s: %w", id, err)
	}

	nb := &notifyBinding{id: id, topics: topics, port: port, ln: ln}
	d.mu.Lock()
	d.notify[id] = nb
	d.mu.Unlock()

	go d.serveNotify(nb)

	metrics.NotifyBindings.Set(float64(d.notifyCount()))
	metrics.PortAllocationsTotal.WithLabelValues("success").Inc()
	metrics.PortPoolInUse.Set(float64(d.pool.Len()))
	return registration.SubscriberReply{NotifyPort: port}, nil
}

func (d *Decentral) notifyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.notify)
}

// serveNotify accepts the subscriber's single connection to its notify
// port, then sends the initial (empty-addresses) registration array
// for each of its topics, per spec step 4. The connection is then left
// open for RegisterPublisher to push further arrays on.
func (d *Decentral) serveNotify(nb *notifyBinding) {
	conn, err := nb.ln.Accept()
	if err != nil {
		return
	}
	nb.setConn(conn)

	initial := make([]registerPubMsg, 0, len(nb.topics))
	for _, topic := range nb.topics {
		initial = append(initial, registerPubMsg{RegisterPub: registerPubBody{Topic: topic, Addresses: []string{}}})
	}
	if err := d.sendAndAwaitAck(nb, initial); err != nil {
		d.log.Warn().Err(err).Str("subscriber", nb.id).Msg("initial notify exchange failed")
	}
}

// sendAndAwaitAck sends one notification array and blocks for the
// subscriber's acknowledgment, per spec.md §7 category 5: with a zero
// ackTimeout a missing acknowledgment stalls this call (and,
// transitively, whichever publisher registration is waiting on it);
// with a non-zero ackTimeout the wait ends in an error once it elapses.
func (d *Decentral) sendAndAwaitAck(nb *notifyBinding, msgs []registerPubMsg) error {
	conn := nb.getConn()
	if conn == nil {
		return fmt.Errorf("dissem: notify binding %s has no connection yet", nb.id)
	}

	payload, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("dissem: marshal notification: %w", err)
	}

	socket := &transport.Socket{ID: nb.id, Conn: conn}
	if err := transport.Send(socket, payload); err != nil {
		metrics.NotificationsSentTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("dissem: send notification to %s: %w", nb.id, err)
	}
	if d.ackTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(d.ackTimeout))
		defer conn.SetReadDeadline(time.Time{})
	}
	if _, err := transport.Receive(socket); err != nil {
		metrics.NotificationsSentTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("dissem: await ack from %s: %w", nb.id, err)
	}
	metrics.NotificationsSentTotal.WithLabelValues("acked").Inc()
	return nil
}

// RegisterPublisher implements registration.PublisherHandler. Per
// spec.md §4.4, every existing notify endpoint is sent an address
// update and its acknowledgment is awaited before the next one is
// contacted, serializing this call across every live subscriber. When
// filterByTopic is set, a subscriber interested in none of topics is
// skipped.
func (d *Decentral) RegisterPublisher(address string, topics []string) error {
	d.mu.Lock()
	targets := make([]*notifyBinding, 0, len(d.notify))
	for _, nb := range d.notify {
		targets = append(targets, nb)
	}
	subsByTopic := d.subsByTopic
	filterByTopic := d.filterByTopic
	d.mu.Unlock()

	for _, nb := range targets {
		msgs := make([]registerPubMsg, 0, len(topics))
		for _, topic := range topics {
			if filterByTopic {
				if _, interested := subsByTopic[topic][nb.id]; !interested {
					continue
				}
			}
			msgs = append(msgs, registerPubMsg{RegisterPub: registerPubBody{Topic: topic, Addresses: []string{address}}})
		}
		if len(msgs) == 0 {
			continue
		}
		if err := d.sendAndAwaitAck(nb, msgs); err != nil {
			d.log.Warn().Err(err).Str("subscriber", nb.id).Msg("notify delivery failed, continuing with remaining subscribers")
		}
	}
	return nil
}

// DisconnectPublisher implements registration.PublisherHandler.
// Decentralized mode keeps no publisher-address index of its own (the
// broker never forwards on their behalf), so there is nothing to tear
// down beyond what the caller's bookkeeping already handles.
func (d *Decentral) DisconnectPublisher(address string, topics []string) error {
	return nil
}

// DisconnectSubscriber implements registration.SubscriberHandler.
func (d *Decentral) DisconnectSubscriber(id, address string, topics []string, notifyPort *int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, topic := range topics {
		delete(d.subsByTopic[topic], id)
		if len(d.subsByTopic[topic]) == 0 {
			delete(d.subsByTopic, topic)
		}
	}
	if nb, ok := d.notify[id]; ok {
		nb.close()
		d.pool.Release(nb.port)
		delete(d.notify, id)
	}

	metrics.NotifyBindings.Set(float64(len(d.notify)))
	metrics.PortPoolInUse.Set(float64(d.pool.Len()))
	return nil
}

// OnIngressReady implements ModeHandler. Decentralized mode never
// creates ingress bindings, so this is unreachable in practice; it
// exists only to satisfy the interface.
func (d *Decentral) OnIngressReady(ev transport.Event) {}

// Close implements ModeHandler.
func (d *Decentral) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, nb := range d.notify {
		nb.close()
		d.pool.Release(nb.port)
		delete(d.notify, id)
	}
}
