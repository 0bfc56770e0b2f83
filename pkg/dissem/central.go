package dissem

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/topicbroker/pkg/metrics"
	"github.com/cuemby/topicbroker/pkg/portpool"
	"github.com/cuemby/topicbroker/pkg/registration"
	"github.com/cuemby/topicbroker/pkg/transport"
)

// ingressBinding is the broker-owned group of outbound connections to
// every publisher currently registered for one topic. Centralized mode
// dials *out* to each publisher address, mirroring a SUB socket's
// connect() rather than a server accepting inbound clients.
type ingressBinding struct {
	topic   string
	conns   map[string]net.Conn // publisher address -> connection
	cancels map[string]context.CancelFunc
}

// egressBinding is the broker-bound listener subscribers of one topic
// connect into; every connected subscriber receives every forwarded
// message for that topic.
type egressBinding struct {
	topic string
	port  int
	ln    net.Listener

	mu    sync.Mutex
	conns map[string]net.Conn // subscriber remote addr -> connection
}

func (b *egressBinding) acceptLoop() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns[conn.RemoteAddr().String()] = conn
		b.mu.Unlock()
	}
}

func (b *egressBinding) broadcast(topic string, payload []byte) {
	frame, err := json.Marshal(wireFrame{Topic: topic, Payload: payload})
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for addr, conn := range b.conns {
		socket := &transport.Socket{ID: addr, Conn: conn}
		if err := transport.Send(socket, frame); err != nil {
			conn.Close()
			delete(b.conns, addr)
		}
	}
}

func (b *egressBinding) close() {
	b.ln.Close()
	b.mu.Lock()
	for addr, conn := range b.conns {
		conn.Close()
		delete(b.conns, addr)
	}
	b.mu.Unlock()
}

// Central is the centralized-mode ModeHandler: the broker forwards
// every message from ingress to egress itself (SPEC_FULL.md §4.4,
// centralized mode).
type Central struct {
	ownHost string
	mux     *transport.Multiplexer
	pool    *portpool.Pool
	log     zerolog.Logger

	mu                   sync.Mutex
	publishers           map[string]map[string]struct{} // topic -> publisher addresses
	subscribers          map[string]map[string]struct{} // topic -> subscriber ids
	ingress              map[string]*ingressBinding      // topic -> binding
	egress               map[string]*egressBinding       // topic -> binding
	ingressTopicBySocket map[string]string               // socket ID -> topic
}

// NewCentral constructs a Central handler. mux is the shared
// Multiplexer ingress sockets register into; pool allocates dynamic
// egress ports.
func NewCentral(ownHost string, mux *transport.Multiplexer, pool *portpool.Pool, log zerolog.Logger) *Central {
	return &Central{
		ownHost:              ownHost,
		mux:                  mux,
		pool:                 pool,
		log:                  log.With().Str("component", "de").Str("mode", "centralized").Logger(),
		publishers:           make(map[string]map[string]struct{}),
		subscribers:          make(map[string]map[string]struct{}),
		ingress:              make(map[string]*ingressBinding),
		egress:               make(map[string]*egressBinding),
		ingressTopicBySocket: make(map[string]string),
	}
}

// RegisterPublisher implements registration.PublisherHandler.
func (c *Central) RegisterPublisher(address string, topics []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, topic := range topics {
		if c.publishers[topic] == nil {
			c.publishers[topic] = make(map[string]struct{})
		}
		c.publishers[topic][address] = struct{}{}
		if err := c.ensureIngressLocked(topic, address); err != nil {
			return err
		}
	}
	metrics.TopicsWithPublishers.Set(float64(len(c.publishers)))
	metrics.IngressBindings.Set(float64(len(c.ingress)))
	return nil
}

func (c *Central) ensureIngressLocked(topic, address string) error {
	binding, ok := c.ingress[topic]
	if !ok {
		binding = &ingressBinding{topic: topic, conns: make(map[string]net.Conn), cancels: make(map[string]context.CancelFunc)}
		c.ingress[topic] = binding
	}
	if _, exists := binding.conns[address]; exists {
		return nil
	}

	conn, err := net.Dial("tcp", address)
	if err != nil {
		return fmt.Errorf("dissem: dial publisher %s for topic %s: %w", address, topic, err)
	}
	socket := &transport.Socket{ID: topic + "\x00" + address, Conn: conn}
	c.mux.Register(socket)
	binding.conns[address] = conn
	c.ingressTopicBySocket[socket.ID] = topic
	return nil
}

// DisconnectPublisher implements registration.PublisherHandler.
func (c *Central) DisconnectPublisher(address string, topics []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, topic := range topics {
		delete(c.publishers[topic], address)
		if len(c.publishers[topic]) == 0 {
			delete(c.publishers, topic)
			c.closeIngressLocked(topic)
		} else {
			c.disconnectIngressAddrLocked(topic, address)
		}
	}
	metrics.TopicsWithPublishers.Set(float64(len(c.publishers)))
	metrics.IngressBindings.Set(float64(len(c.ingress)))
	return nil
}

func (c *Central) disconnectIngressAddrLocked(topic, address string) {
	binding, ok := c.ingress[topic]
	if !ok {
		return
	}
	conn, ok := binding.conns[address]
	if !ok {
		return
	}
	socketID := topic + "\x00" + address
	c.mux.Unregister(socketID)
	conn.Close()
	delete(binding.conns, address)
	delete(c.ingressTopicBySocket, socketID)
}

func (c *Central) closeIngressLocked(topic string) {
	binding, ok := c.ingress[topic]
	if !ok {
		return
	}
	for address, conn := range binding.conns {
		socketID := topic + "\x00" + address
		c.mux.Unregister(socketID)
		conn.Close()
		delete(c.ingressTopicBySocket, socketID)
	}
	delete(c.ingress, topic)
}

// RegisterSubscriber implements registration.SubscriberHandler.
func (c *Central) RegisterSubscriber(id, address string, topics []string) (registration.SubscriberReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ports := make(map[string]int, len(topics))
	for _, topic := range topics {
		if c.subscribers[topic] == nil {
			c.subscribers[topic] = make(map[string]struct{})
		}
		c.subscribers[topic][id] = struct{}{}

		binding, ok := c.egress[topic]
		if !ok {
			var err error
			binding, err = c.openEgressLocked(topic)
			if err != nil {
				return registration.SubscriberReply{}, err
			}
		}
		ports[topic] = binding.port
	}

	metrics.TopicsWithSubscribers.Set(float64(len(c.subscribers)))
	metrics.EgressBindings.Set(float64(len(c.egress)))
	return registration.SubscriberReply{TopicPorts: ports}, nil
}

func (c *Central) openEgressLocked(topic string) (*egressBinding, error) {
	port, err := c.pool.Draw()
	if err != nil {
		return nil, fmt.Errorf("dissem: draw egress port for topic %s: %w", topic, err)
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", c.ownHost, port))
	if err != nil {
		c.pool.Release(port)
		return nil, fmt.Errorf("dissem: bind egress for topic %s: %w", topic, err)
	}

	binding := &egressBinding{topic: topic, port: port, ln: ln, conns: make(map[string]net.Conn)}
	c.egress[topic] = binding
	go binding.acceptLoop()

	metrics.PortAllocationsTotal.WithLabelValues("success").Inc()
	metrics.PortPoolInUse.Set(float64(c.pool.Len()))
	return binding, nil
}

// DisconnectSubscriber implements registration.SubscriberHandler.
func (c *Central) DisconnectSubscriber(id, address string, topics []string, notifyPort *int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, topic := range topics {
		delete(c.subscribers[topic], id)
		if len(c.subscribers[topic]) == 0 {
			delete(c.subscribers, topic)
			if binding, ok := c.egress[topic]; ok {
				binding.close()
				c.pool.Release(binding.port)
				delete(c.egress, topic)
			}
		}
	}

	metrics.TopicsWithSubscribers.Set(float64(len(c.subscribers)))
	metrics.EgressBindings.Set(float64(len(c.egress)))
	metrics.PortPoolInUse.Set(float64(c.pool.Len()))
	return nil
}

// OnIngressReady implements ModeHandler: a two-frame message arrived
// on one topic's ingress connection. Forward it verbatim to the
// topic's egress binding, or drop it if none exists (spec.md §4.4).
func (c *Central) OnIngressReady(ev transport.Event) {
	c.mu.Lock()
	topic, ok := c.ingressTopicBySocket[ev.Socket.ID]
	c.mu.Unlock()
	if !ok {
		return
	}

	if ev.Err != nil {
		c.log.Warn().Err(ev.Err).Str("topic", topic).Msg("ingress connection fatal, dropping binding")
		c.mu.Lock()
		c.closeIngressLocked(topic)
		c.mu.Unlock()
		return
	}

	var frame wireFrame
	if err := json.Unmarshal(ev.Data, &frame); err != nil {
		c.log.Warn().Err(err).Str("topic", topic).Msg("malformed ingress frame, dropping")
		return
	}

	c.mu.Lock()
	binding, ok := c.egress[topic]
	c.mu.Unlock()
	if !ok {
		metrics.MessagesDroppedTotal.WithLabelValues(topic).Inc()
		return
	}
	binding.broadcast(topic, frame.Payload)
	metrics.MessagesForwardedTotal.WithLabelValues(topic).Inc()
}

// Close implements ModeHandler.
func (c *Central) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic := range c.ingress {
		c.closeIngressLocked(topic)
	}
	for topic, binding := range c.egress {
		binding.close()
		c.pool.Release(binding.port)
		delete(c.egress, topic)
	}
}
