package registration

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/topicbroker/pkg/metrics"
	"github.com/cuemby/topicbroker/pkg/transport"
)

// SubscriberRequest is the wire shape accepted on SubscriberRegistration.
type SubscriberRequest struct {
	ID         string                    `json:"id,omitempty"`
	Address    string                    `json:"address,omitempty"`
	Topics     []string                  `json:"topics,omitempty"`
	Disconnect *SubscriberDisconnectBody `json:"disconnect,omitempty"`
}

// SubscriberDisconnectBody is the body of a disconnect request.
type SubscriberDisconnectBody struct {
	ID         string   `json:"id"`
	Address    string   `json:"address"`
	Topics     []string `json:"topics"`
	NotifyPort *int     `json:"notify_port,omitempty"`
}

// SubscriberReply is the mode-specific result of a successful
// subscriber registration, filled in by whichever dissem.ModeHandler is
// active.
type SubscriberReply struct {
	// Centralized mode: topic -> dynamic egress port.
	TopicPorts map[string]int
	// Decentralized mode: the dynamic notify port the subscriber
	// should connect to for address-discovery notifications. Zero
	// means centralized mode applies (TopicPorts is authoritative).
	NotifyPort int
}

func (r SubscriberReply) decentralized() bool {
	return r.NotifyPort != 0
}

// SubscriberHandler is implemented by the Dissemination Engine.
type SubscriberHandler interface {
	RegisterSubscriber(id, address string, topics []string) (SubscriberReply, error)
	DisconnectSubscriber(id, address string, topics []string, notifyPort *int) error
}

// SubscriberEndpoint serves SubscriberRegistration.
type SubscriberEndpoint struct {
	ln         net.Listener
	port       int
	handler    SubscriberHandler
	log        zerolog.Logger
	ackTimeout time.Duration
}

// ListenSubscriber binds SubscriberRegistration starting at startPort,
// incrementing on conflict per the binding policy. ackTimeout bounds
// how long the endpoint waits for a centralized-mode subscriber's port
// map acknowledgment; zero blocks indefinitely (spec §7 category 5).
func ListenSubscriber(host string, startPort int, handler SubscriberHandler, ackTimeout time.Duration, log zerolog.Logger) (*SubscriberEndpoint, error) {
	ln, port, err := bindWithRetry(host, startPort, 64)
	if err != nil {
		return nil, err
	}
	return &SubscriberEndpoint{
		ln:         ln,
		port:       port,
		handler:    handler,
		log:        logFields(log, EndpointSubscriber),
		ackTimeout: ackTimeout,
	}, nil
}

// Port returns the port this endpoint actually bound.
func (e *SubscriberEndpoint) Port() int { return e.port }

// Serve runs the accept loop until ctx is canceled.
func (e *SubscriberEndpoint) Serve(ctx context.Context) {
	serveLoop(ctx, e.ln, e.handle)
}

func (e *SubscriberEndpoint) handle(conn net.Conn) {
	defer conn.Close()
	timer := metrics.NewTimer()

	socket := &transport.Socket{ID: conn.RemoteAddr().String(), Conn: conn}
	data, err := transport.Receive(socket)
	if err != nil {
		return
	}

	var req SubscriberRequest
	if err := json.Unmarshal(data, &req); err != nil {
		e.reply(socket, errorReply(fmt.Errorf("malformed request: %w", err)), "error")
		timer.ObserveDuration(metrics.RegistrationDuration.WithLabelValues(EndpointSubscriber))
		return
	}

	switch {
	case req.Disconnect != nil:
		e.handleDisconnect(socket, req.Disconnect)
	case req.ID != "" && req.Address != "" && len(req.Topics) > 0:
		e.handleRegister(socket, req.ID, req.Address, req.Topics)
	default:
		e.reply(socket, errorReply(fmt.Errorf("request must set id+address+topics or disconnect")), "error")
	}

	timer.ObserveDuration(metrics.RegistrationDuration.WithLabelValues(EndpointSubscriber))
}

func (e *SubscriberEndpoint) handleRegister(socket *transport.Socket, id, address string, topics []string) {
	result, err := e.handler.RegisterSubscriber(id, address, topics)
	if err != nil {
		e.log.Warn().Err(err).Str("id", id).Str("address", address).Msg("subscriber registration failed")
		e.reply(socket, errorReply(err), "error")
		return
	}

	if result.decentralized() {
		body, _ := json.Marshal(map[string]interface{}{
			"register_sub": map[string]int{"notify_port": result.NotifyPort},
		})
		e.reply(socket, body, "success")
		return
	}

	body, _ := json.Marshal(result.TopicPorts)
	e.reply(socket, body, "success")

	// Centralized mode: the subscriber must acknowledge the port map
	// before the broker considers registration complete (spec §4.3).
	// This blocks the endpoint's single accept loop on the ack frame,
	// which is the intentional category-5 flow-control behavior spec.md
	// §7 documents, not an oversight. ackTimeout bounds that block when
	// configured; zero leaves it unbounded.
	if e.ackTimeout > 0 {
		socket.Conn.SetReadDeadline(time.Now().Add(e.ackTimeout))
		defer socket.Conn.SetReadDeadline(time.Time{})
	}
	if _, err := transport.Receive(socket); err != nil {
		e.log.Warn().Err(err).Str("id", id).Msg("subscriber did not acknowledge registration")
		return
	}
	if err := transport.Send(socket, successReply("acknowledged")); err != nil {
		e.log.Error().Err(err).Msg("failed to send final ack reply")
	}
}

func (e *SubscriberEndpoint) handleDisconnect(socket *transport.Socket, body *SubscriberDisconnectBody) {
	if err := e.handler.DisconnectSubscriber(body.ID, body.Address, body.Topics, body.NotifyPort); err != nil {
		e.log.Warn().Err(err).Str("id", body.ID).Msg("subscriber disconnect failed")
		e.reply(socket, errorReply(err), "error")
		return
	}
	e.reply(socket, disconnectSuccessReply(), "success")
}

func (e *SubscriberEndpoint) reply(socket *transport.Socket, payload []byte, outcome string) {
	if err := transport.Send(socket, payload); err != nil {
		e.log.Error().Err(err).Msg("failed to send reply, request/reply discipline broken")
	}
	recordOutcome(EndpointSubscriber, "register", outcome)
}
