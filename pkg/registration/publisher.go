package registration

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/cuemby/topicbroker/pkg/metrics"
	"github.com/cuemby/topicbroker/pkg/transport"
)

// PublisherRequest is the wire shape accepted on PublisherRegistration.
type PublisherRequest struct {
	Address    string                   `json:"address,omitempty"`
	Topics     []string                 `json:"topics,omitempty"`
	Disconnect *PublisherDisconnectBody `json:"disconnect,omitempty"`
}

// PublisherDisconnectBody is the body of a disconnect request.
type PublisherDisconnectBody struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
}

// PublisherHandler is implemented by the Dissemination Engine. Errors
// returned here are mapped to the `{"error": "..."}` reply shape; the
// handler never needs to write to the connection itself.
type PublisherHandler interface {
	RegisterPublisher(address string, topics []string) error
	DisconnectPublisher(address string, topics []string) error
}

// PublisherEndpoint serves PublisherRegistration.
type PublisherEndpoint struct {
	ln      net.Listener
	port    int
	handler PublisherHandler
	log     zerolog.Logger
}

// ListenPublisher binds PublisherRegistration starting at startPort,
// incrementing on conflict per the binding policy.
func ListenPublisher(host string, startPort int, handler PublisherHandler, log zerolog.Logger) (*PublisherEndpoint, error) {
	ln, port, err := bindWithRetry(host, startPort, 64)
	if err != nil {
		return nil, err
	}
	return &PublisherEndpoint{
		ln:      ln,
		port:    port,
		handler: handler,
		log:     logFields(log, EndpointPublisher),
	}, nil
}

// Port returns the port this endpoint actually bound, which may be
// greater than the requested start port.
func (e *PublisherEndpoint) Port() int { return e.port }

// Serve runs the accept loop until ctx is canceled.
func (e *PublisherEndpoint) Serve(ctx context.Context) {
	serveLoop(ctx, e.ln, e.handle)
}

func (e *PublisherEndpoint) handle(conn net.Conn) {
	defer conn.Close()
	timer := metrics.NewTimer()

	socket := &transport.Socket{ID: conn.RemoteAddr().String(), Conn: conn}
	data, err := transport.Receive(socket)
	if err != nil {
		// Peer hung up before sending a request; nothing to reply to.
		return
	}

	var req PublisherRequest
	if err := json.Unmarshal(data, &req); err != nil {
		e.reply(socket, errorReply(fmt.Errorf("malformed request: %w", err)), "error")
		timer.ObserveDuration(metrics.RegistrationDuration.WithLabelValues(EndpointPublisher))
		return
	}

	switch {
	case req.Disconnect != nil:
		e.handleDisconnect(socket, req.Disconnect)
	case req.Address != "" && len(req.Topics) > 0:
		e.handleRegister(socket, req.Address, req.Topics)
	default:
		e.reply(socket, errorReply(fmt.Errorf("request must set address+topics or disconnect")), "error")
	}

	timer.ObserveDuration(metrics.RegistrationDuration.WithLabelValues(EndpointPublisher))
}

func (e *PublisherEndpoint) handleRegister(socket *transport.Socket, address string, topics []string) {
	if err := e.handler.RegisterPublisher(address, topics); err != nil {
		e.log.Warn().Err(err).Str("address", address).Msg("publisher registration failed")
		e.reply(socket, errorReply(err), "error")
		return
	}
	e.reply(socket, successReply("registered"), "success")
}

func (e *PublisherEndpoint) handleDisconnect(socket *transport.Socket, body *PublisherDisconnectBody) {
	if err := e.handler.DisconnectPublisher(body.Address, body.Topics); err != nil {
		e.log.Warn().Err(err).Str("address", body.Address).Msg("publisher disconnect failed")
		e.reply(socket, errorReply(err), "error")
		return
	}
	e.reply(socket, disconnectSuccessReply(), "success")
}

func (e *PublisherEndpoint) reply(socket *transport.Socket, payload []byte, outcome string) {
	if err := transport.Send(socket, payload); err != nil {
		e.log.Error().Err(err).Msg("failed to send reply, request/reply discipline broken")
	}
	recordOutcome(EndpointPublisher, "register", outcome)
}
