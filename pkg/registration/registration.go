// Package registration realizes the Registration Service (SPEC_FULL.md
// §4.3, §6): the two JSON request/reply TCP endpoints
// (PublisherRegistration, SubscriberRegistration) publishers and
// subscribers use to join the broker.
//
// The original exposed these as ZeroMQ REP sockets plugged into the
// Transport Multiplexer's poller; without a ZeroMQ library in this
// corpus, each endpoint instead runs its own accept-and-serve loop
// using pkg/transport's length-prefixed JSON framing over net.Conn.
// Each loop handles exactly one connection to completion before
// accepting the next, which reproduces a REP socket's "one logical
// request/reply pair in flight at a time" discipline without needing
// an explicit lock.
package registration

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/cuemby/topicbroker/pkg/metrics"
)

// Endpoint names used for logging and metrics labels.
const (
	EndpointPublisher  = "publisher"
	EndpointSubscriber = "subscriber"
)

// bindWithRetry implements the port-binding policy common to both
// endpoints: if startPort is occupied, increment and retry until a
// listener is obtained. maxAttempts bounds the search so a genuinely
// unusable host does not retry forever.
func bindWithRetry(host string, startPort, maxAttempts int) (net.Listener, int, error) {
	port := startPort
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		addr := fmt.Sprintf("%s:%d", host, port)
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, ln.Addr().(*net.TCPAddr).Port, nil
		}
		lastErr = err
		port++
	}
	return nil, 0, fmt.Errorf("registration: exhausted %d ports starting at %d: %w", maxAttempts, startPort, lastErr)
}

func successReply(msg string) []byte {
	b, _ := json.Marshal(map[string]string{"success": msg})
	return b
}

func errorReply(err error) []byte {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}

func disconnectSuccessReply() []byte {
	b, _ := json.Marshal(map[string]string{"disconnect": "success"})
	return b
}

// logFields is a small helper so both endpoints record the same
// structured fields for every request.
func logFields(log zerolog.Logger, endpoint string) zerolog.Logger {
	return log.With().Str("component", "rs").Str("endpoint", endpoint).Logger()
}

// recordOutcome increments the registration-request counter shared by
// both endpoints.
func recordOutcome(endpoint, kind, outcome string) {
	metrics.RegistrationRequestsTotal.WithLabelValues(endpoint, kind, outcome).Inc()
}

// serveLoop accepts connections on ln until ctx is canceled, handing
// each one fully to handle before accepting the next.
func serveLoop(ctx context.Context, ln net.Listener, handle func(net.Conn)) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				return
			}
		}
		handle(conn)
	}
}
