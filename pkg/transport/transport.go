// Package transport realizes the Transport Multiplexer (SPEC_FULL.md
// §4.2): the single messaging context and readiness poller the broker
// owns. The original relied on a ZeroMQ poller's register/unregister/
// poll() contract; this corpus carries no ZeroMQ or coordination-store
// socket library, so the multiplexer is realized over stdlib net
// instead — one reader goroutine per registered connection pushes
// readiness events onto a single shared channel, and exactly one
// Multiplexer.Poll call at a time drains it, preserving "single
// threaded cooperative, one logical handler per ready socket per
// cycle" without a real OS-level poll(2) call.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// ErrClosed is returned by Poll once the multiplexer has been closed.
var ErrClosed = errors.New("transport: multiplexer closed")

// Socket is a registered connection: a framed duplex byte stream plus
// an opaque ID the broker uses to correlate events back to the
// registration/dissemination state that owns the connection.
type Socket struct {
	ID   string
	Conn net.Conn
}

// Event is one readiness occurrence: Data holds the frame read from
// Socket, or Err is set for a transport-fatal condition (closed
// connection, malformed frame) the broker must react to.
type Event struct {
	Socket *Socket
	Data   []byte
	Err    error
}

type registration struct {
	socket *Socket
	cancel context.CancelFunc
}

// Multiplexer is the broker's single messaging context. register/
// unregister/poll map onto Register/Unregister/Poll.
type Multiplexer struct {
	mu      sync.Mutex
	sockets map[string]*registration
	events  chan Event
	closed  chan struct{}
	once    sync.Once
}

// New creates an empty Multiplexer.
func New() *Multiplexer {
	return &Multiplexer{
		sockets: make(map[string]*registration),
		events:  make(chan Event, 64),
		closed:  make(chan struct{}),
	}
}

// Register adds socket to the poll set and starts the reader goroutine
// that feeds its frames into the shared readiness channel.
func (m *Multiplexer) Register(socket *Socket) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.sockets[socket.ID] = &registration{socket: socket, cancel: cancel}
	m.mu.Unlock()

	go m.readLoop(ctx, socket)
}

func (m *Multiplexer) readLoop(ctx context.Context, socket *Socket) {
	for {
		data, err := readFrame(socket.Conn)
		// A frame read after Unregister or Close is discarded, never queued.
		select {
		case <-ctx.Done():
			return
		case <-m.closed:
			return
		default:
		}
		select {
		case m.events <- Event{Socket: socket, Data: data, Err: err}:
		case <-ctx.Done():
			return
		case <-m.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

// Unregister removes a socket from the poll set: frames read from it
// afterwards are discarded, and its reader goroutine exits once its
// pending read returns. It does not close the underlying connection;
// the caller owns that lifecycle.
func (m *Multiplexer) Unregister(id string) {
	m.mu.Lock()
	reg, ok := m.sockets[id]
	if ok {
		delete(m.sockets, id)
	}
	m.mu.Unlock()
	if ok {
		reg.cancel()
	}
}

// Poll blocks until at least one registered socket is readable (or
// reports a transport error), then returns that one event. Only one
// Poll call may be outstanding at a time; the broker's event loop is
// the sole caller, matching the single-threaded cooperative contract.
// A nil ctx.Deadline blocks indefinitely, per spec.
func (m *Multiplexer) Poll(ctx context.Context) (Event, error) {
	select {
	case ev := <-m.events:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-m.closed:
		return Event{}, ErrClosed
	}
}

// Send writes a length-prefixed frame to socket.
func Send(socket *Socket, payload []byte) error {
	if err := writeFrame(socket.Conn, payload); err != nil {
		return fmt.Errorf("transport: send to %s: %w", socket.ID, err)
	}
	return nil
}

// Receive reads one length-prefixed frame directly from socket,
// bypassing the poll loop. Used for strictly paired request/reply
// exchanges (registration) where the handler already owns the
// connection for the duration of the exchange.
func Receive(socket *Socket) ([]byte, error) {
	data, err := readFrame(socket.Conn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("transport: receive from %s: %w", socket.ID, io.EOF)
		}
		return nil, fmt.Errorf("transport: receive from %s: %w", socket.ID, err)
	}
	return data, nil
}

// Close destroys the messaging context: every registered socket's
// reader goroutine exits once its pending read returns, and any
// outstanding Poll returns ErrClosed.
// It does not close individual connections.
func (m *Multiplexer) Close() {
	m.once.Do(func() {
		close(m.closed)
	})
}
