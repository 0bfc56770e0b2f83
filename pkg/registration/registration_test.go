package registration

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func writeFrame(t *testing.T, conn net.Conn, v interface{}) {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	_, err = conn.Write(lenBuf[:])
	require.NoError(t, err)
	_, err = conn.Write(payload)
	require.NoError(t, err)
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	var lenBuf [4]byte
	_, err := conn.Read(lenBuf[:])
	require.NoError(t, err)
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	read := 0
	for read < int(n) {
		k, err := conn.Read(buf[read:])
		require.NoError(t, err)
		read += k
	}
	return buf
}

type fakePublisherHandler struct {
	registered map[string][]string
	failAddr   string
}

func (f *fakePublisherHandler) RegisterPublisher(address string, topics []string) error {
	if address == f.failAddr {
		return errBoom
	}
	if f.registered == nil {
		f.registered = make(map[string][]string)
	}
	f.registered[address] = topics
	return nil
}

func (f *fakePublisherHandler) DisconnectPublisher(address string, topics []string) error {
	delete(f.registered, address)
	return nil
}

func TestPublisherEndpointRegisterAndDisconnect(t *testing.T) {
	handler := &fakePublisherHandler{}
	ep, err := ListenPublisher("127.0.0.1", 0, handler, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ep.Serve(ctx)

	conn, err := net.Dial("tcp", ep.ln.Addr().String())
	require.NoError(t, err)
	writeFrame(t, conn, map[string]interface{}{"address": "127.0.0.1:10500", "topics": []string{"A"}})
	reply := readFrame(t, conn)
	conn.Close()

	var body map[string]string
	require.NoError(t, json.Unmarshal(reply, &body))
	require.Equal(t, "registered", body["success"])
	require.Equal(t, []string{"A"}, handler.registered["127.0.0.1:10500"])

	conn, err = net.Dial("tcp", ep.ln.Addr().String())
	require.NoError(t, err)
	writeFrame(t, conn, map[string]interface{}{"disconnect": map[string]interface{}{"address": "127.0.0.1:10500", "topics": []string{"A"}}})
	reply = readFrame(t, conn)
	conn.Close()

	var disconnectBody map[string]string
	require.NoError(t, json.Unmarshal(reply, &disconnectBody))
	require.Equal(t, "success", disconnectBody["disconnect"])
	require.NotContains(t, handler.registered, "127.0.0.1:10500")
}

func TestPublisherEndpointMalformedRequest(t *testing.T) {
	handler := &fakePublisherHandler{}
	ep, err := ListenPublisher("127.0.0.1", 0, handler, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ep.Serve(ctx)

	conn, err := net.Dial("tcp", ep.ln.Addr().String())
	require.NoError(t, err)
	writeFrame(t, conn, map[string]interface{}{})
	reply := readFrame(t, conn)
	conn.Close()

	var body map[string]string
	require.NoError(t, json.Unmarshal(reply, &body))
	require.NotEmpty(t, body["error"])
}

type fakeSubscriberHandler struct {
	reply SubscriberReply
	err   error
}

func (f *fakeSubscriberHandler) RegisterSubscriber(id, address string, topics []string) (SubscriberReply, error) {
	return f.reply, f.err
}

func (f *fakeSubscriberHandler) DisconnectSubscriber(id, address string, topics []string, notifyPort *int) error {
	return nil
}

func TestSubscriberEndpointCentralizedRegistrationFlow(t *testing.T) {
	handler := &fakeSubscriberHandler{reply: SubscriberReply{TopicPorts: map[string]int{"A": 12345}}}
	ep, err := ListenSubscriber("127.0.0.1", 0, handler, 0, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ep.Serve(ctx)

	conn, err := net.Dial("tcp", ep.ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	writeFrame(t, conn, map[string]interface{}{"id": "u1", "address": "127.0.0.1:0", "topics": []string{"A"}})
	portMap := readFrame(t, conn)

	var body map[string]int
	require.NoError(t, json.Unmarshal(portMap, &body))
	require.Equal(t, 12345, body["A"])

	writeFrame(t, conn, "ack")
	final := readFrame(t, conn)
	var finalBody map[string]string
	require.NoError(t, json.Unmarshal(final, &finalBody))
	require.Equal(t, "acknowledged", finalBody["success"])
}

func TestSubscriberEndpointDecentralizedRegistration(t *testing.T) {
	handler := &fakeSubscriberHandler{reply: SubscriberReply{NotifyPort: 15000}}
	ep, err := ListenSubscriber("127.0.0.1", 0, handler, 0, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ep.Serve(ctx)

	conn, err := net.Dial("tcp", ep.ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	writeFrame(t, conn, map[string]interface{}{"id": "u1", "address": "127.0.0.1:0", "topics": []string{"A"}})
	reply := readFrame(t, conn)

	var body map[string]map[string]int
	require.NoError(t, json.Unmarshal(reply, &body))
	require.Equal(t, 15000, body["register_sub"]["notify_port"])
}
