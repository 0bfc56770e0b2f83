package dissem

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/topicbroker/pkg/portpool"
	"github.com/cuemby/topicbroker/pkg/transport"
)

func writeTestFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readTestFrame(t *testing.T, r io.Reader) []byte {
	t.Helper()
	var lenBuf [4]byte
	_, err := io.ReadFull(r, lenBuf[:])
	require.NoError(t, err)
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	return buf
}

func TestCentralForwardingFidelity(t *testing.T) {
	pubLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pubLn.Close()

	pubDone := make(chan struct{})
	go func() {
		conn, err := pubLn.Accept()
		require.NoError(t, err)
		defer conn.Close()
		frame, _ := json.Marshal(wireFrame{Topic: "A", Payload: []byte("x1")})
		require.NoError(t, writeTestFrame(conn, frame))
		close(pubDone)
	}()

	mux := transport.New()
	defer mux.Close()
	pool := portpool.New(0, 0)

	central := NewCentral("127.0.0.1", mux, pool, zerolog.Nop())
	require.NoError(t, central.RegisterPublisher(pubLn.Addr().String(), []string{"A"}))

	reply, err := central.RegisterSubscriber("u1", "127.0.0.1:0", []string{"A"})
	require.NoError(t, err)
	egressPort := reply.TopicPorts["A"]
	require.NotZero(t, egressPort)

	subConn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", egressPort))
	require.NoError(t, err)
	defer subConn.Close()
	time.Sleep(50 * time.Millisecond) // let the egress accept loop register the new connection

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := mux.Poll(ctx)
	require.NoError(t, err)
	central.OnIngressReady(ev)

	<-pubDone

	subConn.SetDeadline(time.Now().Add(2 * time.Second))
	got := readTestFrame(t, subConn)
	var wf wireFrame
	require.NoError(t, json.Unmarshal(got, &wf))
	require.Equal(t, "A", wf.Topic)
	require.Equal(t, []byte("x1"), wf.Payload)
}

func TestCentralDropsWithoutEgressBinding(t *testing.T) {
	pubLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pubLn.Close()

	go func() {
		conn, err := pubLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		frame, _ := json.Marshal(wireFrame{Topic: "A", Payload: []byte("x1")})
		_ = writeTestFrame(conn, frame)
	}()

	mux := transport.New()
	defer mux.Close()
	pool := portpool.New(0, 0)
	central := NewCentral("127.0.0.1", mux, pool, zerolog.Nop())
	require.NoError(t, central.RegisterPublisher(pubLn.Addr().String(), []string{"A"}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := mux.Poll(ctx)
	require.NoError(t, err)

	// No subscriber ever registered for A; OnIngressReady must not panic
	// and must leave no egress binding behind.
	central.OnIngressReady(ev)
	require.Empty(t, central.egress)
}

func TestDecentralRegistrationAndNotifyFlow(t *testing.T) {
	pool := portpool.New(0, 0)
	dec := NewDecentral("127.0.0.1", pool, false, 0, zerolog.Nop())

	reply, err := dec.RegisterSubscriber("u1", "127.0.0.1:0", []string{"A", "B"})
	require.NoError(t, err)
	require.NotZero(t, reply.NotifyPort)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", reply.NotifyPort))
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	initial := readTestFrame(t, conn)
	var msgs []registerPubMsg
	require.NoError(t, json.Unmarshal(initial, &msgs))
	require.Len(t, msgs, 2)
	require.Empty(t, msgs[0].RegisterPub.Addresses)

	require.NoError(t, writeTestFrame(conn, []byte(`"ack"`)))
	time.Sleep(50 * time.Millisecond)

	errCh := make(chan error, 1)
	go func() { errCh <- dec.RegisterPublisher("127.0.0.1:10500", []string{"A", "B"}) }()

	update := readTestFrame(t, conn)
	var updateMsgs []registerPubMsg
	require.NoError(t, json.Unmarshal(update, &updateMsgs))
	require.Equal(t, "127.0.0.1:10500", updateMsgs[0].RegisterPub.Addresses[0])

	require.NoError(t, writeTestFrame(conn, []byte(`"ack"`)))
	require.NoError(t, <-errCh)
}

func TestDecentralDisconnectReleasesPort(t *testing.T) {
	pool := portpool.New(0, 0)
	dec := NewDecentral("127.0.0.1", pool, false, 0, zerolog.Nop())

	reply, err := dec.RegisterSubscriber("u1", "127.0.0.1:0", []string{"A"})
	require.NoError(t, err)
	require.Equal(t, 1, pool.Len())

	require.NoError(t, dec.DisconnectSubscriber("u1", "127.0.0.1:0", []string{"A"}, &reply.NotifyPort))
	require.Equal(t, 0, pool.Len())
}
