package broker

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

	"github.com/cuemby/topicbroker/pkg/config"
)

func writeFrame(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readFrame(t *testing.T, r io.Reader) []byte {
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

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().String()
}

func testManifest(t *testing.T, mode config.Mode) *config.Manifest {
	m := config.Default("node-under-test")
	m.Spec.Mode = mode
	m.Spec.PublisherRegPort = 0
	m.Spec.SubscriberRegPort = 0
	m.Spec.Coordination.BindAddr = freeTCPAddr(t)
	m.Spec.Coordination.DataDir = t.TempDir()
	return m
}

func TestCentralizedEndToEndPublishSubscribe(t *testing.T) {
	cfg := testManifest(t, config.ModeCentralized)
	b, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	pubRegPort := b.pubEP.Port()
	subRegPort := b.subEP.Port()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return b.State() == StateRunning }, 2*time.Second, 10*time.Millisecond)

	// Fake publisher: listens for the broker's ingress dial and streams
	// one message after its own registration completes.
	pubLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pubLn.Close()
	pubAddr := pubLn.Addr().String()

	pubAccepted := make(chan net.Conn, 1)
	go func() {
		conn, err := pubLn.Accept()
		if err == nil {
			pubAccepted <- conn
		}
	}()

	pubConn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", pubRegPort))
	require.NoError(t, err)
	require.NoError(t, writeFrame(pubConn, map[string]interface{}{"address": pubAddr, "topics": []string{"A"}}))
	pubReply := readFrame(t, pubConn)
	pubConn.Close()
	var pubBody map[string]string
	require.NoError(t, json.Unmarshal(pubReply, &pubBody))
	require.Equal(t, "registered", pubBody["success"])

	subConn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", subRegPort))
	require.NoError(t, err)
	defer subConn.Close()
	subConn.SetDeadline(time.Now().Add(3 * time.Second))

	require.NoError(t, writeFrame(subConn, map[string]interface{}{"id": "u1", "address": "127.0.0.1:0", "topics": []string{"A"}}))
	portMapRaw := readFrame(t, subConn)
	var portMap map[string]int
	require.NoError(t, json.Unmarshal(portMapRaw, &portMap))
	egressPort := portMap["A"]
	require.NotZero(t, egressPort)

	require.NoError(t, writeFrame(subConn, "ack"))
	finalRaw := readFrame(t, subConn)
	var finalBody map[string]string
	require.NoError(t, json.Unmarshal(finalRaw, &finalBody))
	require.Equal(t, "acknowledged", finalBody["success"])

	egressConn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", egressPort))
	require.NoError(t, err)
	defer egressConn.Close()
	egressConn.SetDeadline(time.Now().Add(3 * time.Second))
	time.Sleep(50 * time.Millisecond)

	ingressConn := <-pubAccepted
	require.NoError(t, writeFrame(ingressConn, map[string]interface{}{"topic": "A", "payload": []byte("x1")}))

	got := readFrame(t, egressConn)
	var frame struct {
		Topic   string `json:"topic"`
		Payload []byte `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(got, &frame))
	require.Equal(t, "A", frame.Topic)
	require.Equal(t, []byte("x1"), frame.Payload)

	cancel()
	require.NoError(t, <-runErr)
	require.Equal(t, StateClosed, b.State())
}

func TestDecentralizedRegistrationServesNotifyEndpoint(t *testing.T) {
	cfg := testManifest(t, config.ModeDecentralized)
	b, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	subRegPort := b.subEP.Port()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(ctx) }()
	require.Eventually(t, func() bool { return b.State() == StateRunning }, 2*time.Second, 10*time.Millisecond)

	subConn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", subRegPort))
	require.NoError(t, err)
	defer subConn.Close()
	subConn.SetDeadline(time.Now().Add(3 * time.Second))

	require.NoError(t, writeFrame(subConn, map[string]interface{}{"id": "u1", "address": "127.0.0.1:0", "topics": []string{"A"}}))
	reply := readFrame(t, subConn)
	var body map[string]map[string]int
	require.NoError(t, json.Unmarshal(reply, &body))
	notifyPort := body["register_sub"]["notify_port"]
	require.NotZero(t, notifyPort)

	notifyConn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", notifyPort))
	require.NoError(t, err)
	defer notifyConn.Close()
	notifyConn.SetDeadline(time.Now().Add(3 * time.Second))

	initial := readFrame(t, notifyConn)
	require.Contains(t, string(initial), `"topic":"A"`)

	cancel()
	require.NoError(t, <-runErr)
}
