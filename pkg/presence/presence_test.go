package presence

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestSingleCandidateWinsLeadershipAndPublishes(t *testing.T) {
	port := freePort(t)
	bindAddr := "127.0.0.1:" + strconv.Itoa(port)

	reg, err := Open(Config{
		CandidateID: "node-1",
		BindAddr:    bindAddr,
		DataDir:     t.TempDir(),
		Bootstrap:   true,
		Log:         zerolog.Nop(),
	})
	require.NoError(t, err)
	defer reg.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	won, err := reg.Join(ctx, Record{Host: "127.0.0.1", PublisherRegPort: 5555, SubscriberRegPort: 5556})
	require.NoError(t, err)
	require.True(t, won)
	require.True(t, reg.IsLeader())

	rec, ok := reg.Current()
	require.True(t, ok)
	require.Equal(t, 5555, rec.PublisherRegPort)
	require.Equal(t, 5556, rec.SubscriberRegPort)
}

func TestJoinRespectsContextCancellation(t *testing.T) {
	// A candidate that never bootstraps or joins a cluster never wins
	// leadership; Join must return once its context is canceled rather
	// than blocking forever.
	port := freePort(t)
	bindAddr := "127.0.0.1:" + strconv.Itoa(port)

	reg, err := Open(Config{
		CandidateID: "node-lonely",
		BindAddr:    bindAddr,
		DataDir:     t.TempDir(),
		Bootstrap:   false,
		Log:         zerolog.Nop(),
	})
	require.NoError(t, err)
	defer reg.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	won, err := reg.Join(ctx, Record{Host: "127.0.0.1"})
	require.Error(t, err)
	require.False(t, won)
}
