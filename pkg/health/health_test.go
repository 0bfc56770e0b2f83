package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTCPCheckerHealthy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	checker := NewTCPChecker(ln.Addr().String())
	result := checker.Check(context.Background())
	require.True(t, result.Healthy)
	require.Equal(t, CheckTypeTCP, checker.Type())
}

func TestTCPCheckerUnreachable(t *testing.T) {
	checker := NewTCPChecker("127.0.0.1:1").WithTimeout(200 * time.Millisecond)
	result := checker.Check(context.Background())
	require.False(t, result.Healthy)
}

func TestStatusDebouncesFailures(t *testing.T) {
	status := NewStatus()
	config := Config{Retries: 3}

	status.Update(Result{Healthy: false}, config)
	require.True(t, status.Healthy, "single failure should not flip status with Retries=3")

	status.Update(Result{Healthy: false}, config)
	status.Update(Result{Healthy: false}, config)
	require.False(t, status.Healthy, "three consecutive failures should flip status")

	status.Update(Result{Healthy: true}, config)
	require.True(t, status.Healthy, "a single success clears the unhealthy state")
}
