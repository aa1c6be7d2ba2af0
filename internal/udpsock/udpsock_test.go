package udpsock

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func resolve(t *testing.T, s *Socket) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s.LocalAddr().String())
	require.NoError(t, err)
	return addr
}

func TestBindAndSendToRoundTrip(t *testing.T) {
	a, err := Bind("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	b, err := Bind("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, a.WriteTo(ctx, []byte("hello"), resolve(t, b)))

	buf := make([]byte, 64)
	require.NoError(t, b.SetDeadline(time.Now().Add(2*time.Second)))
	n, from, err := b.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, a.LocalAddr().String(), from.String())
}

func TestConnectWriteRoundTrip(t *testing.T) {
	listener, err := Bind("127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	conn, err := Connect(listener.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Write(context.Background(), []byte("ping")))

	buf := make([]byte, 64)
	require.NoError(t, listener.SetDeadline(time.Now().Add(2*time.Second)))
	n, _, err := listener.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestCloseIsIdempotentAndSignalsClosed(t *testing.T) {
	s, err := Bind("127.0.0.1:0")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case <-s.Closed():
	default:
		t.Fatal("expected Closed() channel to be closed")
	}

	err = s.Write(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSendLimiterAppliesBackPressure(t *testing.T) {
	a, err := Bind("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	b, err := Bind("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	// Only one token, refilling slowly: the second WriteTo must wait.
	a.SetSendLimiter(rate.NewLimiter(rate.Every(50*time.Millisecond), 1))

	ctx := context.Background()
	require.NoError(t, a.WriteTo(ctx, []byte("1"), resolve(t, b)))

	start := time.Now()
	require.NoError(t, a.WriteTo(ctx, []byte("2"), resolve(t, b)))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
