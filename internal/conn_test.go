package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jsp-lqk/metapipe-valkey/resp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/redcon"
)

func dialMock(t *testing.T, m *mockServer, mod func(*ConnOptions)) *Conn {
	t.Helper()
	opts := ConnOptions{Address: m.Addr(), ConnectTimeout: time.Second}
	if mod != nil {
		mod(&opts)
	}
	c, err := Dial(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func wait(t *testing.T, ch <-chan Reply) Reply {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
	return Reply{}
}

func TestHandshakeRESP3(t *testing.T) {
	m := newMockServer(t, on("HELLO", func(conn redcon.Conn, args []string) {
		conn.WriteRaw([]byte("%2\r\n+server\r\n+valkey\r\n+availability_zone\r\n+us-east-1a\r\n"))
	}))
	c := dialMock(t, m, func(o *ConnOptions) {
		o.Username = "app"
		o.Password = "secret"
		o.ClientName = "worker-1"
		o.DatabaseID = 2
	})

	assert.Equal(t, RESP3, c.Protocol())
	assert.Equal(t, "us-east-1a", c.AZ())
	assert.Equal(t, []string{
		"HELLO 3 AUTH app secret SETNAME worker-1",
		"SELECT 2",
	}, m.Commands())
}

func TestHandshakeFallsBackToRESP2(t *testing.T) {
	m := newMockServer(t,
		on("HELLO", func(conn redcon.Conn, args []string) {
			conn.WriteError("ERR unknown command 'HELLO'")
		}),
		on("CONFIG", func(conn redcon.Conn, args []string) {
			conn.WriteArray(2)
			conn.WriteBulkString("availability-zone")
			conn.WriteBulkString("eu-west-1b")
		}),
	)
	c := dialMock(t, m, func(o *ConnOptions) {
		o.Password = "secret"
		o.ClientName = "worker-1"
		o.ReadOnly = true
		o.ReadAZ = true
	})

	assert.Equal(t, RESP2, c.Protocol())
	assert.Equal(t, "eu-west-1b", c.AZ())
	assert.Equal(t, []string{
		"HELLO 3 AUTH default secret SETNAME worker-1",
		"AUTH secret",
		"CLIENT SETNAME worker-1",
		"READONLY",
		"CONFIG GET availability-zone",
	}, m.Commands())
}

func TestHandshakeAuthFailure(t *testing.T) {
	m := newMockServer(t, on("HELLO", func(conn redcon.Conn, args []string) {
		conn.WriteError("WRONGPASS invalid username-password pair or user is disabled.")
	}))
	_, err := Dial(context.Background(), ConnOptions{Address: m.Addr(), Password: "nope"})
	assert.True(t, errors.Is(err, ErrAuthFailed), "Expected auth failure, got %v", err)

	m2 := newMockServer(t, on("AUTH", func(conn redcon.Conn, args []string) {
		conn.WriteError("ERR invalid password")
	}))
	_, err = Dial(context.Background(), ConnOptions{Address: m2.Addr(), Password: "nope", Protocol: RESP2})
	assert.True(t, errors.Is(err, ErrAuthFailed), "Expected auth failure, got %v", err)
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), ConnOptions{Address: addr})
	assert.True(t, errors.Is(err, ErrConnectRefused), "Expected refused, got %v", err)
}

func TestHandshakeTimeout(t *testing.T) {
	m := newMockServer(t, on("HELLO", func(conn redcon.Conn, args []string) {
		time.Sleep(300 * time.Millisecond)
		conn.WriteRaw([]byte("%0\r\n"))
	}))
	_, err := Dial(context.Background(), ConnOptions{Address: m.Addr(), ConnectTimeout: 50 * time.Millisecond})
	assert.True(t, errors.Is(err, ErrConnectTimeout), "Expected timeout, got %v", err)
}

func TestPipelinedRepliesKeepOrder(t *testing.T) {
	m := newMockServer(t)
	c := dialMock(t, m, nil)

	var wg sync.WaitGroup
	var mismatches atomic.Int32
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("value-%d", i)
			r := wait(t, c.Dispatch(args("ECHO", want)))
			if r.Err != nil || r.Value.Text() != want {
				mismatches.Add(1)
			}
			r.Value.Release()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(0), mismatches.Load())
	assert.Equal(t, 0, c.Pending())
}

func TestDispatchMultiIsContiguous(t *testing.T) {
	m := newMockServer(t)
	c := dialMock(t, m, nil)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			if g%2 == 0 {
				for _, ch := range c.DispatchMulti([][][]byte{
					args("MULTI"),
					args("SET", "k", fmt.Sprint(g)),
					args("EXEC"),
				}) {
					wait(t, ch).Value.Release()
				}
			} else {
				wait(t, c.Dispatch(args("PING"))).Value.Release()
			}
		}(g)
	}
	wg.Wait()

	cmds := m.Commands()
	for i, cmd := range cmds {
		if cmd == "MULTI" {
			require.Less(t, i+2, len(cmds))
			assert.Contains(t, cmds[i+1], "SET k ")
			assert.Equal(t, "EXEC", cmds[i+2])
		}
	}
}

func TestConnectionLossFailsPending(t *testing.T) {
	m := newMockServer(t, on("BLPOP", func(conn redcon.Conn, args []string) {}))
	var deaths atomic.Int32
	c := dialMock(t, m, func(o *ConnOptions) {
		o.OnDead = func(*Conn, error) { deaths.Add(1) }
	})

	chs := make([]<-chan Reply, 5)
	for i := range chs {
		chs[i] = c.Dispatch(args("BLPOP", "q", "0"))
	}
	assert.Eventually(t, func() bool { return len(m.Commands()) == 6 }, time.Second, 10*time.Millisecond)
	m.DropConnections()

	for _, ch := range chs {
		r := wait(t, ch)
		assert.True(t, errors.Is(r.Err, ErrConnectionClosed), "Expected closed, got %v", r.Err)
		assert.True(t, r.Sent)
	}
	assert.True(t, c.Dead())
	assert.Equal(t, int32(1), deaths.Load())

	r := wait(t, c.Dispatch(args("PING")))
	assert.True(t, errors.Is(r.Err, ErrConnectionClosed))
	assert.False(t, r.Sent)
	assert.Equal(t, int32(1), deaths.Load())
}

func TestStalledWriteTimesOut(t *testing.T) {
	release := make(chan struct{})
	m := newMockServer(t, on("STALL", func(conn redcon.Conn, args []string) { <-release }))
	t.Cleanup(func() { close(release) })
	c := dialMock(t, m, func(o *ConnOptions) { o.WriteTimeout = 100 * time.Millisecond })

	stalled := c.Dispatch(args("STALL"))
	assert.Eventually(t, func() bool { return len(m.Commands()) == 2 }, time.Second, 10*time.Millisecond)

	// the server reads nothing more, so the socket buffers fill up
	done := make(chan Reply, 1)
	go func() { done <- <-c.Dispatch(args("SET", "k", strings.Repeat("x", 64<<20))) }()
	select {
	case r := <-done:
		assert.True(t, errors.Is(r.Err, ErrConnectionClosed), "Expected closed, got %v", r.Err)
		assert.True(t, r.Sent)
	case <-time.After(3 * time.Second):
		t.Fatal("write did not time out")
	}
	assert.True(t, c.Dead())

	r := wait(t, stalled)
	assert.True(t, errors.Is(r.Err, ErrConnectionClosed))

	r = wait(t, c.Dispatch(args("PING")))
	assert.False(t, r.Sent)
}

func TestProtocolViolationKillsConnection(t *testing.T) {
	m := newMockServer(t,
		on("BAD", func(conn redcon.Conn, args []string) { conn.WriteRaw([]byte("?what\r\n")) }),
		on("SLOW", func(conn redcon.Conn, args []string) {}),
	)
	c := dialMock(t, m, nil)

	chs := c.DispatchMulti([][][]byte{args("BAD"), args("SLOW")})
	r := wait(t, chs[0])
	assert.True(t, errors.Is(r.Err, resp.ErrProtocol), "Expected protocol error, got %v", r.Err)
	r = wait(t, chs[1])
	assert.True(t, errors.Is(r.Err, ErrConnectionClosed), "Expected closed, got %v", r.Err)
	assert.True(t, c.Dead())
}

func TestPushFramesAreSkipped(t *testing.T) {
	m := newMockServer(t, on("GET", func(conn redcon.Conn, args []string) {
		conn.WriteRaw([]byte(">2\r\n+invalidate\r\n*1\r\n+k\r\n"))
		conn.WriteBulkString("v")
	}))
	c := dialMock(t, m, nil)

	r := wait(t, c.Dispatch(args("GET", "k")))
	require.NoError(t, r.Err)
	assert.Equal(t, "v", r.Value.Text())
	r.Value.Release()
}

func TestHeartbeatDetectsUnresponsiveServer(t *testing.T) {
	var pings atomic.Int32
	var mute atomic.Bool
	m := newMockServer(t, on("PING", func(conn redcon.Conn, args []string) {
		pings.Add(1)
		if !mute.Load() {
			conn.WriteString("PONG")
		}
	}))
	c := dialMock(t, m, func(o *ConnOptions) { o.HeartbeatInterval = 30 * time.Millisecond })

	assert.Eventually(t, func() bool { return pings.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, c.Dead())

	mute.Store(true)
	assert.Eventually(t, c.Dead, 2*time.Second, 10*time.Millisecond)
	assert.True(t, errors.Is(c.Err(), ErrConnectionClosed))
}
