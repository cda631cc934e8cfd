package internal

import (
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/tidwall/redcon"
)

type mockHandler func(conn redcon.Conn, args []string) bool

// mockServer is a minimal RESP server. Handlers run in order until one
// returns true; unhandled commands get +OK.
type mockServer struct {
	t        *testing.T
	ln       net.Listener
	mu       sync.Mutex
	handlers []mockHandler
	log      []string
	conns    map[redcon.Conn]struct{}
	accepted int
}

func newMockServer(t *testing.T, handlers ...mockHandler) *mockServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return serveMock(t, ln, handlers...)
}

func newTLSMockServer(t *testing.T, cfg *tls.Config, handlers ...mockHandler) *mockServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return serveMock(t, tls.NewListener(ln, cfg), handlers...)
}

func serveMock(t *testing.T, ln net.Listener, handlers ...mockHandler) *mockServer {
	m := &mockServer{t: t, ln: ln, handlers: handlers, conns: map[redcon.Conn]struct{}{}}
	go redcon.Serve(ln, m.handle, m.accept, m.closed)
	t.Cleanup(m.Close)
	return m
}

func (m *mockServer) Addr() string { return m.ln.Addr().String() }

func (m *mockServer) accept(conn redcon.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[conn] = struct{}{}
	m.accepted++
	return true
}

func (m *mockServer) closed(conn redcon.Conn, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, conn)
}

func (m *mockServer) handle(conn redcon.Conn, cmd redcon.Command) {
	args := make([]string, len(cmd.Args))
	for i, a := range cmd.Args {
		args[i] = string(a)
	}
	args[0] = strings.ToUpper(args[0])
	m.mu.Lock()
	m.log = append(m.log, strings.Join(args, " "))
	handlers := m.handlers
	m.mu.Unlock()
	for _, h := range handlers {
		if h(conn, args) {
			return
		}
	}
	switch args[0] {
	case "HELLO":
		conn.WriteRaw([]byte("%2\r\n+server\r\n+valkey\r\n+proto\r\n:3\r\n"))
	case "PING":
		conn.WriteString("PONG")
	case "ECHO":
		conn.WriteBulkString(args[1])
	default:
		conn.WriteString("OK")
	}
}

// Commands returns every command received so far.
func (m *mockServer) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.log...)
}

func (m *mockServer) Accepted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted
}

// DropConnections closes every client connection.
func (m *mockServer) DropConnections() {
	m.mu.Lock()
	conns := make([]redcon.Conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (m *mockServer) Close() {
	m.ln.Close()
	m.DropConnections()
}

func on(name string, fn func(conn redcon.Conn, args []string)) mockHandler {
	return func(conn redcon.Conn, args []string) bool {
		if args[0] != name {
			return false
		}
		fn(conn, args)
		return true
	}
}
