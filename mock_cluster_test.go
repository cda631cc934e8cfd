package glide

import (
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/match"
	"github.com/tidwall/redcon"
)

type nodeHandler func(conn redcon.Conn, args []string) bool

type mockEntry struct {
	conn string
	args []string
}

type connState struct {
	tx     [][]string
	inTx   bool
	abort  bool
	asking bool
}

// mockNode is one in-process server of a mockCluster.
type mockNode struct {
	cl   *mockCluster
	id   string
	ln   net.Listener
	port int

	mu       sync.Mutex
	role     string
	data     map[string]string
	log      []mockEntry
	handlers []nodeHandler
	delays   map[string]time.Duration
	conns    map[redcon.Conn]struct{}
}

// mockCluster is a set of nodes sharing a slot ownership table. With
// cluster false the nodes answer like standalone servers.
type mockCluster struct {
	t       *testing.T
	cluster bool

	mu    sync.Mutex
	nodes []*mockNode
	owner [SlotCount]int

	slotsCalls atomic.Int32
}

func newMockCluster(t *testing.T, n int, cluster bool) *mockCluster {
	t.Helper()
	mc := &mockCluster{t: t, cluster: cluster}
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		node := &mockNode{
			cl:     mc,
			id:     "node" + strconv.Itoa(i),
			ln:     ln,
			port:   ln.Addr().(*net.TCPAddr).Port,
			role:   "master",
			data:   map[string]string{},
			delays: map[string]time.Duration{},
			conns:  map[redcon.Conn]struct{}{},
		}
		mc.nodes = append(mc.nodes, node)
		go redcon.Serve(ln, node.handle, node.accept, node.closed)
	}
	per := SlotCount / n
	for s := 0; s < SlotCount; s++ {
		mc.owner[s] = min(s/per, n-1)
	}
	t.Cleanup(mc.Close)
	return mc
}

func (mc *mockCluster) Close() {
	for _, n := range mc.nodes {
		n.ln.Close()
		n.mu.Lock()
		for c := range n.conns {
			c.Close()
		}
		n.mu.Unlock()
	}
}

func (mc *mockCluster) node(i int) *mockNode { return mc.nodes[i] }

// setOwner moves a slot to node i.
func (mc *mockCluster) setOwner(slot uint16, i int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.owner[slot] = i
}

func (mc *mockCluster) ownerOf(slot uint16) *mockNode {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.nodes[mc.owner[slot]]
}

func (mc *mockCluster) addresses() []Address {
	out := make([]Address, len(mc.nodes))
	for i, n := range mc.nodes {
		out[i] = Address{Host: "127.0.0.1", Port: uint16(n.port)}
	}
	return out
}

func (n *mockNode) Addr() string { return net.JoinHostPort("127.0.0.1", strconv.Itoa(n.port)) }

func (n *mockNode) on(h nodeHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, h)
}

func (n *mockNode) delay(cmd string, d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delays[cmd] = d
}

func (n *mockNode) setRole(role string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.role = role
}

// Commands returns the data commands the node received, without the
// connection setup and discovery traffic.
func (n *mockNode) Commands() []mockEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []mockEntry
	for _, e := range n.log {
		switch e.args[0] {
		case "HELLO", "CLIENT", "SELECT", "READONLY", "ROLE", "CONFIG", "PING":
			continue
		case "CLUSTER":
			continue
		}
		out = append(out, e)
	}
	return out
}

// Count counts received commands named cmd.
func (n *mockNode) Count(cmd string) int {
	c := 0
	for _, e := range n.Commands() {
		if e.args[0] == cmd {
			c++
		}
	}
	return c
}

func (n *mockNode) set(k, v string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.data[k] = v
}

func (n *mockNode) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.data)
}

func (n *mockNode) accept(conn redcon.Conn) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	conn.SetContext(&connState{})
	n.conns[conn] = struct{}{}
	return true
}

func (n *mockNode) closed(conn redcon.Conn, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, conn)
}

func (n *mockNode) handle(conn redcon.Conn, cmd redcon.Command) {
	args := make([]string, len(cmd.Args))
	for i, a := range cmd.Args {
		args[i] = string(a)
	}
	args[0] = strings.ToUpper(args[0])
	n.mu.Lock()
	n.log = append(n.log, mockEntry{conn: conn.RemoteAddr(), args: args})
	handlers := append([]nodeHandler(nil), n.handlers...)
	d := n.delays[args[0]]
	n.mu.Unlock()

	if d > 0 {
		time.Sleep(d)
	}
	for _, h := range handlers {
		if h(conn, args) {
			return
		}
	}

	st := conn.Context().(*connState)
	switch args[0] {
	case "MULTI":
		st.inTx, st.tx, st.abort = true, nil, false
		conn.WriteString("OK")
		return
	case "EXEC":
		if !st.inTx {
			conn.WriteError("ERR EXEC without MULTI")
			return
		}
		st.inTx = false
		if st.abort {
			conn.WriteError("EXECABORT Transaction discarded because of previous errors.")
			return
		}
		conn.WriteArray(len(st.tx))
		for _, q := range st.tx {
			n.exec(conn, q)
		}
		return
	case "DISCARD":
		st.inTx = false
		conn.WriteString("OK")
		return
	case "ASKING":
		st.asking = true
		conn.WriteString("OK")
		return
	}
	if n.redirect(conn, st, args) {
		if st.inTx {
			st.abort = true
		}
		return
	}
	if st.inTx {
		st.tx = append(st.tx, args)
		conn.WriteString("QUEUED")
		return
	}
	n.exec(conn, args)
}

var keyedCommands = map[string]bool{
	"GET": true, "SET": true, "DEL": true, "MGET": true, "MSET": true, "EXISTS": true,
	"INCR": true, "LPUSH": true, "TYPE": true, "UNLINK": true, "TOUCH": true,
}

// redirect answers MOVED when the command's key lives elsewhere.
func (n *mockNode) redirect(conn redcon.Conn, st *connState, args []string) bool {
	if !n.cl.cluster || !keyedCommands[args[0]] || len(args) < 2 {
		return false
	}
	asking := st.asking
	st.asking = false
	slot := KeySlot([]byte(args[1]))
	owner := n.cl.ownerOf(slot)
	if owner == n || asking {
		return false
	}
	conn.WriteError("MOVED " + strconv.Itoa(int(slot)) + " " + owner.Addr())
	return true
}

func (n *mockNode) exec(conn redcon.Conn, args []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch args[0] {
	case "HELLO":
		conn.WriteRaw([]byte("%2\r\n+server\r\n+valkey\r\n+proto\r\n:3\r\n"))
	case "PING":
		if len(args) > 1 {
			conn.WriteBulkString(args[1])
		} else {
			conn.WriteString("PONG")
		}
	case "ECHO":
		conn.WriteBulkString(args[1])
	case "CLIENT", "SELECT", "READONLY":
		conn.WriteString("OK")
	case "CONFIG":
		conn.WriteArray(0)
	case "ROLE":
		if n.role == "master" {
			conn.WriteArray(3)
			conn.WriteBulkString("master")
			conn.WriteInt(0)
			conn.WriteArray(0)
		} else {
			conn.WriteArray(5)
			conn.WriteBulkString("slave")
			conn.WriteBulkString("127.0.0.1")
			conn.WriteInt(0)
			conn.WriteBulkString("connected")
			conn.WriteInt(0)
		}
	case "CLUSTER":
		if !n.cl.cluster {
			conn.WriteError("ERR This instance has cluster support disabled")
			return
		}
		n.cl.slotsCalls.Add(1)
		n.cl.writeSlots(conn)
	case "GET":
		if v, ok := n.data[args[1]]; ok {
			conn.WriteBulkString(v)
		} else {
			conn.WriteNull()
		}
	case "SET":
		n.data[args[1]] = args[2]
		conn.WriteString("OK")
	case "MSET":
		for i := 1; i+1 < len(args); i += 2 {
			n.data[args[i]] = args[i+1]
		}
		conn.WriteString("OK")
	case "MGET":
		conn.WriteArray(len(args) - 1)
		for _, k := range args[1:] {
			if v, ok := n.data[k]; ok {
				conn.WriteBulkString(v)
			} else {
				conn.WriteNull()
			}
		}
	case "DEL", "UNLINK", "EXISTS", "TOUCH":
		c := 0
		for _, k := range args[1:] {
			if _, ok := n.data[k]; ok {
				c++
				if args[0] == "DEL" || args[0] == "UNLINK" {
					delete(n.data, k)
				}
			}
		}
		conn.WriteInt(c)
	case "INCR":
		i, err := strconv.Atoi(n.data[args[1]])
		if err != nil && n.data[args[1]] != "" {
			conn.WriteError("ERR value is not an integer or out of range")
			return
		}
		n.data[args[1]] = strconv.Itoa(i + 1)
		conn.WriteInt(i + 1)
	case "DBSIZE":
		conn.WriteInt(len(n.data))
	case "FLUSHALL":
		n.data = map[string]string{}
		conn.WriteString("OK")
	case "KEYS":
		keys := n.sortedKeys(args[1])
		conn.WriteArray(len(keys))
		for _, k := range keys {
			conn.WriteBulkString(k)
		}
	case "SCAN":
		n.scan(conn, args[1:])
	default:
		conn.WriteError("ERR unknown command '" + args[0] + "'")
	}
}

func (n *mockNode) sortedKeys(pattern string) []string {
	var keys []string
	for k := range n.data {
		if match.Match(k, pattern) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// scan pages through the sorted keyspace; the cursor is an offset.
func (n *mockNode) scan(conn redcon.Conn, args []string) {
	cursor, _ := strconv.Atoi(args[0])
	pattern, count := "*", 10
	for i := 1; i+1 < len(args); i += 2 {
		switch strings.ToUpper(args[i]) {
		case "MATCH":
			pattern = args[i+1]
		case "COUNT":
			count, _ = strconv.Atoi(args[i+1])
		}
	}
	all := n.sortedKeys("*")
	end := min(cursor+count, len(all))
	var page []string
	for _, k := range all[min(cursor, len(all)):end] {
		if match.Match(k, pattern) {
			page = append(page, k)
		}
	}
	next := strconv.Itoa(end)
	if end >= len(all) {
		next = "0"
	}
	conn.WriteArray(2)
	conn.WriteBulkString(next)
	conn.WriteArray(len(page))
	for _, k := range page {
		conn.WriteBulkString(k)
	}
}

// writeSlots answers CLUSTER SLOTS from the ownership table.
func (mc *mockCluster) writeSlots(conn redcon.Conn) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	type rng struct{ start, end, node int }
	var ranges []rng
	for s := 0; s < SlotCount; s++ {
		if len(ranges) > 0 && ranges[len(ranges)-1].node == mc.owner[s] {
			ranges[len(ranges)-1].end = s
			continue
		}
		ranges = append(ranges, rng{s, s, mc.owner[s]})
	}
	conn.WriteArray(len(ranges))
	for _, r := range ranges {
		node := mc.nodes[r.node]
		conn.WriteArray(3)
		conn.WriteInt(r.start)
		conn.WriteInt(r.end)
		conn.WriteArray(3)
		conn.WriteBulkString("127.0.0.1")
		conn.WriteInt(node.port)
		conn.WriteBulkString(node.id)
	}
}

// testConfig is a fast-failing configuration for mock deployments.
func testConfig(addrs ...Address) ClientConfiguration {
	cfg := DefaultConfiguration()
	cfg.Addresses = addrs
	cfg.RequestTimeout = time.Second
	cfg.ConnectionTimeout = time.Second
	cfg.HeartbeatInterval = -1
	cfg.PeriodicChecks = PeriodicChecks{Mode: PeriodicDisabled}
	cfg.RetryStrategy = &RetryStrategy{
		MaxAttempts: 3,
		Backoff:     BackoffStrategy{NumOfRetries: 1, Factor: time.Millisecond, ExponentBase: 2},
	}
	cfg.Logger = LoggerConfig{Level: LogOff}
	return cfg
}

func newTestClient(t *testing.T, cfg ClientConfiguration, cluster bool) *Client {
	t.Helper()
	c, err := CreateClient(cfg, cluster)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}
