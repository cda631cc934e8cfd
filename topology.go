package glide

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jsp-lqk/metapipe-valkey/internal"
	"github.com/jsp-lqk/metapipe-valkey/resp"
	"golang.org/x/sync/singleflight"
)

// pools of nodes that left the topology stay open this long so requests
// already routed to them can finish
const retireGrace = 5 * time.Second

type shard struct {
	primary  *internal.Pool
	replicas []*internal.Pool
}

// slotMap is immutable once published.
type slotMap struct {
	slots  [SlotCount]*shard
	shards []*shard
}

// shardSpec is a discovered shard before pools are attached.
type shardSpec struct {
	ranges   [][2]int
	primary  string
	replicas []string
}

var _ Router = (*topology)(nil)

type discoverFunc func(ctx context.Context, t *topology) ([]shardSpec, error)

// topology owns the node pools and the current slot map. Standalone and
// cluster clients differ only in how they discover the layout.
type topology struct {
	cfg      ClientConfiguration
	cluster  bool
	log      hclog.Logger
	discover discoverFunc

	current atomic.Pointer[slotMap]
	sf      singleflight.Group

	mu      sync.RWMutex
	pools   map[string]*internal.Pool
	lastErr error
	closed  bool

	refreshes atomic.Int64
	done      chan struct{}
}

func newTopology(cfg ClientConfiguration, cluster bool, log hclog.Logger, discover discoverFunc) *topology {
	return &topology{
		cfg:      cfg,
		cluster:  cluster,
		log:      log.Named("topology"),
		discover: discover,
		pools:    map[string]*internal.Pool{},
		done:     make(chan struct{}),
	}
}

func (t *topology) Cluster() bool { return t.cluster }

func (t *topology) seeds() []string {
	out := make([]string, len(t.cfg.Addresses))
	for i, a := range t.cfg.Addresses {
		out[i] = a.String()
	}
	return out
}

// Node returns the pool for addr, creating it on first use.
func (t *topology) Node(addr string) *internal.Pool {
	t.mu.RLock()
	p, ok := t.pools[addr]
	t.mu.RUnlock()
	if ok {
		return p
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.pools[addr]; ok {
		return p
	}
	readOnly := t.cluster && t.cfg.ReadFrom != Primary
	conn := t.cfg.connOptions(addr, readOnly)
	conn.Logger = t.log.Named("conn")
	p = internal.NewPool(internal.PoolOptions{
		Conn:        conn,
		Size:        t.cfg.ConnectionsPerNode,
		Multiplexed: !t.cfg.Exclusive,
		Reconnect:   *t.cfg.ReconnectStrategy,
		Logger:      t.log.Named("pool"),
		OnConnDead:  t.connDead,
	})
	if t.closed {
		p.Close()
		return p
	}
	t.pools[addr] = p
	return p
}

// query sends one command to addr outside the dispatcher, for discovery.
func (t *topology) query(ctx context.Context, addr string, args ...string) (*resp.Value, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectionTimeout+t.cfg.RequestTimeout)
	defer cancel()
	h, err := t.Node(addr).Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	ch := h.Conn().Dispatch(StringArgs(args...))
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Value.IsError() {
			err := ServerError(r.Value.Text())
			r.Value.Release()
			return nil, err
		}
		return r.Value, nil
	case <-ctx.Done():
		go discard(ch)
		return nil, fmt.Errorf("%w: %s on %s", ErrTimeout, args[0], addr)
	}
}

func discard(ch <-chan internal.Reply) {
	r := <-ch
	r.Value.Release()
}

// Refresh rediscovers the layout. Concurrent calls share one discovery.
func (t *topology) Refresh(ctx context.Context) error {
	ch := t.sf.DoChan("refresh", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.refreshTimeout())
		defer cancel()
		return nil, t.refresh(ctx)
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *topology) refresh(ctx context.Context) error {
	if t.isClosed() {
		return ErrClosed
	}
	specs, err := t.discover(ctx, t)
	if err != nil {
		t.mu.Lock()
		t.lastErr = err
		t.mu.Unlock()
		t.log.Warn("topology refresh failed, keeping the previous map", "error", err)
		return fmt.Errorf("%w: %v", ErrTopologyUnavailable, err)
	}

	m := &slotMap{}
	for _, spec := range specs {
		s := &shard{primary: t.Node(spec.primary)}
		for _, r := range spec.replicas {
			s.replicas = append(s.replicas, t.Node(r))
		}
		for _, rg := range spec.ranges {
			for i := rg[0]; i <= rg[1]; i++ {
				m.slots[i] = s
			}
		}
		m.shards = append(m.shards, s)
	}
	sort.Slice(m.shards, func(i, j int) bool {
		return m.shards[i].primary.Address() < m.shards[j].primary.Address()
	})
	t.current.Store(m)
	n := t.refreshes.Add(1)

	t.mu.Lock()
	t.lastErr = nil
	t.mu.Unlock()
	t.retireVanished(specs)
	t.log.Debug("topology refreshed", "shards", len(specs), "refreshes", n)
	return nil
}

// retireVanished drops pools of nodes that are neither in specs nor seeds.
func (t *topology) retireVanished(specs []shardSpec) {
	keep := map[string]bool{}
	for _, s := range t.seeds() {
		keep[s] = true
	}
	for _, spec := range specs {
		keep[spec.primary] = true
		for _, r := range spec.replicas {
			keep[r] = true
		}
	}
	t.mu.Lock()
	var gone []*internal.Pool
	for addr, p := range t.pools {
		if !keep[addr] {
			delete(t.pools, addr)
			gone = append(gone, p)
		}
	}
	t.mu.Unlock()
	for _, p := range gone {
		t.log.Info("node left the topology", "addr", p.Address())
		time.AfterFunc(retireGrace, p.Close)
	}
}

// load returns the current map, discovering it first if there is none yet.
func (t *topology) load(ctx context.Context) (*slotMap, error) {
	if m := t.current.Load(); m != nil {
		return m, nil
	}
	if err := t.Refresh(ctx); err != nil {
		return nil, err
	}
	if m := t.current.Load(); m != nil {
		return m, nil
	}
	return nil, ErrTopologyUnavailable
}

func (t *topology) Shard(ctx context.Context, slot uint16) (*shard, error) {
	m, err := t.load(ctx)
	if err != nil {
		return nil, err
	}
	if s := m.slots[slot]; s != nil {
		return s, nil
	}
	t.mu.RLock()
	last := t.lastErr
	t.mu.RUnlock()
	t.log.Warn("no node serves slot", "slot", slot, "last_error", last)
	go t.Refresh(context.Background())
	if last != nil {
		return nil, fmt.Errorf("%w: slot %d: %v", ErrTopologyUnavailable, slot, last)
	}
	return nil, fmt.Errorf("%w: slot %d is not served", ErrTopologyUnavailable, slot)
}

func (t *topology) Primaries(ctx context.Context) ([]*internal.Pool, error) {
	m, err := t.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*internal.Pool, 0, len(m.shards))
	for _, s := range m.shards {
		out = append(out, s.primary)
	}
	return out, nil
}

func (t *topology) Nodes(ctx context.Context) ([]*internal.Pool, error) {
	m, err := t.load(ctx)
	if err != nil {
		return nil, err
	}
	var out []*internal.Pool
	for _, s := range m.shards {
		out = append(out, s.primary)
		out = append(out, s.replicas...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address() < out[j].Address() })
	return out, nil
}

// RandomShard returns any shard, for keyless commands.
func (t *topology) RandomShard(ctx context.Context) (*shard, error) {
	m, err := t.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(m.shards) == 0 {
		return nil, ErrTopologyUnavailable
	}
	return m.shards[rand.IntN(len(m.shards))], nil
}

// connect dials every known pool, for clients that connect eagerly.
func (t *topology) connect(ctx context.Context) error {
	nodes, err := t.Nodes(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, p := range nodes {
		if err := p.Connect(ctx); err != nil {
			t.log.Warn("node unreachable", "addr", p.Address(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	primaries, _ := t.Primaries(ctx)
	for _, p := range primaries {
		if !p.Healthy() {
			return firstErr
		}
	}
	return nil
}

// connDead reacts to a lost connection by refreshing in the background.
func (t *topology) connDead(addr string, err error) {
	if t.isClosed() {
		return
	}
	t.log.Debug("connection lost, refreshing topology", "addr", addr, "error", err)
	go t.Refresh(context.Background())
}

// watch refreshes the layout every interval until Shutdown.
func (t *topology) watch(interval time.Duration) {
	tk := time.NewTicker(interval)
	defer tk.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-tk.C:
			if err := t.Refresh(context.Background()); err != nil {
				t.log.Warn("periodic topology check failed", "error", err)
			}
		}
	}
}

func (t *topology) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *topology) Shutdown() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.done)
	pools := make([]*internal.Pool, 0, len(t.pools))
	for _, p := range t.pools {
		pools = append(pools, p)
	}
	t.pools = map[string]*internal.Pool{}
	t.mu.Unlock()
	for _, p := range pools {
		p.Close()
	}
}

// hostPort joins a host reported by a node with its port; an empty host
// means the host we reached that node on.
func hostPort(host string, port int64, from string) string {
	if host == "" {
		host, _, _ = net.SplitHostPort(from)
	}
	return net.JoinHostPort(host, strconv.FormatInt(port, 10))
}
