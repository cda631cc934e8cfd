package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

type slot struct {
	idx          int
	conn         *Conn
	busy         bool
	dialing      chan struct{}
	reconnecting bool
	lastErr      error
}

// Pool keeps up to Size connections to one node. Dead connections are
// replaced in the background following the Reconnect backoff.
type Pool struct {
	opts PoolOptions
	log  hclog.Logger

	mu     sync.Mutex
	slots  []*slot
	next   int
	avail  chan struct{}
	closed bool
	done   chan struct{}
	az     string
}

func NewPool(opts PoolOptions) *Pool {
	if opts.Size < 1 {
		opts.Size = 1
	}
	log := opts.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}
	p := &Pool{
		opts:  opts,
		log:   log.With("addr", opts.Conn.Address),
		slots: make([]*slot, opts.Size),
		avail: make(chan struct{}),
		done:  make(chan struct{}),
	}
	for i := range p.slots {
		p.slots[i] = &slot{idx: i}
	}
	return p
}

func (p *Pool) Address() string { return p.opts.Conn.Address }

// Connect dials every empty slot. It succeeds when at least one connection
// is up.
func (p *Pool) Connect(ctx context.Context) error {
	var firstErr error
	for i := range p.slots {
		if _, err := p.ensure(ctx, i); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.Healthy() {
		return nil
	}
	return firstErr
}

// ensure returns the live connection of slot i, dialing it if needed.
// Concurrent callers share one dial.
func (p *Pool) ensure(ctx context.Context, i int) (*Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		s := p.slots[i]
		if s.conn != nil {
			c := s.conn
			p.mu.Unlock()
			return c, nil
		}
		if s.dialing != nil {
			wait := s.dialing
			p.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		s.dialing = make(chan struct{})
		p.mu.Unlock()

		c, err := p.dial(ctx, s)

		p.mu.Lock()
		close(s.dialing)
		s.dialing = nil
		s.lastErr = err
		p.mu.Unlock()
		return c, err
	}
}

func (p *Pool) dial(ctx context.Context, s *slot) (*Conn, error) {
	opts := p.opts.Conn
	opts.OnDead = func(c *Conn, err error) { p.connDead(s, c, err) }
	c, err := Dial(ctx, opts)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		go c.Close()
		return nil, ErrPoolClosed
	}
	s.conn = c
	if c.AZ() != "" {
		p.az = c.AZ()
	}
	p.notify()
	return c, nil
}

// notify wakes every Acquire waiting for a slot. Caller holds mu.
func (p *Pool) notify() {
	close(p.avail)
	p.avail = make(chan struct{})
}

// Handle is a connection lent out by Acquire.
type Handle struct {
	pool *Pool
	slot *slot
	conn *Conn
	once sync.Once
}

func (h *Handle) Conn() *Conn { return h.conn }

// Release gives the connection back to the pool.
func (h *Handle) Release() {
	h.once.Do(func() {
		if h.pool.opts.Multiplexed {
			return
		}
		h.pool.mu.Lock()
		h.slot.busy = false
		h.pool.notify()
		h.pool.mu.Unlock()
	})
}

// Retire closes the connection so it is never handed out again; the slot
// reconnects in the background.
func (h *Handle) Retire(err error) {
	h.once.Do(func() {
		h.pool.log.Debug("retiring connection", "error", err)
		h.pool.mu.Lock()
		h.slot.busy = false
		h.pool.mu.Unlock()
		h.conn.Close()
	})
}

// Acquire returns a ready connection. Multiplexed pools round-robin over
// live connections; exclusive pools wait for a free one.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		n := len(p.slots)
		var empty *slot
		for k := 0; k < n; k++ {
			s := p.slots[(p.next+k)%n]
			if s.conn != nil && !s.conn.Dead() && (p.opts.Multiplexed || !s.busy) {
				p.next = (s.idx + 1) % n
				s.busy = !p.opts.Multiplexed
				p.mu.Unlock()
				return &Handle{pool: p, slot: s, conn: s.conn}, nil
			}
			if empty == nil && s.conn == nil && s.dialing == nil && !s.reconnecting {
				empty = s
			}
		}
		wait := p.avail
		var lastErr error
		for _, s := range p.slots {
			if s.lastErr != nil {
				lastErr = s.lastErr
			}
		}
		p.mu.Unlock()

		if empty != nil {
			if _, err := p.ensure(ctx, empty.idx); err != nil {
				return nil, err
			}
			continue
		}
		if p.opts.Multiplexed && !p.Healthy() && lastErr != nil && !p.anyDialing() {
			return nil, fmt.Errorf("no connection to %s: %w", p.opts.Conn.Address, lastErr)
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.done:
			return nil, ErrPoolClosed
		}
	}
}

func (p *Pool) anyDialing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.dialing != nil {
			return true
		}
	}
	return false
}

func (p *Pool) connDead(s *slot, c *Conn, err error) {
	p.mu.Lock()
	if s.conn != c {
		p.mu.Unlock()
		return
	}
	s.conn = nil
	s.busy = false
	s.lastErr = err
	closed := p.closed
	start := !closed && !s.reconnecting
	if start {
		s.reconnecting = true
	}
	p.notify()
	p.mu.Unlock()

	if closed {
		return
	}
	p.log.Warn("connection lost", "slot", s.idx, "error", err)
	if p.opts.OnConnDead != nil {
		p.opts.OnConnDead(p.opts.Conn.Address, err)
	}
	if start {
		go p.reconnect(s)
	}
}

func (p *Pool) reconnect(s *slot) {
	defer func() {
		p.mu.Lock()
		s.reconnecting = false
		p.notify()
		p.mu.Unlock()
	}()
	for attempt := 0; ; attempt++ {
		t := time.NewTimer(p.opts.Reconnect.Delay(attempt))
		select {
		case <-p.done:
			t.Stop()
			return
		case <-t.C:
		}
		p.mu.Lock()
		if s.conn != nil {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), p.opts.Conn.connectTimeout())
		_, err := p.ensure(ctx, s.idx)
		cancel()
		if err == nil {
			p.log.Info("reconnected", "slot", s.idx, "attempts", attempt+1)
			return
		}
		p.log.Debug("reconnect failed", "slot", s.idx, "attempt", attempt+1, "error", err)
		if p.opts.Reconnect.Exhausted(attempt + 1) {
			p.log.Warn("giving up reconnecting", "slot", s.idx, "error", err)
			return
		}
	}
}

// Healthy reports whether the node is usable: a connection is ready, or
// none has been tried yet.
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	failed := false
	for _, s := range p.slots {
		if s.conn != nil && !s.conn.Dead() {
			return true
		}
		if s.lastErr != nil || s.reconnecting {
			failed = true
		}
	}
	return !failed
}

// Live counts ready connections.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.conn != nil && !s.conn.Dead() {
			n++
		}
	}
	return n
}

// AZ is the availability zone reported by the node.
func (p *Pool) AZ() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.az
}

func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	var conns []*Conn
	for _, s := range p.slots {
		if s.conn != nil {
			conns = append(conns, s.conn)
			s.conn = nil
		}
	}
	p.notify()
	p.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	p.log.Debug("pool closed")
}
