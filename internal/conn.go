package internal

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edwingeng/deque/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/jsp-lqk/metapipe-valkey/resp"
)

// Reply is the single response delivered for a dispatched command. Sent is
// false when the command never reached the socket, so it is safe to retry.
type Reply struct {
	Value *resp.Value
	Err   error
	Sent  bool
}

type pending struct {
	ch     chan Reply
	unsent bool
}

// Conn is one pipelined server connection. Requests are written in order
// and their replies are matched first-in first-out.
type Conn struct {
	opts ConnOptions
	log  hclog.Logger

	conn net.Conn
	bw   *bufio.Writer
	dec  *resp.Decoder

	// wmu orders writes; mu guards the pending queue and the dead state.
	wmu   sync.Mutex
	mu    sync.Mutex
	deque *deque.Deque[*pending]
	dead  bool
	err   error

	protocol     Protocol
	az           string
	lastActivity atomic.Int64
	done         chan struct{}
	deadOnce     sync.Once
}

// Dial connects, performs the handshake and starts the listener.
func Dial(ctx context.Context, opts ConnOptions) (*Conn, error) {
	log := opts.logger().With("addr", opts.Address)
	timeout := opts.connectTimeout()
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d := net.Dialer{}
	nc, err := d.DialContext(dctx, "tcp", opts.Address)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %s after %s", ErrConnectTimeout, opts.Address, timeout)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectRefused, opts.Address, err)
	}
	deadline, _ := dctx.Deadline()
	_ = nc.SetDeadline(deadline)

	if opts.TLSMode != NoTLS {
		host, _, _ := net.SplitHostPort(opts.Address)
		tc := tls.Client(nc, &tls.Config{
			ServerName:         host,
			RootCAs:            opts.RootCAs,
			InsecureSkipVerify: opts.TLSMode == InsecureTLS,
			MinVersion:         tls.VersionTLS12,
		})
		if err := tc.HandshakeContext(dctx); err != nil {
			nc.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrTLSHandshake, opts.Address, err)
		}
		nc = tc
	}

	c := &Conn{
		opts:     opts,
		log:      log,
		conn:     nc,
		bw:       bufio.NewWriterSize(nc, 64<<10),
		dec:      resp.NewDecoder(bufio.NewReaderSize(nc, 64<<10)),
		deque:    deque.NewDeque[*pending](),
		protocol: opts.Protocol,
		done:     make(chan struct{}),
	}
	if err := c.handshake(); err != nil {
		nc.Close()
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %s: handshake: %v", ErrConnectTimeout, opts.Address, err)
		}
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})
	c.touch()

	go c.listen()
	if opts.HeartbeatInterval > 0 {
		go c.heartbeat(opts.HeartbeatInterval)
	}
	log.Debug("connected", "protocol", c.protocol, "az", c.az)
	return c, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func args(words ...string) [][]byte {
	out := make([][]byte, len(words))
	for i, w := range words {
		out[i] = []byte(w)
	}
	return out
}

// roundTrip is used during the handshake only, before the listener runs.
func (c *Conn) roundTrip(cmds ...[][]byte) ([]*resp.Value, error) {
	for _, cmd := range cmds {
		b, err := resp.EncodeCommand(cmd)
		if err != nil {
			return nil, err
		}
		if _, err := c.bw.Write(b); err != nil {
			return nil, err
		}
	}
	if err := c.bw.Flush(); err != nil {
		return nil, err
	}
	out := make([]*resp.Value, 0, len(cmds))
	for range cmds {
		v, err := c.dec.Decode()
		if err != nil {
			for _, r := range out {
				r.Release()
			}
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func isAuthError(msg string) bool {
	for _, p := range []string{"WRONGPASS", "NOAUTH", "NOPERM"} {
		if strings.HasPrefix(msg, p) {
			return true
		}
	}
	return strings.Contains(msg, "invalid password") || strings.Contains(msg, "invalid username")
}

func (c *Conn) handshake() error {
	o := c.opts
	if c.protocol == RESP3 {
		hello := []string{"HELLO", "3"}
		if o.Password != "" {
			user := o.Username
			if user == "" {
				user = "default"
			}
			hello = append(hello, "AUTH", user, o.Password)
		}
		if o.ClientName != "" {
			hello = append(hello, "SETNAME", o.ClientName)
		}
		vs, err := c.roundTrip(args(hello...))
		if err != nil {
			return err
		}
		v := vs[0]
		switch {
		case v.IsError() && isAuthError(v.Text()):
			v.Release()
			return fmt.Errorf("%w: %s: %s", ErrAuthFailed, o.Address, v.Text())
		case v.IsError():
			c.log.Info("HELLO rejected, falling back to RESP2", "reply", v.Text())
			v.Release()
			c.protocol = RESP2
		default:
			c.readHello(v)
			v.Release()
		}
	}

	var setup [][][]byte
	if c.protocol == RESP2 {
		if o.Password != "" {
			if o.Username != "" {
				setup = append(setup, args("AUTH", o.Username, o.Password))
			} else {
				setup = append(setup, args("AUTH", o.Password))
			}
		}
		if o.ClientName != "" {
			setup = append(setup, args("CLIENT", "SETNAME", o.ClientName))
		}
	}
	if o.DatabaseID > 0 {
		setup = append(setup, args("SELECT", strconv.Itoa(o.DatabaseID)))
	}
	if o.ReadOnly {
		setup = append(setup, args("READONLY"))
	}
	readAZ := o.ReadAZ && c.az == ""
	if readAZ {
		setup = append(setup, args("CONFIG", "GET", "availability-zone"))
	}
	if len(setup) == 0 {
		return nil
	}
	vs, err := c.roundTrip(setup...)
	if err != nil {
		return err
	}
	defer func() {
		for _, v := range vs {
			v.Release()
		}
	}()
	for i, v := range vs {
		name := string(setup[i][0])
		if readAZ && i == len(vs)-1 {
			if !v.IsError() {
				c.az = configValue(v)
			}
			continue
		}
		if !v.IsError() {
			continue
		}
		if name == "AUTH" || isAuthError(v.Text()) {
			return fmt.Errorf("%w: %s: %s", ErrAuthFailed, o.Address, v.Text())
		}
		return fmt.Errorf("%s failed on %s: %s", name, o.Address, v.Text())
	}
	return nil
}

func (c *Conn) readHello(v *resp.Value) {
	if v.Kind != resp.Map {
		return
	}
	for _, p := range v.Pairs {
		if p.Key.Text() == "availability_zone" {
			c.az = p.Value.Text()
		}
	}
}

// configValue extracts the value from a CONFIG GET reply, either a map
// (RESP3) or a flat name/value array (RESP2).
func configValue(v *resp.Value) string {
	switch v.Kind {
	case resp.Map:
		if len(v.Pairs) > 0 {
			return v.Pairs[0].Value.Text()
		}
	case resp.Array:
		if len(v.Elems) > 1 {
			return v.Elems[1].Text()
		}
	}
	return ""
}

func (c *Conn) Address() string { return c.opts.Address }

// AZ is the availability zone the server reported, if any.
func (c *Conn) AZ() string { return c.az }

// Protocol is the protocol negotiated during the handshake.
func (c *Conn) Protocol() Protocol { return c.protocol }

func (c *Conn) Dead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead
}

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Pending is the number of requests awaiting a reply.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deque.Len()
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Dispatch writes one command. The returned channel receives exactly one
// Reply.
func (c *Conn) Dispatch(cmd [][]byte) <-chan Reply {
	return c.DispatchMulti([][][]byte{cmd})[0]
}

// DispatchMulti writes several commands back to back in a single flush,
// so no other caller's command can be interleaved between them.
func (c *Conn) DispatchMulti(cmds [][][]byte) []<-chan Reply {
	out := make([]<-chan Reply, len(cmds))
	reqs := make([]*pending, len(cmds))
	var buf []byte
	var encErr error
	for i, cmd := range cmds {
		reqs[i] = &pending{ch: make(chan Reply, 1)}
		out[i] = reqs[i].ch
		if encErr == nil {
			var b []byte
			b, encErr = resp.EncodeCommand(cmd)
			buf = append(buf, b...)
		}
	}
	if encErr != nil {
		for _, r := range reqs {
			r.ch <- Reply{Err: fmt.Errorf("encoding command: %w", encErr)}
		}
		return out
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.mu.Lock()
	if c.dead {
		err := c.err
		c.mu.Unlock()
		for _, r := range reqs {
			r.ch <- Reply{Err: err}
		}
		return out
	}
	for _, r := range reqs {
		c.deque.PushFront(r)
	}
	c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout()))
	_, err := c.bw.Write(buf)
	if err == nil {
		err = c.bw.Flush()
	}
	if err != nil {
		// a timed out flush may have delivered part of the batch
		unsent := !isTimeout(err)
		c.mu.Lock()
		for _, r := range reqs {
			r.unsent = unsent
		}
		c.mu.Unlock()
		c.fail(fmt.Errorf("%w: write to %s: %v", ErrConnectionClosed, c.opts.Address, err), nil)
		return out
	}
	c.touch()
	return out
}

func (c *Conn) listen() {
	for {
		v, err := c.dec.Decode()
		if err != nil {
			if errors.Is(err, resp.ErrProtocol) {
				c.log.Error("protocol violation, closing connection", "error", err)
				c.fail(fmt.Errorf("%w: %s: %v", ErrConnectionClosed, c.opts.Address, err), err)
			} else {
				c.fail(fmt.Errorf("%w: read from %s: %v", ErrConnectionClosed, c.opts.Address, err), nil)
			}
			return
		}
		c.touch()
		if v.Kind == resp.Push {
			c.log.Trace("dropping push frame", "frame", v.String())
			v.Release()
			continue
		}
		c.mu.Lock()
		if c.deque.Len() == 0 {
			c.mu.Unlock()
			c.log.Error("reply without a pending request", "reply", v.String())
			v.Release()
			c.fail(fmt.Errorf("%w: %s: unsolicited reply", ErrConnectionClosed, c.opts.Address), nil)
			return
		}
		req := c.deque.PopBack()
		c.mu.Unlock()
		req.ch <- Reply{Value: v, Sent: true}
	}
}

// fail marks the connection dead. headErr, when set, goes to the oldest
// pending request; everything else receives err.
func (c *Conn) fail(err error, headErr error) {
	c.deadOnce.Do(func() {
		c.mu.Lock()
		c.dead = true
		c.err = err
		var reqs []*pending
		for c.deque.Len() > 0 {
			reqs = append(reqs, c.deque.PopBack())
		}
		c.mu.Unlock()

		close(c.done)
		c.conn.Close()
		for i, r := range reqs {
			e := err
			if i == 0 && headErr != nil {
				e = headErr
			}
			r.ch <- Reply{Err: e, Sent: !r.unsent}
		}
		if len(reqs) > 0 {
			c.log.Debug("connection failed", "error", err, "pending", len(reqs))
		}
		if c.opts.OnDead != nil {
			c.opts.OnDead(c, err)
		}
	})
}

// Close shuts the connection down; pending requests receive
// ErrConnectionClosed.
func (c *Conn) Close() {
	c.fail(fmt.Errorf("%w: %s: closed by client", ErrConnectionClosed, c.opts.Address), nil)
}

// heartbeat pings an idle connection and kills it when the ping is not
// answered within the interval. Connections with requests in flight are
// left to the request timeouts.
func (c *Conn) heartbeat(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
		}
		idle := time.Since(time.Unix(0, c.lastActivity.Load()))
		if idle < interval || c.Pending() > 0 {
			continue
		}
		ch := c.Dispatch(args("PING"))
		timer := time.NewTimer(interval)
		select {
		case r := <-ch:
			timer.Stop()
			r.Value.Release()
		case <-timer.C:
			c.log.Warn("heartbeat not answered", "interval", interval)
			c.fail(fmt.Errorf("%w: %s: %v", ErrConnectionClosed, c.opts.Address, ErrHeartbeat), nil)
			go func() { (<-ch).Value.Release() }()
			return
		case <-c.done:
			timer.Stop()
			return
		}
	}
}
