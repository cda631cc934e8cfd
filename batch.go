package glide

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jsp-lqk/metapipe-valkey/internal"
	"github.com/jsp-lqk/metapipe-valkey/resp"
	"golang.org/x/sync/errgroup"
)

type BatchKind int

const (
	// Atomic wraps the commands in MULTI/EXEC on one connection.
	Atomic BatchKind = iota
	// Pipeline sends the commands without a transaction, grouped per node.
	Pipeline
)

func (k BatchKind) String() string {
	if k == Pipeline {
		return "Pipeline"
	}
	return "Atomic"
}

type BatchOptions struct {
	// Timeout bounds the whole batch. Zero means RequestTimeout.
	Timeout time.Duration
	// RaiseOnError turns the first error reply inside the batch into the
	// result's error.
	RaiseOnError bool
}

type batchContext struct {
	kind     BatchKind
	commands []*Command
}

// Session is a client handle that can switch into batching mode. While a
// batch is open, commands are buffered and nothing is sent until Exec.
type Session struct {
	c *Client

	mu    sync.Mutex
	batch *batchContext
	err   error
}

func (c *Client) NewSession() *Session {
	return &Session{c: c}
}

// Begin opens a batch.
func (s *Session) Begin(kind BatchKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch != nil {
		return ErrBatchActive
	}
	s.batch = &batchContext{kind: kind}
	s.err = nil
	return nil
}

// Batching reports whether a batch is open.
func (s *Session) Batching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batch != nil
}

// Queue buffers a command. Errors stick until Exec or Discard and are
// reported by Err.
func (s *Session) Queue(t RequestType, args ...[]byte) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s
	}
	if s.batch == nil {
		s.err = ErrNotInBatch
		return s
	}
	if t == InvalidRequest || t >= requestTypeCount {
		s.err = &ConfigError{Field: "RequestType", Reason: fmt.Sprintf("unknown request type %d", t)}
		return s
	}
	cmd := &Command{Type: t, Args: args}
	s.batch.commands = append(s.batch.commands, cmd.clone())
	return s
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Discard drops the open batch without sending anything.
func (s *Session) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		return ErrNotInBatch
	}
	s.batch = nil
	s.err = nil
	return nil
}

// Execute is the single entry point bindings use: MULTI, EXEC and DISCARD
// drive the batch, other commands are queued while batching and executed
// directly otherwise.
func (s *Session) Execute(ctx context.Context, t RequestType, args [][]byte, route Route) *CommandResult {
	switch t {
	case Multi:
		if err := s.Begin(Atomic); err != nil {
			return errorResult(err)
		}
		return okResult("OK")
	case Exec:
		return s.Exec(ctx, BatchOptions{})
	case Discard:
		if err := s.Discard(); err != nil {
			return errorResult(err)
		}
		return okResult("OK")
	}
	if !s.Batching() {
		return s.c.Execute(ctx, t, args, route)
	}
	if err := s.Queue(t, args...).Err(); err != nil {
		return errorResult(err)
	}
	return okResult("QUEUED")
}

// Exec sends the open batch and returns one reply per command, in order.
// A transaction aborted by WATCH yields Null.
func (s *Session) Exec(ctx context.Context, opts BatchOptions) *CommandResult {
	s.mu.Lock()
	b, err := s.batch, s.err
	s.batch, s.err = nil, nil
	s.mu.Unlock()
	if b == nil {
		return errorResult(ErrNotInBatch)
	}
	if err != nil {
		return errorResult(err)
	}
	if s.c.closed.Load() {
		return errorResult(ErrClosed)
	}
	release, err := s.c.acquire()
	if err != nil {
		return errorResult(err)
	}
	defer release()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.c.cfg.RequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var v *resp.Value
	if b.kind == Atomic {
		v, err = s.c.disp.atomic(ctx, b.commands)
	} else {
		v, err = s.c.disp.pipeline(ctx, b.commands)
	}
	if err != nil {
		return errorResult(err)
	}
	if opts.RaiseOnError && v.Kind == resp.Array {
		for _, e := range v.Elems {
			if e.IsError() {
				err := ServerError(e.Text())
				v.Release()
				return errorResult(err)
			}
		}
	}
	return &CommandResult{Response: v}
}

// collect waits for every reply of a DispatchMulti. On timeout the
// remaining replies are drained in the background before the connection
// is released.
func collect(ctx context.Context, h *internal.Handle, chs []<-chan internal.Reply) ([]*resp.Value, bool, error) {
	out := make([]*resp.Value, len(chs))
	sent := false
	var firstErr error
	for i, ch := range chs {
		select {
		case r := <-ch:
			out[i] = r.Value
			sent = sent || r.Sent
			if r.Err != nil && firstErr == nil {
				firstErr = r.Err
			}
		case <-ctx.Done():
			rest := chs[i:]
			go func() {
				for _, ch := range rest {
					discard(ch)
				}
				h.Release()
			}()
			releaseAll(out)
			return nil, true, ctx.Err()
		}
	}
	h.Release()
	if firstErr != nil {
		releaseAll(out)
		return nil, sent, firstErr
	}
	return out, sent, nil
}

// batchSlot returns the slot every key of cmds hashes to, or anySlot for
// a keyless batch.
func batchSlot(cmds []*Command) (int, []byte, error) {
	slot := anySlot
	var key []byte
	for _, cmd := range cmds {
		for _, k := range cmd.Keys() {
			s := int(KeySlot(k))
			if slot == anySlot {
				slot, key = s, k
			} else if s != slot {
				return 0, nil, fmt.Errorf("%w: %q and %q", ErrCrossSlot, key, k)
			}
		}
	}
	return slot, key, nil
}

// atomic runs MULTI, the commands and EXEC back to back on one connection.
func (d *dispatcher) atomic(ctx context.Context, cmds []*Command) (*resp.Value, error) {
	tg := target{slot: anySlot, policy: Primary}
	if d.router.Cluster() {
		slot, key, err := batchSlot(cmds)
		if err != nil {
			return nil, err
		}
		if slot != anySlot {
			tg = target{slot: slot, policy: Primary, key: key}
		}
	}
	lines := make([][][]byte, 0, len(cmds)+2)
	lines = append(lines, StringArgs("MULTI"))
	for _, cmd := range cmds {
		lines = append(lines, cmd.Line())
	}
	lines = append(lines, StringArgs("EXEC"))

	redirected := false
	for retries := 0; ; {
		pool, err := d.resolve(ctx, tg)
		if err != nil {
			return nil, err
		}
		h, err := pool.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: transaction", ErrTimeout)
			}
			return nil, err
		}
		d.log.Trace("sent", "cmd", "MULTI", "addr", pool.Address(), "commands", len(cmds))
		replies, sent, err := collect(ctx, h, h.Conn().DispatchMulti(lines))
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: transaction", ErrTimeout)
			}
			if transientIOError(err) && !sent && retries < d.cfg.RetryStrategy.MaxAttempts {
				retries++
				continue
			}
			return nil, err
		}

		if replies[0].IsError() {
			msg := replies[0].Text()
			releaseAll(replies)
			return nil, ServerError(msg)
		}
		// a queued command answered with MOVED means the slot moved
		// before EXEC; the server aborts the transaction
		var re *RedirectError
		for _, q := range replies[1 : len(replies)-1] {
			if q.IsError() {
				if r, ok := parseRedirect(q.Text(), pool.Address()); ok {
					re = r
					break
				}
			}
		}
		if re != nil && !redirected && !re.Ask {
			releaseAll(replies)
			redirected = true
			d.log.Trace("redirected", "cmd", "MULTI", "from", pool.Address(), "to", re.Addr)
			if err := d.router.Refresh(ctx); err != nil {
				d.log.Debug("refresh after MOVED failed", "error", err)
			}
			tg = target{addr: re.Addr}
			continue
		}
		if re != nil {
			releaseAll(replies)
			return nil, re
		}

		last := len(replies) - 1
		exec := replies[last]
		replies[last] = nil
		releaseAll(replies)
		if exec.IsError() {
			msg := exec.Text()
			exec.Release()
			return nil, ServerError(msg)
		}
		return exec, nil
	}
}

// pipeline groups cmds per node, sends every group concurrently and
// restores submission order. Redirected replies are executed again
// through the normal path.
func (d *dispatcher) pipeline(ctx context.Context, cmds []*Command) (*resp.Value, error) {
	type group struct {
		pool *internal.Pool
		idx  []int
	}
	groups := map[*internal.Pool]*group{}
	var order []*group
	from := make([]string, len(cmds))
	for i, cmd := range cmds {
		info, args := cmd.lookup()
		tg := target{slot: anySlot, policy: Primary}
		if info.flags&readOnly != 0 {
			tg.policy = d.cfg.ReadFrom
		}
		if keys := info.keys.extract(args); len(keys) > 0 {
			tg.slot, tg.key = int(KeySlot(keys[0])), keys[0]
		}
		pool, err := d.resolve(ctx, tg)
		if err != nil {
			return nil, err
		}
		g, ok := groups[pool]
		if !ok {
			g = &group{pool: pool}
			groups[pool] = g
			order = append(order, g)
		}
		g.idx = append(g.idx, i)
		from[i] = pool.Address()
	}

	out := make([]*resp.Value, len(cmds))
	var eg errgroup.Group
	for _, g := range order {
		eg.Go(func() error {
			h, err := g.pool.Acquire(ctx)
			if err != nil {
				return err
			}
			lines := make([][][]byte, len(g.idx))
			for j, i := range g.idx {
				lines[j] = cmds[i].Line()
			}
			d.log.Trace("sent", "cmd", "pipeline", "addr", g.pool.Address(), "commands", len(lines))
			replies, _, err := collect(ctx, h, h.Conn().DispatchMulti(lines))
			if err != nil {
				return err
			}
			for j, i := range g.idx {
				out[i] = replies[j]
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		releaseAll(out)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: pipeline", ErrTimeout)
		}
		return nil, err
	}

	for i, v := range out {
		if !v.IsError() {
			continue
		}
		re, ok := parseRedirect(v.Text(), from[i])
		if !ok {
			continue
		}
		if !re.Ask {
			if err := d.router.Refresh(ctx); err != nil {
				d.log.Debug("refresh after MOVED failed", "error", err)
			}
		}
		nv, err := d.send(ctx, cmds[i], target{addr: re.Addr, asking: re.Ask})
		if err != nil {
			nv = resp.NewError(err.Error())
		}
		v.Release()
		out[i] = nv
	}
	return resp.NewArray(out), nil
}
