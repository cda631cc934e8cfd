package glide

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jsp-lqk/metapipe-valkey/internal"
	"github.com/jsp-lqk/metapipe-valkey/resp"
	"github.com/jsp-lqk/metapipe-valkey/router"
	"golang.org/x/sync/errgroup"
)

// blocking commands get this much on top of their own server-side timeout
const blockingGrace = 500 * time.Millisecond

const anySlot = -1

// target is where a single-node command goes: a fixed address, the shard
// owning slot, or any shard when slot is anySlot. asking prefixes the
// first attempt with ASKING.
type target struct {
	addr   string
	slot   int
	policy ReadFrom
	key    []byte
	asking bool
}

type dispatcher struct {
	router Router
	cfg    ClientConfiguration
	log    hclog.Logger
}

func newDispatcher(r Router, cfg ClientConfiguration, log hclog.Logger) *dispatcher {
	return &dispatcher{router: r, cfg: cfg, log: log.Named("dispatch")}
}

// withDeadline bounds cmd by RequestTimeout, or by its own blocking
// timeout plus a grace period. Blocking forever means no deadline.
func (d *dispatcher) withDeadline(ctx context.Context, cmd *Command) (context.Context, context.CancelFunc) {
	timeout := d.cfg.RequestTimeout
	if bt, ok := cmd.blockingTimeout(); ok {
		if bt == 0 {
			return context.WithCancel(ctx)
		}
		timeout = bt + blockingGrace
	}
	return context.WithTimeout(ctx, timeout)
}

func (d *dispatcher) dispatch(ctx context.Context, cmd *Command, route Route) (*resp.Value, error) {
	ctx, cancel := d.withDeadline(ctx, cmd)
	defer cancel()

	info, args := cmd.lookup()
	policy := Primary
	if info.flags&readOnly != 0 {
		policy = d.cfg.ReadFrom
	}
	cluster := d.router.Cluster()
	d.log.Trace("built", "cmd", cmd.Name(), "route", route)

	switch r := route.(type) {
	case SimpleRoute:
		switch {
		case r == RandomNode:
			return d.send(ctx, cmd, target{slot: anySlot, policy: policy})
		case cluster:
			return d.fanout(ctx, cmd, r == AllNodes, info.agg)
		}
	case SlotKeyRoute:
		return d.send(ctx, cmd, slotTarget(KeySlot([]byte(r.Key)), r.Replica, []byte(r.Key)))
	case SlotIDRoute:
		return d.send(ctx, cmd, slotTarget(uint16(r.Slot), r.Replica, nil))
	case ByAddressRoute:
		return d.send(ctx, cmd, target{addr: r.String()})
	}

	keys := info.keys.extract(args)
	if len(keys) == 0 {
		if cluster && info.route != toRandom {
			return d.fanout(ctx, cmd, info.route == toAllNodes, info.agg)
		}
		return d.send(ctx, cmd, target{slot: anySlot, policy: policy})
	}
	if cluster && info.split != splitNone {
		if groups := splitBySlot(args, info.split); len(groups) > 1 {
			return d.split(ctx, cmd, info, groups)
		}
	}
	return d.send(ctx, cmd, target{slot: int(KeySlot(keys[0])), policy: policy, key: keys[0]})
}

func slotTarget(slot uint16, replica bool, key []byte) target {
	tg := target{slot: int(slot), policy: Primary, key: key}
	if replica {
		tg.policy = PreferReplica
	}
	return tg
}

func (d *dispatcher) resolve(ctx context.Context, tg target) (*internal.Pool, error) {
	if tg.addr != "" {
		return d.router.Node(tg.addr), nil
	}
	var s *shard
	var err error
	if tg.slot == anySlot {
		s, err = d.router.RandomShard(ctx)
	} else {
		s, err = d.router.Shard(ctx, uint16(tg.slot))
	}
	if err != nil {
		return nil, err
	}
	return router.Select(tg.policy, tg.key, s.primary, s.replicas, d.cfg.ClientAZ), nil
}

// send runs cmd on one node, following at most one redirect and retrying
// transient failures.
func (d *dispatcher) send(ctx context.Context, cmd *Command, tg target) (*resp.Value, error) {
	line := cmd.Line()
	retry := d.cfg.RetryStrategy
	redirected, asking := tg.asking, tg.asking
	for retries := 0; ; {
		pool, err := d.resolve(ctx, tg)
		if err != nil {
			return nil, err
		}
		d.log.Trace("routed", "cmd", cmd.Name(), "addr", pool.Address(), "retries", retries)

		v, sent, err := d.roundTrip(ctx, pool, line, asking)
		asking = false
		if err != nil {
			if ctx.Err() != nil {
				return nil, expired(ctx, cmd, err)
			}
			if transientIOError(err) && (!sent || cmd.ReadOnly()) && retries < retry.MaxAttempts {
				d.log.Trace("retrying", "cmd", cmd.Name(), "addr", pool.Address(), "sent", sent, "error", err)
				if !sleepCtx(ctx, retry.Backoff.Delay(retries)) {
					return nil, expired(ctx, cmd, err)
				}
				retries++
				continue
			}
			d.log.Trace("failed", "cmd", cmd.Name(), "addr", pool.Address(), "error", err)
			return nil, err
		}
		if !v.IsError() {
			d.log.Trace("completed", "cmd", cmd.Name(), "addr", pool.Address())
			return v, nil
		}

		msg := v.Text()
		v.Release()
		if re, ok := parseRedirect(msg, pool.Address()); ok {
			if redirected {
				return nil, re
			}
			redirected = true
			d.log.Trace("redirected", "cmd", cmd.Name(), "from", pool.Address(), "to", re.Addr, "ask", re.Ask)
			if re.Ask {
				asking = true
			} else if err := d.router.Refresh(ctx); err != nil {
				d.log.Debug("refresh after MOVED failed", "error", err)
			}
			tg = target{addr: re.Addr}
			continue
		}

		prefix := ServerError(msg).Prefix()
		if retryableServerError(prefix) && retries < retry.MaxAttempts {
			d.log.Trace("retrying", "cmd", cmd.Name(), "addr", pool.Address(), "error", msg)
			if topologyServerError(prefix) {
				if err := d.router.Refresh(ctx); err != nil {
					d.log.Debug("refresh after server error failed", "error", err)
				}
			}
			if !sleepCtx(ctx, retry.Backoff.Delay(retries)) {
				return nil, expired(ctx, cmd, ServerError(msg))
			}
			retries++
			continue
		}
		return nil, ServerError(msg)
	}
}

// roundTrip writes line on a connection from pool and waits for its reply.
// sent reports whether the command may have reached the server.
func (d *dispatcher) roundTrip(ctx context.Context, pool *internal.Pool, line [][]byte, asking bool) (*resp.Value, bool, error) {
	h, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	var ch <-chan internal.Reply
	if asking {
		chs := h.Conn().DispatchMulti([][][]byte{StringArgs("ASKING"), line})
		go discard(chs[0])
		ch = chs[1]
	} else {
		ch = h.Conn().Dispatch(line)
	}
	d.log.Trace("sent", "addr", pool.Address())
	select {
	case r := <-ch:
		h.Release()
		return r.Value, r.Sent, r.Err
	case <-ctx.Done():
		// the late reply still belongs to this request
		go func() {
			discard(ch)
			h.Release()
		}()
		return nil, true, ctx.Err()
	}
}

func expired(ctx context.Context, cmd *Command, cause error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, cmd.Name())
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return cause
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// fanout sends cmd to every primary, or every node, and aggregates.
func (d *dispatcher) fanout(ctx context.Context, cmd *Command, allNodes bool, agg aggregatePolicy) (*resp.Value, error) {
	var nodes []*internal.Pool
	var err error
	if allNodes {
		nodes, err = d.router.Nodes(ctx)
	} else {
		nodes, err = d.router.Primaries(ctx)
	}
	if err != nil {
		return nil, err
	}
	replies := make([]*resp.Value, len(nodes))
	errs := make([]error, len(nodes))
	var g errgroup.Group
	for i, n := range nodes {
		g.Go(func() error {
			replies[i], errs[i] = d.send(ctx, cmd, target{addr: n.Address()})
			return nil
		})
	}
	g.Wait()
	d.log.Trace("fanned out", "cmd", cmd.Name(), "nodes", len(nodes))

	if agg == aggOneSucceeded {
		return oneSucceeded(replies, errs)
	}
	for i, err := range errs {
		if err != nil {
			releaseAll(replies)
			return nil, fmt.Errorf("%s: %w", nodes[i].Address(), err)
		}
	}
	addrs := make([]string, len(nodes))
	for i, n := range nodes {
		addrs[i] = n.Address()
	}
	return aggregate(agg, addrs, replies)
}

func releaseAll(vs []*resp.Value) {
	for _, v := range vs {
		v.Release()
	}
}

func oneSucceeded(replies []*resp.Value, errs []error) (*resp.Value, error) {
	var out *resp.Value
	for i, v := range replies {
		if errs[i] == nil && out == nil {
			out = v
			continue
		}
		v.Release()
	}
	if out != nil {
		return out, nil
	}
	return nil, errors.Join(errs...)
}

func aggregate(agg aggregatePolicy, addrs []string, replies []*resp.Value) (*resp.Value, error) {
	switch agg {
	case aggSum:
		var sum int64
		for _, v := range replies {
			if v.Kind != resp.Int {
				releaseAll(replies)
				return nil, fmt.Errorf("%w: cannot sum a %s reply", resp.ErrProtocol, v.Kind)
			}
			sum += v.Int
		}
		releaseAll(replies)
		return resp.NewInt(sum), nil
	case aggAllOK:
		for _, v := range replies {
			if v.Kind != resp.String || v.Text() != "OK" {
				err := fmt.Errorf("%w: expected OK, got %s", resp.ErrProtocol, v)
				releaseAll(replies)
				return nil, err
			}
		}
		releaseAll(replies)
		return resp.NewString([]byte("OK")), nil
	case aggConcat:
		var elems []*resp.Value
		for _, v := range replies {
			if v.Kind == resp.Array {
				elems = append(elems, v.Elems...)
				v.Elems = nil
			}
			v.Release()
		}
		return resp.NewArray(elems), nil
	case aggLogicalAnd:
		var and []bool
		for i, v := range replies {
			if v.Kind != resp.Array || (i > 0 && len(v.Elems) != len(and)) {
				releaseAll(replies)
				return nil, fmt.Errorf("%w: mismatched replies for a logical and", resp.ErrProtocol)
			}
			if i == 0 {
				and = make([]bool, len(v.Elems))
				for j := range and {
					and[j] = true
				}
			}
			for j, e := range v.Elems {
				and[j] = and[j] && e.Int != 0
			}
		}
		releaseAll(replies)
		elems := make([]*resp.Value, len(and))
		for j, b := range and {
			n := int64(0)
			if b {
				n = 1
			}
			elems[j] = resp.NewInt(n)
		}
		return resp.NewArray(elems), nil
	}
	pairs := make([]resp.Pair, len(replies))
	for i, v := range replies {
		pairs[i] = resp.Pair{Key: resp.NewString([]byte(addrs[i])), Value: v}
	}
	return resp.NewMap(pairs), nil
}

// slotGroup is the slice of a multi-key command that one slot serves.
// positions are indexes of the group's units in the unsplit command.
type slotGroup struct {
	slot      uint16
	args      [][]byte
	positions []int
}

// splitBySlot groups keys (or key/value pairs) by slot, in order of first
// appearance.
func splitBySlot(args [][]byte, sp splitPolicy) []*slotGroup {
	unit := 1
	if sp == splitPairs {
		unit = 2
	}
	var groups []*slotGroup
	bySlot := map[uint16]*slotGroup{}
	for i, pos := 0, 0; i+unit <= len(args); i, pos = i+unit, pos+1 {
		slot := KeySlot(args[i])
		g, ok := bySlot[slot]
		if !ok {
			g = &slotGroup{slot: slot}
			bySlot[slot] = g
			groups = append(groups, g)
		}
		g.args = append(g.args, args[i:i+unit]...)
		g.positions = append(g.positions, pos)
	}
	return groups
}

// split runs one sub-command per slot concurrently and recombines the
// replies as if a single node had answered.
func (d *dispatcher) split(ctx context.Context, cmd *Command, info requestInfo, groups []*slotGroup) (*resp.Value, error) {
	policy := Primary
	if info.flags&readOnly != 0 {
		policy = d.cfg.ReadFrom
	}

	replies := make([]*resp.Value, len(groups))
	errs := make([]error, len(groups))
	var g errgroup.Group
	for i, grp := range groups {
		sub := cmd.withArgs(grp.args)
		g.Go(func() error {
			replies[i], errs[i] = d.send(ctx, sub, target{slot: int(grp.slot), policy: policy, key: grp.args[0]})
			return nil
		})
	}
	g.Wait()
	d.log.Trace("split", "cmd", cmd.Name(), "slots", len(groups))
	for _, err := range errs {
		if err != nil {
			releaseAll(replies)
			return nil, err
		}
	}

	switch info.agg {
	case aggSum, aggAllOK:
		return aggregate(info.agg, nil, replies)
	}
	total := 0
	for _, grp := range groups {
		total += len(grp.positions)
	}
	out := make([]*resp.Value, total)
	for i, v := range replies {
		if v.Kind != resp.Array || len(v.Elems) != len(groups[i].positions) {
			releaseAll(replies)
			releaseAll(out)
			return nil, fmt.Errorf("%w: unexpected %s reply to a split %s", resp.ErrProtocol, v.Kind, cmd.Name())
		}
		for j, pos := range groups[i].positions {
			out[pos] = v.Detach(j)
		}
		v.Release()
		replies[i] = nil
	}
	return resp.NewArray(out), nil
}
