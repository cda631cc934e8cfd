package glide

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jsp-lqk/metapipe-valkey/resp"
)

// discoverCluster asks known nodes, then the seeds, for CLUSTER SLOTS and
// takes the first usable answer.
func discoverCluster(ctx context.Context, t *topology) ([]shardSpec, error) {
	var candidates []string
	seen := map[string]bool{}
	add := func(addr string) {
		if !seen[addr] {
			seen[addr] = true
			candidates = append(candidates, addr)
		}
	}
	if m := t.current.Load(); m != nil {
		for _, s := range m.shards {
			add(s.primary.Address())
		}
	}
	for _, s := range t.seeds() {
		add(s)
	}

	var errs []error
	for _, addr := range candidates {
		if ctx.Err() != nil {
			break
		}
		v, err := t.query(ctx, addr, "CLUSTER", "SLOTS")
		if err != nil {
			t.log.Debug("CLUSTER SLOTS failed", "addr", addr, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		specs, err := parseSlots(v, addr)
		v.Release()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		return specs, nil
	}
	if len(errs) == 0 {
		return nil, ctx.Err()
	}
	return nil, errors.Join(errs...)
}

// parseSlots reads a CLUSTER SLOTS reply:
//
//	[[start, end, [host, port, id, ...], [replica host, port, id, ...]...]...]
//
// Ranges served by the same primary are grouped into one shard.
func parseSlots(v *resp.Value, from string) ([]shardSpec, error) {
	if v.Kind != resp.Array {
		return nil, fmt.Errorf("%w: CLUSTER SLOTS returned %s", resp.ErrProtocol, v.Kind)
	}
	if len(v.Elems) == 0 {
		return nil, errors.New("cluster serves no slots")
	}
	byPrimary := map[string]*shardSpec{}
	var order []string
	for _, r := range v.Elems {
		if r.Kind != resp.Array || len(r.Elems) < 3 {
			return nil, fmt.Errorf("%w: malformed slot range %s", resp.ErrProtocol, r)
		}
		start, end := r.Elems[0].Int, r.Elems[1].Int
		if r.Elems[0].Kind != resp.Int || r.Elems[1].Kind != resp.Int ||
			start < 0 || end >= SlotCount || start > end {
			return nil, fmt.Errorf("%w: bad slot range %s", resp.ErrProtocol, r)
		}
		primary, ok := slotNode(r.Elems[2], from)
		if !ok {
			return nil, fmt.Errorf("%w: bad node in slot range %s", resp.ErrProtocol, r)
		}
		s, exists := byPrimary[primary]
		if !exists {
			s = &shardSpec{primary: primary}
			byPrimary[primary] = s
			order = append(order, primary)
			for _, rep := range r.Elems[3:] {
				if addr, ok := slotNode(rep, from); ok {
					s.replicas = append(s.replicas, addr)
				}
			}
		}
		s.ranges = append(s.ranges, [2]int{int(start), int(end)})
	}
	out := make([]shardSpec, 0, len(order))
	for _, p := range order {
		s := byPrimary[p]
		sort.Strings(s.replicas)
		out = append(out, *s)
	}
	return out, nil
}

// slotNode reads [host, port, ...]. Nodes with an unknown endpoint ("?")
// are skipped.
func slotNode(n *resp.Value, from string) (string, bool) {
	if n.Kind != resp.Array || len(n.Elems) < 2 || n.Elems[1].Kind != resp.Int {
		return "", false
	}
	host := n.Elems[0].Text()
	if host == "?" || n.Elems[1].Int <= 0 {
		return "", false
	}
	return hostPort(host, n.Elems[1].Int, from), true
}
