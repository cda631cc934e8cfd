package glide

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/jsp-lqk/metapipe-valkey/resp"
)

// ScanCursor tracks a keyspace scan across every primary. The zero value
// starts a new scan.
type ScanCursor struct {
	id       string
	finished bool
}

func NewScanCursor() *ScanCursor { return &ScanCursor{} }

func (c *ScanCursor) ID() string { return c.id }

func (c *ScanCursor) IsFinished() bool { return c.finished }

type ScanOptions struct {
	Match string
	Count int
	// Type filters by value type, e.g. "string" or "hash".
	Type string
}

func (o ScanOptions) args(cursor string) [][]byte {
	a := StringArgs(cursor)
	if o.Match != "" {
		a = append(a, []byte("MATCH"), []byte(o.Match))
	}
	if o.Count > 0 {
		a = append(a, []byte("COUNT"), []byte(strconv.Itoa(o.Count)))
	}
	if o.Type != "" {
		a = append(a, []byte("TYPE"), []byte(o.Type))
	}
	return a
}

// scanState is where a scan stands: which primary, and that primary's
// own SCAN cursor. node and cursor are guarded by the registry lock.
type scanState struct {
	nodes  []string
	node   int
	cursor string
}

type scanRegistry struct {
	mu     sync.Mutex
	states map[string]*scanState
}

func (r *scanRegistry) init() {
	r.states = map[string]*scanState{}
}

func (r *scanRegistry) get(id string) (*scanState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[id]
	return s, ok
}

func (r *scanRegistry) put(id string, s *scanState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[id] = s
}

func (r *scanRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, id)
}

func (r *scanRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = map[string]*scanState{}
}

func (r *scanRegistry) position(s *scanState) (int, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return s.node, s.cursor
}

// advance moves s past the reply to the SCAN sent at (node, from). A
// concurrent call that already moved it wins and s is left alone. It
// reports whether every primary has been exhausted.
func (r *scanRegistry) advance(s *scanState, node int, from, next string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.node == node && s.cursor == from {
		s.cursor = next
		if next == "0" {
			s.node++
		}
	}
	return s.node >= len(s.nodes)
}

// ClusterScan returns the next batch of keys and the cursor to continue
// from. Primaries are visited in address order; the returned cursor is
// finished once the last one is exhausted.
func (c *Client) ClusterScan(ctx context.Context, cursor *ScanCursor, opts ScanOptions) (*ScanCursor, [][]byte, error) {
	if c.closed.Load() {
		return nil, nil, ErrClosed
	}
	if cursor == nil {
		cursor = NewScanCursor()
	}
	if cursor.finished {
		return cursor, nil, nil
	}
	release, err := c.acquire()
	if err != nil {
		return nil, nil, err
	}
	defer release()

	id := cursor.id
	var st *scanState
	if id == "" {
		primaries, err := c.router.Primaries(ctx)
		if err != nil {
			return nil, nil, err
		}
		st = &scanState{cursor: "0"}
		for _, p := range primaries {
			st.nodes = append(st.nodes, p.Address())
		}
	} else {
		var ok bool
		if st, ok = c.scans.get(id); !ok {
			return nil, nil, fmt.Errorf("unknown scan cursor %s", id)
		}
	}
	node, from := c.scans.position(st)
	if node >= len(st.nodes) {
		c.scans.remove(id)
		return &ScanCursor{id: id, finished: true}, nil, nil
	}

	cmd := &Command{Type: Scan, Args: opts.args(from)}
	dctx, cancel := c.disp.withDeadline(ctx, cmd)
	defer cancel()
	v, err := c.disp.send(dctx, cmd, target{addr: st.nodes[node]})
	if err != nil {
		return cursor, nil, err
	}
	defer v.Release()
	next, keys, err := parseScanReply(v)
	if err != nil {
		return cursor, nil, err
	}

	// a new scan is only registered once its first reply is in
	if c.scans.advance(st, node, from, next) {
		if id != "" {
			c.scans.remove(id)
		}
		return &ScanCursor{id: id, finished: true}, keys, nil
	}
	if id == "" {
		id = uuid.NewString()
		c.scans.put(id, st)
	}
	return &ScanCursor{id: id}, keys, nil
}

// RemoveScanCursor forgets an unfinished scan.
func (c *Client) RemoveScanCursor(cursor *ScanCursor) {
	if cursor != nil && cursor.id != "" {
		c.scans.remove(cursor.id)
	}
}

func parseScanReply(v *resp.Value) (string, [][]byte, error) {
	if v.Kind != resp.Array || len(v.Elems) != 2 || v.Elems[1].Kind != resp.Array {
		return "", nil, fmt.Errorf("%w: unexpected SCAN reply %s", resp.ErrProtocol, v)
	}
	next := v.Elems[0].Text()
	if v.Elems[0].Kind == resp.Int {
		next = strconv.FormatInt(v.Elems[0].Int, 10)
	}
	keys := make([][]byte, len(v.Elems[1].Elems))
	for i, k := range v.Elems[1].Elems {
		keys[i] = bytes.Clone(k.Str)
	}
	return next, keys, nil
}
