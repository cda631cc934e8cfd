package glide

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/redcon"
)

func TestAtomicBatch(t *testing.T) {
	mc := newMockCluster(t, 1, false)
	c := newTestClient(t, testConfig(mc.addresses()...), false)
	s := c.NewSession()

	require.NoError(t, s.Begin(Atomic))
	require.NoError(t, s.Queue(Set, []byte("n"), []byte("1")).
		Queue(Incr, []byte("n")).
		Queue(Get, []byte("n")).Err())

	r := s.Exec(context.Background(), BatchOptions{})
	assert.Equal(t, `["OK", 2, "2"]`, text(t, r))
	assert.False(t, s.Batching())

	var names []string
	for _, e := range mc.node(0).Commands() {
		names = append(names, e.args[0])
	}
	assert.Equal(t, []string{"MULTI", "SET", "INCR", "GET", "EXEC"}, names)
}

func TestAtomicBatchIsContiguous(t *testing.T) {
	mc := newMockCluster(t, 1, false)
	c := newTestClient(t, testConfig(mc.addresses()...), false)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := c.NewSession()
			key := []byte(fmt.Sprintf("k%d", i))
			assert.NoError(t, s.Begin(Atomic))
			s.Queue(Set, key, []byte("v")).Queue(Get, key)
			r := s.Exec(ctx, BatchOptions{})
			assert.Nil(t, r.Err)
			r.Free()
		}()
		go func() {
			defer wg.Done()
			r := c.Execute(ctx, Echo, StringArgs("noise"), nil)
			assert.Nil(t, r.Err)
			r.Free()
		}()
	}
	wg.Wait()

	byConn := map[string][][]string{}
	for _, e := range mc.node(0).Commands() {
		byConn[e.conn] = append(byConn[e.conn], e.args)
	}
	multis := 0
	for _, cmds := range byConn {
		for i, args := range cmds {
			if args[0] != "MULTI" {
				continue
			}
			multis++
			require.Greater(t, len(cmds), i+3)
			set, get, exec := cmds[i+1], cmds[i+2], cmds[i+3]
			assert.Equal(t, "SET", set[0])
			assert.Equal(t, []string{"GET", set[1]}, get)
			assert.Equal(t, []string{"EXEC"}, exec)
		}
	}
	assert.Equal(t, 20, multis)
}

func TestAtomicBatchAbortedByWatch(t *testing.T) {
	mc := newMockCluster(t, 1, false)
	c := newTestClient(t, testConfig(mc.addresses()...), false)
	mc.node(0).on(func(conn redcon.Conn, args []string) bool {
		if args[0] == "EXEC" {
			conn.Context().(*connState).inTx = false
			conn.WriteNull()
			return true
		}
		return false
	})

	s := c.NewSession()
	require.NoError(t, s.Begin(Atomic))
	s.Queue(Set, []byte("k"), []byte("v"))
	r := s.Exec(context.Background(), BatchOptions{})
	require.Nil(t, r.Err)
	assert.True(t, r.Response.IsNull())
	r.Free()
}

func TestAtomicBatchCrossSlot(t *testing.T) {
	mc := newMockCluster(t, 3, true)
	c := newTestClient(t, testConfig(mc.addresses()...), true)
	s := c.NewSession()

	require.NoError(t, s.Begin(Atomic))
	s.Queue(Set, []byte("foo"), []byte("1")).Queue(Set, []byte("bar"), []byte("2"))
	r := s.Exec(context.Background(), BatchOptions{})
	require.NotNil(t, r.Err)
	assert.Equal(t, KindCrossSlot, r.Err.Kind)
	for i := 0; i < 3; i++ {
		assert.Zero(t, mc.node(i).Count("MULTI"))
	}
}

func TestAtomicBatchInCluster(t *testing.T) {
	mc := newMockCluster(t, 3, true)
	c := newTestClient(t, testConfig(mc.addresses()...), true)
	s := c.NewSession()

	require.NoError(t, s.Begin(Atomic))
	s.Queue(Set, []byte("{user1}.name"), []byte("a")).Queue(Get, []byte("{user1}.name"))
	r := s.Exec(context.Background(), BatchOptions{})
	assert.Equal(t, `["OK", "a"]`, text(t, r))

	owner := mc.ownerOf(KeySlot([]byte("user1")))
	assert.Equal(t, 1, owner.Count("EXEC"))
}

func TestAtomicBatchFollowsMoved(t *testing.T) {
	mc := newMockCluster(t, 3, true)
	c := newTestClient(t, testConfig(mc.addresses()...), true)
	before := mc.slotsCalls.Load()

	mc.setOwner(KeySlot([]byte("foo")), 1)
	s := c.NewSession()
	require.NoError(t, s.Begin(Atomic))
	s.Queue(Set, []byte("foo"), []byte("1"))
	r := s.Exec(context.Background(), BatchOptions{})
	assert.Equal(t, `["OK"]`, text(t, r))

	assert.Equal(t, before+1, mc.slotsCalls.Load())
	assert.Equal(t, 1, mc.node(2).Count("MULTI"))
	assert.Equal(t, 1, mc.node(1).Count("EXEC"))
}

func TestPipelineAcrossNodes(t *testing.T) {
	mc := newMockCluster(t, 3, true)
	c := newTestClient(t, testConfig(mc.addresses()...), true)
	s := c.NewSession()

	require.NoError(t, s.Begin(Pipeline))
	s.Queue(Set, []byte("foo"), []byte("1")).
		Queue(Set, []byte("bar"), []byte("2")).
		Queue(Get, []byte("foo")).
		Queue(Get, []byte("bar")).
		Queue(Get, []byte("123456789"))
	r := s.Exec(context.Background(), BatchOptions{})
	assert.Equal(t, `["OK", "OK", "1", "2", (nil)]`, text(t, r))

	assert.Equal(t, 2, mc.node(0).Count("SET")+mc.node(0).Count("GET"))
	assert.Equal(t, 3, mc.node(2).Count("SET")+mc.node(2).Count("GET"))
	assert.Zero(t, mc.node(0).Count("MULTI"))
}

func TestPipelineRedirectedCommand(t *testing.T) {
	mc := newMockCluster(t, 3, true)
	c := newTestClient(t, testConfig(mc.addresses()...), true)

	mc.setOwner(KeySlot([]byte("foo")), 0)
	mc.node(0).set("foo", "here")
	s := c.NewSession()
	require.NoError(t, s.Begin(Pipeline))
	s.Queue(Get, []byte("foo")).Queue(Get, []byte("bar"))
	r := s.Exec(context.Background(), BatchOptions{})
	assert.Equal(t, `["here", (nil)]`, text(t, r))
}

func TestPipelineKeepsErrorReplies(t *testing.T) {
	mc := newMockCluster(t, 1, false)
	c := newTestClient(t, testConfig(mc.addresses()...), false)
	mc.node(0).set("s", "text")

	s := c.NewSession()
	require.NoError(t, s.Begin(Pipeline))
	s.Queue(Incr, []byte("s")).Queue(Get, []byte("s"))
	r := s.Exec(context.Background(), BatchOptions{})
	require.Nil(t, r.Err)
	require.Len(t, r.Response.Elems, 2)
	assert.True(t, r.Response.Elems[0].IsError())
	assert.Equal(t, "text", r.Response.Elems[1].Text())
	r.Free()

	require.NoError(t, s.Begin(Pipeline))
	s.Queue(Incr, []byte("s")).Queue(Get, []byte("s"))
	r = s.Exec(context.Background(), BatchOptions{RaiseOnError: true})
	require.NotNil(t, r.Err)
	assert.Equal(t, KindServer, r.Err.Kind)
	assert.Nil(t, r.Response)
}

func TestSessionModes(t *testing.T) {
	mc := newMockCluster(t, 1, false)
	c := newTestClient(t, testConfig(mc.addresses()...), false)
	s := c.NewSession()
	ctx := context.Background()

	assert.ErrorIs(t, s.Queue(Get, []byte("k")).Err(), ErrNotInBatch)
	r := s.Exec(ctx, BatchOptions{})
	require.NotNil(t, r.Err)
	assert.Equal(t, KindNotInBatch, r.Err.Kind)
	assert.ErrorIs(t, s.Discard(), ErrNotInBatch)

	require.NoError(t, s.Begin(Pipeline))
	assert.ErrorIs(t, s.Begin(Atomic), ErrBatchActive)
	s.Queue(Set, []byte("k"), []byte("v"))
	require.NoError(t, s.Discard())
	assert.False(t, s.Batching())
	assert.Zero(t, mc.node(0).Count("SET"), "Discard must not send anything")
}

func TestSessionExecuteEntryPoint(t *testing.T) {
	mc := newMockCluster(t, 1, false)
	c := newTestClient(t, testConfig(mc.addresses()...), false)
	s := c.NewSession()
	ctx := context.Background()

	assert.Equal(t, `"v"`, text(t, s.Execute(ctx, Echo, StringArgs("v"), nil)))
	assert.Equal(t, `"OK"`, text(t, s.Execute(ctx, Multi, nil, nil)))
	assert.Equal(t, `"QUEUED"`, text(t, s.Execute(ctx, Set, StringArgs("a", "1"), nil)))
	assert.Equal(t, `"QUEUED"`, text(t, s.Execute(ctx, Get, StringArgs("a"), nil)))
	assert.Zero(t, mc.node(0).Count("SET"))

	assert.Equal(t, `["OK", "1"]`, text(t, s.Execute(ctx, Exec, nil, nil)))

	r := s.Execute(ctx, Discard, nil, nil)
	require.NotNil(t, r.Err)
	assert.Equal(t, KindNotInBatch, r.Err.Kind)
}

func TestQueueCopiesArguments(t *testing.T) {
	mc := newMockCluster(t, 1, false)
	c := newTestClient(t, testConfig(mc.addresses()...), false)
	s := c.NewSession()

	buf := []byte("first")
	require.NoError(t, s.Begin(Pipeline))
	s.Queue(Echo, buf)
	copy(buf, "xxxxx")
	assert.Equal(t, `["first"]`, text(t, s.Exec(context.Background(), BatchOptions{})))
}
