// Package glide is a Valkey/Redis client engine. A Client owns the
// connections to a standalone deployment or a cluster and executes typed
// commands on them.
package glide

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/jsp-lqk/metapipe-valkey/resp"
)

type Client struct {
	cfg    ClientConfiguration
	log    hclog.Logger
	closer io.Closer

	router *topology
	disp   *dispatcher

	inflight atomic.Int64
	closed   atomic.Bool
	once     sync.Once

	scans scanRegistry
}

// CreateClient validates cfg and connects. Unless cfg.LazyConnect is set,
// it fails with a ConnectError when no primary is reachable.
func CreateClient(cfg ClientConfiguration, isCluster bool) (*Client, error) {
	if err := cfg.Validate(isCluster); err != nil {
		return nil, &CommandError{Kind: KindConfig, Message: err.Error(), Err: err}
	}
	cfg = cfg.resolved()
	log, closer, err := cfg.Logger.build()
	if err != nil {
		return nil, &CommandError{Kind: KindConfig, Message: err.Error(), Err: err}
	}

	t := newRouter(cfg, isCluster, log)
	c := &Client{
		cfg:    cfg,
		log:    log,
		closer: closer,
		router: t,
		disp:   newDispatcher(t, cfg, log),
	}
	c.scans.init()

	if !cfg.LazyConnect {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.refreshTimeout())
		defer cancel()
		err := t.Refresh(ctx)
		if err == nil {
			err = t.connect(ctx)
		}
		if err != nil {
			log.Error("could not connect", "addresses", fmt.Sprint(cfg.Addresses), "error", err)
			c.shutdown()
			return nil, &CommandError{Kind: KindConnect, Message: err.Error(), Err: err}
		}
	}
	log.Info("client created", "cluster", isCluster, "addresses", fmt.Sprint(cfg.Addresses), "lazy", cfg.LazyConnect)
	return c, nil
}

// acquire takes an in-flight slot, failing with ErrBusy at the limit.
func (c *Client) acquire() (func(), error) {
	n := c.inflight.Add(1)
	if limit := c.cfg.InflightRequestsLimit; limit > 0 && n > int64(limit) {
		c.inflight.Add(-1)
		return nil, ErrBusy
	}
	return func() { c.inflight.Add(-1) }, nil
}

// Execute runs one command. For CustomCommand, args is the whole command
// line. A nil route lets the client choose from the command's keys.
// The result must be freed.
func (c *Client) Execute(ctx context.Context, t RequestType, args [][]byte, route Route) *CommandResult {
	if c.closed.Load() {
		return errorResult(ErrClosed)
	}
	switch {
	case t == InvalidRequest || t >= requestTypeCount:
		return errorResult(&ConfigError{Field: "RequestType", Reason: fmt.Sprintf("unknown request type %d", t)})
	case t == CustomCommand && len(args) == 0:
		return errorResult(&ConfigError{Field: "Args", Reason: "custom command without a name"})
	case t == Multi || t == Exec || t == Discard:
		return errorResult(fmt.Errorf("%w: %s needs a Session", ErrNotInBatch, t))
	}
	release, err := c.acquire()
	if err != nil {
		return errorResult(err)
	}
	defer release()

	v, err := c.disp.dispatch(ctx, &Command{Type: t, Args: args}, route)
	if err != nil {
		c.log.Debug("command failed", "cmd", t.String(), "error", err)
	}
	return newResult(v, err)
}

func (c *Client) Get(ctx context.Context, key string) *CommandResult {
	return c.Execute(ctx, Get, StringArgs(key), nil)
}

func (c *Client) Set(ctx context.Context, key, value string) *CommandResult {
	return c.Execute(ctx, Set, StringArgs(key, value), nil)
}

func (c *Client) Del(ctx context.Context, keys ...string) *CommandResult {
	return c.Execute(ctx, Del, StringArgs(keys...), nil)
}

func (c *Client) Ping(ctx context.Context) *CommandResult {
	return c.Execute(ctx, Ping, nil, nil)
}

// RefreshTopology rediscovers the deployment layout now.
func (c *Client) RefreshTopology(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.router.Refresh(ctx)
}

// Inflight is the number of commands currently executing.
func (c *Client) Inflight() int {
	return int(c.inflight.Load())
}

// Close shuts every connection down. Commands issued afterwards fail with
// ErrClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	c.log.Info("closing client")
	return c.shutdown()
}

func (c *Client) shutdown() error {
	var err error
	c.once.Do(func() {
		c.router.Shutdown()
		c.scans.clear()
		if c.closer != nil {
			err = c.closer.Close()
		}
	})
	return err
}

// CloseClient is Close for callers holding only the pointer.
func CloseClient(c *Client) error {
	return c.Close()
}

// okResult is the reply of commands answered locally.
func okResult(s string) *CommandResult {
	return &CommandResult{Response: resp.NewString([]byte(s))}
}
