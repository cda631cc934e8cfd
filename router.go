package glide

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jsp-lqk/metapipe-valkey/internal"
)

// Router resolves where commands go. Standalone and cluster deployments
// share the topology bookkeeping and differ in discovery.
type Router interface {
	Shard(ctx context.Context, slot uint16) (*shard, error)
	RandomShard(ctx context.Context) (*shard, error)
	Primaries(ctx context.Context) ([]*internal.Pool, error)
	Nodes(ctx context.Context) ([]*internal.Pool, error)
	Node(addr string) *internal.Pool
	Refresh(ctx context.Context) error
	Cluster() bool
	Shutdown()
}

func newRouter(cfg ClientConfiguration, cluster bool, log hclog.Logger) *topology {
	if cluster {
		t := newTopology(cfg, true, log, discoverCluster)
		if iv := cfg.periodicInterval(); iv > 0 {
			go t.watch(iv)
		}
		return t
	}
	return newTopology(cfg, false, log, discoverStandalone)
}

// discoverStandalone asks every configured address for its ROLE. The
// master serves every slot; the others become its replicas.
func discoverStandalone(ctx context.Context, t *topology) ([]shardSpec, error) {
	seeds := t.seeds()
	if len(seeds) == 1 {
		return []shardSpec{{ranges: [][2]int{{0, SlotCount - 1}}, primary: seeds[0]}}, nil
	}
	var primary string
	var replicas []string
	var errs []error
	for _, addr := range seeds {
		role, err := nodeRole(ctx, t, addr)
		if err != nil {
			t.log.Debug("role lookup failed", "addr", addr, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		switch {
		case role == "master" && primary == "":
			primary = addr
		case role == "master":
			t.log.Warn("more than one primary configured, treating as replica", "addr", addr)
			replicas = append(replicas, addr)
		default:
			replicas = append(replicas, addr)
		}
	}
	if primary == "" {
		if len(errs) == 0 {
			return nil, errors.New("no primary among the configured addresses")
		}
		return nil, errors.Join(errs...)
	}
	return []shardSpec{{ranges: [][2]int{{0, SlotCount - 1}}, primary: primary, replicas: replicas}}, nil
}

func nodeRole(ctx context.Context, t *topology, addr string) (string, error) {
	v, err := t.query(ctx, addr, "ROLE")
	if err != nil {
		return "", err
	}
	defer v.Release()
	if len(v.Elems) == 0 {
		return "", fmt.Errorf("unexpected ROLE reply %s", v)
	}
	return strings.ToLower(v.Elems[0].Text()), nil
}

// refreshTimeout bounds one discovery round.
func (c ClientConfiguration) refreshTimeout() time.Duration {
	return 4 * (c.ConnectionTimeout + c.RequestTimeout)
}
