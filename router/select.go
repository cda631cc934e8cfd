// Package router picks the node that serves a read among a shard's primary
// and replicas.
package router

import (
	"hash/fnv"
	"math/rand/v2"

	"github.com/dgryski/go-jump"
)

type Policy int

const (
	// Primary sends every read to the primary.
	Primary Policy = iota
	// PreferReplica spreads reads over healthy replicas, falling back to
	// the primary.
	PreferReplica
	// AZAffinity reads from a healthy replica in the client's zone, else
	// the primary.
	AZAffinity
	// AZAffinityReplicasAndPrimary prefers a same-zone replica, then a
	// same-zone primary, then the primary.
	AZAffinityReplicasAndPrimary
)

func (p Policy) String() string {
	switch p {
	case PreferReplica:
		return "PreferReplica"
	case AZAffinity:
		return "AZAffinity"
	case AZAffinityReplicasAndPrimary:
		return "AZAffinityReplicasAndPrimary"
	}
	return "Primary"
}

// Node is anything that can serve a read.
type Node interface {
	Address() string
	Healthy() bool
	AZ() string
}

func stringToUint64(b []byte) uint64 {
	hasher := fnv.New64a()
	hasher.Write(b)
	return hasher.Sum64()
}

// pick chooses one candidate, stable per key.
func pick[N Node](key []byte, candidates []N) N {
	if len(candidates) == 1 || key == nil {
		return candidates[rand.IntN(len(candidates))]
	}
	return candidates[jump.Hash(stringToUint64(key), len(candidates))]
}

func filter[N Node](nodes []N, keep func(N) bool) []N {
	var out []N
	for _, n := range nodes {
		if keep(n) {
			out = append(out, n)
		}
	}
	return out
}

// Select returns the node a read for key should go to. A nil key picks at
// random among equivalent candidates.
func Select[N Node](policy Policy, key []byte, primary N, replicas []N, clientAZ string) N {
	healthy := filter(replicas, func(n N) bool { return n.Healthy() })
	switch policy {
	case PreferReplica:
		if len(healthy) > 0 {
			return pick(key, healthy)
		}
	case AZAffinity, AZAffinityReplicasAndPrimary:
		if clientAZ == "" {
			break
		}
		local := filter(healthy, func(n N) bool { return n.AZ() == clientAZ })
		if len(local) > 0 {
			return pick(key, local)
		}
	}
	return primary
}
