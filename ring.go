package main

import (
	"fmt"
	"hash/crc32"
	"sort"
)

// Virtual nodes per backend. Smooths load distribution across the ring.
const conhashReplicas = 20

// hashRing is a consistent-hash ring over a fixed set of backends. A ring is
// immutable after construction: updating a function's backends means building
// a new ring and swapping it into the directory, never mutating one in place.
type hashRing struct {
	ring  []uint32
	nodes map[uint32]backend
}

func newHashRing(backends []backend) *hashRing {
	r := &hashRing{
		nodes: make(map[uint32]backend),
	}
	for _, b := range backends {
		for i := 0; i < conhashReplicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", b.key(), i)))
			r.ring = append(r.ring, hash)
			r.nodes[hash] = b
		}
	}
	sort.Slice(r.ring, func(i, j int) bool {
		return r.ring[i] < r.ring[j]
	})
	return r
}

// pick hashes the key and walks clockwise to the first virtual node with a
// hash >= the key's hash, wrapping around to the smallest one. The same key
// always maps to the same backend until the ring changes, which gives
// per-client backend affinity.
func (r *hashRing) pick(key []byte) (backend, bool) {
	if len(r.ring) == 0 {
		return backend{}, false
	}

	hash := crc32.ChecksumIEEE(key)
	idx := sort.Search(len(r.ring), func(i int) bool {
		return r.ring[i] >= hash
	})
	if idx == len(r.ring) {
		idx = 0
	}

	return r.nodes[r.ring[idx]], true
}

// size returns the total number of virtual nodes on the ring.
func (r *hashRing) size() int {
	return len(r.ring)
}
