package balancer

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	emptySlot = -1

	// 2^64 / golden ratio
	golden = 0x9E3779B97F4A7C15
)

type HashRinger interface {
	AddNode(nodeID int) error
	RemoveNode(nodeID int) error
	Lookup(key uint64) (int, bool)
	Status() RingStatus
}

// RingStatus is a point-in-time view of the ring.
type RingStatus struct {
	RingSize int   `json:"total_slots"`
	Occupied int   `json:"occupied_slots"`
	Nodes    []int `json:"nodes"`
	Replicas int   `json:"virtual_servers_per_node"`
}

// HashRing is a fixed-size slot array. Every node owns exactly Replicas
// slots, placed by PlacementSlot and resolved by linear probing.
// It is goroutine safe.
type HashRing struct {
	size     int
	replicas int

	mu       sync.RWMutex
	slots    []int
	nodes    map[int][]int // node id -> owned slots
	occupied int
}

var _ HashRinger = (*HashRing)(nil)

func NewHashRing(size, replicas int) (*HashRing, error) {
	if size <= 0 || replicas <= 0 {
		return nil, fmt.Errorf("%w: size=%d replicas=%d", ErrInvalidConfig, size, replicas)
	}
	slots := make([]int, size)
	for i := range slots {
		slots[i] = emptySlot
	}
	return &HashRing{
		size:     size,
		replicas: replicas,
		slots:    slots,
		nodes:    make(map[int][]int),
	}, nil
}

func (r *HashRing) Size() int     { return r.size }
func (r *HashRing) Replicas() int { return r.replicas }

// PlacementSlot returns the preferred slot of a node's replica.
// The global replica index is spread with Fibonacci hashing, so a node's
// replicas never sit next to each other.
func (r *HashRing) PlacementSlot(nodeID, replica int) int {
	g := uint64(nodeID)*uint64(r.replicas) + uint64(replica)
	hi, _ := bits.Mul64(g*golden, uint64(r.size))
	return int(hi)
}

// RequestSlot returns the slot a request key hashes to.
func (r *HashRing) RequestSlot(key uint64) int {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], key)
	return int(xxhash.Sum64(b[:]) % uint64(r.size))
}

// AddNode places all replicas of nodeID or none of them.
func (r *HashRing) AddNode(nodeID int) error {
	if nodeID < 0 {
		return ErrInvalidNode
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[nodeID]; ok {
		return fmt.Errorf("%w: %d", ErrNodeExists, nodeID)
	}

	owned := make([]int, 0, r.replicas)
	for i := 0; i < r.replicas; i++ {
		slot, ok := r.probe(r.PlacementSlot(nodeID, i))
		if !ok {
			for _, s := range owned {
				r.slots[s] = emptySlot
			}
			r.occupied -= len(owned)
			return fmt.Errorf("%w: node %d replica %d", ErrRingFull, nodeID, i)
		}
		r.slots[slot] = nodeID
		r.occupied++
		owned = append(owned, slot)
	}
	r.nodes[nodeID] = owned
	return nil
}

// probe walks forward from start, at most once around the ring.
func (r *HashRing) probe(start int) (int, bool) {
	for i := 0; i < r.size; i++ {
		slot := (start + i) % r.size
		if r.slots[slot] == emptySlot {
			return slot, true
		}
	}
	return 0, false
}

func (r *HashRing) RemoveNode(nodeID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	owned, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNode, nodeID)
	}
	for _, s := range owned {
		r.slots[s] = emptySlot
	}
	r.occupied -= len(owned)
	delete(r.nodes, nodeID)
	return nil
}

// Lookup returns the owner of the first occupied slot at or after the
// key's slot, wrapping around. It reports false only for an empty ring.
func (r *HashRing) Lookup(key uint64) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(key)
}

func (r *HashRing) lookup(key uint64) (int, bool) {
	if r.occupied == 0 {
		return 0, false
	}
	start := r.RequestSlot(key)
	for i := 0; i < r.size; i++ {
		if id := r.slots[(start+i)%r.size]; id != emptySlot {
			return id, true
		}
	}
	return 0, false
}

func (r *HashRing) Contains(nodeID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[nodeID]
	return ok
}

// Slots returns a copy of the slots owned by nodeID in placement order.
func (r *HashRing) Slots(nodeID int) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owned, ok := r.nodes[nodeID]
	if !ok {
		return nil
	}
	return append([]int(nil), owned...)
}

// Occupancy returns a copy of the slot array; empty slots are -1.
func (r *HashRing) Occupancy() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]int(nil), r.slots...)
}

func (r *HashRing) Status() RingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodes := make([]int, 0, len(r.nodes))
	for id := range r.nodes {
		nodes = append(nodes, id)
	}
	sort.Ints(nodes)
	return RingStatus{
		RingSize: r.size,
		Occupied: r.occupied,
		Nodes:    nodes,
		Replicas: r.replicas,
	}
}

// LoadDistribution counts how many of keys each live node would serve.
func (r *HashRing) LoadDistribution(keys []uint64) map[int]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	load := make(map[int]int, len(r.nodes))
	for id := range r.nodes {
		load[id] = 0
	}
	for _, k := range keys {
		if id, ok := r.lookup(k); ok {
			load[id]++
		}
	}
	return load
}
