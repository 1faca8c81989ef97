package balancer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"kelub/hashlb/provision"
)

const (
	hostnameLen     = 8
	maxNameAttempts = 64
	hostnameLetters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Failure is one unit of a batch operation that did not go through.
type Failure struct {
	Hostname string `json:"hostname"`
	Reason   string `json:"reason"`
	Err      error  `json:"-"`
}

func newFailure(hostname string, err error) Failure {
	return Failure{Hostname: hostname, Reason: err.Error(), Err: err}
}

type AddResult struct {
	Added    []string  `json:"added"`
	Failures []Failure `json:"failures,omitempty"`
}

type RemoveResult struct {
	Removed  []string  `json:"removed"`
	Failures []Failure `json:"failures,omitempty"`
}

type RegistryStatus struct {
	Ring      RingStatus `json:"ring"`
	Hostnames []string   `json:"replicas"`
}

type RegistryOption func(*Registry)

// WithNameGenerator replaces the random hostname generator.
func WithNameGenerator(gen func() string) RegistryOption {
	return func(r *Registry) { r.genName = gen }
}

// WithRand sets the source used to pick hosts for unnamed removals.
func WithRand(rnd *rand.Rand) RegistryOption {
	return func(r *Registry) { r.rnd = rnd }
}

// Registry keeps the hostname <-> node id bijection in step with the ring.
//
// mu guards the ring and both maps as one unit: every mutation of either
// happens under the write lock, so a lookup never sees a node that is only
// partly placed or partly removed. Provisioning runs outside the lock.
type Registry struct {
	ring        *HashRing
	provisioner provision.Provisioner

	mu       sync.RWMutex
	hostToID map[string]int
	idToHost map[int]string
	order    []string            // live hostnames in registration order
	pending  map[string]struct{} // hostnames being provisioned
	nextID   int
	rnd      *rand.Rand
	genName  func() string
}

func NewRegistry(ring *HashRing, p provision.Provisioner, opts ...RegistryOption) *Registry {
	if p == nil {
		p = provision.Static{}
	}
	r := &Registry{
		ring:        ring,
		provisioner: p,
		hostToID:    make(map[string]int),
		idToHost:    make(map[int]string),
		pending:     make(map[string]struct{}),
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.genName == nil {
		r.genName = r.randomName
	}
	return r
}

// randomName must be called with mu held.
func (r *Registry) randomName() string {
	b := make([]byte, hostnameLen)
	for i := range b {
		b[i] = hostnameLetters[r.rnd.Intn(len(hostnameLetters))]
	}
	return string(b)
}

// freshName must be called with mu held.
func (r *Registry) freshName() (string, bool) {
	for i := 0; i < maxNameAttempts; i++ {
		if name := r.genName(); !r.taken(name) {
			return name, true
		}
	}
	return "", false
}

// RegisterExisting places an already running backend on the ring.
func (r *Registry) RegisterExisting(hostname string) (int, error) {
	logEntry := logrus.WithFields(logrus.Fields{
		"func_name": "RegisterExisting",
		"hostname":  hostname,
	})
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.taken(hostname) {
		return 0, fmt.Errorf("%w: %s", ErrHostExists, hostname)
	}
	id, err := r.place(hostname)
	if err != nil {
		logEntry.Errorf("register failed: %v", err)
		return 0, err
	}
	logEntry.Infof("registered existing server (node_id: %d)", id)
	return id, nil
}

// taken must be called with mu held.
func (r *Registry) taken(hostname string) bool {
	if _, ok := r.hostToID[hostname]; ok {
		return true
	}
	_, ok := r.pending[hostname]
	return ok
}

// place allocates the next id and puts it on the ring. Must be called with
// mu held. The id is consumed even when placement fails.
func (r *Registry) place(hostname string) (int, error) {
	id := r.nextID
	r.nextID++
	if err := r.ring.AddNode(id); err != nil {
		return 0, err
	}
	r.hostToID[hostname] = id
	r.idToHost[id] = hostname
	r.order = append(r.order, hostname)
	return id, nil
}

// AddCapacity provisions and registers count backends. hostnames name the
// first len(hostnames) of them; the rest get generated names. Each unit
// succeeds or fails on its own.
func (r *Registry) AddCapacity(ctx context.Context, count int, hostnames []string) (AddResult, error) {
	logEntry := logrus.WithFields(logrus.Fields{
		"func_name": "AddCapacity",
		"count":     count,
	})
	if count < 0 {
		return AddResult{}, fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}
	if len(hostnames) > count {
		return AddResult{}, fmt.Errorf("%w: %d hostnames for %d instances", ErrTooManyHostnames, len(hostnames), count)
	}

	res := AddResult{Added: []string{}}
	for i := 0; i < count; i++ {
		var name string
		if i < len(hostnames) {
			name = hostnames[i]
		}
		hostname, err := r.addOne(ctx, name)
		if err != nil {
			logEntry.Warnf("add %q: %v", hostname, err)
			res.Failures = append(res.Failures, newFailure(hostname, err))
			continue
		}
		res.Added = append(res.Added, hostname)
	}
	logEntry.Infof("added %d, failed %d", len(res.Added), len(res.Failures))
	return res, nil
}

func (r *Registry) addOne(ctx context.Context, name string) (string, error) {
	r.mu.Lock()
	if name == "" {
		var ok bool
		if name, ok = r.freshName(); !ok {
			r.mu.Unlock()
			return "", fmt.Errorf("%w: no free generated hostname", ErrHostExists)
		}
	} else if r.taken(name) {
		r.mu.Unlock()
		return name, fmt.Errorf("%w: %s", ErrHostExists, name)
	}
	r.pending[name] = struct{}{}
	r.mu.Unlock()

	if err := r.provisioner.Create(ctx, name); err != nil {
		r.mu.Lock()
		delete(r.pending, name)
		r.mu.Unlock()
		return name, err
	}

	r.mu.Lock()
	delete(r.pending, name)
	id, err := r.place(name)
	r.mu.Unlock()
	if err != nil {
		tctx, cancel := provision.TeardownContext(ctx)
		defer cancel()
		if derr := r.provisioner.Destroy(tctx, name); derr != nil {
			err = errors.Join(err, derr)
		}
		return name, err
	}
	logrus.WithFields(logrus.Fields{
		"func_name": "addOne",
		"hostname":  name,
	}).Infof("spawned and registered new server (node_id: %d)", id)
	return name, nil
}

// RemoveCapacity removes the named hosts, then random others until count
// hosts are gone or the pool is empty. Hosts leave the ring before their
// backend is torn down; a failed teardown is reported but the host stays
// removed.
func (r *Registry) RemoveCapacity(ctx context.Context, count int, hostnames []string) (RemoveResult, error) {
	logEntry := logrus.WithFields(logrus.Fields{
		"func_name": "RemoveCapacity",
		"count":     count,
	})
	if count < 0 {
		return RemoveResult{}, fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}
	if len(hostnames) > count {
		return RemoveResult{}, fmt.Errorf("%w: %d hostnames for %d instances", ErrTooManyHostnames, len(hostnames), count)
	}

	res := RemoveResult{Removed: []string{}}
	r.mu.Lock()
	for _, h := range hostnames {
		if err := r.unplace(h); err != nil {
			res.Failures = append(res.Failures, newFailure(h, err))
			continue
		}
		res.Removed = append(res.Removed, h)
	}
	for len(res.Removed) < count && len(r.order) > 0 {
		h := r.order[r.rnd.Intn(len(r.order))]
		if err := r.unplace(h); err != nil {
			// the bijection is broken; stop rather than spin
			logEntry.Errorf("remove %s: %v", h, err)
			break
		}
		res.Removed = append(res.Removed, h)
	}
	r.mu.Unlock()

	// the hosts are already off the ring; tear them down even if ctx is done
	tctx, cancel := provision.TeardownContext(ctx)
	defer cancel()
	for _, h := range res.Removed {
		if err := r.provisioner.Destroy(tctx, h); err != nil {
			logEntry.Warnf("teardown %s: %v", h, err)
			res.Failures = append(res.Failures, newFailure(h, err))
			continue
		}
		logEntry.Infof("removed server: %s", h)
	}
	return res, nil
}

// unplace must be called with mu held.
func (r *Registry) unplace(hostname string) error {
	id, ok := r.hostToID[hostname]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHost, hostname)
	}
	if err := r.ring.RemoveNode(id); err != nil {
		return err
	}
	delete(r.hostToID, hostname)
	delete(r.idToHost, id)
	for i, h := range r.order {
		if h == hostname {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

func (r *Registry) Resolve(nodeID int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.idToHost[nodeID]
	return h, ok
}

func (r *Registry) NodeID(hostname string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.hostToID[hostname]
	return id, ok
}

// Hostnames returns the live hosts in registration order.
func (r *Registry) Hostnames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.order...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Lookup resolves key to its owning host in one consistent view.
func (r *Registry) Lookup(key uint64) (int, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ring.Lookup(key)
	if !ok {
		return 0, "", ErrEmptyPool
	}
	h, ok := r.idToHost[id]
	if !ok {
		return 0, "", fmt.Errorf("%w: node %d", ErrUnknownNode, id)
	}
	return id, h, nil
}

func (r *Registry) Status() RegistryStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryStatus{
		Ring:      r.ring.Status(),
		Hostnames: append([]string{}, r.order...),
	}
}

// Occupancy returns a copy of the ring's slot array.
func (r *Registry) Occupancy() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ring.Occupancy()
}

// Slots returns the ring slots owned by hostname.
func (r *Registry) Slots(hostname string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.hostToID[hostname]
	if !ok {
		return nil
	}
	return r.ring.Slots(id)
}
