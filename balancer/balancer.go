// Balancer
// Pick the backend of a request

package balancer

import (
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Route is the routing decision for one request.
type Route struct {
	Key      uint64 `json:"key"`
	NodeID   int    `json:"node_id"`
	Hostname string `json:"hostname"`
}

type Balancerer interface {
	Route(req *http.Request) (Route, error)
}

type Balancer struct {
	registry *Registry
	strategy KeyStrategy
}

var _ Balancerer = (*Balancer)(nil)

// NewBalancer uses random keys when strategy is nil.
func NewBalancer(registry *Registry, strategy KeyStrategy) *Balancer {
	if strategy == nil {
		strategy = NewRandomKeyStrategy(DefaultKeyMin, DefaultKeyMax)
	}
	return &Balancer{
		registry: registry,
		strategy: strategy,
	}
}

// Route picks the backend for req. It returns ErrUnavailable when the pool
// is empty.
func (b *Balancer) Route(req *http.Request) (Route, error) {
	key := b.strategy.Key(req)
	id, host, err := b.registry.Lookup(key)
	if err != nil {
		return Route{Key: key}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	logrus.WithFields(logrus.Fields{
		"func_name": "Route",
		"key":       key,
	}).Debugf("request %d -> %s (node_id: %d)", key, host, id)
	return Route{Key: key, NodeID: id, Hostname: host}, nil
}

func (b *Balancer) Registry() *Registry {
	return b.registry
}
