package balancer

import (
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedKey uint64

func (k fixedKey) Key(*http.Request) uint64 { return uint64(k) }

func TestBalancer_RouteEmptyPool(t *testing.T) {
	reg := newTestRegistry(t, 512, 9, newFakeProvisioner())
	b := NewBalancer(reg, nil)

	_, err := b.Route(httptest.NewRequest(http.MethodGet, "/home", nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.True(t, errors.Is(err, ErrEmptyPool))
}

func TestBalancer_Route(t *testing.T) {
	reg := newTestRegistry(t, 512, 9, newFakeProvisioner())
	for _, h := range []string{"Server1", "Server2", "Server3"} {
		_, err := reg.RegisterExisting(h)
		require.NoError(t, err)
	}
	b := NewBalancer(reg, fixedKey(424242))

	req := httptest.NewRequest(http.MethodGet, "/home", nil)
	r, err := b.Route(req)
	require.NoError(t, err)
	assert.Equal(t, uint64(424242), r.Key)

	id, ok := reg.ring.Lookup(424242)
	require.True(t, ok)
	assert.Equal(t, id, r.NodeID)
	host, _ := reg.Resolve(id)
	assert.Equal(t, host, r.Hostname)

	again, err := b.Route(req)
	require.NoError(t, err)
	assert.Equal(t, r, again)
}

func TestBalancer_RandomRoutingSpreads(t *testing.T) {
	reg := newTestRegistry(t, 512, 9, newFakeProvisioner())
	for _, h := range []string{"Server1", "Server2", "Server3"} {
		_, err := reg.RegisterExisting(h)
		require.NoError(t, err)
	}
	b := NewBalancer(reg, NewRandomKeyStrategyWithSource(DefaultKeyMin, DefaultKeyMax, rand.NewSource(7)))

	var (
		mu   sync.Mutex
		hits = make(map[string]int)
		wg   sync.WaitGroup
	)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				r, err := b.Route(httptest.NewRequest(http.MethodGet, "/home", nil))
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				hits[r.Hostname]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, hits, 3)
}

func TestBalancer_AffinityRouting(t *testing.T) {
	reg := newTestRegistry(t, 512, 9, newFakeProvisioner())
	for _, h := range []string{"Server1", "Server2", "Server3"} {
		_, err := reg.RegisterExisting(h)
		require.NoError(t, err)
	}
	b := NewBalancer(reg, &AttributeKeyStrategy{Header: "X-Client-Id"})

	req := httptest.NewRequest(http.MethodGet, "/home", nil)
	req.Header.Set("X-Client-Id", "client-7")
	first, err := b.Route(req)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		r, err := b.Route(req)
		require.NoError(t, err)
		assert.Equal(t, first.Hostname, r.Hostname)
	}
}
