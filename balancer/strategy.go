package balancer

import (
	"math"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// KeyStrategy derives the routing key of a request.
type KeyStrategy interface {
	Key(req *http.Request) uint64
}

// RandomKeyStrategy ignores the request and draws a key uniformly from
// [lo, hi]. Repeated requests of one client spread over the pool.
type RandomKeyStrategy struct {
	lo, hi uint64

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewRandomKeyStrategy(lo, hi uint64) *RandomKeyStrategy {
	return NewRandomKeyStrategyWithSource(lo, hi, rand.NewSource(time.Now().UnixNano()))
}

func NewRandomKeyStrategyWithSource(lo, hi uint64, src rand.Source) *RandomKeyStrategy {
	if lo > hi {
		lo, hi = hi, lo
	}
	return &RandomKeyStrategy{lo: lo, hi: hi, rnd: rand.New(src)}
}

func (s *RandomKeyStrategy) Key(*http.Request) uint64 {
	return s.Next()
}

func (s *RandomKeyStrategy) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	span := s.hi - s.lo
	switch {
	case span == math.MaxUint64:
		return s.rnd.Uint64()
	case span >= math.MaxInt64:
		return s.lo + s.rnd.Uint64()%(span+1)
	}
	return s.lo + uint64(s.rnd.Int63n(int64(span+1)))
}

// AttributeKeyStrategy hashes a stable request attribute so that one client
// keeps landing on the same backend while the pool is unchanged.
// Header is used when present, the client IP otherwise.
type AttributeKeyStrategy struct {
	Header string
}

func (s *AttributeKeyStrategy) Key(req *http.Request) uint64 {
	attr := ""
	if s.Header != "" {
		attr = req.Header.Get(s.Header)
	}
	if attr == "" {
		attr = clientIP(req)
	}
	return murmur3.Sum64([]byte(attr))
}

func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
