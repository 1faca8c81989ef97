package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
)

var ErrNoIdentity = errors.New("identity: backend sent no identity header")

const defaultTimeout = time.Second

type Client struct {
	cc   *grpc.ClientConn
	hc   healthpb.HealthClient
	addr string
}

func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.Dial(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{
		cc:   conn,
		hc:   healthpb.NewHealthClient(conn),
		addr: addr,
	}, nil
}

// Identify asks the backend who it is.
func (c *Client) Identify(ctx context.Context) (string, error) {
	var header metadata.MD
	if _, err := c.hc.Check(ctx, &healthpb.HealthCheckRequest{}, grpc.Header(&header)); err != nil {
		return "", err
	}
	vals := header.Get(HeaderKey)
	if len(vals) == 0 || vals[0] == "" {
		return "", ErrNoIdentity
	}
	return vals[0], nil
}

func (c *Client) Close() error {
	return c.cc.Close()
}

// Result is the outcome of probing one backend.
type Result struct {
	Identity string `json:"identity,omitempty"`
	Error    string `json:"error,omitempty"`
}

type ClientMgr struct {
	dialOpts []grpc.DialOption
	timeout  time.Duration
	clients  *sync.Map // addr: *Client
}

func NewClientMgr(opts ...grpc.DialOption) *ClientMgr {
	return &ClientMgr{
		dialOpts: opts,
		timeout:  defaultTimeout,
		clients:  new(sync.Map),
	}
}

// SetTimeout bounds each single probe.
func (m *ClientMgr) SetTimeout(d time.Duration) {
	m.timeout = d
}

func (m *ClientMgr) client(addr string) (*Client, error) {
	if v, ok := m.clients.Load(addr); ok {
		return v.(*Client), nil
	}
	c, err := NewClient(addr, m.dialOpts...)
	if err != nil {
		return nil, err
	}
	if v, loaded := m.clients.LoadOrStore(addr, c); loaded {
		c.Close()
		return v.(*Client), nil
	}
	return c, nil
}

func (m *ClientMgr) Identify(ctx context.Context, addr string) (string, error) {
	c, err := m.client(addr)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return c.Identify(ctx)
}

// Identities probes all addrs concurrently.
func (m *ClientMgr) Identities(ctx context.Context, addrs []string) map[string]Result {
	logEntry := logrus.WithFields(logrus.Fields{
		"func_name": "Identities",
		"addrs":     addrs,
	})
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		res = make(map[string]Result, len(addrs))
	)
	for _, addr := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			var r Result
			id, err := m.Identify(ctx, addr)
			if err != nil {
				logEntry.Warnf("%s: %v", addr, err)
				r.Error = err.Error()
			} else {
				r.Identity = id
			}
			mu.Lock()
			res[addr] = r
			mu.Unlock()
		}(addr)
	}
	wg.Wait()
	return res
}

// Cached reports whether a client for addr is held.
func (m *ClientMgr) Cached(addr string) bool {
	_, ok := m.clients.Load(addr)
	return ok
}

func (m *ClientMgr) DeleteCache(addr string) {
	if v, ok := m.clients.LoadAndDelete(addr); ok {
		v.(*Client).Close()
	}
}

func (m *ClientMgr) Close() {
	m.clients.Range(func(key, value interface{}) bool {
		value.(*Client).Close()
		m.clients.Delete(key)
		return true
	})
}
