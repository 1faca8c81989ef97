package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

type bufnet map[string]*bufconn.Listener

func (b bufnet) dialer() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		lis, ok := b[addr]
		if !ok {
			return nil, fmt.Errorf("no listener for %s", addr)
		}
		return lis.DialContext(ctx)
	})
}

func (b bufnet) serve(t *testing.T, addr string, s *grpc.Server) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	b[addr] = lis
	go s.Serve(lis)
	t.Cleanup(s.Stop)
}

func TestClientMgr_Identify(t *testing.T) {
	nw := bufnet{}
	nw.serve(t, "Server1:5001", NewServer("Server1"))
	nw.serve(t, "Server2:5001", NewServer("Server2"))

	mgr := NewClientMgr(nw.dialer())
	defer mgr.Close()

	id, err := mgr.Identify(context.Background(), "Server1:5001")
	require.NoError(t, err)
	assert.Equal(t, "Server1", id)

	// second call reuses the cached connection
	id, err = mgr.Identify(context.Background(), "Server1:5001")
	require.NoError(t, err)
	assert.Equal(t, "Server1", id)

	id, err = mgr.Identify(context.Background(), "Server2:5001")
	require.NoError(t, err)
	assert.Equal(t, "Server2", id)
}

func TestClientMgr_NoIdentityHeader(t *testing.T) {
	nw := bufnet{}
	s := grpc.NewServer()
	Register(s, "anonymous")
	nw.serve(t, "anon:5001", s)

	mgr := NewClientMgr(nw.dialer())
	defer mgr.Close()

	_, err := mgr.Identify(context.Background(), "anon:5001")
	assert.True(t, errors.Is(err, ErrNoIdentity))
}

func TestClientMgr_Identities(t *testing.T) {
	nw := bufnet{}
	nw.serve(t, "a:5001", NewServer("a"))
	nw.serve(t, "b:5001", NewServer("b"))

	mgr := NewClientMgr(nw.dialer())
	defer mgr.Close()

	res := mgr.Identities(context.Background(), []string{"a:5001", "b:5001", "missing:5001"})
	require.Len(t, res, 3)
	assert.Equal(t, Result{Identity: "a"}, res["a:5001"])
	assert.Equal(t, Result{Identity: "b"}, res["b:5001"])
	assert.Empty(t, res["missing:5001"].Identity)
	assert.NotEmpty(t, res["missing:5001"].Error)
}

func TestClientMgr_DeleteCache(t *testing.T) {
	nw := bufnet{}
	nw.serve(t, "a:5001", NewServer("a"))

	mgr := NewClientMgr(nw.dialer())
	defer mgr.Close()

	_, err := mgr.Identify(context.Background(), "a:5001")
	require.NoError(t, err)
	assert.True(t, mgr.Cached("a:5001"))

	mgr.DeleteCache("a:5001")
	assert.False(t, mgr.Cached("a:5001"))
}
