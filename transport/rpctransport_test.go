package transport_test

import (
	"context"
	"net"
	"net/rpc"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lockmesh/cachelock/transport"
)

// fakeLockServer is a minimal net/rpc service standing in for the real
// lock server (an external collaborator this module does not implement);
// it only exists so RPCTransport's outbound call path can be exercised
// end to end in-process.
type fakeLockServer struct {
	nextStatus transport.Status
}

func (s *fakeLockServer) Acquire(args *transport.AcquireArgs, reply *transport.AcquireReply) error {
	reply.Status = s.nextStatus
	return nil
}

func (s *fakeLockServer) Release(_ *transport.ReleaseArgs, _ *transport.ReleaseReply) error {
	return nil
}

func startFakeServer(t *testing.T, status transport.Status) string {
	t.Helper()
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("LockServer", &fakeLockServer{nextStatus: status}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Accept(ln)
	t.Cleanup(func() { ln.Close() })

	return ln.Addr().String()
}

func TestRPCTransportCallAcquireAndRelease(t *testing.T) {
	addr := startFakeServer(t, transport.StatusOK)

	tr := transport.NewRPCTransport(transport.RPCTransportConfig{
		ServerAddr: addr,
		Logger:     zap.NewNop(),
	})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	status, err := tr.Call(ctx, transport.OpAcquire, transport.LockId(1), transport.ClientId("client-a"))
	require.NoError(t, err)
	require.Equal(t, transport.StatusOK, status)

	status, err = tr.Call(ctx, transport.OpRelease, transport.LockId(1), transport.ClientId("client-a"))
	require.NoError(t, err)
	require.Equal(t, transport.StatusOK, status)
}

func TestRPCTransportRegisterCallbacksDeliversRevokeAndRetry(t *testing.T) {
	tr := transport.NewRPCTransport(transport.RPCTransportConfig{
		ServerAddr: "127.0.0.1:0", // unused by this test
		Logger:     zap.NewNop(),
	})
	defer tr.Close()

	revoked := make(chan transport.LockId, 1)
	retried := make(chan transport.LockId, 1)

	addr, err := tr.RegisterCallbacks(
		func(lid transport.LockId) { revoked <- lid },
		func(lid transport.LockId) { retried <- lid },
	)
	require.NoError(t, err)
	require.NotEmpty(t, addr)

	client, err := rpc.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	var ack struct{}
	require.NoError(t, client.Call("LockCallback.Revoke", &transport.RevokeArgs{Lid: 5}, &ack))
	require.NoError(t, client.Call("LockCallback.Retry", &transport.RetryArgs{Lid: 5}, &ack))

	select {
	case lid := <-revoked:
		require.Equal(t, transport.LockId(5), lid)
	case <-time.After(time.Second):
		t.Fatal("revoke callback never delivered")
	}
	select {
	case lid := <-retried:
		require.Equal(t, transport.LockId(5), lid)
	case <-time.After(time.Second):
		t.Fatal("retry callback never delivered")
	}
}
