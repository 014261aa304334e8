package transport

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AcquireArgs/AcquireReply and ReleaseArgs/ReleaseReply describe the wire
// shape of the two client->server calls. A real lock server registers a
// service (any name) exposing methods with these signatures under
// "<ServiceName>.Acquire" / "<ServiceName>.Release"; the server is an
// external collaborator this module does not implement.
type AcquireArgs struct {
	Lid      LockId
	ClientID ClientId
}

type AcquireReply struct {
	Status Status
}

type ReleaseArgs struct {
	Lid      LockId
	ClientID ClientId
}

type ReleaseReply struct{}

// RevokeArgs/RetryArgs describe the server->client callback shape this
// client registers under "LockCallback.Revoke" / "LockCallback.Retry".
type RevokeArgs struct {
	Lid LockId
}

type RetryArgs struct {
	Lid LockId
}

// AckReply is the empty reply to a callback. net/rpc only registers methods
// whose reply type is exported.
type AckReply struct{}

// RPCTransportConfig configures an RPCTransport.
type RPCTransportConfig struct {
	// ServerAddr is "host:port" of the lock server.
	ServerAddr string
	// ServiceName is the RPC service name the server registered under.
	// Defaults to "LockServer" if empty.
	ServiceName string
	// BindHost is the local interface callbacks are bound to. Defaults to
	// loopback ("127.0.0.1") per spec; a real multi-host deployment must
	// override it with a routable address.
	BindHost string
	// BindPort is the local callback port. Zero means OS-assigned ephemeral.
	BindPort int
	// ReleaseRetryBackoff is the initial backoff between retried release
	// RPCs on transport failure. Defaults to 50ms, doubling up to
	// ReleaseRetryMax attempts.
	ReleaseRetryBackoff time.Duration
	// ReleaseRetryMax bounds the total number of release RPC attempts
	// (the first one included) before the transport gives up and returns
	// an error. Defaults to 5.
	ReleaseRetryMax int
	Logger          *zap.Logger
}

// RPCTransport is the default Transport, built on net/rpc over TCP. It is
// the idiomatic stdlib analogue of the bespoke stub-RPC layer
// (lock_client_cache's rpcs/rpcc) this client was modeled on: a symmetric
// call-out / callback-in protocol, not a REST or gRPC service.
type RPCTransport struct {
	cfg RPCTransportConfig
	log *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	bound    bool

	dialMu sync.Mutex
	client *rpc.Client
}

// callbackService is registered on the local listener; the lock server
// dials in and invokes these two methods.
type callbackService struct {
	revoke CallbackFunc
	retry  CallbackFunc
	log    *zap.Logger
}

func (c *callbackService) Revoke(args *RevokeArgs, _ *AckReply) error {
	if c.log != nil {
		c.log.Debug("inbound revoke callback", zap.Uint64("lid", uint64(args.Lid)))
	}
	if c.revoke != nil {
		c.revoke(args.Lid)
	}
	return nil
}

func (c *callbackService) Retry(args *RetryArgs, _ *AckReply) error {
	if c.log != nil {
		c.log.Debug("inbound retry callback", zap.Uint64("lid", uint64(args.Lid)))
	}
	if c.retry != nil {
		c.retry(args.Lid)
	}
	return nil
}

// NewRPCTransport constructs an RPCTransport. It does not dial or listen
// until RegisterCallbacks/Call are used.
func NewRPCTransport(cfg RPCTransportConfig) *RPCTransport {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "LockServer"
	}
	if cfg.BindHost == "" {
		cfg.BindHost = "127.0.0.1"
	}
	if cfg.ReleaseRetryBackoff <= 0 {
		cfg.ReleaseRetryBackoff = 50 * time.Millisecond
	}
	if cfg.ReleaseRetryMax <= 0 {
		cfg.ReleaseRetryMax = 5
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &RPCTransport{cfg: cfg, log: log}
}

// RegisterCallbacks binds the callback listener (once) and starts serving
// revoke/retry RPCs from the lock server.
func (t *RPCTransport) RegisterCallbacks(revoke, retry CallbackFunc) (addr string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.bound {
		return t.listener.Addr().String(), nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", t.cfg.BindHost, t.cfg.BindPort))
	if err != nil {
		return "", fmt.Errorf("bind callback listener: %w", err)
	}

	srv := rpc.NewServer()
	svc := &callbackService{revoke: revoke, retry: retry, log: t.log}
	if err := srv.RegisterName("LockCallback", svc); err != nil {
		ln.Close()
		return "", fmt.Errorf("register callback service: %w", err)
	}

	t.listener = ln
	t.bound = true

	go srv.Accept(ln)

	t.log.Info("callback listener bound", zap.String("addr", ln.Addr().String()))
	return ln.Addr().String(), nil
}

func (t *RPCTransport) dial() (*rpc.Client, error) {
	t.dialMu.Lock()
	defer t.dialMu.Unlock()
	if t.client != nil {
		return t.client, nil
	}
	c, err := rpc.Dial("tcp", t.cfg.ServerAddr)
	if err != nil {
		return nil, err
	}
	t.client = c
	return c, nil
}

func (t *RPCTransport) invalidate() {
	t.dialMu.Lock()
	defer t.dialMu.Unlock()
	if t.client != nil {
		t.client.Close()
		t.client = nil
	}
}

// Call issues op for lid on behalf of clientID. Per SPEC_FULL.md §9,
// release is retried internally with bounded backoff (the transport owns
// retry policy); acquire is attempted exactly once per call and it is up
// to dlm to decide whether to wait for a retry callback.
func (t *RPCTransport) Call(ctx context.Context, op Op, lid LockId, clientID ClientId) (Status, error) {
	switch op {
	case OpAcquire:
		return t.callAcquire(ctx, lid, clientID)
	case OpRelease:
		return t.callReleaseWithRetry(ctx, lid, clientID)
	default:
		return StatusOK, fmt.Errorf("unknown op %v", op)
	}
}

func (t *RPCTransport) callAcquire(ctx context.Context, lid LockId, clientID ClientId) (Status, error) {
	client, err := t.dial()
	if err != nil {
		return StatusOK, fmt.Errorf("dial lock server: %w", err)
	}

	args := &AcquireArgs{Lid: lid, ClientID: clientID}
	reply := &AcquireReply{}
	call := client.Go(t.cfg.ServiceName+".Acquire", args, reply, nil)

	select {
	case <-ctx.Done():
		return StatusOK, ctx.Err()
	case res := <-call.Done:
		if res.Error != nil {
			t.invalidate()
			return StatusOK, fmt.Errorf("acquire RPC: %w", res.Error)
		}
		return reply.Status, nil
	}
}

func (t *RPCTransport) callReleaseWithRetry(ctx context.Context, lid LockId, clientID ClientId) (Status, error) {
	backoff := t.cfg.ReleaseRetryBackoff
	var lastErr error
	for attempt := 0; attempt < t.cfg.ReleaseRetryMax; attempt++ {
		client, err := t.dial()
		if err == nil {
			args := &ReleaseArgs{Lid: lid, ClientID: clientID}
			reply := &ReleaseReply{}
			err = client.Call(t.cfg.ServiceName+".Release", args, reply)
		}
		if err == nil {
			return StatusOK, nil
		}
		lastErr = err
		t.invalidate()
		t.log.Warn("release RPC failed, retrying",
			zap.Uint64("lid", uint64(lid)), zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-ctx.Done():
			return StatusOK, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return StatusOK, fmt.Errorf("release RPC failed after %d attempts: %w", t.cfg.ReleaseRetryMax, lastErr)
}

// Close stops the callback listener and closes the outbound connection.
func (t *RPCTransport) Close() error {
	t.mu.Lock()
	ln := t.listener
	t.mu.Unlock()

	t.invalidate()

	if ln != nil {
		return ln.Close()
	}
	return nil
}
