// Package transporttest provides a deterministic, in-memory transport.Transport
// for exercising dlm without a real lock server.
package transporttest

import (
	"context"
	"sync"

	"github.com/lockmesh/cachelock/transport"
)

// Mock is a scriptable transport.Transport. Tests drive server behavior by
// calling QueueAcquireResult and by invoking FireRevoke/FireRetry directly;
// Mock records every call it receives for assertions.
type Mock struct {
	mu sync.Mutex

	// acquireResults, if non-empty, is consumed FIFO for successive
	// Acquire calls on a given lock id; once drained, acquireDefault is used.
	acquireResults map[transport.LockId][]transport.Status
	acquireDefault transport.Status

	revoke transport.CallbackFunc
	retry  transport.CallbackFunc

	calls []Call

	// gates, when present for a lid, must be closed before an Acquire
	// call on that lid returns. Lets tests pin a goroutine in the
	// window between "acquire RPC sent" and "acquire RPC resolved" so a
	// callback fired in that window is observed deterministically.
	gates map[transport.LockId]chan struct{}
}

// Call records one invocation of Transport.Call for test assertions.
type Call struct {
	Op       transport.Op
	Lid      transport.LockId
	ClientID transport.ClientId
}

// New returns a Mock whose acquire calls succeed (StatusOK) by default.
func New() *Mock {
	return &Mock{
		acquireResults: make(map[transport.LockId][]transport.Status),
		acquireDefault: transport.StatusOK,
	}
}

// QueueAcquireResult appends a scripted result for the next Acquire call on lid.
func (m *Mock) QueueAcquireResult(lid transport.LockId, status transport.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquireResults[lid] = append(m.acquireResults[lid], status)
}

// Calls returns a snapshot of recorded calls.
func (m *Mock) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// GateAcquire arranges for the next Acquire call on lid to block until
// ReleaseGate(lid) is called, after recording the call.
func (m *Mock) GateAcquire(lid transport.LockId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gates == nil {
		m.gates = make(map[transport.LockId]chan struct{})
	}
	m.gates[lid] = make(chan struct{})
}

// ReleaseGate unblocks a pending gated Acquire call on lid, if any.
func (m *Mock) ReleaseGate(lid transport.LockId) {
	m.mu.Lock()
	ch, ok := m.gates[lid]
	if ok {
		delete(m.gates, lid)
	}
	m.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (m *Mock) Call(_ context.Context, op transport.Op, lid transport.LockId, clientID transport.ClientId) (transport.Status, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: op, Lid: lid, ClientID: clientID})
	var gate chan struct{}
	if op == transport.OpAcquire {
		gate = m.gates[lid]
	}
	var status transport.Status
	switch op {
	case transport.OpAcquire:
		queue := m.acquireResults[lid]
		if len(queue) > 0 {
			status = queue[0]
			m.acquireResults[lid] = queue[1:]
		} else {
			status = m.acquireDefault
		}
	case transport.OpRelease:
		status = transport.StatusOK
	}
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return status, nil
}

func (m *Mock) RegisterCallbacks(revoke, retry transport.CallbackFunc) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoke = revoke
	m.retry = retry
	return "127.0.0.1:0", nil
}

func (m *Mock) Close() error { return nil }

// FireRevoke simulates the server invoking this client's revoke callback.
func (m *Mock) FireRevoke(lid transport.LockId) {
	m.mu.Lock()
	fn := m.revoke
	m.mu.Unlock()
	if fn != nil {
		fn(lid)
	}
}

// FireRetry simulates the server invoking this client's retry callback.
func (m *Mock) FireRetry(lid transport.LockId) {
	m.mu.Lock()
	fn := m.retry
	m.mu.Unlock()
	if fn != nil {
		fn(lid)
	}
}
