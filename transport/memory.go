package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/opd-ai/kademlia-core/routing"
	"github.com/sirupsen/logrus"
)

// ErrUnreachable is returned by a Memory transport call when no peer
// is registered at the destination endpoint.
var ErrUnreachable = errors.New("transport: no peer registered at endpoint")

// Endpoint is a routing.Endpoint backed by a plain string, suitable
// for in-process tests and simulations.
type Endpoint string

// String implements routing.Endpoint.
func (e Endpoint) String() string { return string(e) }

// Network is a shared directory of in-process peers, analogous to the
// teacher's MultiTransport registry but addressed by opaque Endpoint
// instead of net.Addr.
type Network struct {
	mu   sync.RWMutex
	self map[string]*Memory
}

// NewNetwork creates an empty in-process network.
func NewNetwork() *Network {
	return &Network{self: make(map[string]*Memory)}
}

// NewTransport creates and registers a Memory transport at endpoint.
func (n *Network) NewTransport(endpoint routing.Endpoint) *Memory {
	t := &Memory{network: n, self: endpoint}
	n.mu.Lock()
	n.self[endpoint.String()] = t
	n.mu.Unlock()
	return t
}

func (n *Network) lookup(endpoint routing.Endpoint) (*Memory, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.self[endpoint.String()]
	return t, ok
}

// Memory is an RPC implementation that dispatches calls directly to
// another Memory transport's registered handlers within the same
// process, with no framing or serialization: the abstract payload
// shape of spec.md §6 crosses the call boundary as-is.
type Memory struct {
	network *Network
	self    routing.Endpoint

	mu          sync.RWMutex
	onPing      PingHandler
	onStore     StoreHandler
	onFindNode  FindNodeHandler
	onFindValue FindValueHandler
}

var _ RPC = (*Memory)(nil)

func (t *Memory) ReceivePing(h PingHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPing = h
}

func (t *Memory) ReceiveStore(h StoreHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStore = h
}

func (t *Memory) ReceiveFindNode(h FindNodeHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFindNode = h
}

func (t *Memory) ReceiveFindValue(h FindValueHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFindValue = h
}

func (t *Memory) callID() string {
	return uuid.NewString()
}

func (t *Memory) Ping(ctx context.Context, endpoint routing.Endpoint, payload PingPayload) (PingResult, error) {
	peer, ok := t.network.lookup(endpoint)
	if !ok {
		return PingResult{}, fmt.Errorf("%w: %s", ErrUnreachable, endpoint)
	}
	peer.mu.RLock()
	handler := peer.onPing
	peer.mu.RUnlock()
	if handler == nil {
		return PingResult{}, fmt.Errorf("transport: peer %s has no ping handler", endpoint)
	}

	callID := t.callID()
	logrus.WithFields(logrus.Fields{
		"function": "Memory.Ping",
		"call_id":  callID,
		"to":       endpoint.String(),
	}).Trace("dispatching ping")

	return handler(ctx, t.self, payload)
}

func (t *Memory) Store(ctx context.Context, endpoint routing.Endpoint, payload StorePayload) error {
	peer, ok := t.network.lookup(endpoint)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnreachable, endpoint)
	}
	peer.mu.RLock()
	handler := peer.onStore
	peer.mu.RUnlock()
	if handler == nil {
		return fmt.Errorf("transport: peer %s has no store handler", endpoint)
	}

	callID := t.callID()
	logrus.WithFields(logrus.Fields{
		"function": "Memory.Store",
		"call_id":  callID,
		"to":       endpoint.String(),
		"idkey":    payload.IDKeyHex,
		"subkey":   payload.Subkey,
	}).Trace("dispatching store")

	return handler(ctx, t.self, payload)
}

func (t *Memory) FindNode(ctx context.Context, endpoint routing.Endpoint, payload FindNodePayload) (FindNodeResult, error) {
	peer, ok := t.network.lookup(endpoint)
	if !ok {
		return FindNodeResult{}, fmt.Errorf("%w: %s", ErrUnreachable, endpoint)
	}
	peer.mu.RLock()
	handler := peer.onFindNode
	peer.mu.RUnlock()
	if handler == nil {
		return FindNodeResult{}, fmt.Errorf("transport: peer %s has no findNode handler", endpoint)
	}
	return handler(ctx, t.self, payload)
}

func (t *Memory) FindValue(ctx context.Context, endpoint routing.Endpoint, payload FindValuePayload) (FindValueResult, error) {
	peer, ok := t.network.lookup(endpoint)
	if !ok {
		return FindValueResult{}, fmt.Errorf("%w: %s", ErrUnreachable, endpoint)
	}
	peer.mu.RLock()
	handler := peer.onFindValue
	peer.mu.RUnlock()
	if handler == nil {
		return FindValueResult{}, fmt.Errorf("transport: peer %s has no findValue handler", endpoint)
	}
	return handler(ctx, t.self, payload)
}
