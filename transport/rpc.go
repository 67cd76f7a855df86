// Package transport defines the abstract RPC capability a DHT node
// requires from its network layer (spec.md §6), plus two concrete
// implementations: an in-memory transport for same-process tests and
// an in-process transport that Noise-encrypts each request payload.
//
// The core module never frames, serializes, or dials anything itself;
// everything here is the seam spec.md §1 calls out as deliberately
// external.
package transport

import (
	"context"
	"time"

	"github.com/opd-ai/kademlia-core/id"
	"github.com/opd-ai/kademlia-core/routing"
)

// Method names of the four abstract RPC calls of spec.md §6. Handlers
// are not registered by name: each call has its own typed Receive*
// method on RPC.
const (
	MethodPing      = "ping"
	MethodStore     = "store"
	MethodFindNode  = "findNode"
	MethodFindValue = "findValue"
)

// PingPayload is the request body of a ping call.
type PingPayload struct {
	ID id.Id
}

// PingResult is a ping call's response body.
type PingResult struct {
	RemoteID id.Id
}

// StorePayload is the request body of a store call. ExpireAt is nil
// when the caller wants the receiver's default TTL applied.
type StorePayload struct {
	ID       id.Id
	IDKeyHex string
	Subkey   string
	Value    []byte
	ExpireAt *time.Time
}

// FindNodePayload is the request body of a findNode call.
type FindNodePayload struct {
	ID       id.Id
	TargetID id.Id
}

// FindNodeResult is a findNode call's response body.
type FindNodeResult struct {
	Contacts []routing.Contact
}

// FindValuePayload is the request body of a findValue call. Subkey
// nil requests every subkey held for IDKeyHex; non-nil requests one.
type FindValuePayload struct {
	ID       id.Id
	TargetID id.Id
	IDKeyHex string
	Subkey   *string
}

// FindValueResult is a findValue call's response body. Exactly one of
// the value fields or Contacts is populated per spec.md §4.8.
type FindValueResult struct {
	Contacts  []routing.Contact
	HasValue  bool
	Value     []byte
	ExpireAt  *time.Time
	Values    map[string][]byte
	Expires   map[string]*time.Time
	HasValues bool
}

// PingHandler, StoreHandler, FindNodeHandler and FindValueHandler are
// the server-side callback shapes a DHT node registers via Receive.
type (
	PingHandler      func(ctx context.Context, from routing.Endpoint, payload PingPayload) (PingResult, error)
	StoreHandler     func(ctx context.Context, from routing.Endpoint, payload StorePayload) error
	FindNodeHandler  func(ctx context.Context, from routing.Endpoint, payload FindNodePayload) (FindNodeResult, error)
	FindValueHandler func(ctx context.Context, from routing.Endpoint, payload FindValuePayload) (FindValueResult, error)
)

// RPC is the capability spec.md §6 requires from the transport: four
// outgoing calls addressed by opaque Endpoint, and a registration hook
// so a node can answer the same four calls from its peers.
type RPC interface {
	Ping(ctx context.Context, endpoint routing.Endpoint, payload PingPayload) (PingResult, error)
	Store(ctx context.Context, endpoint routing.Endpoint, payload StorePayload) error
	FindNode(ctx context.Context, endpoint routing.Endpoint, payload FindNodePayload) (FindNodeResult, error)
	FindValue(ctx context.Context, endpoint routing.Endpoint, payload FindValuePayload) (FindValueResult, error)

	ReceivePing(handler PingHandler)
	ReceiveStore(handler StoreHandler)
	ReceiveFindNode(handler FindNodeHandler)
	ReceiveFindValue(handler FindValueHandler)
}
