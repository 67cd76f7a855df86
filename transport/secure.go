package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/flynn/noise"
	"github.com/opd-ai/kademlia-core/routing"
	"github.com/sirupsen/logrus"
)

// session holds the two CipherStates a completed Noise XX handshake
// produces: send for outgoing payloads, recv for decrypting whatever
// the peer sends back over the same session.
type session struct {
	send *noise.CipherState
	recv *noise.CipherState
}

// SecureNetwork is a directory of Secure transports that perform a
// real Noise_XX handshake with one another before any RPC payload
// crosses a "wire" — there being no actual socket in this module, the
// handshake messages are exchanged in-process between the two
// HandshakeState objects, but the resulting CipherStates are genuine
// and every payload is gob-encoded then sealed with them.
type SecureNetwork struct {
	mu   sync.RWMutex
	peer map[string]*Secure
}

// NewSecureNetwork creates an empty directory of Secure transports.
func NewSecureNetwork() *SecureNetwork {
	return &SecureNetwork{peer: make(map[string]*Secure)}
}

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// NewTransport generates a fresh static keypair and registers a
// Secure transport at endpoint. Calls are dispatched straight to the
// peer Secure transport's handlers once the payload has been
// sealed/opened.
func (n *SecureNetwork) NewTransport(endpoint routing.Endpoint) (*Secure, error) {
	staticKey, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("transport: generate noise static key: %w", err)
	}
	t := &Secure{
		network:    n,
		self:       endpoint,
		staticKey:  staticKey,
		sessions:   make(map[string]*session),
		onPing:     nil,
		onStore:    nil,
		onFindNode: nil,
	}
	n.mu.Lock()
	n.peer[endpoint.String()] = t
	n.mu.Unlock()
	return t, nil
}

func (n *SecureNetwork) lookup(endpoint routing.Endpoint) (*Secure, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.peer[endpoint.String()]
	return t, ok
}

// Secure is an RPC implementation that Noise-encrypts every payload
// exchanged with a peer Secure transport, keyed by a per-destination
// handshake session established lazily on first use.
type Secure struct {
	network   *SecureNetwork
	self      routing.Endpoint
	staticKey noise.DHKey

	mu          sync.Mutex
	sessions    map[string]*session
	onPing      PingHandler
	onStore     StoreHandler
	onFindNode  FindNodeHandler
	onFindValue FindValueHandler
}

var _ RPC = (*Secure)(nil)

func (t *Secure) ReceivePing(h PingHandler)           { t.mu.Lock(); t.onPing = h; t.mu.Unlock() }
func (t *Secure) ReceiveStore(h StoreHandler)         { t.mu.Lock(); t.onStore = h; t.mu.Unlock() }
func (t *Secure) ReceiveFindNode(h FindNodeHandler)   { t.mu.Lock(); t.onFindNode = h; t.mu.Unlock() }
func (t *Secure) ReceiveFindValue(h FindValueHandler) { t.mu.Lock(); t.onFindValue = h; t.mu.Unlock() }

// handshake runs a full Noise_XX exchange against peer, stepping both
// HandshakeState machines in-process (there is no socket to carry the
// three messages across), and caches the resulting send/recv sessions
// on both sides keyed by each other's endpoint.
func (t *Secure) handshake(peer *Secure) (*session, error) {
	t.mu.Lock()
	if s, ok := t.sessions[peer.self.String()]; ok {
		t.mu.Unlock()
		return s, nil
	}
	t.mu.Unlock()

	initiator, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: t.staticKey,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: init noise handshake: %w", err)
	}
	responder, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     false,
		StaticKeypair: peer.staticKey,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: init noise handshake: %w", err)
	}

	// -> e
	msg1, _, _, err := initiator.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: noise message 1: %w", err)
	}
	if _, _, _, err := responder.ReadMessage(nil, msg1); err != nil {
		return nil, fmt.Errorf("transport: noise read message 1: %w", err)
	}

	// <- e, ee, s, es
	msg2, _, _, err := responder.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: noise message 2: %w", err)
	}
	if _, _, _, err := initiator.ReadMessage(nil, msg2); err != nil {
		return nil, fmt.Errorf("transport: noise read message 2: %w", err)
	}

	// -> s, se
	msg3, initSend, initRecv, err := initiator.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: noise message 3: %w", err)
	}
	if _, respRecv, respSend, err := responder.ReadMessage(nil, msg3); err != nil {
		return nil, fmt.Errorf("transport: noise read message 3: %w", err)
	} else {
		peer.mu.Lock()
		peer.sessions[t.self.String()] = &session{send: respSend, recv: respRecv}
		peer.mu.Unlock()
	}

	s := &session{send: initSend, recv: initRecv}
	t.mu.Lock()
	t.sessions[peer.self.String()] = s
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Secure.handshake",
		"with":     peer.self.String(),
	}).Debug("completed noise_xx handshake")
	return s, nil
}

func seal(s *session, payload any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("transport: encode payload: %w", err)
	}
	return s.send.Encrypt(nil, nil, buf.Bytes()), nil
}

func open(s *session, ciphertext []byte, out any) error {
	plaintext, err := s.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return fmt.Errorf("transport: decrypt payload: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(plaintext)).Decode(out); err != nil {
		return fmt.Errorf("transport: decode payload: %w", err)
	}
	return nil
}

func (t *Secure) peerFor(endpoint routing.Endpoint) (*Secure, error) {
	peer, ok := t.network.lookup(endpoint)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, endpoint)
	}
	return peer, nil
}

func (t *Secure) Ping(ctx context.Context, endpoint routing.Endpoint, payload PingPayload) (PingResult, error) {
	peer, err := t.peerFor(endpoint)
	if err != nil {
		return PingResult{}, err
	}
	outbound, err := t.handshake(peer)
	if err != nil {
		return PingResult{}, err
	}
	sealed, err := seal(outbound, payload)
	if err != nil {
		return PingResult{}, err
	}

	inbound, err := peer.handshake(t)
	if err != nil {
		return PingResult{}, err
	}
	var opened PingPayload
	if err := open(inbound, sealed, &opened); err != nil {
		return PingResult{}, err
	}

	peer.mu.Lock()
	handler := peer.onPing
	peer.mu.Unlock()
	if handler == nil {
		return PingResult{}, fmt.Errorf("transport: peer %s has no ping handler", endpoint)
	}
	return handler(ctx, t.self, opened)
}

func (t *Secure) Store(ctx context.Context, endpoint routing.Endpoint, payload StorePayload) error {
	peer, err := t.peerFor(endpoint)
	if err != nil {
		return err
	}
	outbound, err := t.handshake(peer)
	if err != nil {
		return err
	}
	sealed, err := seal(outbound, payload)
	if err != nil {
		return err
	}
	inbound, err := peer.handshake(t)
	if err != nil {
		return err
	}
	var opened StorePayload
	if err := open(inbound, sealed, &opened); err != nil {
		return err
	}

	peer.mu.Lock()
	handler := peer.onStore
	peer.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("transport: peer %s has no store handler", endpoint)
	}
	return handler(ctx, t.self, opened)
}

func (t *Secure) FindNode(ctx context.Context, endpoint routing.Endpoint, payload FindNodePayload) (FindNodeResult, error) {
	peer, err := t.peerFor(endpoint)
	if err != nil {
		return FindNodeResult{}, err
	}
	outbound, err := t.handshake(peer)
	if err != nil {
		return FindNodeResult{}, err
	}
	sealed, err := seal(outbound, payload)
	if err != nil {
		return FindNodeResult{}, err
	}
	inbound, err := peer.handshake(t)
	if err != nil {
		return FindNodeResult{}, err
	}
	var opened FindNodePayload
	if err := open(inbound, sealed, &opened); err != nil {
		return FindNodeResult{}, err
	}

	peer.mu.Lock()
	handler := peer.onFindNode
	peer.mu.Unlock()
	if handler == nil {
		return FindNodeResult{}, fmt.Errorf("transport: peer %s has no findNode handler", endpoint)
	}
	return handler(ctx, t.self, opened)
}

func (t *Secure) FindValue(ctx context.Context, endpoint routing.Endpoint, payload FindValuePayload) (FindValueResult, error) {
	peer, err := t.peerFor(endpoint)
	if err != nil {
		return FindValueResult{}, err
	}
	outbound, err := t.handshake(peer)
	if err != nil {
		return FindValueResult{}, err
	}
	sealed, err := seal(outbound, payload)
	if err != nil {
		return FindValueResult{}, err
	}
	inbound, err := peer.handshake(t)
	if err != nil {
		return FindValueResult{}, err
	}
	var opened FindValuePayload
	if err := open(inbound, sealed, &opened); err != nil {
		return FindValueResult{}, err
	}

	peer.mu.Lock()
	handler := peer.onFindValue
	peer.mu.Unlock()
	if handler == nil {
		return FindValueResult{}, fmt.Errorf("transport: peer %s has no findValue handler", endpoint)
	}
	return handler(ctx, t.self, opened)
}
