// Package mesh defines the transport collaborator interfaces the framework
// consumes: cryptographic identities, derived destinations, connection-
// oriented links, path discovery, and the announce feed. The underlying
// store-and-forward mesh is supplied from outside; this package only fixes
// the contract, plus an in-process implementation used by tests.
package mesh

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
)

// HashSize is the truncated address length used on the mesh.
const HashSize = 16

// Hash is a destination or identity address.
type Hash [HashSize]byte

// String renders the hash in base58 for logs, registry keys and errors.
func (h Hash) String() string {
	return base58.Encode(h[:])
}

// ParseHash decodes a base58-rendered hash.
func ParseHash(s string) (Hash, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return Hash{}, fmt.Errorf("mesh: parse hash: %w", err)
	}
	if len(raw) != HashSize {
		return Hash{}, fmt.Errorf("mesh: hash must be %d bytes, got %d", HashSize, len(raw))
	}
	var h Hash
	copy(h[:], raw)
	return h, nil
}

// Identity is a cryptographic principal on the mesh. A full identity holds
// the private key and can sign; a public identity (from an announce) can
// only verify.
type Identity struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
	hash Hash
}

// NewIdentity generates a fresh keypair.
func NewIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{pub: pub, priv: priv, hash: identityHash(pub)}, nil
}

// IdentityFromPublicKey wraps a peer's announced public key into a
// verify-only identity.
func IdentityFromPublicKey(pub ed25519.PublicKey) (*Identity, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("mesh: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	return &Identity{pub: pub, hash: identityHash(pub)}, nil
}

func identityHash(pub ed25519.PublicKey) Hash {
	sum := sha256.Sum256(pub)
	var h Hash
	copy(h[:], sum[:HashSize])
	return h
}

// Hash returns the identity's address.
func (i *Identity) Hash() Hash { return i.hash }

// PublicKey returns the verification key.
func (i *Identity) PublicKey() ed25519.PublicKey { return i.pub }

// ErrNoPrivateKey is returned when a verify-only identity is asked to sign.
var ErrNoPrivateKey = errors.New("mesh: identity has no private key")

// Sign signs data with the identity's private key.
func (i *Identity) Sign(data []byte) ([]byte, error) {
	if i.priv == nil {
		return nil, ErrNoPrivateKey
	}
	return ed25519.Sign(i.priv, data), nil
}

// Verify reports whether sig is this identity's signature over data.
func (i *Identity) Verify(data, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(i.pub, data, sig)
}

// Direction says whether a destination receives traffic (In) or names a
// remote endpoint traffic is sent to (Out).
type Direction int

const (
	In Direction = iota
	Out
)

// Kind is the destination addressing mode.
type Kind int

const (
	// Single is a destination addressed to one identity.
	Single Kind = iota
	// Group is a shared destination several identities listen on.
	Group
	// Plain is an unencrypted broadcast destination.
	Plain
)

// Destination is an address derived from an identity, an application
// namespace and an aspect string. Immutable once created.
type Destination struct {
	Identity  *Identity
	Direction Direction
	Kind      Kind
	Namespace string
	Aspect    string

	hash Hash
}

// NewDestination derives a destination address.
func NewDestination(id *Identity, direction Direction, kind Kind, namespace, aspect string) *Destination {
	d := &Destination{
		Identity:  id,
		Direction: direction,
		Kind:      kind,
		Namespace: namespace,
		Aspect:    aspect,
	}
	sum := sha256.New()
	sum.Write([]byte(d.Name()))
	if id != nil {
		h := id.Hash()
		sum.Write(h[:])
	}
	copy(d.hash[:], sum.Sum(nil)[:HashSize])
	return d
}

// Name is the full dotted destination name.
func (d *Destination) Name() string {
	return d.Namespace + "." + d.Aspect
}

// Hash returns the destination's address on the mesh.
func (d *Destination) Hash() Hash { return d.hash }

// Announce is an unsolicited broadcast advertising a destination.
type Announce struct {
	DestHash  Hash
	PublicKey ed25519.PublicKey
	AppData   []byte
	At        time.Time
}

// LinkState is the lifecycle state of a link.
type LinkState int

const (
	LinkPending LinkState = iota
	LinkEstablished
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkPending:
		return "pending"
	case LinkEstablished:
		return "established"
	case LinkClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Link is a connection-oriented virtual channel to a remote destination.
// Once closed it is never reused; a fresh link must be established.
type Link interface {
	// Remote is the destination the link points at.
	Remote() Hash

	// State reports the current lifecycle state.
	State() LinkState

	// Request sends data under path and pairs the reply to onResponse.
	// If no reply arrives within timeout, onFailed fires instead.
	// Callbacks run on transport goroutines, never on the caller's.
	Request(path string, data []byte, onResponse func([]byte), onFailed func(error), timeout time.Duration) error

	// Send transmits raw bytes with no reply pairing.
	Send(data []byte) error

	// Close tears the link down locally.
	Close() error
}

// RequestResponder answers one link request. At most one call has effect.
type RequestResponder func(data []byte) error

// Endpoint is the receive side a component registers for its destination.
// Both callbacks are invoked on transport goroutines; implementations must
// hand off into their own scheduler before touching shared state.
type Endpoint struct {
	// OnDatagram receives link-less deliveries addressed to the
	// destination, with the sender's address.
	OnDatagram func(data []byte, from Hash)

	// OnLinkRequest receives a paired request carried over an inbound
	// link. Not calling respond drops the request silently; the peer's
	// timeout is its only signal.
	OnLinkRequest func(path string, data []byte, respond RequestResponder)
}

// Transport is the mesh interface consumed by the command router and the
// rpc client.
type Transport interface {
	// Register attaches an endpoint for a destination. The returned
	// function detaches it.
	Register(dest *Destination, ep Endpoint) (func(), error)

	// HasPath reports whether a route to the destination is known.
	HasPath(dest Hash) bool

	// RequestPath asks the mesh to discover a route. Discovery is
	// asynchronous; callers poll HasPath.
	RequestPath(dest Hash)

	// NewLink opens a link from local toward remote. established and
	// closed fire on transport goroutines as the link changes state.
	NewLink(local, remote Hash, established func(Link), closed func(Link)) (Link, error)

	// Deliver sends a link-less datagram.
	Deliver(to, from Hash, data []byte) error

	// Announce broadcasts the destination's presence with optional
	// application data.
	Announce(dest *Destination, appData []byte) error

	// AddAnnounceHandler subscribes to observed announces. The returned
	// function unsubscribes.
	AddAnnounceHandler(fn func(Announce)) func()
}

// Transport-level errors.
var (
	ErrNoPath             = errors.New("mesh: no path to destination")
	ErrLinkNotEstablished = errors.New("mesh: link not established")
	ErrLinkClosed         = errors.New("mesh: link closed")
	ErrRequestTimedOut    = errors.New("mesh: link request timed out")
)
