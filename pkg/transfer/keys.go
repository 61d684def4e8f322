// Package transfer holds the signature primitives, signed spends and payment
// proof signing that the storage core treats as a trusted collaborator.
package transfer

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/sha3"

	"swarmstore/pkg/record"
	"swarmstore/pkg/xor"
)

var ErrBadSignature = errors.New("transfer: signature invalid")

// Signer produces signatures under one key.
type Signer interface {
	Scheme() record.Scheme
	PublicKey() []byte
	Sign(message []byte) []byte
}

// digest is what every scheme actually signs.
func digest(message []byte) []byte {
	sum := sha3.Sum256(message)
	return sum[:]
}

type ed25519Signer struct {
	priv ed25519.PrivateKey
}

// NewEd25519Signer generates a fresh ed25519 key from r (crypto/rand if nil).
func NewEd25519Signer(r io.Reader) (Signer, error) {
	if r == nil {
		r = rand.Reader
	}
	_, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("transfer: generate ed25519 key: %w", err)
	}
	return &ed25519Signer{priv: priv}, nil
}

// Ed25519FromSeed builds a deterministic signer, mostly for tests and tools.
func Ed25519FromSeed(seed []byte) (Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("transfer: seed must be %d bytes", ed25519.SeedSize)
	}
	return &ed25519Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func (s *ed25519Signer) Scheme() record.Scheme { return record.SchemeEd25519 }

func (s *ed25519Signer) PublicKey() []byte {
	return append([]byte(nil), s.priv.Public().(ed25519.PublicKey)...)
}

func (s *ed25519Signer) Sign(message []byte) []byte {
	return ed25519.Sign(s.priv, digest(message))
}

type dilithiumSigner struct {
	pub  *mode3.PublicKey
	priv *mode3.PrivateKey
}

// NewDilithium3Signer generates a dilithium mode3 key from r (crypto/rand if nil).
func NewDilithium3Signer(r io.Reader) (Signer, error) {
	if r == nil {
		r = rand.Reader
	}
	pub, priv, err := mode3.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("transfer: generate dilithium3 key: %w", err)
	}
	return &dilithiumSigner{pub: pub, priv: priv}, nil
}

func (s *dilithiumSigner) Scheme() record.Scheme { return record.SchemeDilithium3 }

func (s *dilithiumSigner) PublicKey() []byte {
	b, _ := s.pub.MarshalBinary()
	return b
}

func (s *dilithiumSigner) Sign(message []byte) []byte {
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(s.priv, digest(message), sig)
	return sig
}

// Verify checks sig over message under pub.
func Verify(scheme record.Scheme, pub, message, sig []byte) error {
	switch scheme {
	case record.SchemeEd25519:
		if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
			return fmt.Errorf("%w: malformed ed25519 key or signature", ErrBadSignature)
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), digest(message), sig) {
			return ErrBadSignature
		}
		return nil
	case record.SchemeDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(pub); err != nil {
			return fmt.Errorf("%w: dilithium3 public key: %v", ErrBadSignature, err)
		}
		if len(sig) != mode3.SignatureSize || !mode3.Verify(&pk, digest(message), sig) {
			return ErrBadSignature
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported scheme %s", ErrBadSignature, scheme)
	}
}

// KeyAddress derives the network address owned by a public key.
func KeyAddress(pub []byte) xor.Identifier {
	return xor.Identifier(sha3.Sum256(pub))
}
