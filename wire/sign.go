package wire

import (
	"crypto/ed25519"
	"crypto/sha256"
)

// DigestSize is the length of a content digest in bytes.
const DigestSize = sha256.Size

// Digest returns the SHA-256 digest of the canonical encoding of v.
// Because encoding is canonical, two values that differ only in map
// insertion order produce the same digest.
func Digest(v any) ([DigestSize]byte, error) {
	data, err := Encode(v)
	if err != nil {
		return [DigestSize]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// Sign signs data with an Ed25519 private key. The signature is 64 bytes.
func Sign(data []byte, priv ed25519.PrivateKey) []byte {
	return ed25519.Sign(priv, data)
}

// Verify reports whether sig is a valid Ed25519 signature of data by the
// holder of pub. Any single-byte mutation of data or sig fails.
func Verify(data []byte, pub ed25519.PublicKey, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}
