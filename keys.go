package derpnet

import (
	"crypto/rand"
	"encoding/hex"
	"io"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the size in bytes of public and secret curve25519 keys.
const KeySize = 32

// PublicKey is a curve25519 public key. It identifies both peers and relay
// servers. Being an array, it can be compared with == and used as map key.
type PublicKey [KeySize]byte

// String returns the key in lowercase hexadecimal.
func (k PublicKey) String() string {
	return hex.EncodeToString(k[:])
}

// SecretKey is a curve25519 secret key. Keep it private: whoever has it can
// read all packets sent to its public key.
type SecretKey [KeySize]byte

// Public returns the public key belonging to k.
func (k *SecretKey) Public() PublicKey {
	return PublicKeyOf(*k)
}

// GenerateSecretKey returns a new random secret key, reading randomness from
// random, or from crypto/rand if random is nil.
func GenerateSecretKey(random io.Reader) (SecretKey, error) {
	if random == nil {
		random = rand.Reader
	}
	var sk SecretKey
	kp, err := noise.DH25519.GenerateKeypair(random)
	if err != nil {
		return sk, err
	}
	copy(sk[:], kp.Private)
	return sk, nil
}

// PublicKeyOf derives the public key for secret key sk.
func PublicKeyOf(sk SecretKey) PublicKey {
	var pub PublicKey
	priv := [KeySize]byte(sk)
	curve25519.ScalarBaseMult((*[KeySize]byte)(&pub), &priv)
	return pub
}

func decodeKey(s string) ([KeySize]byte, error) {
	var k [KeySize]byte
	buf, err := hex.DecodeString(s)
	if err != nil {
		return k, prefixError(ErrBadKey, "bad hex: %s", err)
	}
	if len(buf) != KeySize {
		return k, prefixError(ErrBadKey, "got %d bytes, expected %d", len(buf), KeySize)
	}
	copy(k[:], buf)
	return k, nil
}

// ParsePublicKey parses a hexadecimal public key, as returned by PublicKey.String.
func ParsePublicKey(s string) (PublicKey, error) {
	k, err := decodeKey(s)
	return PublicKey(k), err
}

// ParseSecretKey parses a hexadecimal secret key.
func ParseSecretKey(s string) (SecretKey, error) {
	k, err := decodeKey(s)
	return SecretKey(k), err
}
