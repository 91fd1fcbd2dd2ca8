package derpnet

import (
	"io"
	"sync"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	nonceSize = 24

	// overhead is the authenticator added by box and secretbox.
	overhead = box.Overhead
)

// sharedKeys caches the precomputed box key for each peer we exchange packets
// with. Entries live as long as the connection, there are few peers per
// connection and every packet to or from a peer reuses its key.
//
// Keys are only used while holding the read lock, so clear never wipes a key
// that is being sealed or opened with.
type sharedKeys struct {
	secret *[KeySize]byte

	sync.RWMutex
	keys    map[PublicKey]*[KeySize]byte
	derived int  // Number of keys computed, for tests.
	cleared bool // No more keys are handed out after clear.
}

func newSharedKeys(sk *SecretKey) *sharedKeys {
	return &sharedKeys{
		secret: (*[KeySize]byte)(sk),
		keys:   map[PublicKey]*[KeySize]byte{},
	}
}

// get returns the shared key for peer, computing it on first use. It returns
// nil after clear.
func (s *sharedKeys) get(peer PublicKey) *[KeySize]byte {
	s.Lock()
	defer s.Unlock()

	if s.cleared {
		return nil
	}
	if k, ok := s.keys[peer]; ok {
		return k
	}
	k := new([KeySize]byte)
	box.Precompute(k, (*[KeySize]byte)(&peer), s.secret)
	s.keys[peer] = k
	s.derived++
	return k
}

// with calls fn with the shared key for peer, holding the read lock. It
// reports false without calling fn if the keys have been cleared.
func (s *sharedKeys) with(peer PublicKey, fn func(key *[KeySize]byte)) bool {
	s.RLock()
	k, ok := s.keys[peer]
	if !ok && !s.cleared {
		s.RUnlock()
		if s.get(peer) == nil {
			return false
		}
		s.RLock()
		k, ok = s.keys[peer]
	}
	defer s.RUnlock()
	if !ok || s.cleared {
		return false
	}
	fn(k)
	return true
}

// seal is sealShared with the key for peer. It reports false if the keys have
// been cleared.
func (s *sharedKeys) seal(dst, msg []byte, nonce *[nonceSize]byte, peer PublicKey) (sealed []byte, ok bool) {
	ok = s.with(peer, func(key *[KeySize]byte) {
		sealed = sealShared(dst, msg, nonce, key)
	})
	return
}

// open is openShared with the key for peer.
func (s *sharedKeys) open(dst, sealed []byte, nonce *[nonceSize]byte, peer PublicKey) (msg []byte, ok bool) {
	s.with(peer, func(key *[KeySize]byte) {
		msg, ok = openShared(dst, sealed, nonce, key)
	})
	return
}

func (s *sharedKeys) derivations() int {
	s.RLock()
	defer s.RUnlock()
	return s.derived
}

// clear wipes all cached keys. It waits for seals and opens in progress.
func (s *sharedKeys) clear() {
	s.Lock()
	defer s.Unlock()
	s.cleared = true
	for peer, k := range s.keys {
		*k = [KeySize]byte{}
		delete(s.keys, peer)
	}
}

// newNonce reads a fresh random nonce. Nonces are never derived or counted:
// every seal under a key gets its own.
func newNonce(random io.Reader) (*[nonceSize]byte, error) {
	nonce := new([nonceSize]byte)
	if _, err := io.ReadFull(random, nonce[:]); err != nil {
		return nil, err
	}
	return nonce, nil
}

// sealBox appends msg, encrypted and authenticated from secret to peer, to dst.
func sealBox(dst, msg []byte, nonce *[nonceSize]byte, peer PublicKey, secret *SecretKey) []byte {
	return box.Seal(dst, msg, nonce, (*[KeySize]byte)(&peer), (*[KeySize]byte)(secret))
}

// openBox reverses sealBox. It reports false if sealed was not created by
// peer for secret, or was modified.
func openBox(dst, sealed []byte, nonce *[nonceSize]byte, peer PublicKey, secret *SecretKey) ([]byte, bool) {
	return box.Open(dst, sealed, nonce, (*[KeySize]byte)(&peer), (*[KeySize]byte)(secret))
}

// sealShared appends msg, encrypted and authenticated with a key from
// sharedKeys, to dst.
func sealShared(dst, msg []byte, nonce *[nonceSize]byte, key *[KeySize]byte) []byte {
	return secretbox.Seal(dst, msg, nonce, key)
}

// openShared reverses sealShared, reporting false on authentication failure.
func openShared(dst, sealed []byte, nonce *[nonceSize]byte, key *[KeySize]byte) ([]byte, bool) {
	return secretbox.Open(dst, sealed, nonce, key)
}
