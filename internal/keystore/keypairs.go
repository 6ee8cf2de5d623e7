package keystore

import (
	"sync"

	"github.com/miniapp-io/miniapp-host/internal/walletcrypto"
)

// KeyPairStore holds the ephemeral dapp key pair of every in-flight wallet
// connection, keyed by connection id. Pairs never outlive their connection:
// a replaced or deleted pair is zeroed in place.
type KeyPairStore struct {
	mu    sync.Mutex
	pairs map[string]*walletcrypto.KeyPair
}

// NewKeyPairStore returns an empty store.
func NewKeyPairStore() *KeyPairStore {
	return &KeyPairStore{pairs: make(map[string]*walletcrypto.KeyPair)}
}

// Put stores a copy of kp under id, zeroing any pair it replaces.
func (s *KeyPairStore) Put(id string, kp walletcrypto.KeyPair) {
	stored := kp
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.pairs[id]; ok {
		old.Zero()
	}
	s.pairs[id] = &stored
}

// Get returns a copy of the pair stored under id. The caller owns the copy
// and should Zero it when done.
func (s *KeyPairStore) Get(id string) (walletcrypto.KeyPair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kp, ok := s.pairs[id]
	if !ok {
		return walletcrypto.KeyPair{}, false
	}
	return *kp, true
}

// Delete zeroes and forgets the pair stored under id.
func (s *KeyPairStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(id)
}

// DeleteAll zeroes and forgets every pair whose id is in ids.
func (s *KeyPairStore) DeleteAll(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.deleteLocked(id)
	}
}

func (s *KeyPairStore) deleteLocked(id string) {
	if kp, ok := s.pairs[id]; ok {
		kp.Zero()
		delete(s.pairs, id)
	}
}

// Len reports the number of live pairs.
func (s *KeyPairStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pairs)
}
