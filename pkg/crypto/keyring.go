package crypto

import (
	"fmt"
	"sort"
	"sync"

	"github.com/clearhold-labs/clearhold/core/pkg/contracts"
)

// KeyRing holds verification keys by key id, with rotation support. The
// lexicographically last key id is treated as the active signing key.
type KeyRing struct {
	mu      sync.RWMutex
	signers map[string]*Ed25519Signer
	// pubOnly holds keys we can verify with but not sign with, e.g.
	// provider trust keys loaded from config.
	pubOnly map[string]string
}

// NewKeyRing creates an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{
		signers: make(map[string]*Ed25519Signer),
		pubOnly: make(map[string]string),
	}
}

// AddSigner registers a signing key.
func (k *KeyRing) AddSigner(s *Ed25519Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[s.KeyID()] = s
}

// AddVerifyKey registers a verification-only key (hex encoded).
func (k *KeyRing) AddVerifyKey(keyID, pubKeyHex string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pubOnly[keyID] = pubKeyHex
}

// Revoke removes a key by id.
func (k *KeyRing) Revoke(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.signers, keyID)
	delete(k.pubOnly, keyID)
}

// Active returns the current signing key.
func (k *KeyRing) Active() (*Ed25519Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.signers))
	for id := range k.signers {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no signing keys available")
	}
	sort.Strings(ids)
	return k.signers[ids[len(ids)-1]], nil
}

// PublicKey returns the hex verification key for a key id, if known.
func (k *KeyRing) PublicKey(keyID string) (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if s, ok := k.signers[keyID]; ok {
		return s.PublicKey(), true
	}
	pub, ok := k.pubOnly[keyID]
	return pub, ok
}

// VerifyReceipt verifies a receipt against the key it names, or against
// every known key when the receipt carries no key id.
func (k *KeyRing) VerifyReceipt(r *contracts.Receipt) (bool, error) {
	if r.KeyID != "" {
		pub, ok := k.PublicKey(r.KeyID)
		if !ok {
			return false, fmt.Errorf("unknown or revoked key: %s", r.KeyID)
		}
		return VerifyReceipt(pub, r)
	}

	k.mu.RLock()
	pubs := make([]string, 0, len(k.signers)+len(k.pubOnly))
	for _, s := range k.signers {
		pubs = append(pubs, s.PublicKey())
	}
	for _, p := range k.pubOnly {
		pubs = append(pubs, p)
	}
	k.mu.RUnlock()

	for _, pub := range pubs {
		if ok, err := VerifyReceipt(pub, r); ok && err == nil {
			return true, nil
		}
	}
	return false, fmt.Errorf("no key verified receipt %s", r.ReceiptID)
}
