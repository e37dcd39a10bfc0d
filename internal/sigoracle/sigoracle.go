// Package sigoracle provides the SignatureOracle external collaborator
// interface plus one reference implementation.
//
// The real cryptographic primitive library (PQ KEM/signature kernels, SIMD
// batch verifiers, GPU kernels) is explicitly out of scope for this core —
// see spec.md §1. The core only requires that two honest peers computing a
// signature over byte-identical input always verify positively; the Ed25519
// implementation here exists to make that contract concrete for tests and
// small local deployments, not to prescribe the production primitive.
package sigoracle

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// Oracle is the narrow signature interface the core consumes.
type Oracle interface {
	Sign(key ed25519.PrivateKey, msg []byte) []byte
	Verify(pub ed25519.PublicKey, msg, sig []byte) bool
}

// Ed25519Oracle is the default reference SignatureOracle.
type Ed25519Oracle struct{}

func (Ed25519Oracle) Sign(key ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(key, msg)
}

func (Ed25519Oracle) Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// KeyVault wraps agent keypair generation and at-rest encryption of private
// keys, adapted from the teacher's keymanager: generate an Ed25519 keypair,
// then seal the private half under AES-256-GCM so it never sits on disk in
// the clear.
type KeyVault struct {
	encryptionKey []byte
}

// keyVaultSalt is fixed rather than random because the derived key must be
// reproducible from the same secret across process restarts without
// persisting a salt alongside it; the work factor, not salt secrecy, is
// what makes this vault's secret-to-key step expensive to brute force.
var keyVaultSalt = []byte("swarmcore-sigoracle-keyvault-v1")

// NewKeyVault derives a 32-byte AES key from secret via scrypt, the same
// password-based key derivation family the teacher reaches for elsewhere
// (libs/auth/jwt.go's bcrypt) rather than a bare SHA-256 hash, so a weak
// operator-supplied secret still costs real work to brute force.
func NewKeyVault(secret string) *KeyVault {
	key, err := scrypt.Key([]byte(secret), keyVaultSalt, 1<<15, 8, 1, 32)
	if err != nil {
		// Only N/r/p parameter validation can fail here, and the constants
		// above are fixed and known-valid, so this path is unreachable.
		panic(fmt.Sprintf("sigoracle: scrypt key derivation: %v", err))
	}
	return &KeyVault{encryptionKey: key}
}

// GenerateKeypair returns a fresh Ed25519 keypair for an agent.
func (v *KeyVault) GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Seal encrypts a private key for storage.
func (v *KeyVault) Seal(key ed25519.PrivateKey) ([]byte, error) {
	block, err := aes.NewCipher(v.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("sigoracle: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sigoracle: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("sigoracle: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, key, nil), nil
}

// Open decrypts a private key sealed by Seal.
func (v *KeyVault) Open(sealed []byte) (ed25519.PrivateKey, error) {
	block, err := aes.NewCipher(v.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("sigoracle: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sigoracle: new gcm: %w", err)
	}
	n := gcm.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("sigoracle: sealed key too short")
	}
	nonce, ciphertext := sealed[:n], sealed[n:]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("sigoracle: decrypt: %w", err)
	}
	return ed25519.PrivateKey(plain), nil
}
