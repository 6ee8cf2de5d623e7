package walletcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/kevinburke/nacl"
	naclbox "github.com/kevinburke/nacl/box"
	"go.uber.org/zap"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the length of X25519 public/private keys and box shared secrets.
	KeySize = 32
	// NonceSize is the NaCl box nonce length.
	NonceSize = 24
	// Overhead is the Poly1305 tag carried by every sealed message.
	Overhead = box.Overhead

	previewBytes = 8
)

var (
	ErrMalformedInput     = errors.New("malformed input")
	ErrDecryptionFailed   = errors.New("decryption failed")
	ErrKeyAgreementFailed = errors.New("key agreement failed")
)

// KeyPair is an ephemeral X25519 key pair owned by a single wallet connection.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
	// Degraded marks a hash-derived pair produced when no X25519 generator worked.
	// Such a pair cannot complete a real key agreement.
	Degraded bool
}

// PublicBase58 returns the wire form of the public key.
func (k KeyPair) PublicBase58() string {
	return EncodeBase58(k.Public[:])
}

// Zero overwrites the key material in place.
func (k *KeyPair) Zero() {
	zeroBytes(k.Private[:])
	zeroBytes(k.Public[:])
}

// Option customizes a Codec.
type Option func(*Codec)

// WithLogger sets the diagnostic logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Codec) {
		if log != nil {
			c.log = log
		}
	}
}

// WithRand overrides the randomness used by the primary key generator.
func WithRand(r io.Reader) Option {
	return func(c *Codec) {
		if r != nil {
			c.rand = r
		}
	}
}

// WithFallbackRand overrides the randomness used by the secondary key generator.
func WithFallbackRand(r io.Reader) Option {
	return func(c *Codec) {
		if r != nil {
			c.fallbackRand = r
		}
	}
}

// WithNonceSource overrides nonce generation for Encrypt.
func WithNonceSource(fn func() (*[NonceSize]byte, error)) Option {
	return func(c *Codec) {
		if fn != nil {
			c.nonce = fn
		}
	}
}

// WithDegradedHook registers a callback fired every time the degraded generator runs.
func WithDegradedHook(fn func()) Option {
	return func(c *Codec) {
		c.onDegraded = fn
	}
}

// Codec implements the wallet handshake primitives: key generation,
// box.before precomputation and box.open.after / box.after sealing.
type Codec struct {
	log          *zap.Logger
	rand         io.Reader
	fallbackRand io.Reader
	nonce        func() (*[NonceSize]byte, error)
	onDegraded   func()
	counter      atomic.Uint64
}

// NewCodec builds a codec backed by crypto/rand unless overridden.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{
		log:          zap.NewNop(),
		rand:         rand.Reader,
		fallbackRand: rand.Reader,
		nonce:        randomNonce,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GenerateKeyPair returns a fresh X25519 key pair. It tries the primary box
// generator, then a second implementation, and finally a hash-derived pair
// flagged as Degraded.
func (c *Codec) GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(c.rand)
	if err == nil {
		kp := KeyPair{Public: *pub, Private: *priv}
		zeroBytes(priv[:])
		return kp, nil
	}
	c.log.Warn("primary x25519 generator failed", zap.Error(err))

	fpub, fpriv, ferr := naclbox.GenerateKey(c.fallbackRand)
	if ferr == nil {
		kp := KeyPair{Public: *fpub, Private: *fpriv}
		zeroBytes(fpriv[:])
		c.log.Info("secondary x25519 generator succeeded")
		return kp, nil
	}
	c.log.Warn("secondary x25519 generator failed", zap.Error(ferr))

	kp := c.degradedKeyPair()
	if c.onDegraded != nil {
		c.onDegraded()
	}
	c.log.Error("using hash-derived key pair; wallet key agreement will not be interoperable",
		zap.String("security_mode", "degraded"),
		zap.String("public_preview", hexPreview(kp.Public[:])),
	)
	return kp, nil
}

func (c *Codec) degradedKeyPair() KeyPair {
	var seed [24]byte
	binary.BigEndian.PutUint64(seed[0:8], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint64(seed[8:16], c.counter.Add(1))
	binary.BigEndian.PutUint64(seed[16:24], uint64(os.Getpid()))
	// Best effort: mix in whatever entropy is still readable.
	var extra [KeySize]byte
	_, _ = io.ReadFull(rand.Reader, extra[:])

	h := sha256.New()
	h.Write(seed[:])
	h.Write(extra[:])
	var kp KeyPair
	copy(kp.Private[:], h.Sum(nil))
	kp.Public = sha256.Sum256(kp.Private[:])
	kp.Degraded = true
	zeroBytes(extra[:])
	return kp
}

// DeriveSharedSecret computes the NaCl box.before key for the peer public key.
func (c *Codec) DeriveSharedSecret(peerPublic, localPrivate [KeySize]byte) ([KeySize]byte, error) {
	var shared [KeySize]byte

	// box.Precompute hashes the raw point, so low-order peers are caught here.
	point, err := curve25519.X25519(localPrivate[:], peerPublic[:])
	if err != nil {
		c.log.Warn("x25519 rejected peer key",
			zap.String("peer_preview", hexPreview(peerPublic[:])),
			zap.Error(err),
		)
		return shared, fmt.Errorf("%w: %v", ErrKeyAgreementFailed, err)
	}
	zeroBytes(point)

	box.Precompute(&shared, &peerPublic, &localPrivate)
	if isZero(shared[:]) {
		return shared, ErrKeyAgreementFailed
	}
	return shared, nil
}

// Decrypt opens a Base58 box.after ciphertext with the precomputed key.
func (c *Codec) Decrypt(ciphertextB58, nonceB58 string, shared [KeySize]byte) ([]byte, error) {
	ciphertext, err := DecodeBase58(ciphertextB58)
	if err != nil {
		c.log.Warn("ciphertext is not base58", zap.Int("encoded_len", len(ciphertextB58)))
		return nil, fmt.Errorf("ciphertext: %w", err)
	}
	nonceRaw, err := DecodeBase58(nonceB58)
	if err != nil {
		c.log.Warn("nonce is not base58", zap.Int("encoded_len", len(nonceB58)))
		return nil, fmt.Errorf("nonce: %w", err)
	}
	if len(nonceRaw) != NonceSize {
		c.log.Warn("nonce has wrong length", zap.Int("nonce_len", len(nonceRaw)))
		return nil, fmt.Errorf("nonce must be %d bytes (got %d): %w", NonceSize, len(nonceRaw), ErrMalformedInput)
	}
	if len(ciphertext) < Overhead {
		c.log.Warn("ciphertext shorter than tag", zap.Int("ciphertext_len", len(ciphertext)))
		return nil, fmt.Errorf("ciphertext must be at least %d bytes (got %d): %w", Overhead, len(ciphertext), ErrMalformedInput)
	}

	var nonce [NonceSize]byte
	copy(nonce[:], nonceRaw)
	plaintext, ok := box.OpenAfterPrecomputation(nil, ciphertext, &nonce, &shared)
	if !ok {
		c.log.Warn("box authentication failed",
			zap.Int("ciphertext_len", len(ciphertext)),
			zap.String("ciphertext_preview", hexPreview(ciphertext)),
			zap.String("nonce_preview", hexPreview(nonce[:])),
		)
		return nil, ErrDecryptionFailed
	}
	c.log.Debug("decrypted wallet payload", zap.Int("plaintext_len", len(plaintext)))
	return plaintext, nil
}

// Encrypt seals plaintext under a fresh nonce and returns both as Base58.
func (c *Codec) Encrypt(plaintext []byte, shared [KeySize]byte) (string, string, error) {
	nonce, err := c.nonce()
	if err != nil {
		return "", "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := box.SealAfterPrecomputation(nil, plaintext, nonce, &shared)
	return EncodeBase58(sealed), EncodeBase58(nonce[:]), nil
}

func randomNonce() (n *[NonceSize]byte, err error) {
	// nacl.NewNonce panics when the system RNG is unavailable.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("nonce source: %v", r)
		}
	}()
	nonce := nacl.NewNonce()
	return (*[NonceSize]byte)(nonce), nil
}

func hexPreview(b []byte) string {
	if len(b) > previewBytes {
		b = b[:previewBytes]
	}
	return hex.EncodeToString(b)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
