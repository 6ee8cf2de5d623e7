package keystore

import (
	"errors"
	"fmt"
	"time"
)

const (
	walletSessionVersion  = 1
	x25519KeySize         = 32
	maxSecretBytes        = 16 * 1024
	maxWalletSessionBytes = 8 * 1024
)

var (
	ErrInvalidWalletSession = errors.New("invalid wallet session")
	ErrWalletSessionTooBig  = errors.New("wallet session exceeds size limit")
)

// WalletSessionRecord is the sealed form of an established wallet trust,
// keyed by the mini-app URL that connected.
type WalletSessionRecord struct {
	Version          int       `json:"version"`
	AppURL           string    `json:"app_url"`
	WalletPublicKey  string    `json:"wallet_public_key"`
	Session          string    `json:"session"`
	Address          string    `json:"address,omitempty"`
	Cluster          string    `json:"cluster,omitempty"`
	PhantomPublicKey []byte    `json:"phantom_public_key,omitempty"`
	DappPublicKey    []byte    `json:"dapp_public_key,omitempty"`
	SharedSecret     []byte    `json:"shared_secret,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Clone returns a deep copy of the record to avoid exposing internal buffers.
func (r WalletSessionRecord) Clone() WalletSessionRecord {
	out := r
	out.PhantomPublicKey = cloneBytes(r.PhantomPublicKey)
	out.DappPublicKey = cloneBytes(r.DappPublicKey)
	out.SharedSecret = cloneBytes(r.SharedSecret)
	return out
}

// Zero overwrites sensitive fields in-place.
func (r *WalletSessionRecord) Zero() {
	zeroBytes(r.PhantomPublicKey)
	zeroBytes(r.DappPublicKey)
	zeroBytes(r.SharedSecret)
}

func normalizeWalletSession(in WalletSessionRecord, now time.Time) (WalletSessionRecord, error) {
	if in.AppURL == "" {
		return WalletSessionRecord{}, ErrInvalidSecretID
	}
	out := in.Clone()
	if now.IsZero() {
		now = time.Now()
	}
	if out.Version == 0 {
		out.Version = walletSessionVersion
	}
	if out.Version != walletSessionVersion {
		return WalletSessionRecord{}, fmt.Errorf("unsupported wallet session version %d: %w", out.Version, ErrInvalidWalletSession)
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now.UTC()
	}
	if err := validateWalletSession(out); err != nil {
		return WalletSessionRecord{}, err
	}
	return out, nil
}

func validateWalletSession(rec WalletSessionRecord) error {
	if rec.WalletPublicKey == "" {
		return fmt.Errorf("wallet public key required: %w", ErrInvalidWalletSession)
	}
	for name, key := range map[string][]byte{
		"phantom_public_key": rec.PhantomPublicKey,
		"dapp_public_key":    rec.DappPublicKey,
		"shared_secret":      rec.SharedSecret,
	} {
		if len(key) > 0 && len(key) != x25519KeySize {
			return fmt.Errorf("%s must be %d bytes when set (got %d): %w", name, x25519KeySize, len(key), ErrInvalidWalletSession)
		}
	}
	if size := walletSessionSize(rec); size > maxWalletSessionBytes {
		return fmt.Errorf("wallet session is %d bytes (limit %d): %w", size, maxWalletSessionBytes, ErrWalletSessionTooBig)
	}
	return nil
}

func walletSessionSize(rec WalletSessionRecord) int {
	total := len(rec.AppURL) + len(rec.WalletPublicKey) + len(rec.Session)
	total += len(rec.Address) + len(rec.Cluster)
	total += len(rec.PhantomPublicKey) + len(rec.DappPublicKey) + len(rec.SharedSecret)
	return total
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
