package proxy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

const biometryKeyPrefix = "biometry/"

// Preferences persists small per-app values. The sealed keystore implements it.
type Preferences interface {
	LoadSecret(ctx context.Context, keyID string) ([]byte, error)
	StoreSecret(ctx context.Context, keyID string, secret []byte) error
	DeleteSecret(ctx context.Context, keyID string) error
}

// BiometryStatus is the biometry_info_received payload.
type BiometryStatus struct {
	Available       bool   `json:"available"`
	Type            string `json:"type,omitempty"`
	AccessRequested bool   `json:"access_requested"`
	AccessGranted   bool   `json:"access_granted"`
	TokenSaved      bool   `json:"token_saved"`
	DeviceID        string `json:"device_id"`
}

type biometryRecord struct {
	Token     *string `json:"token,omitempty"`
	Requested bool    `json:"requested,omitempty"`
	Disabled  bool    `json:"disabled,omitempty"`
}

// Biometry is the persisted biometry state of one mini-app.
type Biometry struct {
	prefs    Preferences
	cacheKey string

	mu            sync.Mutex
	disabled      bool
	granted       bool
	requested     bool
	token         *string
	availableType string
	deviceID      string
}

// LoadBiometry reads the state saved for cacheKey. A nil prefs keeps state in memory.
func LoadBiometry(ctx context.Context, prefs Preferences, cacheKey string) (*Biometry, error) {
	b := &Biometry{prefs: prefs, cacheKey: cacheKey}
	if prefs == nil {
		return b, nil
	}
	raw, err := prefs.LoadSecret(ctx, b.recordKey())
	switch {
	case errors.Is(err, os.ErrNotExist):
		return b, nil
	case err != nil:
		return nil, fmt.Errorf("load biometry state: %w", err)
	}
	var rec biometryRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode biometry state: %w", err)
	}
	b.token = rec.Token
	b.granted = rec.Token != nil
	b.requested = b.granted || rec.Requested
	b.disabled = rec.Disabled
	return b, nil
}

// CacheKey names the mini-app this state belongs to.
func (b *Biometry) CacheKey() string { return b.cacheKey }

func (b *Biometry) recordKey() string   { return biometryKeyPrefix + b.cacheKey }
func (b *Biometry) deviceIDKey() string { return biometryKeyPrefix + b.cacheKey + "/device_id" }

// Status reports the page-visible state, creating the device id on first use.
func (b *Biometry) Status(ctx context.Context) (BiometryStatus, error) {
	id, err := b.deviceIdentifier(ctx)
	if err != nil {
		return BiometryStatus{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return BiometryStatus{
		Available:       b.availableType != "",
		Type:            b.availableType,
		AccessRequested: b.requested,
		AccessGranted:   b.granted && !b.disabled,
		TokenSaved:      b.token != nil && *b.token != "",
		DeviceID:        id,
	}, nil
}

// SetAvailable records the biometry type the device offers; empty means none.
func (b *Biometry) SetAvailable(kind string) {
	b.mu.Lock()
	b.availableType = kind
	b.mu.Unlock()
}

func (b *Biometry) Disabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disabled
}

func (b *Biometry) Granted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.granted
}

func (b *Biometry) Requested() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requested
}

// MarkRequested records that the page asked for access.
func (b *Biometry) MarkRequested(ctx context.Context) error {
	return b.update(ctx, func() { b.requested = true })
}

// Deny records a refusal. Biometry stays disabled until reset.
func (b *Biometry) Deny(ctx context.Context) error {
	return b.update(ctx, func() {
		b.requested = true
		b.disabled = true
	})
}

// SetToken stores a minted token; an empty token revokes access.
func (b *Biometry) SetToken(ctx context.Context, token string) error {
	return b.update(ctx, func() {
		if token == "" {
			b.token = nil
			b.granted = false
			return
		}
		b.token = &token
		b.granted = true
	})
}

// Reset clears the refusal so the page may ask again.
func (b *Biometry) Reset(ctx context.Context) error {
	return b.update(ctx, func() { b.disabled = false })
}

func (b *Biometry) update(ctx context.Context, fn func()) error {
	b.mu.Lock()
	fn()
	rec := biometryRecord{Requested: b.requested, Disabled: b.disabled}
	if b.granted {
		tok := ""
		if b.token != nil {
			tok = *b.token
		}
		rec.Token = &tok
	}
	b.mu.Unlock()

	if b.prefs == nil {
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode biometry state: %w", err)
	}
	if err := b.prefs.StoreSecret(ctx, b.recordKey(), raw); err != nil {
		return fmt.Errorf("save biometry state: %w", err)
	}
	return nil
}

func (b *Biometry) deviceIdentifier(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deviceID != "" {
		return b.deviceID, nil
	}
	if b.prefs != nil {
		raw, err := b.prefs.LoadSecret(ctx, b.deviceIDKey())
		if err == nil {
			b.deviceID = string(raw)
			return b.deviceID, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("load device id: %w", err)
		}
	}
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	id := hex.EncodeToString(buf[:])
	if b.prefs != nil {
		if err := b.prefs.StoreSecret(ctx, b.deviceIDKey(), []byte(id)); err != nil {
			return "", fmt.Errorf("save device id: %w", err)
		}
	}
	b.deviceID = id
	return id, nil
}
