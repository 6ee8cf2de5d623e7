package keystore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDeriveMasterKeyDeterministic(t *testing.T) {
	salt := []byte("1234567890abcdef")
	key1 := deriveMasterKey("password", salt)
	key2 := deriveMasterKey("password", salt)
	if string(key1) != string(key2) {
		t.Fatal("expected deterministic key derivation")
	}
	if string(key1) == string(deriveMasterKey("different", salt)) {
		t.Fatal("expected different passphrase to yield different key")
	}
}

func TestInitializeUnlockAndRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	backend := NewFileBackend(path)

	ctx := context.Background()
	if err := backend.Initialize(ctx, "topsecret"); err != nil {
		t.Fatalf("initialize keystore: %v", err)
	}
	if err := backend.StoreSecret(ctx, "biometry.device_id", []byte("device-bytes")); err != nil {
		t.Fatalf("store secret: %v", err)
	}
	session := WalletSessionRecord{
		AppURL:           "https://app.example/mini",
		WalletPublicKey:  "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		Session:          "session-token",
		Address:          "0xabc",
		Cluster:          "mainnet-beta",
		PhantomPublicKey: bytes32(0x01),
		DappPublicKey:    bytes32(0x02),
		SharedSecret:     bytes32(0x03),
		CreatedAt:        time.Now().UTC().Add(-time.Minute),
	}
	if err := backend.StoreWalletSession(ctx, session); err != nil {
		t.Fatalf("store wallet session: %v", err)
	}

	backend2 := NewFileBackend(path)
	if err := backend2.Unlock(ctx, "topsecret"); err != nil {
		t.Fatalf("unlock keystore: %v", err)
	}

	loaded, err := backend2.LoadSecret(ctx, "biometry.device_id")
	if err != nil {
		t.Fatalf("load secret: %v", err)
	}
	if string(loaded) != "device-bytes" {
		t.Fatalf("expected secret round-trip, got %s", string(loaded))
	}

	got, err := backend2.LoadWalletSession(ctx, session.AppURL)
	if err != nil {
		t.Fatalf("load wallet session: %v", err)
	}
	if got.Session != "session-token" || got.WalletPublicKey != session.WalletPublicKey || got.Version != walletSessionVersion {
		t.Fatalf("unexpected wallet session: %+v", got)
	}
	if string(got.SharedSecret) != string(bytes32(0x03)) {
		t.Fatalf("shared secret not preserved: %x", got.SharedSecret)
	}

	urls, err := backend2.ListWalletSessions(ctx)
	if err != nil {
		t.Fatalf("list wallet sessions: %v", err)
	}
	if len(urls) != 1 || urls[0] != session.AppURL {
		t.Fatalf("unexpected session list: %v", urls)
	}
}

func TestUnlockWithWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	ctx := context.Background()
	if err := NewFileBackend(path).Initialize(ctx, "correct"); err != nil {
		t.Fatalf("initialize keystore: %v", err)
	}

	backend2 := NewFileBackend(path)
	if err := backend2.Unlock(ctx, "wrong"); !errors.Is(err, ErrInvalidPass) {
		t.Fatalf("expected ErrInvalidPass, got %v", err)
	}
}

func TestTamperDetection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	backend := NewFileBackend(path)

	ctx := context.Background()
	if err := backend.Initialize(ctx, "correct"); err != nil {
		t.Fatalf("initialize keystore: %v", err)
	}
	if err := backend.StoreSecret(ctx, "biometry.token", []byte("secret")); err != nil {
		t.Fatalf("store secret: %v", err)
	}

	file := readKeystoreFile(t, path)
	ct, err := base64.StdEncoding.DecodeString(file.Ciphertext)
	if err != nil {
		t.Fatalf("decode ciphertext: %v", err)
	}
	ct[0] ^= 0xFF
	file.Ciphertext = base64.StdEncoding.EncodeToString(ct)
	mutated, err := json.Marshal(file)
	if err != nil {
		t.Fatalf("encode mutated keystore: %v", err)
	}
	if err := os.WriteFile(path, mutated, 0o600); err != nil {
		t.Fatalf("write tampered keystore: %v", err)
	}

	if err := NewFileBackend(path).Unlock(ctx, "correct"); !errors.Is(err, ErrInvalidPass) {
		t.Fatalf("expected ErrInvalidPass after tamper, got %v", err)
	}
}

func TestWalletSessionZeroizationOnUpdateAndDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	backend := NewFileBackend(path)
	ctx := context.Background()
	if err := backend.Initialize(ctx, "pass"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	rec := WalletSessionRecord{AppURL: "https://a", WalletPublicKey: "pk", SharedSecret: bytes32(0x09)}
	if err := backend.StoreWalletSession(ctx, rec); err != nil {
		t.Fatalf("store: %v", err)
	}
	backend.mu.RLock()
	stored := backend.sessions["https://a"].SharedSecret
	backend.mu.RUnlock()

	rec.SharedSecret = bytes32(0x0A)
	if err := backend.StoreWalletSession(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	if string(stored) != string(make([]byte, x25519KeySize)) {
		t.Fatalf("expected replaced session secret zeroed, got %x", stored)
	}

	backend.mu.RLock()
	current := backend.sessions["https://a"].SharedSecret
	backend.mu.RUnlock()
	if err := backend.DeleteWalletSession(ctx, "https://a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if string(current) != string(make([]byte, x25519KeySize)) {
		t.Fatalf("expected deleted session secret zeroed, got %x", current)
	}
	if _, err := backend.LoadWalletSession(ctx, "https://a"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist after delete, got %v", err)
	}
}

func TestCorruptedPayloadFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	salt := []byte("0123456789abcdef")
	payload := sealedPayload{
		WalletSessions: map[string]WalletSessionRecord{
			"https://bad": {AppURL: "https://bad", WalletPublicKey: "pk", SharedSecret: []byte{1, 2, 3}},
		},
	}

	master := deriveMasterKey("pass", salt)
	nonce, ciphertext, err := sealPayload(master, payload)
	if err != nil {
		t.Fatalf("seal payload: %v", err)
	}
	file := keystoreFile{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	serialized, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		t.Fatalf("marshal file: %v", err)
	}
	if err := os.WriteFile(path, serialized, 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	if err := NewFileBackend(path).Unlock(context.Background(), "pass"); !errors.Is(err, ErrInvalidWalletSession) {
		t.Fatalf("expected invalid wallet session error, got %v", err)
	}
}

func TestSizeLimits(t *testing.T) {
	backend := NewFileBackend(filepath.Join(t.TempDir(), "keystore.json"))
	ctx := context.Background()
	if err := backend.Initialize(ctx, "pass"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if err := backend.StoreSecret(ctx, "too-big", make([]byte, maxSecretBytes+1)); !errors.Is(err, ErrSecretTooBig) {
		t.Fatalf("expected ErrSecretTooBig, got %v", err)
	}
	err := backend.StoreWalletSession(ctx, WalletSessionRecord{
		AppURL:          "https://big",
		WalletPublicKey: "pk",
		Session:         strings.Repeat("s", maxWalletSessionBytes),
	})
	if !errors.Is(err, ErrWalletSessionTooBig) {
		t.Fatalf("expected ErrWalletSessionTooBig, got %v", err)
	}
}

func TestOperationsRequireUnlock(t *testing.T) {
	backend := NewFileBackend(filepath.Join(t.TempDir(), "keystore.json"))
	if err := backend.StoreSecret(context.Background(), "id", []byte("secret")); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if _, err := backend.LoadWalletSession(context.Background(), "https://a"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := backend.Unlock(context.Background(), "pass"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestInitializeFailsWhenFileExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := NewFileBackend(path).Initialize(context.Background(), "pass"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func bytes32(val byte) []byte {
	out := make([]byte, x25519KeySize)
	for i := range out {
		out[i] = val
	}
	return out
}

func readKeystoreFile(t *testing.T, path string) keystoreFile {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	var file keystoreFile
	if err := json.Unmarshal(raw, &file); err != nil {
		t.Fatalf("decode file: %v", err)
	}
	return file
}
