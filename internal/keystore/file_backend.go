package keystore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeyBackend exposes the sealed store used by the host for wallet sessions
// and small persisted preferences (biometry token, device id).
type KeyBackend interface {
	Initialize(ctx context.Context, passphrase string) error
	Unlock(ctx context.Context, passphrase string) error
	StoreSecret(ctx context.Context, keyID string, secret []byte) error
	LoadSecret(ctx context.Context, keyID string) ([]byte, error)
	DeleteSecret(ctx context.Context, keyID string) error
	StoreWalletSession(ctx context.Context, record WalletSessionRecord) error
	LoadWalletSession(ctx context.Context, appURL string) (WalletSessionRecord, error)
	DeleteWalletSession(ctx context.Context, appURL string) error
	ListWalletSessions(ctx context.Context) ([]string, error)
}

// FileBackend is a file-based keystore with Argon2id master key derivation
// and an XChaCha20-Poly1305 sealed payload.
type FileBackend struct {
	path      string
	salt      []byte
	masterKey []byte
	secrets   map[string][]byte
	sessions  map[string]WalletSessionRecord
	mu        sync.RWMutex
}

const (
	currentVersion = 1
	argonTime      = 1
	argonMemory    = 64 * 1024
	argonThreads   = 4
	argonKeyLength = 32
	nonceSize      = chacha20poly1305.NonceSizeX
)

var (
	ErrLocked          = errors.New("keystore is locked")
	ErrAlreadyExists   = errors.New("keystore already exists")
	ErrNotInitialized  = errors.New("keystore not initialized")
	ErrInvalidSecretID = errors.New("secret id is required")
	ErrInvalidSecret   = errors.New("invalid secret")
	ErrSecretTooBig    = errors.New("secret exceeds size limit")
	ErrInvalidPass     = errors.New("invalid passphrase")
	ErrCorruptFile     = errors.New("corrupted keystore")
)

type keystoreFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type sealedPayload struct {
	Secrets        map[string][]byte              `json:"secrets,omitempty"`
	WalletSessions map[string]WalletSessionRecord `json:"wallet_sessions,omitempty"`
}

// NewFileBackend constructs a keystore backed by the provided file path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{
		path:     path,
		secrets:  make(map[string][]byte),
		sessions: make(map[string]WalletSessionRecord),
	}
}

// Path returns the backing file path.
func (b *FileBackend) Path() string {
	return b.path
}

// Initialize creates the keystore file if it does not already exist.
func (b *FileBackend) Initialize(ctx context.Context, passphrase string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if passphrase == "" {
		return fmt.Errorf("passphrase required: %w", ErrInvalidPass)
	}
	if _, err := os.Stat(b.path); err == nil {
		return ErrAlreadyExists
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create keystore directory: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	zeroSecretMap(b.secrets)
	zeroSessionMap(b.sessions)
	zeroBytes(b.masterKey)
	b.salt = salt
	b.masterKey = deriveMasterKey(passphrase, salt)
	b.secrets = make(map[string][]byte)
	b.sessions = make(map[string]WalletSessionRecord)

	if err := b.persist(); err != nil {
		return fmt.Errorf("persist keystore: %w", err)
	}
	return ctx.Err()
}

// Unlock loads the keystore file and derives the master key.
func (b *FileBackend) Unlock(ctx context.Context, passphrase string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotInitialized
		}
		return fmt.Errorf("read keystore: %w", err)
	}

	var file keystoreFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decode keystore: %w", err)
	}
	if file.Version != currentVersion {
		return fmt.Errorf("unsupported keystore version %d", file.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(file.Nonce)
	if err != nil {
		return fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(file.Ciphertext)
	if err != nil {
		return fmt.Errorf("decode ciphertext: %w", err)
	}

	master := deriveMasterKey(passphrase, salt)
	payload, err := openPayload(master, nonce, ciphertext)
	if err != nil {
		zeroBytes(master)
		return err
	}

	zeroSecretMap(b.secrets)
	zeroSessionMap(b.sessions)
	zeroBytes(b.masterKey)
	b.masterKey = master
	b.salt = salt
	b.secrets = payload.Secrets
	b.sessions = payload.WalletSessions
	return ctx.Err()
}

// StoreSecret writes or overwrites a secret and persists the file.
func (b *FileBackend) StoreSecret(ctx context.Context, keyID string, secret []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureUnlocked(); err != nil {
		return err
	}
	if keyID == "" {
		return ErrInvalidSecretID
	}
	if len(secret) == 0 {
		return fmt.Errorf("secret cannot be empty: %w", ErrInvalidSecret)
	}
	if len(secret) > maxSecretBytes {
		return fmt.Errorf("secret for %s exceeds %d bytes: %w", keyID, maxSecretBytes, ErrSecretTooBig)
	}

	if existing, ok := b.secrets[keyID]; ok {
		zeroBytes(existing)
	}
	b.secrets[keyID] = append([]byte(nil), secret...)
	if err := b.persist(); err != nil {
		return fmt.Errorf("persist secret: %w", err)
	}
	return ctx.Err()
}

// LoadSecret fetches a secret by ID. Missing IDs return os.ErrNotExist.
func (b *FileBackend) LoadSecret(ctx context.Context, keyID string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.ensureUnlocked(); err != nil {
		return nil, err
	}
	secret, ok := b.secrets[keyID]
	if !ok {
		return nil, os.ErrNotExist
	}
	return append([]byte(nil), secret...), ctx.Err()
}

// DeleteSecret removes a secret by ID and persists the change.
func (b *FileBackend) DeleteSecret(ctx context.Context, keyID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureUnlocked(); err != nil {
		return err
	}
	existing, ok := b.secrets[keyID]
	if !ok {
		return ctx.Err()
	}
	zeroBytes(existing)
	delete(b.secrets, keyID)
	if err := b.persist(); err != nil {
		return fmt.Errorf("persist keystore after delete: %w", err)
	}
	return ctx.Err()
}

// StoreWalletSession writes a wallet session record and persists the file.
func (b *FileBackend) StoreWalletSession(ctx context.Context, record WalletSessionRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureUnlocked(); err != nil {
		return err
	}
	normalized, err := normalizeWalletSession(record, time.Now())
	if err != nil {
		return err
	}
	if existing, ok := b.sessions[normalized.AppURL]; ok {
		existing.Zero()
	}
	b.sessions[normalized.AppURL] = normalized
	if err := b.persist(); err != nil {
		return fmt.Errorf("persist wallet session: %w", err)
	}
	return ctx.Err()
}

// LoadWalletSession fetches the session trusted for appURL.
func (b *FileBackend) LoadWalletSession(ctx context.Context, appURL string) (WalletSessionRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.ensureUnlocked(); err != nil {
		return WalletSessionRecord{}, err
	}
	if appURL == "" {
		return WalletSessionRecord{}, ErrInvalidSecretID
	}
	rec, ok := b.sessions[appURL]
	if !ok {
		return WalletSessionRecord{}, os.ErrNotExist
	}
	return rec.Clone(), ctx.Err()
}

// DeleteWalletSession removes the session for appURL and persists the change.
func (b *FileBackend) DeleteWalletSession(ctx context.Context, appURL string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureUnlocked(); err != nil {
		return err
	}
	rec, ok := b.sessions[appURL]
	if !ok {
		return ctx.Err()
	}
	rec.Zero()
	delete(b.sessions, appURL)
	if err := b.persist(); err != nil {
		return fmt.Errorf("persist keystore after delete: %w", err)
	}
	return ctx.Err()
}

// ListWalletSessions returns the sorted app URLs with a stored session.
func (b *FileBackend) ListWalletSessions(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.ensureUnlocked(); err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(b.sessions))
	for u := range b.sessions {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls, ctx.Err()
}

func (b *FileBackend) ensureUnlocked() error {
	if len(b.masterKey) == 0 || len(b.salt) == 0 {
		return ErrLocked
	}
	return nil
}

func (b *FileBackend) persist() error {
	if err := b.ensureUnlocked(); err != nil {
		return err
	}

	nonce, ciphertext, err := sealPayload(b.masterKey, sealedPayload{
		Secrets:        b.secrets,
		WalletSessions: b.sessions,
	})
	if err != nil {
		return err
	}

	payload := keystoreFile{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(b.salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	serialized, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode keystore: %w", err)
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, serialized, 0o600); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	return os.Rename(tmp, b.path)
}

func deriveMasterKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLength)
}

func sealPayload(masterKey []byte, payload sealedPayload) ([]byte, []byte, error) {
	if len(masterKey) == 0 {
		return nil, nil, ErrLocked
	}
	if payload.Secrets == nil {
		payload.Secrets = make(map[string][]byte)
	}
	if payload.WalletSessions == nil {
		payload.WalletSessions = make(map[string]WalletSessionRecord)
	}

	serialized, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal secrets: %w", err)
	}
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, serialized, nil)
	zeroBytes(serialized)
	return nonce, ciphertext, nil
}

func openPayload(masterKey, nonce, ciphertext []byte) (sealedPayload, error) {
	empty := sealedPayload{
		Secrets:        map[string][]byte{},
		WalletSessions: map[string]WalletSessionRecord{},
	}
	if len(masterKey) == 0 {
		return sealedPayload{}, ErrLocked
	}
	if len(ciphertext) == 0 {
		return empty, nil
	}
	if len(nonce) != nonceSize {
		return sealedPayload{}, fmt.Errorf("invalid nonce size: %w", ErrInvalidPass)
	}

	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return sealedPayload{}, fmt.Errorf("init cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return sealedPayload{}, fmt.Errorf("decrypt secrets: %w", ErrInvalidPass)
	}
	defer zeroBytes(plaintext)

	var payload sealedPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return sealedPayload{}, fmt.Errorf("unmarshal secrets: %w", ErrCorruptFile)
	}
	if payload.Secrets == nil {
		payload.Secrets = empty.Secrets
	}
	if payload.WalletSessions == nil {
		payload.WalletSessions = empty.WalletSessions
	}
	for appURL, rec := range payload.WalletSessions {
		normalized, err := normalizeWalletSession(rec, rec.CreatedAt)
		if err != nil {
			return sealedPayload{}, fmt.Errorf("wallet session %s invalid: %w", appURL, err)
		}
		payload.WalletSessions[appURL] = normalized
	}
	return payload, nil
}

func zeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

func zeroSecretMap(m map[string][]byte) {
	for k, v := range m {
		zeroBytes(v)
		delete(m, k)
	}
}

func zeroSessionMap(m map[string]WalletSessionRecord) {
	for k, v := range m {
		v.Zero()
		delete(m, k)
	}
}
