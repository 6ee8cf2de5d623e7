package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/miniapp-io/miniapp-host/internal/bridge"
	"go.uber.org/zap/zaptest"
)

func TestLoadDefaults(t *testing.T) {
	t.Cleanup(func() { getenv = os.Getenv })
	getenv = func(key string) string {
		if key == defaultPassphraseEnv {
			return "secret"
		}
		return ""
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.GRPCAddress != defaultGRPCAddress {
		t.Fatalf("expected default grpc address %s, got %s", defaultGRPCAddress, cfg.GRPCAddress)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Fatalf("expected default log level %s, got %s", defaultLogLevel, cfg.LogLevel)
	}
	if cfg.ShutdownGracePeriod != defaultShutdownGracePeriod {
		t.Fatalf("expected default grace %s, got %s", defaultShutdownGracePeriod, cfg.ShutdownGracePeriod)
	}
	if cfg.Keystore.Path != defaultKeystorePath {
		t.Fatalf("expected default keystore path %s, got %s", defaultKeystorePath, cfg.Keystore.Path)
	}
	if cfg.Wallet.PendingTimeout != defaultPendingTimeout || cfg.Wallet.DedupWindow != defaultDedupWindow {
		t.Fatalf("unexpected wallet timings: %+v", cfg.Wallet)
	}
	if cfg.Wallet.RedirectBase != defaultRedirectBase || cfg.Wallet.Cluster != defaultCluster {
		t.Fatalf("unexpected wallet contract: %+v", cfg.Wallet)
	}
	if cfg.Bridge.WebAppName != defaultWebAppName || cfg.Bridge.EvalTimeout != defaultEvalTimeout {
		t.Fatalf("unexpected bridge config: %+v", cfg.Bridge)
	}
	if cfg.GRPCServer.KeepaliveTime != defaultKeepaliveTime || cfg.GRPCServer.MaxRecvMsgSize != defaultMaxMsgSize {
		t.Fatalf("unexpected grpc server config: %+v", cfg.GRPCServer)
	}
	if cfg.WebViewCache.MaxSize != defaultWebViewCacheSize {
		t.Fatalf("expected cache size %d, got %d", defaultWebViewCacheSize, cfg.WebViewCache.MaxSize)
	}
	if cfg.Chains.SolanaRPC != "" || cfg.Chains.EthereumRPC != "" {
		t.Fatalf("expected chain clients disabled, got %+v", cfg.Chains)
	}
}

func TestLoadWithFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(`
grpc_address: "127.0.0.1:7001"
log_level: "debug"
shutdown_grace_period: "5s"
keystore:
  path: "/tmp/keystore.json"
  passphrase_env: "CUSTOM_ENV"
wallet:
  app_url: "https://app.example/mini"
  pending_timeout: "90s"
  dedup_window: "250ms"
chains:
  solana_rpc: "http://127.0.0.1:8899"
webview_cache:
  max_size: 3
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("MINIAPP_GRPC_ADDRESS", ":6000")
	t.Setenv("MINIAPP_BRIDGE_EVAL_TIMEOUT", "2s")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.GRPCAddress != ":6000" {
		t.Fatalf("expected env override for grpc address, got %s", cfg.GRPCAddress)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level debug, got %s", cfg.LogLevel)
	}
	if cfg.ShutdownGracePeriod != 5*time.Second {
		t.Fatalf("expected grace 5s, got %s", cfg.ShutdownGracePeriod)
	}
	if cfg.Keystore.Path != "/tmp/keystore.json" {
		t.Fatalf("expected keystore path from file, got %s", cfg.Keystore.Path)
	}
	if cfg.Keystore.PassphraseEnv != "CUSTOM_ENV" {
		t.Fatalf("expected passphrase env CUSTOM_ENV, got %s", cfg.Keystore.PassphraseEnv)
	}
	if cfg.Wallet.AppURL != "https://app.example/mini" || cfg.Wallet.PendingTimeout != 90*time.Second || cfg.Wallet.DedupWindow != 250*time.Millisecond {
		t.Fatalf("unexpected wallet config: %+v", cfg.Wallet)
	}
	if cfg.Chains.SolanaRPC != "http://127.0.0.1:8899" {
		t.Fatalf("expected solana rpc from file, got %s", cfg.Chains.SolanaRPC)
	}
	if cfg.Bridge.EvalTimeout != 2*time.Second {
		t.Fatalf("expected eval timeout env override, got %s", cfg.Bridge.EvalTimeout)
	}
	if cfg.WebViewCache.MaxSize != 3 {
		t.Fatalf("expected cache size 3, got %d", cfg.WebViewCache.MaxSize)
	}
}

func TestLoadEnvFile(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("MINIAPP_WALLET_CLUSTER=devnet\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv(envFileVar, envPath)
	t.Cleanup(func() { os.Unsetenv("MINIAPP_WALLET_CLUSTER") })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Wallet.Cluster != "devnet" {
		t.Fatalf("expected cluster from env file, got %s", cfg.Wallet.Cluster)
	}
}

func TestLoadMissingEnvFile(t *testing.T) {
	t.Setenv(envFileVar, filepath.Join(t.TempDir(), "missing.env"))
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for missing env file")
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("MINIAPP_WALLET_PENDING_TIMEOUT", "soon")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for invalid duration")
	}
	t.Setenv("MINIAPP_WALLET_PENDING_TIMEOUT", "0s")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for zero pending timeout")
	}
}

func TestLoadTLSRequiresKeyPair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(`
grpc_server:
  tls:
    enabled: true
    cert_path: "/etc/miniapp/host.crt"
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for tls without key path")
	}

	if err := os.WriteFile(path, []byte(`
grpc_server:
  tls:
    enabled: true
    cert_path: "/etc/miniapp/host.crt"
    key_path: "/etc/miniapp/host.key"
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.GRPCServer.TLS.Enabled || cfg.GRPCServer.TLS.KeyPath != "/etc/miniapp/host.key" {
		t.Fatalf("unexpected tls config: %+v", cfg.GRPCServer.TLS)
	}
}

func TestPassphraseFetch(t *testing.T) {
	t.Cleanup(func() { getenv = os.Getenv })
	getenv = func(key string) string {
		if key == "CUSTOM_ENV" {
			return "hunter2"
		}
		return ""
	}

	cfg := Config{Keystore: KeystoreConfig{PassphraseEnv: "CUSTOM_ENV"}}
	pass, err := cfg.Passphrase()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pass != "hunter2" {
		t.Fatalf("expected passphrase from env, got %s", pass)
	}

	cfg.Keystore.PassphraseEnv = "MISSING_ENV"
	if _, err := cfg.Passphrase(); err == nil {
		t.Fatal("expected error when passphrase env is missing")
	}
}

func TestDefaultWebAppNameExposesAppNamespace(t *testing.T) {
	t.Cleanup(func() { getenv = os.Getenv })
	getenv = func(key string) string {
		if key == defaultPassphraseEnv {
			return "secret"
		}
		return ""
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bridge.WebAppName != "MiniAppX" {
		t.Fatalf("unexpected default webapp name %q", cfg.Bridge.WebAppName)
	}
	if cfg.Bridge.WebAppName != bridge.DefaultWebAppName {
		t.Fatalf("unexpected default webapp name %q", cfg.Bridge.WebAppName)
	}

	exec := bridge.NewUIExecutor(zaptest.NewLogger(t))
	defer exec.Stop()
	bus := bridge.NewBus(nil, exec, bridge.Options{WebAppName: cfg.Bridge.WebAppName})
	want := []string{"TelegramWebviewProxy", "MiniAppXWebviewProxy"}
	if got := bus.InterfaceNames(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected interfaces %v, got %v", want, got)
	}
}
