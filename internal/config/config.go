package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures the host runtime parameters.
type Config struct {
	GRPCAddress         string             `mapstructure:"grpc_address"`
	LogLevel            string             `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration      `mapstructure:"-"`
	Admin               AdminConfig        `mapstructure:"admin"`
	GRPCServer          GRPCServerConfig   `mapstructure:"grpc_server"`
	Keystore            KeystoreConfig     `mapstructure:"keystore"`
	Wallet              WalletConfig       `mapstructure:"wallet"`
	Chains              ChainsConfig       `mapstructure:"chains"`
	Bridge              BridgeConfig       `mapstructure:"bridge"`
	WebViewCache        WebViewCacheConfig `mapstructure:"webview_cache"`
}

// AdminConfig describes the HTTP surface for metrics and health.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"-"`
}

// GRPCServerConfig tunes the shell transport.
type GRPCServerConfig struct {
	KeepaliveTime     time.Duration `mapstructure:"-"`
	KeepaliveTimeout  time.Duration `mapstructure:"-"`
	MaxConnectionIdle time.Duration `mapstructure:"-"`
	MaxRecvMsgSize    int           `mapstructure:"max_recv_msg_size"`
	MaxSendMsgSize    int           `mapstructure:"max_send_msg_size"`
	TLS               TLSConfig     `mapstructure:"tls"`
}

// TLSConfig enables TLS on the shell listener. ClientCAPath additionally
// requires shells to present a certificate signed by that CA.
type TLSConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CertPath     string `mapstructure:"cert_path"`
	KeyPath      string `mapstructure:"key_path"`
	ClientCAPath string `mapstructure:"client_ca_path"`
}

// KeystoreConfig describes how the keystore backend is initialized.
type KeystoreConfig struct {
	Path          string `mapstructure:"path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

// WalletConfig is the Phantom deep-link contract.
type WalletConfig struct {
	AppURL         string        `mapstructure:"app_url"`
	RedirectBase   string        `mapstructure:"redirect_base"`
	Cluster        string        `mapstructure:"cluster"`
	PhantomBaseURL string        `mapstructure:"phantom_base_url"`
	ReturnAppURL   string        `mapstructure:"return_app_url"`
	PendingTimeout time.Duration `mapstructure:"-"`
	DedupWindow    time.Duration `mapstructure:"-"`
}

// ChainsConfig names the JSON-RPC endpoints. Empty disables the client.
type ChainsConfig struct {
	SolanaRPC   string `mapstructure:"solana_rpc"`
	EthereumRPC string `mapstructure:"ethereum_rpc"`
}

// BridgeConfig parameterizes the page message bus.
type BridgeConfig struct {
	WebAppName  string        `mapstructure:"webapp_name"`
	EvalTimeout time.Duration `mapstructure:"-"`
}

type WebViewCacheConfig struct {
	MaxSize int `mapstructure:"max_size"`
}

const (
	defaultGRPCAddress         = "0.0.0.0:50061"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultAdminAddress        = "127.0.0.1:9090"
	defaultReadHeaderTimeout   = 5 * time.Second
	defaultKeepaliveTime       = 30 * time.Second
	defaultKeepaliveTimeout    = 10 * time.Second
	defaultMaxConnectionIdle   = 5 * time.Minute
	defaultMaxMsgSize          = 4 << 20
	defaultPassphraseEnv       = "MINIAPP_KEYSTORE_PASSPHRASE"
	defaultKeystorePath        = "data/keystore.json"
	defaultRedirectBase        = "https://t.dejoy.io/dapp_data"
	defaultCluster             = "mainnet-beta"
	defaultPhantomBaseURL      = "https://phantom.app/ul/v1"
	defaultReturnAppURL        = "https://openweb3.io/apps/9"
	defaultPendingTimeout      = 5 * time.Minute
	defaultDedupWindow         = time.Second
	defaultWebAppName          = "MiniAppX"
	defaultEvalTimeout         = 5 * time.Second
	defaultWebViewCacheSize    = 5

	envFileVar = "MINIAPP_ENV_FILE"
)

// durationKeys are normalized by hand; viper leaves them as strings.
var durationKeys = map[string]time.Duration{
	"shutdown_grace_period":           defaultShutdownGracePeriod,
	"admin.read_header_timeout":       defaultReadHeaderTimeout,
	"grpc_server.keepalive_time":      defaultKeepaliveTime,
	"grpc_server.keepalive_timeout":   defaultKeepaliveTimeout,
	"grpc_server.max_connection_idle": defaultMaxConnectionIdle,
	"wallet.pending_timeout":          defaultPendingTimeout,
	"wallet.dedup_window":             defaultDedupWindow,
	"bridge.eval_timeout":             defaultEvalTimeout,
}

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with MINIAPP_ and can override file values.
// When MINIAPP_ENV_FILE names a dotenv file it is loaded first; variables
// already set in the environment win.
func Load(path string) (Config, error) {
	if envFile := getenv(envFileVar); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("MINIAPP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("grpc_address", defaultGRPCAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("admin.address", defaultAdminAddress)
	v.SetDefault("grpc_server.max_recv_msg_size", defaultMaxMsgSize)
	v.SetDefault("grpc_server.max_send_msg_size", defaultMaxMsgSize)
	v.SetDefault("grpc_server.tls.enabled", false)
	v.SetDefault("grpc_server.tls.cert_path", "")
	v.SetDefault("grpc_server.tls.key_path", "")
	v.SetDefault("grpc_server.tls.client_ca_path", "")
	v.SetDefault("keystore.path", defaultKeystorePath)
	v.SetDefault("keystore.passphrase_env", defaultPassphraseEnv)
	v.SetDefault("wallet.app_url", "")
	v.SetDefault("wallet.redirect_base", defaultRedirectBase)
	v.SetDefault("wallet.cluster", defaultCluster)
	v.SetDefault("wallet.phantom_base_url", defaultPhantomBaseURL)
	v.SetDefault("wallet.return_app_url", defaultReturnAppURL)
	v.SetDefault("chains.solana_rpc", "")
	v.SetDefault("chains.ethereum_rpc", "")
	v.SetDefault("bridge.webapp_name", defaultWebAppName)
	v.SetDefault("webview_cache.max_size", defaultWebViewCacheSize)
	for key, def := range durationKeys {
		v.SetDefault(key, def.String())
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	durations := make(map[string]time.Duration, len(durationKeys))
	for key := range durationKeys {
		dur, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if dur < 0 {
			return Config{}, fmt.Errorf("invalid %s: negative duration %s", key, dur)
		}
		durations[key] = dur
	}
	cfg.ShutdownGracePeriod = durations["shutdown_grace_period"]
	cfg.Admin.ReadHeaderTimeout = durations["admin.read_header_timeout"]
	cfg.GRPCServer.KeepaliveTime = durations["grpc_server.keepalive_time"]
	cfg.GRPCServer.KeepaliveTimeout = durations["grpc_server.keepalive_timeout"]
	cfg.GRPCServer.MaxConnectionIdle = durations["grpc_server.max_connection_idle"]
	cfg.Wallet.PendingTimeout = durations["wallet.pending_timeout"]
	cfg.Wallet.DedupWindow = durations["wallet.dedup_window"]
	cfg.Bridge.EvalTimeout = durations["bridge.eval_timeout"]

	if cfg.GRPCAddress == "" {
		cfg.GRPCAddress = defaultGRPCAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Keystore.PassphraseEnv == "" {
		cfg.Keystore.PassphraseEnv = defaultPassphraseEnv
	}
	if cfg.Keystore.Path == "" {
		cfg.Keystore.Path = defaultKeystorePath
	}
	if cfg.WebViewCache.MaxSize <= 0 {
		cfg.WebViewCache.MaxSize = defaultWebViewCacheSize
	}
	if tls := cfg.GRPCServer.TLS; tls.Enabled && (tls.CertPath == "" || tls.KeyPath == "") {
		return Config{}, errors.New("grpc_server.tls enabled but cert/key paths are empty")
	}
	if cfg.Wallet.PendingTimeout == 0 {
		return Config{}, errors.New("wallet.pending_timeout must be positive")
	}

	return cfg, nil
}

// Passphrase fetches the keystore passphrase from the configured environment variable.
func (c Config) Passphrase() (string, error) {
	env := c.Keystore.PassphraseEnv
	if env == "" {
		env = defaultPassphraseEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("keystore passphrase env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
