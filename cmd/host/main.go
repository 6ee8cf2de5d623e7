package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/miniapp-io/miniapp-host/internal/chain"
	"github.com/miniapp-io/miniapp-host/internal/config"
	"github.com/miniapp-io/miniapp-host/internal/keystore"
	"github.com/miniapp-io/miniapp-host/internal/logging"
	"github.com/miniapp-io/miniapp-host/internal/server"
	"github.com/miniapp-io/miniapp-host/internal/wallet"
	"github.com/miniapp-io/miniapp-host/internal/walletcrypto"
	"github.com/miniapp-io/miniapp-host/internal/webviewcache"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	passphrase, err := cfg.Passphrase()
	if err != nil {
		logger.Fatal("keystore passphrase unavailable", zap.Error(err))
	}

	fileBackend := keystore.NewFileBackend(cfg.Keystore.Path)
	var keyBackend keystore.KeyBackend = fileBackend
	initOrUnlockKeystore(logger, keyBackend, passphrase)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	metrics := server.NewMetrics(reg)

	solana, evm := chainClients(ctx, logger, cfg)
	codec := walletcrypto.NewCodec(
		walletcrypto.WithLogger(logger),
		walletcrypto.WithDegradedHook(metrics.KeygenDegraded),
	)
	svc := wallet.NewService(wallet.Config{
		AppURL:         cfg.Wallet.AppURL,
		RedirectBase:   cfg.Wallet.RedirectBase,
		Cluster:        cfg.Wallet.Cluster,
		PhantomBaseURL: cfg.Wallet.PhantomBaseURL,
		ReturnAppURL:   cfg.Wallet.ReturnAppURL,
		PendingTimeout: cfg.Wallet.PendingTimeout,
		DedupWindow:    cfg.Wallet.DedupWindow,
	}, wallet.Options{
		Codec:   codec,
		Store:   keyBackend,
		Solana:  solana,
		EVM:     evm,
		Log:     logger,
		Metrics: metrics,
	})

	solanaBootstrap := wallet.DefaultSolanaConfig()
	solanaBootstrap.Network = cfg.Wallet.Cluster
	if cfg.Chains.SolanaRPC != "" {
		solanaBootstrap.RPCURL = cfg.Chains.SolanaRPC
	}

	srv := server.NewHostServer(cfg, logger, server.Deps{
		Wallet:   svc,
		Cache:    webviewcache.New(cfg.WebViewCache.MaxSize, logger),
		Registry: reg,
		Metrics:  metrics,
		Shell: server.ShellOptions{
			Solana: solanaBootstrap,
			Prefs:  fileBackend,
		},
	})

	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

// chainClients dials the configured endpoints. Empty endpoints leave the
// related wallet methods answering "not configured".
func chainClients(ctx context.Context, log *zap.Logger, cfg config.Config) (chain.Solana, chain.EVM) {
	var (
		solana chain.Solana
		evm    chain.EVM
	)
	if cfg.Chains.SolanaRPC != "" {
		solana = chain.NewSolana(cfg.Chains.SolanaRPC, "")
		log.Info("solana rpc configured", zap.String("endpoint", cfg.Chains.SolanaRPC))
	}
	if cfg.Chains.EthereumRPC != "" {
		client, closeFn, err := chain.DialEVM(ctx, cfg.Chains.EthereumRPC)
		if err != nil {
			log.Warn("ethereum rpc unavailable", zap.Error(err))
		} else {
			evm = client
			go func() {
				<-ctx.Done()
				closeFn()
			}()
			log.Info("ethereum rpc configured", zap.String("endpoint", cfg.Chains.EthereumRPC))
		}
	}
	return solana, evm
}

func initOrUnlockKeystore(log *zap.Logger, backend keystore.KeyBackend, passphrase string) {
	ctx := context.Background()
	if err := backend.Unlock(ctx, passphrase); err != nil {
		if errors.Is(err, keystore.ErrNotInitialized) {
			if err := backend.Initialize(ctx, passphrase); err != nil {
				log.Fatal("initialize keystore", zap.Error(err))
			}
			log.Info("initialized new keystore", zap.String("path", getBackendPath(backend)))
			return
		}
		log.Fatal("unlock keystore", zap.Error(err))
		return
	}
	log.Info("keystore unlocked")
}

// getBackendPath extracts the path if the backend is the FileBackend implementation.
func getBackendPath(backend keystore.KeyBackend) string {
	if fb, ok := backend.(*keystore.FileBackend); ok {
		return fb.Path()
	}
	return ""
}
