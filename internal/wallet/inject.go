package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/miniapp-io/miniapp-host/internal/bridge"
	"go.uber.org/zap"
)

// SolanaConfig is the bootstrap the Phantom provider bundle reads.
type SolanaConfig struct {
	Network    string `json:"network"`
	RPCURL     string `json:"rpcUrl"`
	Commitment string `json:"commitment"`
	Debug      bool   `json:"debug"`
}

// DefaultSolanaConfig points the provider at mainnet.
func DefaultSolanaConfig() SolanaConfig {
	return SolanaConfig{
		Network:    "mainnet-beta",
		RPCURL:     "https://api.mainnet-beta.solana.com",
		Commitment: "confirmed",
		Debug:      true,
	}
}

// TrustConfig is the bootstrap of the Trust Wallet style provider.
type TrustConfig struct {
	ChainID       int    `json:"chainId"`
	RPCURL        string `json:"rpcUrl"`
	InterfaceName string `json:"interfaceName"`
	SolanaCluster string `json:"solanaCluster"`
}

// DefaultTrustConfig targets BSC.
func DefaultTrustConfig() TrustConfig {
	return TrustConfig{
		ChainID:       56,
		RPCURL:        "https://bsc-dataseed2.binance.org",
		InterfaceName: "_tw_",
		SolanaCluster: "mainnet-beta",
	}
}

// PhantomConfigScript publishes cfg as window.phantomConfig.
func PhantomConfigScript(cfg SolanaConfig) string {
	return configScript("phantomConfig", cfg)
}

// TrustConfigScript publishes cfg as window.trustwalletConfig.
func TrustConfigScript(cfg TrustConfig) string {
	return configScript("trustwalletConfig", cfg)
}

func configScript(global string, cfg any) string {
	body, _ := json.Marshal(cfg)
	return fmt.Sprintf("(function(){window.%s=%s;})();", global, body)
}

// Injector holds bootstrap scripts and runs them each time a page starts.
type Injector struct {
	exec    *bridge.UIExecutor
	eval    bridge.Evaluator
	log     *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	scripts []string
	started bool
}

// NewInjector returns an Injector evaluating on exec.
func NewInjector(exec *bridge.UIExecutor, eval bridge.Evaluator, timeout time.Duration, log *zap.Logger) *Injector {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultEvalTimeout
	}
	return &Injector{exec: exec, eval: eval, log: log, timeout: timeout}
}

// Queue adds script to the bootstrap. If a page is already running it is
// evaluated right away as well.
func (in *Injector) Queue(script string) {
	in.mu.Lock()
	in.scripts = append(in.scripts, script)
	started := in.started
	in.mu.Unlock()
	if started {
		in.run([]string{script})
	}
}

// PageStarted runs the whole bootstrap in queue order.
func (in *Injector) PageStarted(url string) {
	in.mu.Lock()
	in.started = true
	scripts := append([]string(nil), in.scripts...)
	in.mu.Unlock()
	in.log.Debug("injecting provider bootstrap", zap.String("url", url), zap.Int("scripts", len(scripts)))
	in.run(scripts)
}

// Scripts returns the queued bootstrap in order.
func (in *Injector) Scripts() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.scripts...)
}

func (in *Injector) run(scripts []string) {
	if len(scripts) == 0 {
		return
	}
	in.exec.Post(func() {
		for _, script := range scripts {
			ctx, cancel := context.WithTimeout(context.Background(), in.timeout)
			_, err := in.eval.Evaluate(ctx, script)
			cancel()
			if err != nil {
				in.log.Warn("inject bootstrap script", zap.Error(err))
			}
		}
	})
}
