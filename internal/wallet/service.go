// Package wallet implements the Phantom deep-link handshake and the JSON-RPC
// interface the in-page provider calls.
package wallet

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/miniapp-io/miniapp-host/internal/chain"
	"github.com/miniapp-io/miniapp-host/internal/deeplink"
	"github.com/miniapp-io/miniapp-host/internal/jsonrpc"
	"github.com/miniapp-io/miniapp-host/internal/keystore"
	"github.com/miniapp-io/miniapp-host/internal/pending"
	"github.com/miniapp-io/miniapp-host/internal/scheme"
	"github.com/miniapp-io/miniapp-host/internal/walletcrypto"
	"go.uber.org/zap"
)

const (
	defaultRedirectBase   = "https://t.dejoy.io/dapp_data"
	defaultPhantomBaseURL = "https://phantom.app/ul/v1"
	defaultCluster        = "mainnet-beta"
	defaultReturnAppURL   = "https://openweb3.io/apps/9"
	defaultChainTimeout   = 15 * time.Second
)

// Config carries the wallet deep-link contract.
type Config struct {
	// AppURL is the fallback app_url when the page has no URL yet.
	AppURL         string
	RedirectBase   string
	Cluster        string
	PhantomBaseURL string
	ReturnAppURL   string
	PendingTimeout time.Duration
	DedupWindow    time.Duration
	ChainTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.RedirectBase == "" {
		c.RedirectBase = defaultRedirectBase
	}
	c.RedirectBase = strings.TrimRight(c.RedirectBase, "/")
	if c.PhantomBaseURL == "" {
		c.PhantomBaseURL = defaultPhantomBaseURL
	}
	c.PhantomBaseURL = strings.TrimRight(c.PhantomBaseURL, "/")
	if c.Cluster == "" {
		c.Cluster = defaultCluster
	}
	if c.ReturnAppURL == "" {
		c.ReturnAppURL = defaultReturnAppURL
	}
	if c.ChainTimeout <= 0 {
		c.ChainTimeout = defaultChainTimeout
	}
	return c
}

// Metrics observes wallet traffic. Implementations must be nil-safe.
type Metrics interface {
	WalletRequest(method string)
	WalletResolution(outcome string)
	DeeplinkDuplicate()
}

type nopMetrics struct{}

func (nopMetrics) WalletRequest(string)    {}
func (nopMetrics) WalletResolution(string) {}
func (nopMetrics) DeeplinkDuplicate()      {}

// Options are the collaborators of a Service.
type Options struct {
	Codec   *walletcrypto.Codec
	Store   keystore.KeyBackend
	Solana  chain.Solana
	EVM     chain.EVM
	Log     *zap.Logger
	Metrics Metrics
	Now     func() time.Time
}

// Service owns the state shared by every WebView: the pending-request
// registry, the dedup record and the per-connection key pairs. The process
// builds one and hands it to every shell session.
type Service struct {
	cfg     Config
	log     *zap.Logger
	codec   *walletcrypto.Codec
	store   keystore.KeyBackend
	solana  chain.Solana
	evm     chain.EVM
	metrics Metrics
	now     func() time.Time

	keys    *keystore.KeyPairStore
	pending *pending.Registry
	dedup   *deeplink.Deduper
}

// NewService wires a Service. Missing chain clients answer "not configured".
func NewService(cfg Config, opts Options) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:     cfg,
		log:     opts.Log,
		codec:   opts.Codec,
		store:   opts.Store,
		solana:  opts.Solana,
		evm:     opts.EVM,
		metrics: opts.Metrics,
		now:     opts.Now,
		keys:    keystore.NewKeyPairStore(),
		dedup:   deeplink.NewDeduper(cfg.DedupWindow),
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.codec == nil {
		s.codec = walletcrypto.NewCodec(walletcrypto.WithLogger(s.log))
	}
	sol, evm := chain.Unconfigured()
	if s.solana == nil {
		s.solana = sol
	}
	if s.evm == nil {
		s.evm = evm
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.pending = pending.NewRegistry(pending.Options{
		Timeout:   cfg.PendingTimeout,
		Log:       s.log,
		OnOutcome: s.metrics.WalletResolution,
	})
	return s
}

// Pending exposes the registry for diagnostics.
func (s *Service) Pending() *pending.Registry { return s.pending }

// Keys exposes the live key pairs for diagnostics.
func (s *Service) Keys() *keystore.KeyPairStore { return s.keys }

// OnExternalReturn handles a wallet-return URI delivered by the OS. It
// reports whether the URI resolved a pending request.
func (s *Service) OnExternalReturn(uri string) bool {
	if s.dedup.Seen(uri, s.now()) {
		s.metrics.DeeplinkDuplicate()
		s.log.Debug("duplicate wallet return dropped", zap.Int("uri_len", len(uri)))
		return false
	}

	env, err := deeplink.Parse(uri)
	if err != nil {
		s.log.Debug("ignoring non wallet uri", zap.Error(err))
		return false
	}
	log := s.log.With(zap.String("request_id", env.ID), zap.String("method", env.Method))

	entry, ok := s.pending.Take(env.ID)
	if !ok {
		log.Warn("wallet return for unknown request")
		return false
	}
	iface, _ := entry.Sink.(*RPCInterface)

	if entry.Kind == pending.KindRelay {
		log.Info("relaying wallet return to page")
		if iface == nil {
			return false
		}
		iface.sink.DeliverDeepLink(uri)
		return true
	}

	var resp jsonrpc.Response
	switch {
	case env.IsError():
		s.keys.Delete(env.ID)
		resp = jsonrpc.FailFromWallet(env.ID, env.Param(deeplink.ParamErrorCode), env.Param(deeplink.ParamErrorMessage))
		log.Info("wallet returned error", zap.Int("code", resp.Error.Code), zap.String("message", resp.Error.Message))
	case iface == nil:
		resp = jsonrpc.Fail(env.ID, jsonrpc.CodeServerError, "WebView destroyed")
	case entry.Method == methodConnect:
		resp = iface.completeConnect(env)
	default:
		resp = iface.completeAction(env)
	}
	entry.Sink.Deliver(resp)
	return true
}

// Navigation is the decision for a page navigation.
type Navigation struct {
	// Launch is the external URL to open instead of loading in the page.
	Launch string
}

// Allowed reports whether the page may load the URL itself.
func (n Navigation) Allowed() bool { return n.Launch == "" }

// OverrideURL rewrites Phantom and TON Connect navigations into external launches.
func (s *Service) OverrideURL(raw string) Navigation {
	if out, ok := scheme.EncodeToPhantomAction(raw, s.cfg.RedirectBase); ok {
		return Navigation{Launch: out}
	}
	if out, ok := scheme.EncodeToTonBridgeAction(raw, s.cfg.ReturnAppURL, s.now()); ok {
		return Navigation{Launch: out}
	}
	if action, ok := scheme.EncodeToTonAction(raw, s.now()); ok {
		return Navigation{Launch: s.cfg.ReturnAppURL + "?startapp=" + action}
	}
	return Navigation{}
}

func (s *Service) loadSession(ctx context.Context, appURL string) (*Session, error) {
	if s.store == nil || appURL == "" {
		return nil, nil
	}
	rec, err := s.store.LoadWalletSession(ctx, appURL)
	if err != nil {
		if errors.Is(err, errNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer rec.Zero()
	return sessionFromRecord(rec)
}

func (s *Service) persistSession(ctx context.Context, sess *Session) {
	if s.store == nil {
		return
	}
	rec := sess.record()
	defer rec.Zero()
	if err := s.store.StoreWalletSession(ctx, rec); err != nil {
		s.log.Warn("persist wallet session", zap.String("app_url", sess.AppURL), zap.Error(err))
	}
}

func (s *Service) erasePersisted(ctx context.Context, appURL string) {
	if s.store == nil || appURL == "" {
		return
	}
	if err := s.store.DeleteWalletSession(ctx, appURL); err != nil && !errors.Is(err, errNotExist) {
		s.log.Warn("erase wallet session", zap.String("app_url", appURL), zap.Error(err))
	}
}
