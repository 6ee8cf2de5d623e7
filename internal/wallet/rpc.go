package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/miniapp-io/miniapp-host/internal/jsonrpc"
	"github.com/miniapp-io/miniapp-host/internal/pending"
	"go.uber.org/zap"
)

// Names the page uses for the JS interfaces this package serves.
const (
	RPCInterfaceName = "PhantomRpcProvider"
)

const (
	methodConnect  = "connect"
	methodDeepLink = "deeplink"
)

var (
	errPending      = errors.New("response pending")
	errNotConnected = &jsonrpc.Error{Code: jsonrpc.CodeServerError, Message: "wallet not connected"}
	errUnauthorized = &jsonrpc.Error{Code: jsonrpc.CodeUnauthorized, Message: "Unauthorized"}
)

// Launcher opens an external URL outside the page, the way an ACTION_VIEW
// intent would.
type Launcher interface {
	Launch(ctx context.Context, url string) error
}

// ResponseSink pushes responses into one page.
type ResponseSink interface {
	pending.Sink
	DeliverDeepLink(uri string)
}

type handlerFunc func(i *RPCInterface, ctx context.Context, req jsonrpc.Request) (any, error)

type method struct {
	name string
	fn   handlerFunc
	// remote handlers query a chain node and run off the caller's goroutine.
	remote bool
}

var methodTable = buildMethodTable()

func buildMethodTable() map[string]method {
	t := map[string]method{}
	add := func(fn handlerFunc, remote bool, names ...string) {
		for _, n := range names {
			t[n] = method{name: names[0], fn: fn, remote: remote}
		}
	}
	add((*RPCInterface).handleConnect, false, "connect", "sol_connect")
	add((*RPCInterface).handleDisconnect, false, "disconnect", "sol_disconnect")
	add(signHandler("signTransaction"), false, "signTransaction", "sol_signTransaction")
	add(signHandler("signMessage"), false, "signMessage", "sol_signMessage")
	add(signHandler("signAllTransactions"), false, "signAllTransactions", "sol_signAllTransactions")
	add(signHandler("signAndSendTransaction"), false, "signAndSendTransaction", "sol_signAndSendTransaction")
	add((*RPCInterface).handleGetBalance, true, "getBalance", "sol_getBalance")
	add((*RPCInterface).handleGetTransactionCount, true, "getTransactionCount", "sol_getTransactionCount")

	add((*RPCInterface).handleAccounts, false, "eth_requestAccounts", "requestAccounts")
	add((*RPCInterface).handleAccounts, false, "getAccounts")
	add(unsupported, false, "eth_sendTransaction")
	add(unsupported, false, "personal_sign")
	add(unsupported, false, "eth_signTypedData_v4")
	add((*RPCInterface).handleEthGetBalance, true, "eth_getBalance")
	add(constant("0x1"), false, "eth_chainId")
	add(constant("1"), false, "getNetworkVersion")
	add((*RPCInterface).handleIsConnected, false, "isConnected")
	return t
}

// Methods lists every method name the interface answers, aliases included.
func Methods() []string {
	out := make([]string, 0, len(methodTable))
	for name := range methodTable {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RPCInterface is the wallet JSON-RPC endpoint of one WebView.
type RPCInterface struct {
	svc      *Service
	sink     ResponseSink
	launcher Launcher
	pageURL  func() string
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	session *Session
	loaded  bool
	keyIDs  map[string]struct{}
	closed  bool
}

// NewRPCInterface binds an interface to a page. pageURL reports the page's
// current URL, used as app_url.
func (s *Service) NewRPCInterface(sink ResponseSink, launcher Launcher, pageURL func() string) *RPCInterface {
	ctx, cancel := context.WithCancel(context.Background())
	if pageURL == nil {
		pageURL = func() string { return "" }
	}
	return &RPCInterface{
		svc:      s,
		sink:     sink,
		launcher: launcher,
		pageURL:  pageURL,
		log:      s.log.With(zap.String("component", "wallet_rpc")),
		ctx:      ctx,
		cancel:   cancel,
		keyIDs:   make(map[string]struct{}),
	}
}

// Deliver implements pending.Sink. An error resolution (timeout, teardown,
// wallet error) ends the connection, so its dapp key pair is released.
func (i *RPCInterface) Deliver(resp jsonrpc.Response) {
	if resp.Error != nil && resp.ID != "" {
		i.releaseKey(resp.ID)
	}
	i.sendResponse(resp)
}

func (i *RPCInterface) sendResponse(resp jsonrpc.Response) {
	if resp.JSONRPC == "" {
		resp.JSONRPC = jsonrpc.Version
	}
	i.sink.Deliver(resp)
}

func (i *RPCInterface) appURL() string {
	if u := i.pageURL(); u != "" {
		return u
	}
	return i.svc.cfg.AppURL
}

// OnDappRpcMessage handles one JSON-RPC request from the page.
func (i *RPCInterface) OnDappRpcMessage(message string) {
	req, err := jsonrpc.Parse(message)
	if err != nil {
		i.log.Warn("unparseable rpc message", zap.Int("len", len(message)), zap.Error(err))
		i.sendResponse(jsonrpc.Fail(jsonrpc.PeekID(message), jsonrpc.CodeParseError, "Parse error"))
		return
	}
	m, ok := methodTable[req.Method]
	if !ok {
		i.log.Info("unknown rpc method", zap.String("method", req.Method), zap.String("request_id", req.ID))
		i.sendResponse(jsonrpc.Fail(req.ID, jsonrpc.CodeMethodNotFound, "Method not found: "+req.Method))
		return
	}
	i.svc.metrics.WalletRequest(m.name)
	i.log.Debug("rpc request", zap.String("method", req.Method), zap.String("request_id", req.ID))

	if !m.remote {
		i.respond(i.ctx, req, m)
		return
	}
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		ctx, cancel := context.WithTimeout(i.ctx, i.svc.cfg.ChainTimeout)
		defer cancel()
		i.respond(ctx, req, m)
	}()
}

func (i *RPCInterface) respond(ctx context.Context, req jsonrpc.Request, m method) {
	result, err := m.fn(i, ctx, req)
	switch {
	case err == nil:
		i.sendResponse(jsonrpc.Result(req.ID, result))
	case errors.Is(err, errPending):
	default:
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			i.sendResponse(jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID, Error: rpcErr})
			return
		}
		i.log.Warn("rpc handler failed", zap.String("method", req.Method), zap.String("request_id", req.ID), zap.Error(err))
		i.sendResponse(jsonrpc.Fail(req.ID, jsonrpc.CodeServerError, err.Error()))
	}
}

// OnDeepLinkMessage lets the page drive a deep link itself: the wallet
// return is relayed back raw as a deeplinkRpcMessage.
func (i *RPCInterface) OnDeepLinkMessage(message string) {
	var msg struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal([]byte(message), &msg); err != nil {
		i.log.Warn("unparseable deep link message", zap.Error(err))
		return
	}
	id := jsonrpc.PeekID(message)
	if msg.URI == "" || id == "" {
		i.log.Warn("deep link message needs uri and id")
		return
	}
	i.svc.metrics.WalletRequest(methodDeepLink)
	i.svc.pending.Register(pending.Entry{ID: id, Method: methodDeepLink, Kind: pending.KindRelay, Sink: i, RegisteredAt: i.svc.now()})
	i.launch(id, msg.URI)
}

// Close tears the interface down with its WebView: every pending request it
// owns resolves with an error and its key material is wiped.
func (i *RPCInterface) Close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	ids := make([]string, 0, len(i.keyIDs))
	for id := range i.keyIDs {
		ids = append(ids, id)
	}
	i.keyIDs = map[string]struct{}{}
	sess := i.session
	i.session = nil
	i.mu.Unlock()

	i.cancel()
	i.wg.Wait()
	cancelled := i.svc.pending.CancelSink(i, "WebView destroyed")
	i.svc.keys.DeleteAll(ids)
	sess.Zero()
	if len(cancelled) > 0 {
		i.log.Info("cancelled pending wallet requests", zap.Strings("request_ids", cancelled))
	}
}

func (i *RPCInterface) launch(id, link string) {
	if err := i.launcher.Launch(i.ctx, link); err != nil {
		i.log.Warn("launch wallet failed", zap.String("request_id", id), zap.Error(err))
		i.releaseKey(id)
		i.svc.pending.Resolve(id, jsonrpc.Fail(id, jsonrpc.CodeServerError, "Failed to launch Phantom: "+err.Error()))
	}
}

func (i *RPCInterface) trackKey(id string) {
	i.mu.Lock()
	i.keyIDs[id] = struct{}{}
	i.mu.Unlock()
}

func (i *RPCInterface) releaseKey(id string) {
	i.svc.keys.Delete(id)
	i.forgetKey(id)
}

func (i *RPCInterface) forgetKey(id string) {
	i.mu.Lock()
	delete(i.keyIDs, id)
	i.mu.Unlock()
}

func (i *RPCInterface) currentSession() *Session {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.session
}

func (i *RPCInterface) setSession(sess *Session) {
	i.mu.Lock()
	old := i.session
	i.session = sess
	i.loaded = true
	i.mu.Unlock()
	if old != nil && old != sess {
		old.Zero()
	}
}

// trustedSession returns the live session, loading a persisted one for the
// page URL on first use.
func (i *RPCInterface) trustedSession(ctx context.Context) *Session {
	i.mu.Lock()
	if i.session != nil || i.loaded {
		sess := i.session
		i.mu.Unlock()
		return sess
	}
	i.mu.Unlock()

	sess, err := i.svc.loadSession(ctx, i.appURL())
	if err != nil {
		i.log.Warn("load wallet session", zap.Error(err))
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.session == nil {
		i.session = sess
	} else {
		sess.Zero()
	}
	i.loaded = true
	return i.session
}

func (i *RPCInterface) clearSession(ctx context.Context) {
	i.mu.Lock()
	sess := i.session
	i.session = nil
	i.loaded = true
	i.mu.Unlock()
	appURL := i.appURL()
	if sess != nil {
		appURL = sess.AppURL
		sess.Zero()
	}
	i.svc.erasePersisted(ctx, appURL)
}

func requireID(req jsonrpc.Request) error {
	if req.ID == "" {
		return &jsonrpc.Error{Code: jsonrpc.CodeParseError, Message: "Missing request id"}
	}
	return nil
}

func constant(v any) handlerFunc {
	return func(*RPCInterface, context.Context, jsonrpc.Request) (any, error) { return v, nil }
}

func unsupported(_ *RPCInterface, _ context.Context, req jsonrpc.Request) (any, error) {
	return nil, &jsonrpc.Error{Code: jsonrpc.CodeUnsupported, Message: fmt.Sprintf("Unsupported method: %s", req.Method)}
}
