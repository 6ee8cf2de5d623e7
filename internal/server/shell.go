package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/miniapp-io/miniapp-host/internal/logging"
	"github.com/miniapp-io/miniapp-host/internal/proxy"
	"github.com/miniapp-io/miniapp-host/internal/sensors"
	"github.com/miniapp-io/miniapp-host/internal/wallet"
	"github.com/miniapp-io/miniapp-host/internal/webviewcache"
	"github.com/miniapp-io/miniapp-host/pkg/api/shellpb"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	sendBufferSize     = 32
	defaultEvalTimeout = 5 * time.Second
)

// ShellOptions configures the per-WebView components built for each stream.
type ShellOptions struct {
	Metrics     *Metrics
	WebAppName  string
	EvalTimeout time.Duration
	Solana      wallet.SolanaConfig
	Trust       wallet.TrustConfig
	// Prefs persists biometry state. Nil keeps it in memory.
	Prefs   proxy.Preferences
	App     proxy.AppDelegate
	MiniApp proxy.MiniAppDelegate
}

// ShellService implements the Shell stream: one stream per hosted WebView.
type ShellService struct {
	log      *zap.Logger
	wallet   *wallet.Service
	cache    *webviewcache.Cache
	metrics  *Metrics
	opts     ShellOptions
	mu       sync.Mutex
	sessions map[string]*shellSession
}

// NewShellService wires dependencies for the gRPC handler.
func NewShellService(log *zap.Logger, svc *wallet.Service, cache *webviewcache.Cache, opts ShellOptions) *ShellService {
	if log == nil {
		log = zap.NewNop()
	}
	if cache == nil {
		cache = webviewcache.New(webviewcache.DefaultMaxSize, log)
	}
	if opts.EvalTimeout <= 0 {
		opts.EvalTimeout = defaultEvalTimeout
	}
	if opts.Solana == (wallet.SolanaConfig{}) {
		opts.Solana = wallet.DefaultSolanaConfig()
	}
	if opts.Trust == (wallet.TrustConfig{}) {
		opts.Trust = wallet.DefaultTrustConfig()
	}
	return &ShellService{
		log:      log,
		wallet:   svc,
		cache:    cache,
		metrics:  opts.Metrics,
		opts:     opts,
		sessions: make(map[string]*shellSession),
	}
}

// Cache returns the WebView cache the service registers sessions in.
func (s *ShellService) Cache() *webviewcache.Cache { return s.cache }

// SessionCount reports the number of open streams.
func (s *ShellService) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Open handles the bidirectional Shell stream.
func (s *ShellService) Open(stream shellpb.ShellOpenServer) error {
	ctx := stream.Context()

	first, err := stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
			return nil
		}
		return status.Errorf(codes.InvalidArgument, "read hello frame: %v", err)
	}
	if shellpb.Type(first) != shellpb.TypeHello {
		return status.Error(codes.InvalidArgument, "first frame must be hello")
	}

	start := time.Now()
	session, err := s.handleHello(ctx, first)
	if err != nil {
		s.observe(shellpb.TypeHello, start, err)
		return err
	}
	s.observe(shellpb.TypeHello, start, nil)
	defer s.cleanupSession(session)

	go s.sender(stream, session)

	if err := session.push(shellpb.TypeHelloAck, map[string]any{"session_id": session.id}); err != nil {
		return err
	}

	frames := make(chan *shellpb.Frame)
	recvErr := make(chan error, 1)
	go func() {
		for {
			frame, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case frames <- frame:
			case <-session.ctx.Done():
				return
			}
		}
	}()

	for {
		var frame *shellpb.Frame
		select {
		case <-session.ctx.Done():
			if ctx.Err() == nil {
				s.log.Info("webview torn down", zap.String("session_id", session.id))
				return status.Error(codes.Aborted, "webview torn down")
			}
			return nil
		case err := <-recvErr:
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled {
				return nil
			}
			s.log.Warn("stream recv failed", zap.Error(err))
			return err
		case frame = <-frames:
		}

		start := time.Now()
		op := metricOp(frame)
		if err := s.routeFrame(session, frame); err != nil {
			s.observe(op, start, err)
			var rerr *routeError
			if errors.As(err, &rerr) {
				_ = session.push(shellpb.TypeError, map[string]any{"code": rerr.code, "message": rerr.msg})
				if rerr.fatal {
					return status.Error(codes.FailedPrecondition, rerr.msg)
				}
				continue
			}
			return err
		}
		s.observe(op, start, nil)
	}
}

func (s *ShellService) handleHello(parentCtx context.Context, hello *shellpb.Frame) (*shellSession, error) {
	webviewID := shellpb.String(hello, "webview_id")
	if webviewID == "" {
		return nil, status.Error(codes.InvalidArgument, "hello requires webview_id")
	}
	appID := shellpb.String(hello, "app_id")
	if appID == "" {
		appID = webviewID
	}
	webAppName := shellpb.String(hello, "webapp_name")
	if webAppName == "" {
		webAppName = s.opts.WebAppName
	}

	sessionID := uuid.NewString()
	ctx, cancel := context.WithCancel(parentCtx)
	now := time.Now()
	session := &shellSession{
		id:          sessionID,
		webviewID:   webviewID,
		appID:       appID,
		url:         shellpb.String(hello, "url"),
		sendCh:      make(chan *shellpb.Frame, sendBufferSize),
		senderDone:  make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: now,
		lastSeen:    now,
		log:         logging.ForShell(s.log, sessionID, webviewID),
		evals:       make(map[string]chan evalResult),
		prompts:     make(map[string]func(proxy.ConsentOutcome)),
	}
	if shellpb.Has(hello, "sensors") {
		session.sensorSupport = make(map[sensors.Kind]bool)
		for _, name := range shellpb.Strings(hello, "sensors") {
			session.sensorSupport[sensors.Kind(name)] = true
		}
	}
	if err := session.build(s, webAppName); err != nil {
		cancel()
		return nil, status.Errorf(codes.Internal, "build webview session: %v", err)
	}

	s.mu.Lock()
	s.sessions[sessionID] = session
	s.mu.Unlock()
	s.cache.Put(webviewID, session)
	s.metrics.incSession()

	session.log.Info("shell connected", zap.String("url", session.url), zap.String("app_id", appID))
	return session, nil
}

func (s *ShellService) routeFrame(session *shellSession, frame *shellpb.Frame) error {
	session.touch()
	switch shellpb.Type(frame) {
	case shellpb.TypeJSCall:
		return s.handleJSCall(session, frame)
	case shellpb.TypeIntent:
		return s.handleIntent(session, frame)
	case shellpb.TypeEvalResult:
		return session.resolveEval(frame)
	case shellpb.TypePageStarted:
		session.pageStarted(shellpb.String(frame, "url"))
		return nil
	case shellpb.TypeNavigate:
		return s.handleNavigate(session, frame)
	case shellpb.TypeDismissed:
		session.sensors.PauseAll()
		if !s.cache.MarkDismissed(session.webviewID) {
			session.log.Debug("dismissed webview not cached")
		}
		return nil
	case shellpb.TypeResumed:
		if !s.cache.MarkResumed(session.webviewID) {
			session.log.Debug("resumed webview not cached")
		}
		session.sensors.ResumeAll()
		return nil
	case shellpb.TypeNativeEvent:
		return session.nativeEvent(frame)
	case shellpb.TypeSensorSample:
		return session.sensorSample(frame)
	case shellpb.TypeConsentResult:
		return session.consentResult(frame)
	case shellpb.TypeHeartbeat:
		return session.push(shellpb.TypeHeartbeat, nil)
	case shellpb.TypeHello:
		return &routeError{code: "INVALID_FRAME", msg: "hello already completed", fatal: true}
	default:
		return &routeError{code: "INVALID_FRAME", msg: "unsupported frame"}
	}
}

func (s *ShellService) handleJSCall(session *shellSession, frame *shellpb.Frame) error {
	iface := shellpb.String(frame, "interface")
	method := shellpb.String(frame, "method")
	args := shellpb.Strings(frame, "args")
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	if iface == wallet.RPCInterfaceName {
		switch method {
		case "onDappRpcMessage":
			session.rpc.OnDappRpcMessage(arg(0))
		case "onDeepLinkMessage":
			session.rpc.OnDeepLinkMessage(arg(0))
		default:
			return &routeError{code: "UNKNOWN_METHOD", msg: iface + "." + method + " is not exposed"}
		}
		return nil
	}
	for _, name := range session.bus.InterfaceNames() {
		if iface != name {
			continue
		}
		if method != "postEvent" {
			return &routeError{code: "UNKNOWN_METHOD", msg: iface + "." + method + " is not exposed"}
		}
		session.bus.PostEvent(iface, arg(0), arg(1))
		return nil
	}
	return &routeError{code: "UNKNOWN_INTERFACE", msg: "interface " + iface + " is not exposed"}
}

func (s *ShellService) handleIntent(session *shellSession, frame *shellpb.Frame) error {
	uri := shellpb.String(frame, "uri")
	if uri == "" {
		return &routeError{code: "INVALID_FRAME", msg: "intent requires uri"}
	}
	if !s.wallet.OnExternalReturn(uri) {
		session.log.Debug("intent did not resolve a request")
	}
	return nil
}

func (s *ShellService) handleNavigate(session *shellSession, frame *shellpb.Frame) error {
	nav := s.wallet.OverrideURL(shellpb.String(frame, "url"))
	if nav.Allowed() {
		return nil
	}
	session.log.Info("navigation rewritten to external launch")
	return session.push(shellpb.TypeLaunchURL, map[string]any{"url": nav.Launch})
}

// sender writes queued frames until the session ends, then flushes what is
// left so a final error frame still reaches the shell.
func (s *ShellService) sender(stream shellpb.ShellOpenServer, session *shellSession) {
	defer close(session.senderDone)
	for {
		select {
		case <-session.ctx.Done():
			for {
				select {
				case frame := <-session.sendCh:
					if err := stream.Send(frame); err != nil {
						return
					}
				default:
					return
				}
			}
		case frame := <-session.sendCh:
			if err := stream.Send(frame); err != nil {
				session.log.Warn("stream send failed", zap.Error(err))
				session.cancel()
				return
			}
		}
	}
}

func (s *ShellService) cleanupSession(session *shellSession) {
	session.cancel()
	<-session.senderDone
	session.close()

	s.mu.Lock()
	delete(s.sessions, session.id)
	s.mu.Unlock()

	if h, ok := s.cache.Get(session.webviewID); ok && h == webviewcache.Handle(session) {
		s.cache.Remove(session.webviewID)
	}
	s.metrics.decSession()
	session.log.Info("shell disconnected", zap.Duration("connected_for", time.Since(session.connectedAt)))
}

func (s *ShellService) observe(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.observeLatency(op, time.Since(start))
	if err != nil {
		code := "internal"
		var rerr *routeError
		if errors.As(err, &rerr) && rerr.code != "" {
			code = rerr.code
		} else if st, ok := status.FromError(err); ok {
			code = st.Code().String()
		}
		s.metrics.recordError(code)
	}
}

func metricOp(frame *shellpb.Frame) string {
	switch typ := shellpb.Type(frame); typ {
	case shellpb.TypeJSCall, shellpb.TypeIntent, shellpb.TypeEvalResult, shellpb.TypePageStarted,
		shellpb.TypeNavigate, shellpb.TypeDismissed, shellpb.TypeResumed, shellpb.TypeNativeEvent, shellpb.TypeSensorSample,
		shellpb.TypeConsentResult, shellpb.TypeHeartbeat:
		return typ
	default:
		return "unknown"
	}
}

// routeError maps frame-level validation to error frames.
type routeError struct {
	code  string
	msg   string
	fatal bool
}

func (e *routeError) Error() string {
	return e.msg
}
