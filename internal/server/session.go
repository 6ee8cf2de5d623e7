package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/miniapp-io/miniapp-host/internal/bridge"
	"github.com/miniapp-io/miniapp-host/internal/proxy"
	"github.com/miniapp-io/miniapp-host/internal/sensors"
	"github.com/miniapp-io/miniapp-host/internal/wallet"
	"github.com/miniapp-io/miniapp-host/pkg/api/shellpb"
	"go.uber.org/zap"
)

var errEvalFailed = errors.New("evaluation failed in page")

type evalResult struct {
	value string
	err   string
}

// shellSession is one hosted WebView: the stream plus every component that
// acts on its page.
type shellSession struct {
	id          string
	webviewID   string
	appID       string
	sendCh      chan *shellpb.Frame
	senderDone  chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	connectedAt time.Time
	log         *zap.Logger

	// nil means every sensor is supported
	sensorSupport map[sensors.Kind]bool

	exec     *bridge.UIExecutor
	bus      *bridge.Bus
	injector *wallet.Injector
	rpc      *wallet.RPCInterface
	webApp   *proxy.WebAppProxy
	events   *proxy.EventProxy
	sensors  *sensors.Manager

	mu       sync.Mutex
	url      string
	lastSeen time.Time
	evals    map[string]chan evalResult
	prompts  map[string]func(proxy.ConsentOutcome)

	closeOnce sync.Once
}

func (s *shellSession) build(svc *ShellService, webAppName string) error {
	opts := svc.opts
	s.exec = bridge.NewUIExecutor(s.log)
	s.bus = bridge.NewBus(s, s.exec, bridge.Options{
		WebAppName:  webAppName,
		EvalTimeout: opts.EvalTimeout,
		Log:         s.log,
	})
	s.bus.Start()

	s.injector = wallet.NewInjector(s.exec, s, opts.EvalTimeout, s.log)
	s.injector.Queue(wallet.PhantomConfigScript(opts.Solana))
	s.injector.Queue(wallet.TrustConfigScript(opts.Trust))

	sink := wallet.NewSink(s.exec, s, opts.EvalTimeout, s.log)
	s.rpc = svc.wallet.NewRPCInterface(sink, s, s.pageURL)
	s.webApp = proxy.NewWebAppProxy(s.bus)
	s.sensors = sensors.NewManager(s, s.bus, s.log)

	bio, err := proxy.LoadBiometry(s.ctx, opts.Prefs, s.appID)
	if err != nil {
		s.sensors.StopAll()
		s.rpc.Close()
		s.bus.Stop()
		return err
	}
	s.events = proxy.NewEventProxy(s.bus, proxy.EventOptions{
		AppID:    s.appID,
		App:      opts.App,
		MiniApp:  opts.MiniApp,
		Biometry: bio,
		Prompter: s,
		Sensors:  s.sensors,
		Log:      s.log,
	})
	s.events.Start()
	return nil
}

// close tears down the page components. The stream context is already done.
func (s *shellSession) close() {
	s.closeOnce.Do(func() {
		s.events.Stop()
		s.sensors.StopAll()
		s.rpc.Close()
		s.bus.Stop()

		s.mu.Lock()
		s.evals = make(map[string]chan evalResult)
		s.prompts = make(map[string]func(proxy.ConsentOutcome))
		s.mu.Unlock()
	})
}

// Teardown is called by the WebView cache when it evicts a dismissed page.
func (s *shellSession) Teardown() {
	s.log.Info("tearing down webview")
	s.cancel()
}

func (s *shellSession) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *shellSession) pageURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *shellSession) push(typ string, fields map[string]any) error {
	frame, err := shellpb.New(typ, fields)
	if err != nil {
		return &routeError{code: "INTERNAL", msg: err.Error()}
	}
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.sendCh <- frame:
		return nil
	default:
		s.cancel()
		return &routeError{code: "BACKPRESSURE", msg: "session send buffer full", fatal: true}
	}
}

// Evaluate runs script in the page through the shell and waits for its
// eval_result. Callers run on the UI executor.
func (s *shellSession) Evaluate(ctx context.Context, script string) (string, error) {
	callID := uuid.NewString()
	ch := make(chan evalResult, 1)
	s.mu.Lock()
	s.evals[callID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.evals, callID)
		s.mu.Unlock()
	}()

	if err := s.push(shellpb.TypeEvaluate, map[string]any{"call_id": callID, "script": script}); err != nil {
		return "", err
	}
	select {
	case res := <-ch:
		if res.err != "" {
			return "", fmt.Errorf("%w: %s", errEvalFailed, res.err)
		}
		return res.value, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.ctx.Done():
		return "", s.ctx.Err()
	}
}

func (s *shellSession) resolveEval(frame *shellpb.Frame) error {
	callID := shellpb.String(frame, "call_id")
	s.mu.Lock()
	ch, ok := s.evals[callID]
	s.mu.Unlock()
	if !ok {
		s.log.Debug("eval result for unknown call", zap.String("call_id", callID))
		return nil
	}
	select {
	case ch <- evalResult{value: shellpb.String(frame, "result"), err: shellpb.String(frame, "error")}:
	default:
	}
	return nil
}

// Launch opens url outside the page.
func (s *shellSession) Launch(_ context.Context, url string) error {
	return s.push(shellpb.TypeLaunchURL, map[string]any{"url": url})
}

func (s *shellSession) pageStarted(url string) {
	if url != "" {
		s.mu.Lock()
		s.url = url
		s.mu.Unlock()
	}
	s.webApp.Reload()
	s.injector.PageStarted(url)
	s.bus.SayHello()
}

func (s *shellSession) nativeEvent(frame *shellpb.Frame) error {
	event := shellpb.String(frame, "event")
	data, err := shellpb.JSON(frame, "data")
	if err != nil {
		return &routeError{code: "INVALID_FRAME", msg: err.Error()}
	}
	if err := s.webApp.HandleNative(event, data); err != nil {
		if errors.Is(err, proxy.ErrUnknownNativeEvent) {
			return &routeError{code: "UNKNOWN_EVENT", msg: err.Error()}
		}
		return &routeError{code: "INVALID_FRAME", msg: err.Error()}
	}
	return nil
}

// Enable asks the shell to start sampling kind.
func (s *shellSession) Enable(kind sensors.Kind, delay sensors.Delay, absolute bool) error {
	if s.sensorSupport != nil && !s.sensorSupport[kind] {
		return fmt.Errorf("%w: %s", sensors.ErrUnknownSensor, kind)
	}
	return s.push(shellpb.TypeSensorControl, map[string]any{
		"sensor":   string(kind),
		"action":   "enable",
		"delay":    string(delay),
		"absolute": absolute,
	})
}

func (s *shellSession) Disable(kind sensors.Kind) {
	if err := s.push(shellpb.TypeSensorControl, map[string]any{"sensor": string(kind), "action": "disable"}); err != nil {
		s.log.Debug("disable sensor", zap.String("sensor", string(kind)), zap.Error(err))
	}
}

func (s *shellSession) sensorSample(frame *shellpb.Frame) error {
	kind := sensors.Kind(shellpb.String(frame, "sensor"))
	err := s.sensors.Sample(kind, sensors.Sample{
		X:        shellpb.Number(frame, "x"),
		Y:        shellpb.Number(frame, "y"),
		Z:        shellpb.Number(frame, "z"),
		Absolute: shellpb.Bool(frame, "absolute"),
		Alpha:    shellpb.Number(frame, "alpha"),
		Beta:     shellpb.Number(frame, "beta"),
		Gamma:    shellpb.Number(frame, "gamma"),
	})
	if errors.Is(err, sensors.ErrUnknownSensor) {
		return &routeError{code: "UNKNOWN_SENSOR", msg: err.Error()}
	}
	return nil
}

// Prompt shows a consent prompt in the shell; reply fires on consent_result.
func (s *shellSession) Prompt(_ context.Context, req proxy.ConsentRequest, reply func(proxy.ConsentOutcome)) error {
	promptID := uuid.NewString()
	s.mu.Lock()
	s.prompts[promptID] = reply
	s.mu.Unlock()
	err := s.push(shellpb.TypeConsentPrompt, map[string]any{
		"prompt_id": promptID,
		"kind":      req.Kind,
		"app_id":    req.AppID,
		"reason":    req.Reason,
	})
	if err != nil {
		s.mu.Lock()
		delete(s.prompts, promptID)
		s.mu.Unlock()
	}
	return err
}

func (s *shellSession) consentResult(frame *shellpb.Frame) error {
	promptID := shellpb.String(frame, "prompt_id")
	s.mu.Lock()
	reply, ok := s.prompts[promptID]
	delete(s.prompts, promptID)
	s.mu.Unlock()
	if !ok {
		return &routeError{code: "UNKNOWN_PROMPT", msg: "no prompt " + promptID}
	}
	outcome := proxy.ParseConsentOutcome(shellpb.String(frame, "outcome"))
	// consent handling runs on the UI executor
	s.exec.Post(func() { reply(outcome) })
	return nil
}
