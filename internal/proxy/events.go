package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/miniapp-io/miniapp-host/internal/sensors"
	"go.uber.org/zap"
)

const (
	eventInvokeCustomMethod     = "web_app_invoke_custom_method"
	eventBiometryGetInfo        = "web_app_biometry_get_info"
	eventBiometryRequestAccess  = "web_app_biometry_request_access"
	eventBiometryRequestAuth    = "web_app_biometry_request_auth"
	eventBiometryUpdateToken    = "web_app_biometry_update_token"
	eventBiometryOpenSettings   = "web_app_biometry_open_settings"
	errMethodNotSupported       = "method not supported"
	errSensorUnsupported        = "UNSUPPORTED"
	biometryAvailableTypeNoHint = "unknown"
)

var errNoAppDelegate = errors.New("no app delegate")

// AppDelegate is the embedding application.
type AppDelegate interface {
	// HandleCustomMethod reports handled=false to let the mini-app delegate try.
	HandleCustomMethod(ctx context.Context, appID, method string, params json.RawMessage) (result any, handled bool, err error)
	CanUseBiometryAuth(ctx context.Context, appID string) bool
	// RequestBiometryToken authenticates the user and returns a fresh token
	// replacing token. An empty result means the user was not authorized.
	RequestBiometryToken(ctx context.Context, appID, token, reason string) (string, error)
	OpenBiometrySettings(ctx context.Context, appID string)
}

// MiniAppDelegate is the per-mini-app fallback for custom methods.
type MiniAppDelegate interface {
	InvokeCustomMethod(ctx context.Context, method string, params json.RawMessage) (result any, handled bool, err error)
}

// ConsentOutcome is the user's answer to a consent prompt.
type ConsentOutcome int

const (
	ConsentDismiss ConsentOutcome = iota
	ConsentAllow
	ConsentDeny
)

func (o ConsentOutcome) String() string {
	switch o {
	case ConsentAllow:
		return "allow"
	case ConsentDeny:
		return "deny"
	default:
		return "dismiss"
	}
}

// ParseConsentOutcome maps the shell's outcome string; anything unknown is a dismissal.
func ParseConsentOutcome(s string) ConsentOutcome {
	switch s {
	case "allow":
		return ConsentAllow
	case "deny":
		return ConsentDeny
	default:
		return ConsentDismiss
	}
}

// ConsentRequest describes a prompt shown to the user.
type ConsentRequest struct {
	Kind   string
	AppID  string
	Reason string
}

// ConsentPrompter shows a prompt and reports its outcome through reply.
// reply may be called more than once; only the first call counts.
type ConsentPrompter interface {
	Prompt(ctx context.Context, req ConsentRequest, reply func(ConsentOutcome)) error
}

// SensorControl drives the page's sensors. *sensors.Manager implements it.
type SensorControl interface {
	Start(kind sensors.Kind, rate time.Duration, absolute bool) bool
	Stop(kind sensors.Kind) bool
	Resume(kind sensors.Kind) bool
	State(kind sensors.Kind) sensors.State
}

// EventOptions are the collaborators of an EventProxy. Nil delegates answer
// as if the capability were absent.
type EventOptions struct {
	AppID    string
	App      AppDelegate
	MiniApp  MiniAppDelegate
	Biometry *Biometry
	Prompter ConsentPrompter
	Sensors  SensorControl
	Log      *zap.Logger
}

// EventProxy answers native requests the page posts on the bus.
type EventProxy struct {
	bus   Bus
	opts  EventOptions
	log   *zap.Logger
	bio   *Biometry
	subs  []string
	ctx   context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup
	start sync.Once
}

// NewEventProxy returns a proxy; call Start to subscribe it.
func NewEventProxy(bus Bus, opts EventOptions) *EventProxy {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	bio := opts.Biometry
	if bio == nil {
		bio = &Biometry{cacheKey: opts.AppID}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EventProxy{bus: bus, opts: opts, log: log.With(zap.String("app_id", opts.AppID)), bio: bio, ctx: ctx, stop: cancel}
}

// Start subscribes every handler.
func (p *EventProxy) Start() {
	p.start.Do(func() {
		p.subscribe(eventInvokeCustomMethod, p.onInvokeCustomMethod)
		p.subscribe(eventBiometryGetInfo, p.onBiometryGetInfo)
		p.subscribe(eventBiometryRequestAccess, p.onBiometryRequestAccess)
		p.subscribe(eventBiometryRequestAuth, p.onBiometryRequestAuth)
		p.subscribe(eventBiometryUpdateToken, p.onBiometryUpdateToken)
		p.subscribe(eventBiometryOpenSettings, p.onBiometryOpenSettings)
		for _, kind := range sensors.Kinds {
			kind := kind
			p.subscribe("web_app_start_"+string(kind), func(_ string, data json.RawMessage) bool {
				p.startSensor(kind, data)
				return true
			})
			p.subscribe("web_app_stop_"+string(kind), func(string, json.RawMessage) bool {
				p.stopSensor(kind)
				return true
			})
		}
	})
}

// Stop unsubscribes and waits for in-flight delegate calls.
func (p *EventProxy) Stop() {
	for _, event := range p.subs {
		p.bus.Unsubscribe(event)
	}
	p.subs = nil
	p.stop()
	p.wg.Wait()
}

func (p *EventProxy) subscribe(event string, fn func(string, json.RawMessage) bool) {
	p.bus.Subscribe(event, fn)
	p.subs = append(p.subs, event)
}

// async runs a delegate call off the UI executor.
func (p *EventProxy) async(fn func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(p.ctx)
	}()
}

func (p *EventProxy) onInvokeCustomMethod(_ string, data json.RawMessage) bool {
	var req struct {
		ReqID  string          `json:"req_id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.ReqID == "" || req.Method == "" {
		p.log.Warn("malformed custom method call", zap.ByteString("data", data))
		return true
	}
	p.async(func(ctx context.Context) {
		begin := time.Now()
		result, handled, err := p.invokeCustomMethod(ctx, req.Method, req.Params)
		out := map[string]any{"req_id": req.ReqID}
		switch {
		case err != nil:
			out["error"] = err.Error()
		case !handled:
			out["error"] = errMethodNotSupported
		default:
			out["result"] = result
		}
		p.bus.PostCustomEvent("custom_method_invoked", out)
		p.log.Debug("custom method done", zap.String("method", req.Method), zap.Bool("handled", handled), zap.Duration("took", time.Since(begin)))
	})
	return true
}

func (p *EventProxy) invokeCustomMethod(ctx context.Context, method string, params json.RawMessage) (any, bool, error) {
	if p.opts.App != nil {
		result, handled, err := p.opts.App.HandleCustomMethod(ctx, p.opts.AppID, method, params)
		if handled || err != nil {
			return result, handled, err
		}
	}
	if p.opts.MiniApp != nil {
		return p.opts.MiniApp.InvokeCustomMethod(ctx, method, params)
	}
	return nil, false, nil
}

func (p *EventProxy) onBiometryGetInfo(string, json.RawMessage) bool {
	p.async(func(ctx context.Context) {
		available := p.opts.App != nil && p.opts.App.CanUseBiometryAuth(ctx, p.opts.AppID)
		if available {
			p.bio.SetAvailable(biometryAvailableTypeNoHint)
		} else {
			p.bio.SetAvailable("")
		}
		p.notifyBiometry(ctx)
	})
	return true
}

func (p *EventProxy) onBiometryRequestAccess(_ string, data json.RawMessage) bool {
	ctx := p.ctx
	if p.bio.Disabled() {
		p.notifyBiometry(ctx)
		return true
	}
	if p.bio.Granted() {
		if !p.bio.Requested() {
			p.saveErr(p.bio.MarkRequested(ctx))
		}
		p.notifyBiometry(ctx)
		return true
	}

	reason := stringField(data, "reason")
	var once sync.Once
	reply := func(o ConsentOutcome) {
		once.Do(func() { p.onConsent(o, reason) })
	}
	if p.opts.Prompter == nil {
		reply(ConsentDismiss)
		return true
	}
	req := ConsentRequest{Kind: "biometry_access", AppID: p.opts.AppID, Reason: reason}
	if err := p.opts.Prompter.Prompt(ctx, req, reply); err != nil {
		p.log.Warn("show biometry consent", zap.Error(err))
		reply(ConsentDismiss)
	}
	return true
}

func (p *EventProxy) onConsent(outcome ConsentOutcome, reason string) {
	ctx := p.ctx
	p.log.Info("biometry consent", zap.Stringer("outcome", outcome))
	switch outcome {
	case ConsentAllow:
		p.saveErr(p.bio.MarkRequested(ctx))
		p.async(func(ctx context.Context) {
			token := p.requestToken(ctx, "", reason)
			p.saveErr(p.bio.SetToken(ctx, token))
			p.notifyBiometry(ctx)
		})
	case ConsentDeny:
		p.saveErr(p.bio.Deny(ctx))
		p.notifyBiometry(ctx)
	default:
		p.saveErr(p.bio.MarkRequested(ctx))
		p.notifyBiometry(ctx)
	}
}

func (p *EventProxy) onBiometryRequestAuth(_ string, data json.RawMessage) bool {
	reason := stringField(data, "reason")
	p.async(func(ctx context.Context) {
		if !p.bio.Granted() {
			p.bus.PostCommonEvent("biometry_auth_requested", map[string]any{"status": "failed"})
			return
		}
		token := p.requestToken(ctx, "", reason)
		p.saveErr(p.bio.SetToken(ctx, token))
		out := map[string]any{"status": "failed"}
		if token != "" {
			out["status"] = "authorized"
			out["token"] = token
		}
		p.bus.PostCommonEvent("biometry_auth_requested", out)
	})
	return true
}

func (p *EventProxy) onBiometryUpdateToken(_ string, data json.RawMessage) bool {
	reason := stringField(data, "reason")
	token := stringField(data, "token")
	p.async(func(ctx context.Context) {
		if !p.bio.Granted() {
			p.bus.PostCommonEvent("biometry_token_updated", map[string]any{"status": "failed"})
			return
		}
		fresh, err := p.updateToken(ctx, token, reason)
		status := "failed"
		switch {
		case err != nil:
		case fresh != "":
			status = "updated"
			p.saveErr(p.bio.SetToken(ctx, fresh))
		case token == "":
			status = "removed"
			p.saveErr(p.bio.SetToken(ctx, ""))
		}
		p.bus.PostCommonEvent("biometry_token_updated", map[string]any{"status": status})
	})
	return true
}

func (p *EventProxy) onBiometryOpenSettings(string, json.RawMessage) bool {
	if p.opts.App != nil {
		p.async(func(ctx context.Context) { p.opts.App.OpenBiometrySettings(ctx, p.opts.AppID) })
	}
	return true
}

func (p *EventProxy) requestToken(ctx context.Context, token, reason string) string {
	fresh, err := p.updateToken(ctx, token, reason)
	if err != nil {
		return ""
	}
	return fresh
}

func (p *EventProxy) updateToken(ctx context.Context, token, reason string) (string, error) {
	if p.opts.App == nil {
		return "", errNoAppDelegate
	}
	fresh, err := p.opts.App.RequestBiometryToken(ctx, p.opts.AppID, token, reason)
	if err != nil {
		p.log.Warn("biometry token request failed", zap.Error(err))
		return "", err
	}
	return fresh, nil
}

func (p *EventProxy) notifyBiometry(ctx context.Context) {
	status, err := p.bio.Status(ctx)
	if err != nil {
		p.log.Warn("read biometry status", zap.Error(err))
	}
	p.bus.PostCommonEvent("biometry_info_received", status)
}

func (p *EventProxy) startSensor(kind sensors.Kind, data json.RawMessage) {
	var req struct {
		RefreshRate  int64 `json:"refresh_rate"`
		NeedAbsolute bool  `json:"need_absolute"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			p.log.Debug("malformed sensor start", zap.String("sensor", string(kind)), zap.Error(err))
		}
	}
	if p.sensorStarted(kind, sensors.RefreshRate(req.RefreshRate), req.NeedAbsolute) {
		p.bus.PostCommonEvent(string(kind)+"_started", nil)
		return
	}
	p.bus.PostCommonEvent(string(kind)+"_failed", map[string]any{"error": errSensorUnsupported})
}

// sensorStarted leaves kind running. A paused sensor resumes at its previous rate.
func (p *EventProxy) sensorStarted(kind sensors.Kind, rate time.Duration, absolute bool) bool {
	ctl := p.opts.Sensors
	if ctl == nil {
		return false
	}
	switch ctl.State(kind) {
	case sensors.Running:
		return true
	case sensors.Paused:
		return ctl.Resume(kind)
	default:
		return ctl.Start(kind, rate, absolute)
	}
}

func (p *EventProxy) stopSensor(kind sensors.Kind) {
	ctl := p.opts.Sensors
	if ctl == nil {
		p.bus.PostCommonEvent(string(kind)+"_failed", map[string]any{"error": errSensorUnsupported})
		return
	}
	ctl.Stop(kind)
	p.bus.PostCommonEvent(string(kind)+"_stopped", nil)
}

func (p *EventProxy) saveErr(err error) {
	if err != nil {
		p.log.Warn("persist biometry state", zap.Error(err))
	}
}

func stringField(data json.RawMessage, key string) string {
	if len(data) == 0 {
		return ""
	}
	var m map[string]any
	if json.Unmarshal(data, &m) != nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
