// Package bridge is the event bus between a hosted page and native code.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// KnownPlatform is the global preferred for page events when present.
	KnownPlatform = "Telegram"

	defaultEvalTimeout = 5 * time.Second
	helloEvent         = "webview:notify"
)

var ErrStopped = errors.New("bridge stopped")

// Evaluator runs a script in the page and returns its stringified result.
type Evaluator interface {
	Evaluate(ctx context.Context, script string) (string, error)
}

// Handler consumes an incoming page event. Returning true stops dispatch.
type Handler func(eventType string, data json.RawMessage) bool

// Options configures a Bus.
type Options struct {
	WebAppName  string
	EvalTimeout time.Duration
	Log         *zap.Logger
	// Default sees every event no subscriber consumed.
	Default Handler
}

// Bus routes page events to one subscriber per event name and pushes native
// events into whichever provider global the page exposes.
type Bus struct {
	eval        Evaluator
	exec        *UIExecutor
	log         *zap.Logger
	evalTimeout time.Duration

	mu   sync.Mutex
	subs map[string]Handler
	def  Handler
	live bool

	platform *provider
	app      *provider
}

// DefaultWebAppName is the app namespace used when none is configured.
const DefaultWebAppName = "MiniAppX"

// NewBus builds a bus bound to one page. exec is the page's UI executor.
func NewBus(eval Evaluator, exec *UIExecutor, opts Options) *Bus {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	timeout := opts.EvalTimeout
	if timeout <= 0 {
		timeout = defaultEvalTimeout
	}
	name := opts.WebAppName
	if name == "" {
		name = DefaultWebAppName
	}
	b := &Bus{
		eval:        eval,
		exec:        exec,
		log:         log,
		evalTimeout: timeout,
		subs:        make(map[string]Handler),
		def:         opts.Default,
	}
	b.platform = &provider{name: KnownPlatform}
	b.app = &provider{name: name}
	return b
}

// InterfaceNames lists the JS interfaces the page calls postEvent on.
func (b *Bus) InterfaceNames() []string {
	return []string{b.platform.interfaceName(), b.app.interfaceName()}
}

// Executor returns the page's UI executor.
func (b *Bus) Executor() *UIExecutor { return b.exec }

// Start makes the bus accept and deliver events.
func (b *Bus) Start() {
	b.mu.Lock()
	b.live = true
	b.mu.Unlock()
	b.log.Debug("bridge started", zap.String("webapp", b.app.name))
}

// Stop releases every subscription, stops the UI executor and forgets lookup results.
func (b *Bus) Stop() {
	b.mu.Lock()
	b.live = false
	b.mu.Unlock()
	b.UnsubscribeAll()
	b.exec.Stop()
	b.platform.reset()
	b.app.reset()
	b.log.Debug("bridge stopped", zap.String("webapp", b.app.name))
}

func (b *Bus) isLive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live
}

// Subscribe installs handler for event, replacing any previous one.
func (b *Bus) Subscribe(event string, handler Handler) {
	b.mu.Lock()
	b.subs[event] = handler
	b.mu.Unlock()
}

func (b *Bus) Unsubscribe(event string) {
	b.mu.Lock()
	delete(b.subs, event)
	b.mu.Unlock()
}

func (b *Bus) UnsubscribeAll() {
	b.mu.Lock()
	b.subs = make(map[string]Handler)
	b.mu.Unlock()
}

// SetDefault replaces the fallback handler.
func (b *Bus) SetDefault(handler Handler) {
	b.mu.Lock()
	b.def = handler
	b.mu.Unlock()
}

// CheckWebApp reports whether the named provider global exists. Unforced
// checks return the cached answer once one exists; a forced check that comes
// back false is not cached.
func (b *Bus) CheckWebApp(name string, force bool) bool {
	p := b.providerByName(name)
	if p == nil {
		return false
	}
	return b.check(p, force)
}

func (b *Bus) check(p *provider, force bool) bool {
	if known, ok := p.cached(); ok && !force {
		return known
	}
	result, err := b.evaluate(fmt.Sprintf("(typeof window.%s !== 'undefined')", p.name))
	known := err == nil && strings.TrimSpace(result) == "true"
	if err != nil {
		b.log.Debug("provider lookup failed", zap.String("provider", p.name), zap.Error(err))
	}
	p.store(known, known || !force)
	return known
}

// PostCommonEvent delivers a high-frequency event using cached lookup results.
func (b *Bus) PostCommonEvent(event string, data any) {
	b.post(event, data, false)
}

// PostCustomEvent re-checks the page before delivering, since navigation may
// have changed which globals exist.
func (b *Bus) PostCustomEvent(event string, data any) {
	b.post(event, data, true)
}

// SayHello greets the page.
func (b *Bus) SayHello() {
	b.PostCommonEvent(helloEvent, map[string]string{"msg": "hello"})
}

func (b *Bus) post(event string, data any, force bool) {
	if !b.isLive() {
		b.log.Debug("bridge not live; dropping event", zap.String("event", event))
		return
	}
	payload, err := encodeData(data)
	if err != nil {
		b.log.Warn("encode event data", zap.String("event", event), zap.Error(err))
		return
	}
	b.exec.Post(func() {
		target := b.app
		if b.check(b.platform, force) {
			target = b.platform
		} else if force && !b.check(b.app, true) {
			b.log.Debug("no provider in page; dropping event", zap.String("event", event))
			return
		}
		script := fmt.Sprintf("window.%s.WebView.receiveEvent(%s, %s)", target.name, QuoteJS(event), payload)
		if _, err := b.evaluate(script); err != nil {
			b.log.Debug("deliver event", zap.String("event", event), zap.String("provider", target.name), zap.Error(err))
		}
	})
}

// PostEvent is the single page-to-native entry, called as
// <provider>WebviewProxy.postEvent(eventType, eventData).
func (b *Bus) PostEvent(providerName, eventType, eventData string) {
	if p := b.providerByName(providerName); p != nil {
		p.store(true, true)
	}
	if !b.isLive() {
		b.log.Debug("bridge not live; dropping page event", zap.String("event", eventType))
		return
	}
	data := decodeData(eventData)
	if data == nil && eventData != "" && eventData != "undefined" {
		b.log.Debug("page event data is not json", zap.String("event", eventType))
	}
	b.exec.Post(func() { b.dispatch(eventType, data) })
}

func (b *Bus) dispatch(eventType string, data json.RawMessage) {
	b.mu.Lock()
	sub := b.subs[eventType]
	def := b.def
	b.mu.Unlock()

	if sub != nil && sub(eventType, data) {
		return
	}
	if def != nil && def(eventType, data) {
		return
	}
	b.log.Debug("unhandled page event", zap.String("event", eventType))
}

// evaluate runs script under the bus timeout. Callers run on the UI executor.
func (b *Bus) evaluate(script string) (string, error) {
	if b.eval == nil {
		return "", ErrStopped
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.evalTimeout)
	defer cancel()
	return b.eval.Evaluate(ctx, script)
}

func (b *Bus) providerByName(name string) *provider {
	switch {
	case name == b.platform.name || name == b.platform.interfaceName():
		return b.platform
	case name == b.app.name || name == b.app.interfaceName():
		return b.app
	default:
		return nil
	}
}

func encodeData(data any) (string, error) {
	switch v := data.(type) {
	case nil:
		return "null", nil
	case json.RawMessage:
		if len(v) == 0 {
			return "null", nil
		}
		return string(v), nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeData(eventData string) json.RawMessage {
	trimmed := strings.TrimSpace(eventData)
	if trimmed == "" || trimmed == "undefined" || !json.Valid([]byte(trimmed)) {
		return nil
	}
	return json.RawMessage(trimmed)
}

// provider caches the lookup result for one page global.
type provider struct {
	name    string
	mu      sync.Mutex
	known   bool
	checked bool
}

func (p *provider) interfaceName() string { return p.name + "WebviewProxy" }

func (p *provider) cached() (bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.known, p.checked
}

func (p *provider) store(known, checked bool) {
	p.mu.Lock()
	p.known = known
	if checked {
		p.checked = true
	}
	p.mu.Unlock()
}

func (p *provider) reset() {
	p.mu.Lock()
	p.known, p.checked = false, false
	p.mu.Unlock()
}
