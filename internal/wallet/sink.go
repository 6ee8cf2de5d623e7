package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/miniapp-io/miniapp-host/internal/bridge"
	"github.com/miniapp-io/miniapp-host/internal/jsonrpc"
	"go.uber.org/zap"
)

const (
	rpcEvent      = "phantomRpcMessage"
	deepLinkEvent = "deeplinkRpcMessage"

	defaultEvalTimeout = 5 * time.Second
)

// Sink delivers responses into one page by dispatching a DOM CustomEvent.
// Every evaluation hops onto the page's UI executor.
type Sink struct {
	exec    *bridge.UIExecutor
	eval    bridge.Evaluator
	log     *zap.Logger
	timeout time.Duration
}

// NewSink returns a Sink evaluating through eval on exec.
func NewSink(exec *bridge.UIExecutor, eval bridge.Evaluator, timeout time.Duration, log *zap.Logger) *Sink {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultEvalTimeout
	}
	return &Sink{exec: exec, eval: eval, log: log, timeout: timeout}
}

// Deliver dispatches resp as a phantomRpcMessage event.
func (s *Sink) Deliver(resp jsonrpc.Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("encode rpc response", zap.String("request_id", resp.ID), zap.Error(err))
		return
	}
	s.post(rpcEvent, string(body), resp.ID)
}

// DeliverDeepLink dispatches a raw wallet return as a deeplinkRpcMessage event.
func (s *Sink) DeliverDeepLink(uri string) {
	body, err := json.Marshal(map[string]string{"uri": uri})
	if err != nil {
		s.log.Error("encode deep link message", zap.Error(err))
		return
	}
	s.post(deepLinkEvent, string(body), "")
}

func (s *Sink) post(event, detail, id string) {
	script := EventScript(event, detail)
	ok := s.exec.Post(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if _, err := s.eval.Evaluate(ctx, script); err != nil {
			s.log.Warn("dispatch page event failed", zap.String("event", event), zap.String("request_id", id), zap.Error(err))
		}
	})
	if !ok {
		s.log.Warn("page gone, dropping event", zap.String("event", event), zap.String("request_id", id))
	}
}

// EventScript returns the script dispatching a CustomEvent with a string detail.
func EventScript(event, detail string) string {
	return fmt.Sprintf(
		"(function(){try{window.dispatchEvent(new CustomEvent(%s,{detail:%s}));}catch(e){console.error(e);}})();",
		bridge.QuoteJS(event), bridge.QuoteJS(detail),
	)
}
