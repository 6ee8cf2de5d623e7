package pending

import (
	"sync"
	"time"

	"github.com/miniapp-io/miniapp-host/internal/jsonrpc"
	"go.uber.org/zap"
)

const defaultTimeout = 5 * time.Minute

// Sink pushes a JSON-RPC response into the WebView that issued the request.
type Sink interface {
	Deliver(resp jsonrpc.Response)
}

// Kind tells the deep-link path how to treat a wallet return.
type Kind int

const (
	// KindDecrypt means the host owns the keys and decrypts the return.
	KindDecrypt Kind = iota
	// KindRelay means the page drives the deep link and gets the raw URI back.
	KindRelay
)

func (k Kind) String() string {
	if k == KindRelay {
		return "relay"
	}
	return "decrypt"
}

// Entry is a request waiting on the external wallet.
type Entry struct {
	ID           string
	Method       string
	Kind         Kind
	Sink         Sink
	RegisteredAt time.Time
}

// Options configures a Registry.
type Options struct {
	Timeout time.Duration
	Log     *zap.Logger
	// OnOutcome observes every slot leaving the registry: resolved, timeout,
	// cancelled or replaced.
	OnOutcome func(outcome string)
}

// Registry maps request ids to their waiting sink. A second registration
// under the same id replaces the first. Every registered entry leaves the
// registry exactly once.
type Registry struct {
	mu        sync.Mutex
	slots     map[string]*slot
	gen       uint64
	timeout   time.Duration
	log       *zap.Logger
	onOutcome func(string)
}

type slot struct {
	entry Entry
	gen   uint64
	timer *time.Timer
}

// NewRegistry builds a registry; a zero timeout uses five minutes.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		slots:     make(map[string]*slot),
		timeout:   opts.Timeout,
		log:       opts.Log,
		onOutcome: opts.OnOutcome,
	}
	if r.timeout <= 0 {
		r.timeout = defaultTimeout
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	return r
}

// Register stores entry and arms its timeout. It reports whether an older
// entry under the same id was displaced.
func (r *Registry) Register(entry Entry) bool {
	if entry.RegisteredAt.IsZero() {
		entry.RegisteredAt = time.Now()
	}

	r.mu.Lock()
	old, replaced := r.slots[entry.ID]
	if replaced {
		old.timer.Stop()
	}
	r.gen++
	gen := r.gen
	s := &slot{entry: entry, gen: gen}
	s.timer = time.AfterFunc(r.timeout, func() { r.expire(entry.ID, gen) })
	r.slots[entry.ID] = s
	r.mu.Unlock()

	if replaced {
		r.observe("replaced")
		r.log.Info("pending request replaced", zap.String("request_id", entry.ID), zap.String("method", old.entry.Method))
	}
	return replaced
}

// Lookup returns the entry without removing it.
func (r *Registry) Lookup(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok {
		return Entry{}, false
	}
	return s.entry, true
}

// Take removes and returns the entry; the caller owns its resolution.
func (r *Registry) Take(id string) (Entry, bool) {
	r.mu.Lock()
	s, ok := r.slots[id]
	if ok {
		s.timer.Stop()
		delete(r.slots, id)
	}
	r.mu.Unlock()
	if !ok {
		return Entry{}, false
	}
	r.observe("resolved")
	return s.entry, true
}

// Resolve delivers resp to the sink waiting on id. It reports false when no
// request is pending, for example after a timeout.
func (r *Registry) Resolve(id string, resp jsonrpc.Response) bool {
	entry, ok := r.Take(id)
	if !ok {
		return false
	}
	entry.Sink.Deliver(resp)
	return true
}

// CancelSink resolves every entry owned by sink with a server error carrying message.
// It returns the cancelled ids.
func (r *Registry) CancelSink(sink Sink, message string) []string {
	var cancelled []Entry
	r.mu.Lock()
	for id, s := range r.slots {
		if s.entry.Sink == sink {
			s.timer.Stop()
			delete(r.slots, id)
			cancelled = append(cancelled, s.entry)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(cancelled))
	for _, e := range cancelled {
		r.observe("cancelled")
		e.Sink.Deliver(jsonrpc.Fail(e.ID, jsonrpc.CodeServerError, message))
		ids = append(ids, e.ID)
	}
	return ids
}

// Len reports the number of pending requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

func (r *Registry) expire(id string, gen uint64) {
	r.mu.Lock()
	s, ok := r.slots[id]
	if !ok || s.gen != gen {
		r.mu.Unlock()
		return
	}
	delete(r.slots, id)
	r.mu.Unlock()

	r.observe("timeout")
	r.log.Warn("pending wallet request timed out",
		zap.String("request_id", id),
		zap.String("method", s.entry.Method),
		zap.Duration("timeout", r.timeout),
	)
	s.entry.Sink.Deliver(jsonrpc.Fail(id, jsonrpc.CodeServerError, "Request timed out"))
}

func (r *Registry) observe(outcome string) {
	if r.onOutcome != nil {
		r.onOutcome(outcome)
	}
}
