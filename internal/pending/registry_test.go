package pending

import (
	"sync"
	"testing"
	"time"

	"github.com/miniapp-io/miniapp-host/internal/jsonrpc"
	"go.uber.org/zap/zaptest"
)

type recordingSink struct {
	mu    sync.Mutex
	resps []jsonrpc.Response
	ch    chan jsonrpc.Response
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan jsonrpc.Response, 16)}
}

func (s *recordingSink) Deliver(resp jsonrpc.Response) {
	s.mu.Lock()
	s.resps = append(s.resps, resp)
	s.mu.Unlock()
	s.ch <- resp
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resps)
}

func TestResolveDeliversOnce(t *testing.T) {
	reg := NewRegistry(Options{Log: zaptest.NewLogger(t)})
	sink := newRecordingSink()
	reg.Register(Entry{ID: "abc", Method: "connect", Sink: sink})

	if !reg.Resolve("abc", jsonrpc.Result("abc", true)) {
		t.Fatal("expected resolve to find abc")
	}
	if reg.Resolve("abc", jsonrpc.Result("abc", true)) {
		t.Fatal("second resolve must be a no-op")
	}
	if sink.count() != 1 {
		t.Fatalf("expected one delivery, got %d", sink.count())
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Len())
	}
}

func TestLastWriterWins(t *testing.T) {
	var outcomes []string
	reg := NewRegistry(Options{OnOutcome: func(o string) { outcomes = append(outcomes, o) }})
	first := newRecordingSink()
	second := newRecordingSink()

	reg.Register(Entry{ID: "abc", Sink: first})
	if !reg.Register(Entry{ID: "abc", Sink: second}) {
		t.Fatal("expected replacement to be reported")
	}
	reg.Resolve("abc", jsonrpc.Result("abc", "ok"))

	if first.count() != 0 || second.count() != 1 {
		t.Fatalf("expected only second sink to receive, got %d/%d", first.count(), second.count())
	}
	if len(outcomes) != 2 || outcomes[0] != "replaced" || outcomes[1] != "resolved" {
		t.Fatalf("unexpected outcomes: %v", outcomes)
	}
}

func TestTimeoutResolvesWithError(t *testing.T) {
	reg := NewRegistry(Options{Timeout: 20 * time.Millisecond, Log: zaptest.NewLogger(t)})
	sink := newRecordingSink()
	reg.Register(Entry{ID: "slow", Method: "signMessage", Sink: sink})

	select {
	case resp := <-sink.ch:
		if resp.Error == nil || resp.Error.Code != jsonrpc.CodeServerError || resp.ID != "slow" {
			t.Fatalf("unexpected timeout response: %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for timeout resolution")
	}

	if reg.Resolve("slow", jsonrpc.Result("slow", "late")) {
		t.Fatal("resolution after timeout must be a no-op")
	}
	if sink.count() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", sink.count())
	}
}

func TestStaleTimerDoesNotResolveReplacement(t *testing.T) {
	reg := NewRegistry(Options{Timeout: 30 * time.Millisecond})
	sink := newRecordingSink()
	reg.Register(Entry{ID: "abc", Sink: sink})
	time.Sleep(15 * time.Millisecond)
	reg.Register(Entry{ID: "abc", Sink: sink})

	// The first timer would have fired by now; the replacement must still be pending.
	time.Sleep(20 * time.Millisecond)
	if _, ok := reg.Lookup("abc"); !ok {
		t.Fatal("replacement resolved by stale timer")
	}
	if !reg.Resolve("abc", jsonrpc.Result("abc", 1)) {
		t.Fatal("expected replacement to resolve")
	}
}

func TestCancelSink(t *testing.T) {
	reg := NewRegistry(Options{})
	a := newRecordingSink()
	b := newRecordingSink()
	reg.Register(Entry{ID: "1", Sink: a})
	reg.Register(Entry{ID: "2", Sink: a})
	reg.Register(Entry{ID: "3", Sink: b})

	ids := reg.CancelSink(a, "WebView destroyed")
	if len(ids) != 2 {
		t.Fatalf("expected two cancelled ids, got %v", ids)
	}
	if a.count() != 2 || b.count() != 0 {
		t.Fatalf("unexpected deliveries: %d/%d", a.count(), b.count())
	}
	if reg.Len() != 1 {
		t.Fatalf("expected sink b entry to remain, got %d", reg.Len())
	}
}
