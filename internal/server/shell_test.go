package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miniapp-io/miniapp-host/internal/config"
	"github.com/miniapp-io/miniapp-host/internal/wallet"
	"github.com/miniapp-io/miniapp-host/internal/walletcrypto"
	"github.com/miniapp-io/miniapp-host/internal/webviewcache"
	"github.com/miniapp-io/miniapp-host/pkg/api/shellpb"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const testPageURL = "https://app.example/mini"

func TestShellRequiresHello(t *testing.T) {
	host := startTestHost(t, 5)
	client := openShell(t, host)
	client.send(t, shellpb.TypeHeartbeat, nil)

	err := client.waitClosed(t)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestShellHelloAndHeartbeat(t *testing.T) {
	host := startTestHost(t, 5)
	client := openShell(t, host)
	client.hello(t, "webview-1", nil)

	client.send(t, shellpb.TypeHeartbeat, nil)
	client.await(t, shellpb.TypeHeartbeat, nil)

	if n := host.Shell().SessionCount(); n != 1 {
		t.Fatalf("expected one session, got %d", n)
	}
	if keys := host.Shell().Cache().Keys(); len(keys) != 1 || keys[0] != "webview-1" {
		t.Fatalf("expected cached webview, got %v", keys)
	}

	client.send(t, shellpb.TypeHello, map[string]any{"webview_id": "again"})
	errFrame := client.await(t, shellpb.TypeError, nil)
	if shellpb.String(errFrame, "code") != "INVALID_FRAME" {
		t.Fatalf("unexpected error frame %v", errFrame)
	}
	if err := client.waitClosed(t); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition after second hello, got %v", err)
	}
}

func TestShellWalletConnectRoundTrip(t *testing.T) {
	host := startTestHost(t, 5)
	client := openShell(t, host)
	client.hello(t, "webview-1", nil)

	client.send(t, shellpb.TypePageStarted, map[string]any{"url": testPageURL})
	client.await(t, shellpb.TypeEvaluate, scriptContains("window.phantomConfig"))
	client.await(t, shellpb.TypeEvaluate, scriptContains("window.trustwalletConfig"))

	client.jsCall(t, wallet.RPCInterfaceName, "onDappRpcMessage", `{"jsonrpc":"2.0","id":"c1","method":"connect"}`)
	launch := client.await(t, shellpb.TypeLaunchURL, nil)
	launched, err := url.Parse(shellpb.String(launch, "url"))
	if err != nil {
		t.Fatalf("parse launch url: %v", err)
	}
	q := launched.Query()
	if q.Get("app_url") != testPageURL {
		t.Fatalf("expected app_url from page, got %q", q.Get("app_url"))
	}

	codec := walletcrypto.NewCodec()
	walletKeys, err := codec.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate wallet keys: %v", err)
	}
	dapp, err := walletcrypto.DecodeKey(q.Get("dapp_encryption_public_key"))
	if err != nil {
		t.Fatalf("decode dapp key: %v", err)
	}
	shared, err := codec.DeriveSharedSecret(dapp, walletKeys.Private)
	if err != nil {
		t.Fatalf("derive shared secret: %v", err)
	}
	body, _ := json.Marshal(map[string]any{"public_key": "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin", "session": "sess-1"})
	data, nonce, err := codec.Encrypt(body, shared)
	if err != nil {
		t.Fatalf("seal connect payload: %v", err)
	}
	ret := url.Values{
		"phantom_encryption_public_key": {walletKeys.PublicBase58()},
		"nonce":                         {nonce},
		"data":                          {data},
	}
	client.send(t, shellpb.TypeIntent, map[string]any{"uri": q.Get("redirect_link") + "?" + ret.Encode()})

	resp := client.await(t, shellpb.TypeEvaluate, scriptContains("phantomRpcMessage"))
	script := shellpb.String(resp, "script")
	if !strings.Contains(script, "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin") || !strings.Contains(script, "sess-1") {
		t.Fatalf("expected connect result in page script, got %s", script)
	}
}

func TestShellPostEventRoutesToProxies(t *testing.T) {
	host := startTestHost(t, 5)
	client := openShell(t, host)
	client.hello(t, "webview-1", nil)

	client.jsCall(t, "TelegramWebviewProxy", "postEvent", "web_app_biometry_get_info", "")
	info := client.await(t, shellpb.TypeEvaluate, scriptContains("biometry_info_received"))
	if !strings.Contains(shellpb.String(info, "script"), "window.Telegram.WebView.receiveEvent") {
		t.Fatalf("expected delivery to the platform provider, got %s", shellpb.String(info, "script"))
	}

	client.jsCall(t, "TelegramWebviewProxy", "postEvent", "web_app_biometry_request_access", `{"reason":"pay"}`)
	prompt := client.await(t, shellpb.TypeConsentPrompt, nil)
	if shellpb.String(prompt, "kind") != "biometry_access" || shellpb.String(prompt, "reason") != "pay" {
		t.Fatalf("unexpected prompt %v", prompt)
	}
	client.send(t, shellpb.TypeConsentResult, map[string]any{"prompt_id": shellpb.String(prompt, "prompt_id"), "outcome": "deny"})
	denied := client.await(t, shellpb.TypeEvaluate, scriptContains("biometry_info_received"))
	if !strings.Contains(shellpb.String(denied, "script"), `"access_requested":true`) {
		t.Fatalf("expected access requested after deny, got %s", shellpb.String(denied, "script"))
	}

	client.send(t, shellpb.TypeNativeEvent, map[string]any{"event": "main_button_pressed"})
	client.await(t, shellpb.TypeEvaluate, scriptContains("main_button_pressed"))

	client.send(t, shellpb.TypeNativeEvent, map[string]any{"event": "made_up"})
	if code := shellpb.String(client.await(t, shellpb.TypeError, nil), "code"); code != "UNKNOWN_EVENT" {
		t.Fatalf("expected UNKNOWN_EVENT, got %s", code)
	}
}

func TestShellUnknownInterfaceIsNotFatal(t *testing.T) {
	host := startTestHost(t, 5)
	client := openShell(t, host)
	client.hello(t, "webview-1", nil)

	client.jsCall(t, "Nope", "postEvent", "x")
	if code := shellpb.String(client.await(t, shellpb.TypeError, nil), "code"); code != "UNKNOWN_INTERFACE" {
		t.Fatalf("expected UNKNOWN_INTERFACE, got %s", code)
	}
	client.jsCall(t, wallet.RPCInterfaceName, "somethingElse", "{}")
	if code := shellpb.String(client.await(t, shellpb.TypeError, nil), "code"); code != "UNKNOWN_METHOD" {
		t.Fatalf("expected UNKNOWN_METHOD, got %s", code)
	}
	client.send(t, shellpb.TypeHeartbeat, nil)
	client.await(t, shellpb.TypeHeartbeat, nil)
}

func TestShellNavigateRewritesWalletLinks(t *testing.T) {
	host := startTestHost(t, 5)
	client := openShell(t, host)
	client.hello(t, "webview-1", nil)

	client.send(t, shellpb.TypeNavigate, map[string]any{"url": "https://example.com/page"})
	client.send(t, shellpb.TypeNavigate, map[string]any{"url": "https://phantom.app/ul/v1/connect?app_url=x"})
	launch := client.await(t, shellpb.TypeLaunchURL, nil)
	if got := shellpb.String(launch, "url"); got != "https://phantom.app/ul/v1/connect?app_url=x" {
		t.Fatalf("unexpected launch %s", got)
	}
}

func TestShellSensorControl(t *testing.T) {
	host := startTestHost(t, 5)
	client := openShell(t, host)
	client.hello(t, "webview-1", []any{"accelerometer"})

	client.jsCall(t, "TelegramWebviewProxy", "postEvent", "web_app_start_accelerometer", `{"refresh_rate":50}`)
	ctl := client.await(t, shellpb.TypeSensorControl, nil)
	if shellpb.String(ctl, "sensor") != "accelerometer" || shellpb.String(ctl, "action") != "enable" || shellpb.String(ctl, "delay") != "game" {
		t.Fatalf("unexpected sensor control %v", ctl)
	}
	client.await(t, shellpb.TypeEvaluate, scriptContains("accelerometer_started"))

	client.send(t, shellpb.TypeSensorSample, map[string]any{"sensor": "accelerometer", "x": 1.5, "y": 0, "z": -2})
	sample := client.await(t, shellpb.TypeEvaluate, scriptContains("accelerometer_changed"))
	if !strings.Contains(shellpb.String(sample, "script"), `"x":-1.5`) {
		t.Fatalf("expected negated sample, got %s", shellpb.String(sample, "script"))
	}

	client.jsCall(t, "TelegramWebviewProxy", "postEvent", "web_app_start_gyroscope", `{}`)
	client.await(t, shellpb.TypeEvaluate, scriptContains("gyroscope_failed"))

	client.send(t, shellpb.TypeSensorSample, map[string]any{"sensor": "barometer"})
	if code := shellpb.String(client.await(t, shellpb.TypeError, nil), "code"); code != "UNKNOWN_SENSOR" {
		t.Fatalf("expected UNKNOWN_SENSOR, got %s", code)
	}
}

func TestShellDismissedSensorsResume(t *testing.T) {
	host := startTestHost(t, 5)
	client := openShell(t, host)
	client.hello(t, "webview-1", []any{"accelerometer"})

	client.jsCall(t, "TelegramWebviewProxy", "postEvent", "web_app_start_accelerometer", `{"refresh_rate":50}`)
	client.await(t, shellpb.TypeEvaluate, scriptContains("accelerometer_started"))

	isAction := func(action string) func(*shellpb.Frame) bool {
		return func(f *shellpb.Frame) bool { return shellpb.String(f, "action") == action }
	}
	client.send(t, shellpb.TypeDismissed, nil)
	client.await(t, shellpb.TypeSensorControl, isAction("disable"))

	client.send(t, shellpb.TypeResumed, nil)
	client.await(t, shellpb.TypeSensorControl, isAction("enable"))
	client.send(t, shellpb.TypeSensorSample, map[string]any{"sensor": "accelerometer", "x": 1, "y": 2, "z": 3})
	client.await(t, shellpb.TypeEvaluate, scriptContains("accelerometer_changed"))

	// Starting a paused sensor resumes it instead of failing.
	client.send(t, shellpb.TypeDismissed, nil)
	client.await(t, shellpb.TypeSensorControl, isAction("disable"))
	client.jsCall(t, "TelegramWebviewProxy", "postEvent", "web_app_start_accelerometer", `{"refresh_rate":50}`)
	client.await(t, shellpb.TypeSensorControl, isAction("enable"))
	client.await(t, shellpb.TypeEvaluate, scriptContains("accelerometer_started"))
	client.send(t, shellpb.TypeSensorSample, map[string]any{"sensor": "accelerometer", "x": 1, "y": 2, "z": 3})
	client.await(t, shellpb.TypeEvaluate, scriptContains("accelerometer_changed"))
}

func TestShellPageStartedGreetsPage(t *testing.T) {
	host := startTestHost(t, 5)
	client := openShell(t, host)
	client.hello(t, "webview-1", nil)

	client.send(t, shellpb.TypePageStarted, map[string]any{"url": testPageURL})
	client.await(t, shellpb.TypeEvaluate, scriptContains(`receiveEvent('webview:notify', {"msg":"hello"})`))
}

func TestShellCloseReleasesWebView(t *testing.T) {
	host := startTestHost(t, 5)
	client := openShell(t, host)
	client.hello(t, "webview-1", nil)

	if err := client.stream.CloseSend(); err != nil {
		t.Fatalf("close send: %v", err)
	}
	waitFor(t, func() bool {
		return host.Shell().SessionCount() == 0 && host.Shell().Cache().Len() == 0
	})
}

func TestShellEvictedDismissedWebViewIsTornDown(t *testing.T) {
	host := startTestHost(t, 1)
	first := openShell(t, host)
	first.hello(t, "webview-1", nil)
	first.send(t, shellpb.TypeDismissed, nil)
	first.send(t, shellpb.TypeHeartbeat, nil)
	first.await(t, shellpb.TypeHeartbeat, nil)

	second := openShell(t, host)
	second.hello(t, "webview-2", nil)

	if err := first.waitClosed(t); status.Code(err) != codes.Aborted {
		t.Fatalf("expected evicted webview aborted, got %v", err)
	}
	waitFor(t, func() bool { return host.Shell().SessionCount() == 1 })
	if keys := host.Shell().Cache().Keys(); len(keys) != 1 || keys[0] != "webview-2" {
		t.Fatalf("expected only the new webview cached, got %v", keys)
	}
}

func TestAdminHandler(t *testing.T) {
	host := startTestHost(t, 5)
	client := openShell(t, host)
	client.hello(t, "webview-1", nil)

	handler := host.AdminHandler()
	for path, want := range map[string]int{"/healthz": http.StatusOK, "/readyz": http.StatusOK, "/metrics": http.StatusOK} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Fatalf("%s: expected %d, got %d", path, want, rec.Code)
		}
		if path == "/metrics" && !strings.Contains(rec.Body.String(), "miniapp_shell_sessions_total") {
			t.Fatalf("expected shell metrics, got %s", rec.Body.String())
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webviews", nil))
	var body struct {
		WebViews []string `json:"webviews"`
		Sessions int      `json:"sessions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode webviews: %v", err)
	}
	if len(body.WebViews) != 1 || body.WebViews[0] != "webview-1" || body.Sessions != 1 {
		t.Fatalf("unexpected webviews body %+v", body)
	}
}

func TestAdminResizesWebViewCache(t *testing.T) {
	host := startTestHost(t, 5)
	for _, id := range []string{"webview-1", "webview-2"} {
		client := openShell(t, host)
		client.hello(t, id, nil)
	}
	handler := host.AdminHandler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/webviews?max_size=zero", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/webviews", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected method not allowed, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/webviews?max_size=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected resize accepted, got %d", rec.Code)
	}
	var body struct {
		WebViews []string `json:"webviews"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode webviews: %v", err)
	}
	if len(body.WebViews) != 1 || body.WebViews[0] != "webview-2" {
		t.Fatalf("expected only the newest webview kept, got %v", body.WebViews)
	}
}

type testHost struct {
	*HostServer
	addr string
}

func startTestHost(t *testing.T, cacheSize int) *testHost {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	log := zaptest.NewLogger(t)
	svc := wallet.NewService(wallet.Config{PendingTimeout: time.Minute}, wallet.Options{Log: log})
	host := NewHostServer(config.Config{ShutdownGracePeriod: time.Second}, log, Deps{
		Wallet: svc,
		Cache:  webviewcache.New(cacheSize, log),
		Shell:  ShellOptions{Prefs: newMemoryKeystore(), EvalTimeout: 2 * time.Second},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- host.Serve(ctx, listener) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Logf("serve: %v", err)
		}
	})
	return &testHost{HostServer: host, addr: listener.Addr().String()}
}

type shellClient struct {
	stream shellpb.ShellOpenClient
	sendMu sync.Mutex
	frames chan *shellpb.Frame
	closed chan error
}

// openShell dials the host and answers every evaluate frame with "true".
func openShell(t *testing.T, host *testHost) *shellClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	conn, err := grpc.DialContext(ctx, host.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	stream, err := shellpb.Open(ctx, conn)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	c := &shellClient{stream: stream, frames: make(chan *shellpb.Frame, 128), closed: make(chan error, 1)}
	go c.pump()
	return c
}

func (c *shellClient) pump() {
	for {
		frame, err := c.stream.Recv()
		if err != nil {
			c.closed <- err
			close(c.frames)
			return
		}
		if shellpb.Type(frame) == shellpb.TypeEvaluate {
			reply, _ := shellpb.New(shellpb.TypeEvalResult, map[string]any{"call_id": shellpb.String(frame, "call_id"), "result": "true"})
			c.sendMu.Lock()
			_ = c.stream.Send(reply)
			c.sendMu.Unlock()
		}
		c.frames <- frame
	}
}

func (c *shellClient) send(t *testing.T, typ string, fields map[string]any) {
	t.Helper()
	frame, err := shellpb.New(typ, fields)
	if err != nil {
		t.Fatalf("build %s: %v", typ, err)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.Send(frame); err != nil {
		t.Fatalf("send %s: %v", typ, err)
	}
}

func (c *shellClient) hello(t *testing.T, webviewID string, sensorKinds []any) {
	t.Helper()
	fields := map[string]any{"webview_id": webviewID, "url": testPageURL}
	if sensorKinds != nil {
		fields["sensors"] = sensorKinds
	}
	c.send(t, shellpb.TypeHello, fields)
	ack := c.await(t, shellpb.TypeHelloAck, nil)
	if shellpb.String(ack, "session_id") == "" {
		t.Fatal("expected session id in hello_ack")
	}
}

func (c *shellClient) jsCall(t *testing.T, iface, method string, args ...string) {
	t.Helper()
	list := make([]any, len(args))
	for i, a := range args {
		list[i] = a
	}
	c.send(t, shellpb.TypeJSCall, map[string]any{"interface": iface, "method": method, "args": list})
}

// await skips frames until one of type typ satisfies match.
func (c *shellClient) await(t *testing.T, typ string, match func(*shellpb.Frame) bool) *shellpb.Frame {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case frame, ok := <-c.frames:
			if !ok {
				t.Fatalf("stream closed while waiting for %s", typ)
			}
			if shellpb.Type(frame) == typ && (match == nil || match(frame)) {
				return frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func (c *shellClient) waitClosed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.closed:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream close")
		return nil
	}
}

func scriptContains(s string) func(*shellpb.Frame) bool {
	return func(f *shellpb.Frame) bool { return strings.Contains(shellpb.String(f, "script"), s) }
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type memoryKeystore struct {
	mu      sync.Mutex
	secrets map[string][]byte
}

func newMemoryKeystore() *memoryKeystore {
	return &memoryKeystore{secrets: make(map[string][]byte)}
}

func (m *memoryKeystore) StoreSecret(_ context.Context, keyID string, secret []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[keyID] = append([]byte(nil), secret...)
	return nil
}

func (m *memoryKeystore) LoadSecret(_ context.Context, keyID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	secret, ok := m.secrets[keyID]
	if !ok {
		return nil, os.ErrNotExist
	}
	return append([]byte(nil), secret...), nil
}

func (m *memoryKeystore) DeleteSecret(_ context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, keyID)
	return nil
}
