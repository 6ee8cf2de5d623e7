// Package proxy translates native UI callbacks into page events and answers
// the page's native requests (custom methods, biometry, sensors).
package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/miniapp-io/miniapp-host/internal/bridge"
)

// ErrUnknownNativeEvent is returned for a native event with no notifier.
var ErrUnknownNativeEvent = errors.New("unknown native event")

// Bus is the page event surface the proxies use. *bridge.Bus satisfies it.
type Bus interface {
	PostCommonEvent(event string, data any)
	PostCustomEvent(event string, data any)
	Subscribe(event string, handler bridge.Handler)
	Unsubscribe(event string)
}

// Insets is a safe area in CSS pixels.
type Insets struct {
	Top    float64 `json:"top"`
	Bottom float64 `json:"bottom"`
	Left   float64 `json:"left"`
	Right  float64 `json:"right"`
}

// WebAppProxy posts typed native notifications into the page.
type WebAppProxy struct {
	bus Bus
	now func() time.Time

	mu          sync.Mutex
	paymentSlug string
	lastClick   time.Time
}

// NewWebAppProxy returns a proxy posting through bus.
func NewWebAppProxy(bus Bus) *WebAppProxy {
	return &WebAppProxy{bus: bus, now: time.Now}
}

// Reload forgets per-page click state.
func (p *WebAppProxy) Reload() {
	p.mu.Lock()
	p.lastClick = time.Time{}
	p.mu.Unlock()
}

// LastClick reports when a native button was last pressed.
func (p *WebAppProxy) LastClick() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastClick
}

// NotifyViewportChanged posts the new viewport height and its stable and expanded flags.
func (p *WebAppProxy) NotifyViewportChanged(height float64, stable, expanded bool) {
	p.bus.PostCommonEvent("viewport_changed", map[string]any{
		"height":          height,
		"is_state_stable": stable,
		"is_expanded":     expanded,
	})
}

// NotifySafeAreaChanged posts the device safe-area insets.
func (p *WebAppProxy) NotifySafeAreaChanged(in Insets) {
	p.bus.PostCommonEvent("safe_area_changed", in)
}

// NotifyContentSafeAreaChanged posts the insets left free by host chrome.
func (p *WebAppProxy) NotifyContentSafeAreaChanged(in Insets) {
	p.bus.PostCommonEvent("content_safe_area_changed", in)
}

// NotifyThemeChanged posts the current theme params.
func (p *WebAppProxy) NotifyThemeChanged(params map[string]any) {
	p.bus.PostCommonEvent("theme_changed", map[string]any{"theme_params": params})
}

// NotifyPopupClosed reports which popup button was pressed.
func (p *WebAppProxy) NotifyPopupClosed(buttonID string) {
	p.bus.PostCommonEvent("popup_closed", map[string]any{"button_id": buttonID})
}

// NotifyQRPopupClosed reports that the QR scanner was closed.
func (p *WebAppProxy) NotifyQRPopupClosed() {
	p.bus.PostCommonEvent("scan_qr_popup_closed", nil)
}

// QRTextReceived forwards text read by the QR scanner.
func (p *WebAppProxy) QRTextReceived(data string) {
	p.bus.PostCommonEvent("qr_text_received", map[string]any{"data": data})
}

// ClipboardText answers a clipboard read. ok is false when nothing could be read.
func (p *WebAppProxy) ClipboardText(reqID, data string, ok bool) {
	payload := map[string]any{"req_id": reqID}
	if ok {
		payload["data"] = data
	}
	p.bus.PostCommonEvent("clipboard_text_received", payload)
}

// WriteAccessRequested answers web_app_request_write_access.
func (p *WebAppProxy) WriteAccessRequested(allowed bool) {
	p.bus.PostCommonEvent("write_access_requested", map[string]any{"status": pick(allowed, "allowed", "cancelled")})
}

// PhoneRequested answers web_app_request_phone.
func (p *WebAppProxy) PhoneRequested(sent bool) {
	p.bus.PostCommonEvent("phone_requested", map[string]any{"status": pick(sent, "sent", "cancelled")})
}

// BackButtonPressed forwards a press of the native back button.
func (p *WebAppProxy) BackButtonPressed() {
	p.bus.PostCommonEvent("back_button_pressed", nil)
}

// SettingsButtonPressed forwards a settings press and records the click time.
func (p *WebAppProxy) SettingsButtonPressed() {
	p.click()
	p.bus.PostCommonEvent("settings_button_pressed", nil)
}

// MainButtonPressed forwards a main button press and records the click time.
func (p *WebAppProxy) MainButtonPressed() {
	p.click()
	p.bus.PostCommonEvent("main_button_pressed", nil)
}

// HomeScreenStatus reports the outcome of an add-to-home-screen request or check.
func (p *WebAppProxy) HomeScreenStatus(added, failed bool, status string) {
	switch {
	case added:
		p.bus.PostCommonEvent("home_screen_added", nil)
	case failed:
		p.bus.PostCommonEvent("home_screen_failed", map[string]any{"error": "UNSUPPORTED"})
	default:
		if status == "" {
			status = "unsupported"
		}
		p.bus.PostCommonEvent("home_screen_checked", map[string]any{"status": status})
	}
}

// FullscreenChanged posts the new fullscreen state.
func (p *WebAppProxy) FullscreenChanged(fullscreen bool) {
	p.bus.PostCommonEvent("fullscreen_changed", map[string]any{"is_fullscreen": fullscreen})
}

// OpenInvoice remembers the invoice the page is paying.
func (p *WebAppProxy) OpenInvoice(slug string) {
	p.mu.Lock()
	p.paymentSlug = slug
	p.mu.Unlock()
}

// InvoiceClosed posts the invoice outcome and clears the current payment
// when it matches slug.
func (p *WebAppProxy) InvoiceClosed(slug, status string) {
	p.bus.PostCommonEvent("invoice_closed", map[string]any{"slug": slug, "status": status})
	p.mu.Lock()
	if p.paymentSlug == slug {
		p.paymentSlug = ""
	}
	p.mu.Unlock()
}

// PaymentSlug returns the invoice currently open, if any.
func (p *WebAppProxy) PaymentSlug() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paymentSlug
}

func (p *WebAppProxy) click() {
	p.mu.Lock()
	p.lastClick = p.now()
	p.mu.Unlock()
}

// HandleNative routes a native_event reported by the shell to its notifier.
// The event names match the page events they produce.
func (p *WebAppProxy) HandleNative(event string, data json.RawMessage) error {
	switch event {
	case "viewport_changed":
		var v struct {
			Height   float64 `json:"height"`
			Stable   bool    `json:"is_state_stable"`
			Expanded bool    `json:"is_expanded"`
		}
		if err := decode(data, &v); err != nil {
			return err
		}
		p.NotifyViewportChanged(v.Height, v.Stable, v.Expanded)
	case "safe_area_changed", "content_safe_area_changed":
		var in Insets
		if err := decode(data, &in); err != nil {
			return err
		}
		if event == "safe_area_changed" {
			p.NotifySafeAreaChanged(in)
		} else {
			p.NotifyContentSafeAreaChanged(in)
		}
	case "theme_changed":
		var v struct {
			Params map[string]any `json:"theme_params"`
		}
		if err := decode(data, &v); err != nil {
			return err
		}
		p.NotifyThemeChanged(v.Params)
	case "popup_closed":
		var v struct {
			ButtonID string `json:"button_id"`
		}
		if err := decode(data, &v); err != nil {
			return err
		}
		p.NotifyPopupClosed(v.ButtonID)
	case "scan_qr_popup_closed":
		p.NotifyQRPopupClosed()
	case "qr_text_received":
		var v struct {
			Data string `json:"data"`
		}
		if err := decode(data, &v); err != nil {
			return err
		}
		p.QRTextReceived(v.Data)
	case "clipboard_text_received":
		var v struct {
			ReqID string  `json:"req_id"`
			Data  *string `json:"data"`
		}
		if err := decode(data, &v); err != nil {
			return err
		}
		text := ""
		if v.Data != nil {
			text = *v.Data
		}
		p.ClipboardText(v.ReqID, text, v.Data != nil)
	case "write_access_requested", "phone_requested":
		var v struct {
			Granted bool `json:"granted"`
		}
		if err := decode(data, &v); err != nil {
			return err
		}
		if event == "phone_requested" {
			p.PhoneRequested(v.Granted)
		} else {
			p.WriteAccessRequested(v.Granted)
		}
	case "back_button_pressed":
		p.BackButtonPressed()
	case "settings_button_pressed":
		p.SettingsButtonPressed()
	case "main_button_pressed":
		p.MainButtonPressed()
	case "home_screen":
		var v struct {
			Added  bool   `json:"added"`
			Failed bool   `json:"failed"`
			Status string `json:"status"`
		}
		if err := decode(data, &v); err != nil {
			return err
		}
		p.HomeScreenStatus(v.Added, v.Failed, v.Status)
	case "fullscreen_changed":
		var v struct {
			Fullscreen bool `json:"is_fullscreen"`
		}
		if err := decode(data, &v); err != nil {
			return err
		}
		p.FullscreenChanged(v.Fullscreen)
	case "invoice_closed":
		var v struct {
			Slug   string `json:"slug"`
			Status string `json:"status"`
		}
		if err := decode(data, &v); err != nil {
			return err
		}
		p.InvoiceClosed(v.Slug, v.Status)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownNativeEvent, event)
	}
	return nil
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode native event: %w", err)
	}
	return nil
}

func pick(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}
