package deeplink

import (
	"sync"
	"time"
)

// DefaultWindow is the duplicate-delivery window for identical URIs.
const DefaultWindow = time.Second

// Deduper drops an identical URI arriving within the window of the previous
// one. State is a single (uri, time) pair shared by every session.
type Deduper struct {
	mu       sync.Mutex
	window   time.Duration
	lastURI  string
	lastTime time.Time
}

// NewDeduper returns a deduper; a non-positive window uses DefaultWindow.
func NewDeduper(window time.Duration) *Deduper {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Deduper{window: window}
}

// Seen reports whether raw duplicates the previous delivery. Otherwise it
// records raw as the latest delivery.
func (d *Deduper) Seen(raw string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if raw == d.lastURI && !d.lastTime.IsZero() && now.Sub(d.lastTime) < d.window {
		return true
	}
	d.lastURI = raw
	d.lastTime = now
	return false
}
