// Package sensors throttles motion samples streamed by the shell into page events.
package sensors

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind names a sensor the page can start.
type Kind string

const (
	Accelerometer Kind = "accelerometer"
	Gyroscope     Kind = "gyroscope"
	Orientation   Kind = "device_orientation"
)

// Kinds lists every supported sensor.
var Kinds = []Kind{Accelerometer, Gyroscope, Orientation}

// ErrUnknownSensor is returned for a kind the manager does not drive.
var ErrUnknownSensor = errors.New("unknown sensor")

// State is the lifecycle state of one sensor.
type State int

const (
	Stopped State = iota
	Running
	Paused
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	default:
		return "stopped"
	}
}

// Delay is the sampling bucket requested from the device.
type Delay string

const (
	DelayNormal Delay = "normal"
	DelayUI     Delay = "ui"
	DelayGame   Delay = "game"
)

const (
	DefaultRefreshRate = 1000 * time.Millisecond
	MinRefreshRate     = 20 * time.Millisecond
	MaxRefreshRate     = 1000 * time.Millisecond
)

// DelayFor maps a refresh rate to the device sampling bucket.
func DelayFor(rate time.Duration) Delay {
	switch {
	case rate >= 160*time.Millisecond:
		return DelayNormal
	case rate >= 60*time.Millisecond:
		return DelayUI
	default:
		return DelayGame
	}
}

// RefreshRate converts a page-supplied rate in milliseconds, clamped to the
// supported range. Zero or negative means the default.
func RefreshRate(ms int64) time.Duration {
	if ms <= 0 {
		return DefaultRefreshRate
	}
	rate := time.Duration(ms) * time.Millisecond
	if rate < MinRefreshRate {
		return MinRefreshRate
	}
	if rate > MaxRefreshRate {
		return MaxRefreshRate
	}
	return rate
}

// Source switches device sampling on and off. The shell implements it.
type Source interface {
	Enable(kind Kind, delay Delay, absolute bool) error
	Disable(kind Kind)
}

// Poster receives throttled page events.
type Poster interface {
	PostCommonEvent(event string, data any)
}

// Sample is one raw reading. Orientation samples carry the device's
// azimuth, pitch and roll as Alpha, Beta and Gamma.
type Sample struct {
	X, Y, Z            float64
	Absolute           bool
	Alpha, Beta, Gamma float64
}

// Manager owns the sensor state machines of one page.
type Manager struct {
	src  Source
	post Poster
	log  *zap.Logger

	mu      sync.Mutex
	sensors map[Kind]*sensor
}

type sensor struct {
	kind     Kind
	state    State
	rate     time.Duration
	absolute bool

	lastPost time.Time
	timer    *time.Timer
	gen      uint64

	latest Sample
	have   bool
	// gyroscope deltas since the last post
	accum [3]float64
}

// NewManager returns a manager with every sensor stopped.
func NewManager(src Source, post Poster, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{src: src, post: post, log: log, sensors: make(map[Kind]*sensor, len(Kinds))}
	for _, k := range Kinds {
		m.sensors[k] = &sensor{kind: k}
	}
	return m
}

// State reports the state of kind.
func (m *Manager) State(kind Kind) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sensors[kind]; ok {
		return s.state
	}
	return Stopped
}

// Start moves a stopped sensor to running. It fails when the sensor is not
// stopped or the device has no such sensor.
func (m *Manager) Start(kind Kind, rate time.Duration, absolute bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sensors[kind]
	if !ok || s.state != Stopped {
		return false
	}
	if rate <= 0 {
		rate = DefaultRefreshRate
	}
	if err := m.src.Enable(kind, DelayFor(rate), absolute); err != nil {
		m.log.Info("sensor unavailable", zap.String("sensor", string(kind)), zap.Error(err))
		return false
	}
	s.state = Running
	s.rate = rate
	s.absolute = absolute
	s.lastPost = time.Time{}
	s.have = false
	s.accum = [3]float64{}
	return true
}

// Stop moves a running or paused sensor to stopped.
func (m *Manager) Stop(kind Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sensors[kind]
	if !ok || s.state == Stopped {
		return false
	}
	if s.state == Running {
		m.src.Disable(kind)
	}
	s.cancel()
	s.state = Stopped
	return true
}

// Pause suspends a running sensor.
func (m *Manager) Pause(kind Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sensors[kind]
	if !ok || s.state != Running {
		return false
	}
	m.src.Disable(kind)
	s.cancel()
	s.state = Paused
	return true
}

// Resume restarts a paused sensor at its last refresh rate.
func (m *Manager) Resume(kind Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sensors[kind]
	if !ok || s.state != Paused {
		return false
	}
	if err := m.src.Enable(kind, DelayFor(s.rate), s.absolute); err != nil {
		m.log.Warn("resume sensor", zap.String("sensor", string(kind)), zap.Error(err))
		return false
	}
	s.state = Running
	return true
}

// PauseAll pauses every running sensor, as when the page goes to background.
func (m *Manager) PauseAll() {
	for _, k := range Kinds {
		m.Pause(k)
	}
}

// ResumeAll resumes every paused sensor.
func (m *Manager) ResumeAll() {
	for _, k := range Kinds {
		m.Resume(k)
	}
}

// StopAll stops every sensor.
func (m *Manager) StopAll() {
	for _, k := range Kinds {
		m.Stop(k)
	}
}

// Sample feeds one reading. Readings closer together than the refresh rate
// are coalesced into a single delayed post carrying the latest values.
func (m *Manager) Sample(kind Kind, sample Sample) error {
	m.mu.Lock()
	s, ok := m.sensors[kind]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSensor
	}
	if s.state != Running {
		m.mu.Unlock()
		return nil
	}
	s.cancel()
	s.latest = sample
	s.have = true
	if kind == Gyroscope {
		s.accum[0] += sample.X
		s.accum[1] += sample.Y
		s.accum[2] += sample.Z
	}

	elapsed := time.Since(s.lastPost)
	if !s.lastPost.IsZero() && elapsed < s.rate {
		gen := s.gen
		s.timer = time.AfterFunc(s.rate-elapsed, func() { m.flush(kind, gen) })
		m.mu.Unlock()
		return nil
	}
	event, data := s.drain()
	m.mu.Unlock()
	m.post.PostCommonEvent(event, data)
	return nil
}

func (m *Manager) flush(kind Kind, gen uint64) {
	m.mu.Lock()
	s := m.sensors[kind]
	if s.state != Running || s.gen != gen || !s.have {
		m.mu.Unlock()
		return
	}
	s.timer = nil
	event, data := s.drain()
	m.mu.Unlock()
	m.post.PostCommonEvent(event, data)
}

// cancel drops a postponed post. Called with the manager lock held.
func (s *sensor) cancel() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// drain builds the page event for the latest reading. Called with the
// manager lock held.
func (s *sensor) drain() (string, map[string]any) {
	s.lastPost = time.Now()
	v := s.latest
	switch s.kind {
	case Accelerometer:
		return "accelerometer_changed", map[string]any{"x": -v.X, "y": -v.Y, "z": -v.Z}
	case Gyroscope:
		data := map[string]any{"x": s.accum[0], "y": s.accum[1], "z": s.accum[2]}
		s.accum = [3]float64{}
		return "gyroscope_changed", data
	default:
		return "device_orientation_changed", map[string]any{
			"absolute": v.Absolute,
			"alpha":    -v.Alpha,
			"beta":     -v.Beta,
			"gamma":    v.Gamma,
		}
	}
}
