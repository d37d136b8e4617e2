// Package capture owns the screen-capture primitive and the streaming
// loop. The primitive is a singleton shared resource: post-command captures
// and streaming ticks go through the same mutex and can never overlap.
package capture

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"deskrelay/internal/events"
	"deskrelay/internal/model"
	"deskrelay/internal/relaerr"
)

// Capturer is the external capture primitive (one still image of the
// configured screen region).
type Capturer interface {
	Capture(area model.CaptureArea) (image.Image, error)
}

// Subscribers is the registry-facing view the streaming loop needs.
type Subscribers interface {
	StreamingSubscribers() []string
	SendTo(sessionID, event string, payload map[string]any) bool
}

const (
	// floorInterval is the hard lower bound on the streaming interval.
	floorInterval = 500 * time.Millisecond
	// minSpacing discards ticks that fire too close to the previous
	// capture (timer drift/overlap guard).
	minSpacing = 300 * time.Millisecond
)

type Coordinator struct {
	capturer Capturer
	subs     Subscribers
	bus      *events.Bus
	log      *slog.Logger

	// captureMu serializes every invocation of the capture primitive,
	// whether it comes from the arbiter or the streaming ticker.
	captureMu   sync.Mutex
	lastCapture time.Time

	mu        sync.Mutex
	area      model.CaptureArea
	settings  model.CaptureSettings
	running   bool
	stopCh    chan struct{}
	failCount int
}

func New(capturer Capturer, subs Subscribers, bus *events.Bus, log *slog.Logger, area model.CaptureArea, settings model.CaptureSettings) *Coordinator {
	return &Coordinator{
		capturer: capturer,
		subs:     subs,
		bus:      bus,
		log:      log,
		area:     area,
		settings: settings,
	}
}

// effectiveInterval derives the tick period from the settings, never faster
// than the configured floor.
func effectiveInterval(s model.CaptureSettings) time.Duration {
	interval := time.Duration(s.IntervalMs) * time.Millisecond
	if s.MaxFps > 0 {
		fpsFloor := time.Second / time.Duration(s.MaxFps)
		if fpsFloor > interval {
			interval = fpsFloor
		}
	}
	if interval < floorInterval {
		interval = floorInterval
	}
	return interval
}

// CaptureOnce invokes the capture primitive and encodes the frame at the
// configured quality. Failure is reported, not retried: repeated immediate
// retries against a broken display rarely help.
func (c *Coordinator) CaptureOnce() (model.CaptureRef, error) {
	c.mu.Lock()
	area := c.area
	quality := c.settings.Quality
	c.mu.Unlock()

	c.captureMu.Lock()
	defer c.captureMu.Unlock()

	img, err := c.capturer.Capture(area)
	if err != nil {
		return model.CaptureRef{}, fmt.Errorf("%w: %v", relaerr.ErrCaptureUnavailable, err)
	}
	c.lastCapture = time.Now()

	if quality <= 0 || quality > 100 {
		quality = 70
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return model.CaptureRef{}, fmt.Errorf("%w: encode: %v", relaerr.ErrCaptureUnavailable, err)
	}

	bounds := img.Bounds()
	return model.CaptureRef{
		Timestamp: time.Now().UnixMilli(),
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
		Quality:   quality,
		ByteSize:  buf.Len(),
		Data:      buf.Bytes(),
	}, nil
}

// DeliverToSession encodes the frame for the wire and pushes it as an
// ai-response. Returns false when the session is gone.
func (c *Coordinator) DeliverToSession(sessionID string, ref model.CaptureRef, command string) bool {
	return c.subs.SendTo(sessionID, "ai-response", map[string]any{
		"image":     base64.StdEncoding.EncodeToString(ref.Data),
		"timestamp": ref.Timestamp,
		"command":   command,
		"width":     ref.Width,
		"height":    ref.Height,
	})
}

// StartStreaming begins the periodic loop. Idempotent: starting while
// already running is a no-op.
func (c *Coordinator) StartStreaming() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.startLocked()
}

func (c *Coordinator) startLocked() {
	c.running = true
	c.stopCh = make(chan struct{})
	go c.loop(c.stopCh, effectiveInterval(c.settings))
	c.log.Info("streaming started", "interval", effectiveInterval(c.settings).String())
}

// StopStreaming cancels the loop. Stopping when not running is a no-op,
// reported by the false return.
func (c *Coordinator) StopStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *Coordinator) stopLocked() bool {
	if !c.running {
		return false
	}
	close(c.stopCh)
	c.running = false
	c.log.Info("streaming stopped")
	return true
}

func (c *Coordinator) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// UpdateSettings applies new capture settings. When streaming is active and
// the effective interval changes, the loop restarts with the new timing;
// subscriber state lives in the registry and is untouched.
func (c *Coordinator) UpdateSettings(s model.CaptureSettings) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := effectiveInterval(c.settings)
	c.settings = s
	if c.running && effectiveInterval(s) != old {
		c.stopLocked()
		c.startLocked()
	}
}

func (c *Coordinator) Settings() model.CaptureSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

func (c *Coordinator) SetArea(a model.CaptureArea) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.area = a
}

func (c *Coordinator) Area() model.CaptureArea {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.area
}

func (c *Coordinator) loop(stop chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !c.tick(stop) {
				return
			}
		}
	}
}

// tick runs one streaming iteration. Returns false when the loop should
// terminate (no subscribers left).
func (c *Coordinator) tick(stop chan struct{}) bool {
	subs := c.subs.StreamingSubscribers()
	if len(subs) == 0 {
		// Nobody is watching; stop rather than burn capture work.
		c.mu.Lock()
		if c.running && c.stopCh == stop {
			c.running = false
			c.log.Info("streaming auto-stopped, no subscribers")
		}
		c.mu.Unlock()
		return false
	}

	c.captureMu.Lock()
	tooSoon := time.Since(c.lastCapture) < minSpacing
	c.captureMu.Unlock()
	if tooSoon {
		return true
	}

	ref, err := c.CaptureOnce()
	if err != nil {
		// A failed frame is skipped, not fatal: the stream stays up until
		// told otherwise, and the operator sees the failure count.
		c.mu.Lock()
		c.failCount++
		count := c.failCount
		c.mu.Unlock()
		c.log.Warn("streaming capture failed", "consecutiveFailures", count, "error", err)
		c.bus.Publish(events.CaptureError, map[string]any{
			"error":               err.Error(),
			"consecutiveFailures": count,
		})
		return true
	}

	c.mu.Lock()
	c.failCount = 0
	c.mu.Unlock()

	for _, sid := range subs {
		c.DeliverToSession(sid, ref, "")
	}
	return true
}
