// Package monitor observes the screen on a fixed interval and stores what
// changed as screen_capture records. One tick at a time: an overrunning tick
// causes the next firing to be dropped and counted, never queued.
package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/thinkdrop/user-memory-service/internal/config"
	"github.com/thinkdrop/user-memory-service/internal/model"
	"github.com/thinkdrop/user-memory-service/internal/ocr"
	"github.com/thinkdrop/user-memory-service/internal/security"
	"github.com/thinkdrop/user-memory-service/internal/service"
)

// ocrMinChars is the minimum cleaned OCR length worth storing.
const ocrMinChars = 10

// embedTextLimit caps the text handed to the embedder per capture.
const embedTextLimit = 2000

// stopGrace is how long Stop waits for an in-flight tick.
const stopGrace = 10 * time.Second

// WindowInfo identifies the focused window.
type WindowInfo struct {
	AppName string
	Title   string
}

// ActiveWindower reports the currently focused window.
type ActiveWindower interface {
	ActiveWindow(ctx context.Context) (WindowInfo, error)
}

// ScreenCapturer grabs the current screen as PNG bytes.
type ScreenCapturer interface {
	CapturePNG(ctx context.Context) ([]byte, error)
}

// TextExtractor recognizes text in a PNG image.
type TextExtractor interface {
	ExtractText(ctx context.Context, png []byte) (*ocr.Result, error)
}

// IdleDetector reports how long the user has been inactive.
type IdleDetector interface {
	IdleTime(ctx context.Context) (time.Duration, error)
}

// Recorder persists captured records. *service.MemoryService satisfies it.
type Recorder interface {
	Store(ctx context.Context, userID string, req service.StoreRequest) (*service.StoreResult, error)
}

// Counters is a snapshot of the monitor's lifetime counters.
type Counters struct {
	Ticks     int64 `json:"ticks"`
	Captures  int64 `json:"captures"`
	Skips     int64 `json:"skips"`
	IdleSkips int64 `json:"idleSkips"`
	Overruns  int64 `json:"overruns"`
	Errors    int64 `json:"errors"`
}

// Monitor is the screen observer.
type Monitor struct {
	cfg      *config.Config
	windows  ActiveWindower
	screen   ScreenCapturer
	ocr      TextExtractor
	idle     IdleDetector
	recorder Recorder

	// Observer state; guarded by the serialized tick, read under mu by Stats.
	mu              sync.Mutex
	lastAppName     string
	lastWindowTitle string
	lastPNG         []byte
	changed         ocr.ChangeDetector

	ticks     atomic.Int64
	captures  atomic.Int64
	skips     atomic.Int64
	idleSkips atomic.Int64
	overruns  atomic.Int64
	errors    atomic.Int64

	done chan struct{}
}

// New assembles a monitor from its collaborators.
func New(cfg *config.Config, windows ActiveWindower, screen ScreenCapturer, extractor TextExtractor, idle IdleDetector, recorder Recorder) *Monitor {
	return &Monitor{
		cfg:      cfg,
		windows:  windows,
		screen:   screen,
		ocr:      extractor,
		idle:     idle,
		recorder: recorder,
		done:     make(chan struct{}),
	}
}

// Run executes the tick loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)
	interval := m.cfg.CaptureInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	log.Info("Screen monitor started", "interval", interval, "userId", m.cfg.MonitorUserID)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Screen monitor stopped", "counters", m.Counters())
			return
		case <-ticker.C:
			m.tick(ctx)
			// A firing that queued up while the tick ran is coalesced.
			select {
			case <-ticker.C:
				m.overruns.Add(1)
				security.CountMonitorTick("overrun")
			default:
			}
		}
	}
}

// AwaitStop blocks until the loop has exited, up to the stop grace period.
func (m *Monitor) AwaitStop() {
	select {
	case <-m.done:
	case <-time.After(stopGrace):
		log.Warn("Screen monitor did not stop within grace period")
	}
}

// Counters returns the lifetime counter snapshot.
func (m *Monitor) Counters() Counters {
	return Counters{
		Ticks:     m.ticks.Load(),
		Captures:  m.captures.Load(),
		Skips:     m.skips.Load(),
		IdleSkips: m.idleSkips.Load(),
		Overruns:  m.overruns.Load(),
		Errors:    m.errors.Load(),
	}
}

// tick runs one observation. Errors never propagate; they increment the
// error counter and end the tick.
func (m *Monitor) tick(ctx context.Context) {
	m.ticks.Add(1)

	if m.idle != nil {
		idleFor, err := m.idle.IdleTime(ctx)
		if err == nil && m.cfg.IdleTimeout > 0 && idleFor >= m.cfg.IdleTimeout {
			m.idleSkips.Add(1)
			security.CountMonitorTick("idle")
			return
		}
	}

	win, err := m.windows.ActiveWindow(ctx)
	if err != nil {
		m.errors.Add(1)
		security.CountMonitorTick("error")
		log.Warn("Active window lookup failed", "err", err)
		return
	}

	currPNG, err := m.screen.CapturePNG(ctx)
	if err != nil {
		m.errors.Add(1)
		security.CountMonitorTick("error")
		log.Warn("Screen capture failed", "err", err)
		return
	}

	m.mu.Lock()
	titleChanged := win.AppName != m.lastAppName || win.Title != m.lastWindowTitle
	prevPNG := m.lastPNG
	m.lastAppName = win.AppName
	m.lastWindowTitle = win.Title
	m.lastPNG = currPNG
	m.mu.Unlock()

	if !titleChanged {
		if prevPNG == nil {
			// First observation of this window; treat as changed.
		} else if ratio := PixelDiffRatio(prevPNG, currPNG); ratio <= m.cfg.DiffThreshold {
			m.skips.Add(1)
			security.CountMonitorTick("skip")
			return
		}
	}

	res, err := m.ocr.ExtractText(ctx, currPNG)
	if err != nil {
		m.errors.Add(1)
		security.CountMonitorTick("error")
		log.Warn("OCR failed", "err", err)
		return
	}
	extraction := ocr.Postprocess(res.Text)
	if len(extraction.Text) < ocrMinChars {
		m.skips.Add(1)
		security.CountMonitorTick("skip")
		return
	}
	if different, _ := m.changed.Check(extraction.Text); !different {
		m.skips.Add(1)
		security.CountMonitorTick("skip")
		return
	}

	m.store(ctx, win, currPNG, extraction)
}

func (m *Monitor) store(ctx context.Context, win WindowInfo, currPNG []byte, extraction ocr.Extraction) {
	text := win.AppName + " " + win.Title + " " + extraction.Text
	if runes := []rune(text); len(runes) > embedTextLimit {
		text = string(runes[:embedTextLimit])
	}

	req := service.StoreRequest{
		Text:          text,
		Type:          model.TypeScreenCapture,
		ExtractedText: extraction.Text,
		Screenshot:    m.saveScreenshot(currPNG),
		Entities: []service.EntityInput{
			{Type: "application", Value: win.AppName},
			{Type: "window-title", Value: win.Title},
		},
	}
	if _, err := m.recorder.Store(ctx, m.cfg.MonitorUserID, req); err != nil {
		m.errors.Add(1)
		security.CountMonitorTick("error")
		log.Warn("Screen capture store failed", "err", err)
		return
	}
	m.captures.Add(1)
	security.CountMonitorTick("capture")
	log.Debug("Screen capture stored", "app", win.AppName, "textLen", len(extraction.Text))
}

// saveScreenshot writes the PNG under the screenshot directory and returns
// its path, or "" when persistence fails or is disabled.
func (m *Monitor) saveScreenshot(pngBytes []byte) string {
	dir := m.cfg.ResolvedScreenshotDir()
	if dir == "" {
		return ""
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn("Screenshot directory unavailable", "dir", dir, "err", err)
		return ""
	}
	path := filepath.Join(dir, fmt.Sprintf("capture_%d.png", time.Now().UnixMilli()))
	if err := os.WriteFile(path, pngBytes, 0o644); err != nil {
		log.Warn("Screenshot write failed", "path", path, "err", err)
		return ""
	}
	return path
}
