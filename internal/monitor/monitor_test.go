package monitor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thinkdrop/user-memory-service/internal/config"
	"github.com/thinkdrop/user-memory-service/internal/ocr"
	"github.com/thinkdrop/user-memory-service/internal/service"
)

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestPixelDiffRatio(t *testing.T) {
	white := solidPNG(t, 8, 8, color.White)
	white2 := solidPNG(t, 8, 8, color.White)
	black := solidPNG(t, 8, 8, color.Black)
	small := solidPNG(t, 4, 4, color.White)

	require.Equal(t, 0.0, PixelDiffRatio(white, white2))
	require.Equal(t, 1.0, PixelDiffRatio(white, black))
	require.Equal(t, 1.0, PixelDiffRatio(white, small), "dimension mismatch is fully different")
	require.Equal(t, 1.0, PixelDiffRatio([]byte("not a png"), white))
}

type fakeWindower struct {
	mu  sync.Mutex
	win WindowInfo
	err error
}

func (f *fakeWindower) set(win WindowInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.win = win
}

func (f *fakeWindower) ActiveWindow(context.Context) (WindowInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.win, f.err
}

type fakeCapturer struct {
	mu  sync.Mutex
	png []byte
}

func (f *fakeCapturer) set(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.png = b
}

func (f *fakeCapturer) CapturePNG(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.png, nil
}

type fakeExtractor struct {
	mu    sync.Mutex
	text  string
	delay time.Duration
}

func (f *fakeExtractor) set(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text = text
}

func (f *fakeExtractor) ExtractText(context.Context, []byte) (*ocr.Result, error) {
	f.mu.Lock()
	text, delay := f.text, f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return &ocr.Result{Text: text, Confidence: 90}, nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	requests []service.StoreRequest
}

func (f *fakeRecorder) Store(_ context.Context, _ string, req service.StoreRequest) (*service.StoreResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return &service.StoreResult{Stored: true}, nil
}

func (f *fakeRecorder) stored() []service.StoreRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]service.StoreRequest(nil), f.requests...)
}

type fixedIdle struct{ d time.Duration }

func (f fixedIdle) IdleTime(context.Context) (time.Duration, error) { return f.d, nil }

func newTestMonitor(t *testing.T) (*Monitor, *fakeWindower, *fakeCapturer, *fakeExtractor, *fakeRecorder) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ScreenshotDir = t.TempDir()
	cfg.MonitorUserID = "mon_user"

	win := &fakeWindower{win: WindowInfo{AppName: "Terminal", Title: "zsh"}}
	scr := &fakeCapturer{png: solidPNG(t, 8, 8, color.White)}
	ex := &fakeExtractor{text: "hello from the terminal session"}
	rec := &fakeRecorder{}
	m := New(&cfg, win, scr, ex, fixedIdle{0}, rec)
	return m, win, scr, ex, rec
}

func TestTickStoresFirstCapture(t *testing.T) {
	m, _, _, _, rec := newTestMonitor(t)
	m.tick(context.Background())

	stored := rec.stored()
	require.Len(t, stored, 1)
	require.Equal(t, "screen_capture", stored[0].Type)
	require.Contains(t, stored[0].Text, "Terminal")
	require.Contains(t, stored[0].Text, "zsh")
	require.Len(t, stored[0].Entities, 2)
	require.Equal(t, "application", stored[0].Entities[0].Type)
	require.Equal(t, "window-title", stored[0].Entities[1].Type)
	require.NotEmpty(t, stored[0].Screenshot)
	require.EqualValues(t, 1, m.Counters().Captures)
}

func TestTickSkipsUnchangedScreen(t *testing.T) {
	m, _, _, _, rec := newTestMonitor(t)
	ctx := context.Background()

	m.tick(ctx)
	m.tick(ctx) // same title, identical pixels

	require.Len(t, rec.stored(), 1)
	c := m.Counters()
	require.EqualValues(t, 1, c.Captures)
	require.EqualValues(t, 1, c.Skips)
}

func TestTickSkipsIdenticalOcrText(t *testing.T) {
	m, win, scr, _, rec := newTestMonitor(t)
	ctx := context.Background()

	m.tick(ctx)
	// New window and pixels, but OCR reads the same text.
	win.set(WindowInfo{AppName: "Terminal", Title: "zsh 2"})
	scr.set(solidPNG(t, 8, 8, color.Black))
	m.tick(ctx)

	require.Len(t, rec.stored(), 1)
	require.EqualValues(t, 1, m.Counters().Skips)
}

func TestTickSkipsShortOcrText(t *testing.T) {
	m, _, _, ex, rec := newTestMonitor(t)
	ex.set("tiny")
	m.tick(context.Background())

	require.Empty(t, rec.stored())
	require.EqualValues(t, 1, m.Counters().Skips)
}

func TestTitleChangeForcesCapture(t *testing.T) {
	m, win, _, ex, rec := newTestMonitor(t)
	ctx := context.Background()

	m.tick(ctx)
	// Identical pixels, but the focused window changed and OCR differs.
	win.set(WindowInfo{AppName: "Editor", Title: "main.go"})
	ex.set("package main func main")
	m.tick(ctx)

	require.Len(t, rec.stored(), 2)
	require.EqualValues(t, 2, m.Counters().Captures)
}

func TestPixelChangeUnderSameTitleCaptures(t *testing.T) {
	m, _, scr, ex, rec := newTestMonitor(t)
	ctx := context.Background()

	m.tick(ctx)
	scr.set(solidPNG(t, 8, 8, color.Black))
	ex.set("completely different screen content now")
	m.tick(ctx)

	require.Len(t, rec.stored(), 2)
}

func TestIdleSkips(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ScreenshotDir = t.TempDir()
	rec := &fakeRecorder{}
	m := New(&cfg,
		&fakeWindower{win: WindowInfo{AppName: "A", Title: "B"}},
		&fakeCapturer{png: solidPNG(t, 4, 4, color.White)},
		&fakeExtractor{text: "should never be read"},
		fixedIdle{cfg.IdleTimeout + time.Second}, rec)

	m.tick(context.Background())
	require.Empty(t, rec.stored())
	require.EqualValues(t, 1, m.Counters().IdleSkips)
}

func TestEmbedTextTruncated(t *testing.T) {
	m, _, _, ex, rec := newTestMonitor(t)
	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'a' + byte(i%26)
		if i%7 == 0 {
			long[i] = ' '
		}
	}
	ex.set(string(long))
	m.tick(context.Background())

	stored := rec.stored()
	require.Len(t, stored, 1)
	require.LessOrEqual(t, len([]rune(stored[0].Text)), embedTextLimit)
}

func TestRunCoalescesOverruns(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ScreenshotDir = t.TempDir()
	cfg.CaptureInterval = 5 * time.Millisecond
	ex := &fakeExtractor{text: "slow screen text content", delay: 40 * time.Millisecond}
	m := New(&cfg,
		&fakeWindower{win: WindowInfo{AppName: "A", Title: "B"}},
		&fakeCapturer{png: solidPNG(t, 4, 4, color.White)},
		ex, fixedIdle{0}, &fakeRecorder{})

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)

	require.Eventually(t, func() bool {
		return m.Counters().Overruns >= 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	m.AwaitStop()
}
