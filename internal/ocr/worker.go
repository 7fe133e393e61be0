package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Result is the raw engine output before post-processing.
type Result struct {
	Text       string
	Confidence float64
	Elapsed    time.Duration
}

// Worker runs Tesseract over PNG images. Recognitions are serialized: the
// engine is CPU-bound and a second concurrent run only slows both down.
// Stop kills any in-flight recognition.
type Worker struct {
	binary string

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorker prepares a worker using the given tesseract binary (path or name
// resolved via PATH).
func NewWorker(binary string) *Worker {
	if binary == "" {
		binary = "tesseract"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{binary: binary, ctx: ctx, cancel: cancel}
}

// Available reports whether the engine binary can be found.
func (w *Worker) Available() bool {
	_, err := exec.LookPath(w.binary)
	return err == nil
}

// ExtractText recognizes English text in the PNG image. The call honors both
// the caller's context and the worker's lifetime.
func (w *Worker) ExtractText(ctx context.Context, png []byte) (*Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ctx.Err(); err != nil {
		return nil, fmt.Errorf("ocr worker stopped: %w", err)
	}

	started := time.Now()
	runCtx, cancel := mergeContexts(ctx, w.ctx)
	defer cancel()

	// TSV output carries per-word confidence alongside the text.
	cmd := exec.CommandContext(runCtx, w.binary, "stdin", "stdout", "-l", "eng", "--psm", "3", "tsv")
	cmd.Stdin = bytes.NewReader(png)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	text, confidence := parseTSV(stdout.String())
	return &Result{Text: text, Confidence: confidence, Elapsed: time.Since(started)}, nil
}

// Stop terminates any in-flight recognition and rejects future calls.
func (w *Worker) Stop() {
	w.cancel()
	log.Debug("OCR worker stopped")
}

// parseTSV assembles line-grouped text from tesseract TSV output and averages
// word confidences.
func parseTSV(tsv string) (string, float64) {
	var lines []string
	var current []string
	lastLineKey := ""
	confSum, confN := 0.0, 0

	for i, row := range strings.Split(tsv, "\n") {
		if i == 0 {
			continue // header
		}
		cols := strings.Split(row, "\t")
		if len(cols) < 12 {
			continue
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		confSum += conf
		confN++

		lineKey := strings.Join(cols[1:5], ":")
		if lineKey != lastLineKey && len(current) > 0 {
			lines = append(lines, strings.Join(current, " "))
			current = current[:0]
		}
		lastLineKey = lineKey
		current = append(current, word)
	}
	if len(current) > 0 {
		lines = append(lines, strings.Join(current, " "))
	}
	confidence := 0.0
	if confN > 0 {
		confidence = confSum / float64(confN)
	}
	return strings.Join(lines, "\n"), confidence
}

// mergeContexts cancels when either parent does.
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
