package monitor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Exec-based adapters for the host desktop. Each tool is optional: a missing
// binary surfaces as a tick error, which the monitor counts and survives.

// SystemWindower resolves the focused window via platform tooling
// (osascript on macOS, xdotool on X11).
type SystemWindower struct{}

func (SystemWindower) ActiveWindow(ctx context.Context) (WindowInfo, error) {
	switch runtime.GOOS {
	case "darwin":
		out, err := runCmd(ctx, "osascript",
			"-e", `tell application "System Events" to get name of first application process whose frontmost is true`)
		if err != nil {
			return WindowInfo{}, err
		}
		app := strings.TrimSpace(out)
		title, _ := runCmd(ctx, "osascript",
			"-e", fmt.Sprintf(`tell application "System Events" to get name of front window of application process %q`, app))
		return WindowInfo{AppName: app, Title: strings.TrimSpace(title)}, nil
	default:
		title, err := runCmd(ctx, "xdotool", "getactivewindow", "getwindowname")
		if err != nil {
			return WindowInfo{}, err
		}
		app, _ := runCmd(ctx, "xdotool", "getactivewindow", "getwindowclassname")
		return WindowInfo{AppName: strings.TrimSpace(app), Title: strings.TrimSpace(title)}, nil
	}
}

// SystemCapturer grabs the screen via platform tooling (screencapture on
// macOS, ImageMagick's import elsewhere).
type SystemCapturer struct{}

func (SystemCapturer) CapturePNG(ctx context.Context) ([]byte, error) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		// screencapture cannot write PNG to stdout directly before 10.14;
		// use a pipe-friendly invocation.
		cmd = exec.CommandContext(ctx, "screencapture", "-x", "-t", "png", "/dev/stdout")
	default:
		cmd = exec.CommandContext(ctx, "import", "-window", "root", "png:-")
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("screen capture: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// SystemIdleDetector reads user idle time (ioreg on macOS, xprintidle on X11).
type SystemIdleDetector struct{}

func (SystemIdleDetector) IdleTime(ctx context.Context) (time.Duration, error) {
	switch runtime.GOOS {
	case "darwin":
		out, err := runCmd(ctx, "sh", "-c",
			`ioreg -c IOHIDSystem | awk '/HIDIdleTime/ {print $NF; exit}'`)
		if err != nil {
			return 0, err
		}
		ns, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse idle time: %w", err)
		}
		return time.Duration(ns), nil
	default:
		out, err := runCmd(ctx, "xprintidle")
		if err != nil {
			return 0, err
		}
		ms, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse idle time: %w", err)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
}

func runCmd(ctx context.Context, name string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
