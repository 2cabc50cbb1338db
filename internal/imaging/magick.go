// Package imaging runs ImageMagick transformations on uploaded images.
package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotInstalled = errors.New("imagemagick is not installed")
	ErrTimeout      = errors.New("imagemagick timed out")
	ErrFailed       = errors.New("imagemagick failed")
)

const maxStderr = 512

// Magick locates an ImageMagick binary and executes conversions with it.
type Magick struct {
	candidates []string
	timeout    time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	command string
}

// NewMagick returns a runner that tries each candidate command in order.
func NewMagick(candidates []string, timeout time.Duration, logger *slog.Logger) *Magick {
	if logger == nil {
		logger = slog.Default()
	}
	return &Magick{candidates: candidates, timeout: timeout, logger: logger}
}

// Detect returns the first candidate that answers "-version".
// A successful result is remembered for later calls.
func (m *Magick) Detect(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.command != "" {
		return m.command, nil
	}

	for _, name := range m.candidates {
		path, err := exec.LookPath(name)
		if err != nil {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		out, err := exec.CommandContext(probeCtx, path, "-version").Output()
		cancel()
		if err != nil || !bytes.Contains(out, []byte("ImageMagick")) {
			m.logger.Debug("imagemagick candidate rejected", "command", name, "error", err)
			continue
		}
		m.command = path
		m.logger.Info("imagemagick detected", "command", path)
		return path, nil
	}

	return "", ErrNotInstalled
}

// Process writes data to a private temp dir, applies action, and returns the
// converted bytes. The output keeps the extension ext.
func (m *Magick) Process(ctx context.Context, data []byte, ext string, action Action, params Params) ([]byte, error) {
	command, err := m.Detect(ctx)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "magickapi-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input."+ext)
	output := filepath.Join(dir, "output."+ext)
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	args, err := BuildArgs(action, params, input, output)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, command, args...)
	cmd.Dir = dir
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s", ErrFailed, trimStderr(stderr.String(), err))
	}

	out, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("%w: no output produced", ErrFailed)
	}

	m.logger.Debug("imagemagick finished",
		"action", string(action),
		"in_bytes", len(data),
		"out_bytes", len(out),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func trimStderr(s string, runErr error) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return runErr.Error()
	}
	if len(s) > maxStderr {
		s = s[:maxStderr]
	}
	return s
}
