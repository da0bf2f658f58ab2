// Package recorder captures bounded-length video clips from the station camera by
// running an external capture program.
package recorder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chrissnell/remoteflood/pkg/config"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// The capture program gets this long past the clip duration to flush and exit before it
// is killed.
const exitGrace = 30 * time.Second

// Recorder runs at most one capture at a time.
type Recorder struct {
	cfg    config.RecorderData
	logger *zap.SugaredLogger
	clock  clockwork.Clock

	mu        sync.Mutex
	recording bool
	wg        sync.WaitGroup
}

type Option func(*Recorder)

func WithClock(c clockwork.Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

func New(cfg config.RecorderData, logger *zap.SugaredLogger, opts ...Option) *Recorder {
	r := &Recorder{cfg: cfg, logger: logger, clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// IsRecording reports whether a capture is in progress.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Start begins a capture in the background and returns the clip path. It returns false
// without doing anything when recording is disabled or a capture is already running.
func (r *Recorder) Start(ctx context.Context, prefix string) (string, bool) {
	if !r.cfg.Enabled || len(r.cfg.Command) == 0 {
		return "", false
	}
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return "", false
	}
	r.recording = true
	r.mu.Unlock()

	output := r.outputPath(prefix)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			r.recording = false
			r.mu.Unlock()
		}()

		if err := r.record(ctx, output); err != nil {
			r.logger.Errorf("recording %s failed: %v", output, err)
			return
		}
		r.logger.Infof("recorded %s", output)
	}()
	return output, true
}

// Wait blocks until any running capture finishes.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

func (r *Recorder) outputPath(prefix string) string {
	if prefix == "" {
		prefix = "clip"
	}
	name := fmt.Sprintf("%s-%s.mp4", prefix, r.clock.Now().UTC().Format("20060102T150405Z"))
	return filepath.Join(r.cfg.Directory, name)
}

func (r *Recorder) record(ctx context.Context, output string) error {
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("create recording directory: %w", err)
	}

	d := r.cfg.Duration.D()
	ctx, cancel := context.WithTimeout(ctx, d+exitGrace)
	defer cancel()

	args := expand(r.cfg.Command, d, output)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", args[0], err, msg)
		}
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return nil
}

// expand substitutes {seconds} and {output} in every argument.
func expand(command []string, d time.Duration, output string) []string {
	seconds := strconv.Itoa(int(d.Round(time.Second) / time.Second))
	r := strings.NewReplacer("{seconds}", seconds, "{output}", output)
	args := make([]string, len(command))
	for i, a := range command {
		args[i] = r.Replace(a)
	}
	return args
}
