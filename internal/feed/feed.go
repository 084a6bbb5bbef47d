// Package feed tails a JSONL file of gateway frames and decodes each line
// into an event. It stands in for a live gateway connection: anything that
// appends frames to the file (a recorder, a test, a shell redirect) drives
// the console.
package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fakeyudi/agentconsole/internal/events"
)

// Tailer follows one frame file.
type Tailer struct {
	path      string
	log       *zap.Logger
	fromStart bool

	offset  int64
	partial []byte
}

// Option configures a Tailer.
type Option func(*Tailer)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(t *Tailer) {
		if log != nil {
			t.log = log
		}
	}
}

// FromEnd skips frames already in the file when tailing starts.
func FromEnd() Option {
	return func(t *Tailer) { t.fromStart = false }
}

// New returns a Tailer for path.
func New(path string, opts ...Option) *Tailer {
	t := &Tailer{path: filepath.Clean(path), log: zap.NewNop(), fromStart: true}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.Named("feed")
	return t
}

// Run sends one event per complete line to out until ctx is cancelled. The
// file may not exist yet; it is picked up when created. A truncated or
// replaced file is read again from the start.
func (t *Tailer) Run(ctx context.Context, out chan<- events.Event) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory so creation and rotation of the file are seen.
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(t.path), err)
	}

	if !t.fromStart {
		if info, err := os.Stat(t.path); err == nil {
			t.offset = info.Size()
		}
	}
	if err := t.drain(ctx, out); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != t.path {
				continue
			}
			switch {
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				t.log.Debug("frame file replaced", zap.String("path", t.path))
				t.offset, t.partial = 0, nil
			case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
				if err := t.drain(ctx, out); err != nil {
					return err
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			// Watcher errors are non-fatal; continue watching.
			t.log.Warn("watch error", zap.Error(err))
		}
	}
}

// drain reads everything appended since the last read and emits complete
// lines.
func (t *Tailer) drain(ctx context.Context, out chan<- events.Event) error {
	f, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open frame file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat frame file: %w", err)
	}
	if info.Size() < t.offset {
		t.log.Debug("frame file truncated", zap.String("path", t.path))
		t.offset, t.partial = 0, nil
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek frame file: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read frame file: %w", err)
	}
	t.offset += int64(len(data))

	buf := append(t.partial, data...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(buf[:i])
		buf = buf[i+1:]
		if len(line) == 0 {
			continue
		}
		ev := events.Decode(line)
		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
	t.partial = append([]byte(nil), buf...)
	return nil
}

// ReadAll decodes every complete line of the file at path.
func ReadAll(path string) ([]events.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []events.Event
	for _, line := range bytes.Split(data, []byte("\n")) {
		if line = bytes.TrimSpace(line); len(line) > 0 {
			out = append(out, events.Decode(line))
		}
	}
	return out, nil
}
