// Package media selects capture constraints and produces local tracks.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/quality"
)

var ErrUnknownResolution = errors.New("unknown resolution")

// Constraints describe one capture request.
type Constraints struct {
	Label     string  `json:"-"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FrameRate float64 `json:"frameRate"`
	Audio     bool    `json:"-"`
	Video     bool    `json:"-"`
}

// DefaultPresets are the built-in resolution presets.
func DefaultPresets() map[string]Constraints {
	return map[string]Constraints{
		"240p":  {Label: "240p", Width: 320, Height: 240, FrameRate: 15},
		"360p":  {Label: "360p", Width: 640, Height: 360, FrameRate: 24},
		"480p":  {Label: "480p", Width: 640, Height: 480, FrameRate: 30},
		"720p":  {Label: "720p", Width: 1280, Height: 720, FrameRate: 30},
		"1080p": {Label: "1080p", Width: 1920, Height: 1080, FrameRate: 30},
	}
}

var qualityPresets = map[quality.Label]string{
	quality.Excellent: "720p",
	quality.Good:      "480p",
	quality.Fair:      "360p",
	quality.Poor:      "240p",
}

// Policy maps resolution labels and connection quality to Constraints.
type Policy struct {
	mu      sync.RWMutex
	presets map[string]Constraints
	max     string
}

// NewPolicy returns a Policy over the default presets, never selecting
// anything taller than maxLabel ("" for no cap).
func NewPolicy(maxLabel string) (*Policy, error) {
	p := &Policy{presets: DefaultPresets(), max: maxLabel}
	if maxLabel != "" {
		if _, ok := p.presets[maxLabel]; !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownResolution, maxLabel)
		}
	}
	return p, nil
}

// Lookup returns the preset for label with audio and video requested.
func (p *Policy) Lookup(label string) (Constraints, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.presets[label]
	if !ok {
		return Constraints{}, fmt.Errorf("%w %q", ErrUnknownResolution, label)
	}
	c.Label = label
	c.Audio, c.Video = true, true
	return c, nil
}

// ForQuality picks the preset for a connection quality label, clamped to the
// configured maximum.
func (p *Policy) ForQuality(q quality.Label) (Constraints, error) {
	label, ok := qualityPresets[q]
	if !ok {
		return Constraints{}, fmt.Errorf("%w for quality %q", ErrUnknownResolution, q)
	}
	c, err := p.Lookup(label)
	if err != nil {
		return Constraints{}, err
	}

	p.mu.RLock()
	maxLabel := p.max
	p.mu.RUnlock()
	if maxLabel == "" {
		return c, nil
	}
	maxC, err := p.Lookup(maxLabel)
	if err != nil {
		return c, nil
	}
	if c.Height > maxC.Height {
		return maxC, nil
	}
	return c, nil
}

// Labels returns the known labels ordered by height.
func (p *Policy) Labels() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.presets))
	for k := range p.presets {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		hi, hj := p.presets[out[i]].Height, p.presets[out[j]].Height
		if hi != hj {
			return hi < hj
		}
		return out[i] < out[j]
	})
	return out
}

// LoadPresetsFile merges presets from a JSON object keyed by label into the
// defaults. The max label must still resolve afterwards.
func (p *Policy) LoadPresetsFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read presets: %w", err)
	}
	var loaded map[string]Constraints
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return fmt.Errorf("parse presets %s: %w", path, err)
	}

	next := DefaultPresets()
	for label, c := range loaded {
		if c.Width <= 0 || c.Height <= 0 {
			return fmt.Errorf("preset %q: width and height must be positive", label)
		}
		if c.FrameRate <= 0 {
			c.FrameRate = 30
		}
		c.Label = label
		next[label] = c
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.max != "" {
		if _, ok := next[p.max]; !ok {
			return fmt.Errorf("%w %q", ErrUnknownResolution, p.max)
		}
	}
	p.presets = next
	return nil
}

// Watch reloads the presets file whenever it is written, until ctx is done.
func (p *Policy) Watch(ctx context.Context, path string, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory so editors that replace the file are noticed.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}
	target := filepath.Clean(path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if err := p.LoadPresetsFile(path); err != nil {
					logger.Warn("presets reload failed", "path", path, "err", err)
					continue
				}
				logger.Info("presets reloaded", "path", path, "labels", p.Labels())
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("presets watcher error", "err", err)
			}
		}
	}()
	return nil
}
