package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/quality"
)

func TestPolicy_Lookup(t *testing.T) {
	p, err := NewPolicy("")
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	c, err := p.Lookup("720p")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if c.Width != 1280 || c.Height != 720 || !c.Audio || !c.Video || c.Label != "720p" {
		t.Fatalf("got %+v", c)
	}
	if _, err := p.Lookup("8k"); !errors.Is(err, ErrUnknownResolution) {
		t.Fatalf("err=%v, want ErrUnknownResolution", err)
	}
	if _, err := NewPolicy("8k"); !errors.Is(err, ErrUnknownResolution) {
		t.Fatalf("NewPolicy(8k) err=%v", err)
	}
}

func TestPolicy_ForQualityClampsToMax(t *testing.T) {
	p, err := NewPolicy("480p")
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	cases := []struct {
		q    quality.Label
		want string
	}{
		{quality.Excellent, "480p"},
		{quality.Good, "480p"},
		{quality.Fair, "360p"},
		{quality.Poor, "240p"},
	}
	for _, tc := range cases {
		c, err := p.ForQuality(tc.q)
		if err != nil {
			t.Fatalf("ForQuality(%q): %v", tc.q, err)
		}
		if c.Label != tc.want {
			t.Fatalf("ForQuality(%q)=%q, want %q", tc.q, c.Label, tc.want)
		}
	}
	if _, err := p.ForQuality(quality.Unknown); err == nil {
		t.Fatalf("expected error for unknown quality")
	}
}

func TestPolicy_LoadPresetsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "presets.json")
	if err := os.WriteFile(path, []byte(`{"480p":{"width":854,"height":480},"4k":{"width":3840,"height":2160,"frameRate":24}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	p, _ := NewPolicy("")
	if err := p.LoadPresetsFile(path); err != nil {
		t.Fatalf("LoadPresetsFile: %v", err)
	}
	c, _ := p.Lookup("480p")
	if c.Width != 854 || c.FrameRate != 30 {
		t.Fatalf("480p=%+v, want overridden width and default frame rate", c)
	}
	labels := p.Labels()
	if labels[len(labels)-1] != "4k" {
		t.Fatalf("Labels=%v, want 4k last", labels)
	}

	if err := os.WriteFile(path, []byte(`{"bad":{"width":0,"height":1}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := p.LoadPresetsFile(path); err == nil {
		t.Fatalf("expected validation error")
	}
	if _, err := p.Lookup("4k"); err != nil {
		t.Fatalf("failed reload must keep previous presets: %v", err)
	}
}

func TestPolicy_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "presets.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o600); err != nil {
		t.Fatal(err)
	}
	p, _ := NewPolicy("")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Watch(ctx, path, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(path, []byte(`{"tiny":{"width":160,"height":120}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := p.Lookup("tiny"); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("presets were not reloaded")
}
