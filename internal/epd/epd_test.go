package epd

import (
	"context"
	"errors"
	"image"
	"path/filepath"
	"testing"

	"inkdash/internal/config"
	"inkdash/internal/convert"
)

type fakePanel struct {
	draws  int
	bounds image.Rectangle
	err    error
}

func (p *fakePanel) Draw(r image.Rectangle, src image.Image, _ image.Point) error {
	p.draws++
	p.bounds = src.Bounds()
	return p.err
}

func writePNG(t *testing.T, w, h int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dashboard.png")
	if err := convert.SavePNG(path, image.NewNRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPushSimulatedResizesFile(t *testing.T) {
	path := writePNG(t, 100, 100)
	s := NewSink(nil)

	if !s.Simulated() {
		t.Fatal("nil panel should simulate")
	}
	if err := s.Push(context.Background(), path); err != nil {
		t.Fatalf("Push err=%v", err)
	}

	img, err := convert.LoadImage(path)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 800 || b.Dy() != 480 {
		t.Fatalf("file bounds = %v, want 800x480", b)
	}
}

func TestPushDrawsOnPanel(t *testing.T) {
	path := writePNG(t, 1600, 960)
	p := &fakePanel{}
	s := NewSink(p)

	if err := s.Push(context.Background(), path); err != nil {
		t.Fatalf("Push err=%v", err)
	}
	if p.draws != 1 {
		t.Fatalf("draws = %d, want 1", p.draws)
	}
	if p.bounds.Dx() != 800 || p.bounds.Dy() != 480 {
		t.Fatalf("drawn bounds = %v, want 800x480", p.bounds)
	}
}

func TestPushPanelError(t *testing.T) {
	path := writePNG(t, 800, 480)
	boom := errors.New("busy pin stuck")
	s := NewSink(&fakePanel{err: boom})

	err := s.Push(context.Background(), path)
	if !errors.Is(err, boom) {
		t.Fatalf("Push err=%v, want wrapped %v", err, boom)
	}
}

func TestPushMissingImage(t *testing.T) {
	p := &fakePanel{}
	s := NewSink(p)
	if err := s.Push(context.Background(), filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if p.draws != 0 {
		t.Fatal("panel must not be drawn when the image cannot be loaded")
	}
}

func TestPushCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &fakePanel{}
	if err := NewSink(p).Push(ctx, writePNG(t, 800, 480)); !errors.Is(err, context.Canceled) {
		t.Fatalf("Push err=%v, want context.Canceled", err)
	}
}

func TestOpenSimulate(t *testing.T) {
	s, err := Open(config.DisplayConfig{Simulate: true})
	if err != nil {
		t.Fatalf("Open err=%v", err)
	}
	if !s.Simulated() {
		t.Fatal("expected simulated sink")
	}
}
