package telegram

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
)

func writeImageFixture(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 64 {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.White)
		}
	}
	path := filepath.Join(t.TempDir(), "foto.jpg")
	if err := imaging.Save(img, path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDownscaleImage_LargePhotoBounded(t *testing.T) {
	path := writeImageFixture(t, 4096, 1024)
	got := downscaleImage(path)
	if got != path {
		t.Fatalf("path changed: %q", got)
	}
	img, err := imaging.Open(got)
	if err != nil {
		t.Fatal(err)
	}
	b := img.Bounds()
	if b.Dx() > maxImageDimension || b.Dy() > maxImageDimension {
		t.Errorf("image still %dx%d", b.Dx(), b.Dy())
	}
	// Aspect ratio preserved: 4:1 stays 4:1.
	if b.Dx() != maxImageDimension || b.Dy() != maxImageDimension/4 {
		t.Errorf("resize = %dx%d, want %dx%d", b.Dx(), b.Dy(), maxImageDimension, maxImageDimension/4)
	}
}

func TestDownscaleImage_SmallPhotoUntouched(t *testing.T) {
	path := writeImageFixture(t, 640, 480)
	downscaleImage(path)
	img, err := imaging.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 640 || b.Dy() != 480 {
		t.Errorf("small image resized to %dx%d", b.Dx(), b.Dy())
	}
}

func TestDownscaleImage_NonImageFailSoft(t *testing.T) {
	path := filepath.Join(t.TempDir(), "no-imagen.jpg")
	// Missing file: decode fails, the original path comes back.
	if got := downscaleImage(path); got != path {
		t.Errorf("fail-soft path = %q", got)
	}
}
