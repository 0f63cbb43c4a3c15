package telegram

import (
	"bytes"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
)

func writeTestImage(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 64 {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "test.png")
	if err := imaging.Save(img, path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPreparePhotoDownscalesLargeImages(t *testing.T) {
	path := writeTestImage(t, 4000, 1000)
	data, err := preparePhoto(path)
	if err != nil {
		t.Fatal(err)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	b := img.Bounds()
	if b.Dx() > photoMaxDimension || b.Dy() > photoMaxDimension {
		t.Errorf("image not downscaled: %dx%d", b.Dx(), b.Dy())
	}
	// Aspect ratio is preserved by Fit.
	if b.Dx() != photoMaxDimension {
		t.Errorf("long side = %d, want %d", b.Dx(), photoMaxDimension)
	}
}

func TestPreparePhotoKeepsSmallImages(t *testing.T) {
	path := writeTestImage(t, 640, 480)
	data, err := preparePhoto(path)
	if err != nil {
		t.Fatal(err)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 640 || b.Dy() != 480 {
		t.Errorf("small image resized to %dx%d", b.Dx(), b.Dy())
	}
}

func TestPreparePhotoMissingFile(t *testing.T) {
	if _, err := preparePhoto(filepath.Join(os.TempDir(), "no-such-image.png")); err == nil {
		t.Error("missing file accepted")
	}
}
