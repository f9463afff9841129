// Package preprocess normalizes uploaded images before they are sent to the
// recognition capability: orientation is fixed, oversized photos are
// downscaled and everything is re-encoded as JPEG so the OCR payload stays
// under the provider's practical size limits.
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/disintegration/imaging"

	"github.com/textlens/scan-processing-service/internal/imagestore"
)

// Normalizer derives a bounded, recognition-ready copy of a stored image.
type Normalizer struct {
	Store *imagestore.Store

	// MaxDimension bounds the longer image side in pixels.
	MaxDimension int
	// JPEGQuality is the re-encode quality (1-100).
	JPEGQuality int
}

// Normalize loads the original, downscales it to fit MaxDimension if needed
// and writes a new JPEG into the store. The original file is never touched;
// the derived image is a distinct temporary artifact the caller must scope
// for cleanup like any other stored image.
func (n *Normalizer) Normalize(src imagestore.StoredImage) (imagestore.StoredImage, error) {
	img, err := imaging.Open(src.Path, imaging.AutoOrientation(true))
	if err != nil {
		return imagestore.StoredImage{}, fmt.Errorf("preprocess: open %s: %w", src.Name, err)
	}

	img = n.fit(img)

	var buf bytes.Buffer
	quality := n.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return imagestore.StoredImage{}, fmt.Errorf("preprocess: encode %s: %w", src.Name, err)
	}

	derived, err := n.Store.Save(buf.Bytes(), ".jpg")
	if err != nil {
		return imagestore.StoredImage{}, fmt.Errorf("preprocess: store derived image: %w", err)
	}
	return derived, nil
}

func (n *Normalizer) fit(img image.Image) image.Image {
	max := n.MaxDimension
	if max <= 0 {
		max = 2048
	}
	b := img.Bounds()
	if b.Dx() <= max && b.Dy() <= max {
		return img
	}
	return imaging.Fit(img, max, max, imaging.Lanczos)
}
