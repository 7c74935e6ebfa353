// Package normalizer converts downloaded image bytes into the canonical
// 224x224 RGB JPEG used by the training set.
package normalizer

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/cwygoda/cardcatcher/internal/domain"
)

const (
	DefaultSize    = 224
	DefaultQuality = 85
)

// Normalizer implements domain.Normalizer.
type Normalizer struct {
	size    int
	quality int
}

var _ domain.Normalizer = (*Normalizer)(nil)

// New creates a Normalizer producing size x size JPEGs at the given quality.
// Non-positive values use the defaults.
func New(size, quality int) *Normalizer {
	if size <= 0 {
		size = DefaultSize
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Normalizer{size: size, quality: quality}
}

// Normalize decodes raw, drops alpha, resizes with a Lanczos filter and
// re-encodes as JPEG. The returned image is decoded from the encoded bytes,
// so it matches what gets written to disk.
func (n *Normalizer) Normalize(raw []byte) (*domain.NormalizedImage, error) {
	src, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDecode, err)
	}
	if b := src.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: empty image", domain.ErrDecode)
	}

	resized := imaging.Resize(toRGB(src), n.size, n.size, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(n.quality)); err != nil {
		return nil, fmt.Errorf("%w: encoding jpeg: %w", domain.ErrDecode, err)
	}
	data := buf.Bytes()

	out, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: re-decoding jpeg: %w", domain.ErrDecode, err)
	}
	return &domain.NormalizedImage{Image: out, Data: data}, nil
}

// toRGB returns img with every pixel fully opaque. Color channels are kept
// as-is; alpha is discarded rather than composited.
func toRGB(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	rgb := imaging.Clone(img)
	for i := 3; i < len(rgb.Pix); i += 4 {
		rgb.Pix[i] = 0xff
	}
	return rgb
}
