package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
)

// MaxImageDim is the longest edge sent to the model; larger uploads are
// downscaled first to keep the inline payload small.
const MaxImageDim = 1600

// PrepareImage downscales an oversized receipt image and re-encodes it as
// JPEG. Non-image payloads (PDFs) pass through untouched.
func PrepareImage(data []byte, mimeType string) ([]byte, string, error) {
	if !strings.HasPrefix(mimeType, "image/") {
		return data, mimeType, nil
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("extract: decode image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() > MaxImageDim || b.Dy() > MaxImageDim {
		img = imaging.Fit(img, MaxImageDim, MaxImageDim, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, "", fmt.Errorf("extract: encode image: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}
