package utils

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ValidateImage checks magic bytes against allowed and makes sure the header decodes.
func ValidateImage(data []byte, allowed map[string]bool) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("file is empty")
	}
	contentType := http.DetectContentType(data)
	if !allowed[contentType] {
		return "", fmt.Errorf("unsupported file type: %s", contentType)
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("invalid image format, could not decode config: %w", err)
	}
	return contentType, nil
}

// NormalizeImage decodes an upload with EXIF orientation applied, shrinks it to fit
// maxWidth x maxHeight and re-encodes it. PNG stays PNG, everything else becomes JPEG.
func NormalizeImage(data []byte, maxWidth, maxHeight int) ([]byte, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("invalid image format, could not decode config: %w", err)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image with orientation correction: %w", err)
	}
	if cfg.Width > maxWidth || cfg.Height > maxHeight {
		img = imaging.Fit(img, maxWidth, maxHeight, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if format == "png" {
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, "", fmt.Errorf("failed to encode image: %w", err)
		}
		return buf.Bytes(), "image/png", nil
	}
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, "", fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}
