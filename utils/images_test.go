package utils

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"harei/config"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestValidateImage(t *testing.T) {
	contentType, err := ValidateImage(encodePNG(t, 4, 4), config.BoxImageTypes)
	require.NoError(t, err)
	require.Equal(t, "image/png", contentType)

	_, err = ValidateImage([]byte("definitely not an image"), config.BoxImageTypes)
	require.Error(t, err)

	_, err = ValidateImage(nil, config.BoxImageTypes)
	require.Error(t, err)
}

func TestNormalizeImageShrinks(t *testing.T) {
	out, contentType, err := NormalizeImage(encodePNG(t, 400, 200), 100, 100)
	require.NoError(t, err)
	require.Equal(t, "image/png", contentType)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, 100, cfg.Width)
	require.Equal(t, 50, cfg.Height)
}

func TestNormalizeImageKeepsSmall(t *testing.T) {
	out, _, err := NormalizeImage(encodePNG(t, 20, 10), 100, 100)
	require.NoError(t, err)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, 20, cfg.Width)
	require.Equal(t, 10, cfg.Height)
}

func TestSortNatural(t *testing.T) {
	names := []string{"/images/back/back10.jpg", "/images/back/back2.jpg", "/images/back/back1.jpg"}
	SortNatural(names)
	require.Equal(t, []string{"/images/back/back1.jpg", "/images/back/back2.jpg", "/images/back/back10.jpg"}, names)
}

func TestLocalStorageListImages(t *testing.T) {
	dir := t.TempDir()
	store := &LocalStorage{Dir: dir, URLPrefix: "/images"}

	urls, err := store.ListImages(t.Context(), "missing")
	require.NoError(t, err)
	require.Empty(t, urls)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "back"), 0755))
	for _, name := range []string{"back10.jpg", "back2.png", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "back", name), []byte("x"), 0644))
	}
	urls, err = store.ListImages(t.Context(), "back")
	require.NoError(t, err)
	require.Equal(t, []string{"/images/back/back2.png", "/images/back/back10.jpg"}, urls)
}
