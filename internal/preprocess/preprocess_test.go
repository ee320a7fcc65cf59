package preprocess

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandanlab/tandan/internal/mempool"
)

func solidImage(w, h int, c color.NRGBA) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodeDataURL(t *testing.T) {
	raw := encodePNG(t, solidImage(4, 4, color.NRGBA{R: 10, G: 20, B: 30, A: 255}))
	encoded := base64.StdEncoding.EncodeToString(raw)

	t.Run("bare base64", func(t *testing.T) {
		got, err := DecodeDataURL(encoded)
		require.NoError(t, err)
		assert.Equal(t, raw, got)
	})

	t.Run("data URL prefix", func(t *testing.T) {
		got, err := DecodeDataURL("data:image/png;base64," + encoded)
		require.NoError(t, err)
		assert.Equal(t, raw, got)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := DecodeDataURL("")
		assert.Error(t, err)
	})

	t.Run("invalid base64", func(t *testing.T) {
		_, err := DecodeDataURL("not-base64!!!")
		assert.Error(t, err)
	})
}

func TestDecode(t *testing.T) {
	raw := encodePNG(t, solidImage(8, 6, color.NRGBA{R: 1, G: 2, B: 3, A: 255}))

	img, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
	assert.Equal(t, 6, img.Bounds().Dy())

	_, err = Decode([]byte("garbage"))
	assert.Error(t, err)

	_, err = Decode(nil)
	assert.Error(t, err)

	var convErr *ConversionError
	assert.ErrorAs(t, err, &convErr)
}

func TestCenterSquare(t *testing.T) {
	t.Run("landscape", func(t *testing.T) {
		img, err := CenterSquare(solidImage(100, 60, color.NRGBA{A: 255}))
		require.NoError(t, err)
		assert.Equal(t, 60, img.Bounds().Dx())
		assert.Equal(t, 60, img.Bounds().Dy())
	})

	t.Run("portrait", func(t *testing.T) {
		img, err := CenterSquare(solidImage(30, 90, color.NRGBA{A: 255}))
		require.NoError(t, err)
		assert.Equal(t, 30, img.Bounds().Dx())
		assert.Equal(t, 30, img.Bounds().Dy())
	})

	t.Run("already square", func(t *testing.T) {
		src := solidImage(50, 50, color.NRGBA{A: 255})
		img, err := CenterSquare(src)
		require.NoError(t, err)
		assert.Equal(t, src, img)
	})

	t.Run("crop keeps the center", func(t *testing.T) {
		src := image.NewNRGBA(image.Rect(0, 0, 9, 3))
		for y := 0; y < 3; y++ {
			for x := 0; x < 9; x++ {
				src.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 20), A: 255})
			}
		}
		img, err := CenterSquare(src)
		require.NoError(t, err)
		r, _, _, _ := img.At(img.Bounds().Min.X, img.Bounds().Min.Y).RGBA()
		// Columns 3..5 survive the crop of a 9x3 image.
		assert.Equal(t, uint8(60), uint8(r>>8))
	})
}

func TestRGBBytes(t *testing.T) {
	img := solidImage(10, 10, color.NRGBA{R: 200, G: 100, B: 50, A: 255})

	buf, err := RGBBytes(img, 4, 4)
	require.NoError(t, err)
	defer mempool.PutBytes(buf)

	require.Len(t, buf, 4*4*3)
	assert.Equal(t, uint8(200), buf[0])
	assert.Equal(t, uint8(100), buf[1])
	assert.Equal(t, uint8(50), buf[2])
}

func TestRGBBytesDropsAlpha(t *testing.T) {
	// Premultiplied conversion with partial alpha must still yield exactly
	// three channels per pixel.
	img := solidImage(4, 4, color.NRGBA{R: 255, G: 255, B: 255, A: 128})

	buf, err := RGBBytes(img, 4, 4)
	require.NoError(t, err)
	defer mempool.PutBytes(buf)

	assert.Len(t, buf, 4*4*3)
}

func TestFloat32HWC(t *testing.T) {
	img := solidImage(8, 8, color.NRGBA{R: 255, G: 0, B: 127, A: 255})

	t.Run("detector scale", func(t *testing.T) {
		buf, err := Float32HWC(img, 4, 4, DetectorScale)
		require.NoError(t, err)
		defer mempool.PutFloat32(buf)

		require.Len(t, buf, 4*4*3)
		assert.InDelta(t, 1.0, buf[0], 1e-3)
		assert.InDelta(t, 0.0, buf[1], 1e-3)
		assert.InDelta(t, 127.0/255.0, buf[2], 1e-2)
	})

	t.Run("classifier scale", func(t *testing.T) {
		buf, err := Float32HWC(img, 4, 4, ClassifierScale)
		require.NoError(t, err)
		defer mempool.PutFloat32(buf)

		require.Len(t, buf, 4*4*3)
		assert.InDelta(t, 255.0, buf[0], 1e-1)
		assert.InDelta(t, 0.0, buf[1], 1e-1)
	})

	t.Run("deterministic", func(t *testing.T) {
		a, err := Float32HWC(img, 6, 6, DetectorScale)
		require.NoError(t, err)
		b, err := Float32HWC(img, 6, 6, DetectorScale)
		require.NoError(t, err)
		assert.Equal(t, a, b)
		mempool.PutFloat32(a)
		mempool.PutFloat32(b)
	})

	t.Run("invalid dimensions", func(t *testing.T) {
		_, err := Float32HWC(img, 0, 4, DetectorScale)
		assert.Error(t, err)
	})
}
