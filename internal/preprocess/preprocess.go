package preprocess

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG decoding
	_ "image/png"  // register PNG decoding
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp" // register BMP decoding

	"github.com/tandanlab/tandan/internal/mempool"
)

// Pixel scaling applied to the 0-255 channel values before they enter a model.
// The detector was exported with inputs normalized to [0,1]; the classifier
// consumes raw byte values.
const (
	DetectorScale   = float32(1.0 / 255.0)
	ClassifierScale = float32(1.0)
)

// ConversionError represents errors that occur while turning an encoded image
// into a model input buffer.
type ConversionError struct {
	Operation string
	Err       error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("image conversion error in %s: %v", e.Operation, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// DecodeDataURL decodes a base64 image payload as sent by the capture UI.
// Accepts both bare base64 and "data:image/...;base64," prefixed strings.
func DecodeDataURL(s string) ([]byte, error) {
	if s == "" {
		return nil, &ConversionError{Operation: "decode-base64", Err: errors.New("empty payload")}
	}
	if idx := strings.Index(s, "base64,"); idx >= 0 {
		s = s[idx+len("base64,"):]
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &ConversionError{Operation: "decode-base64", Err: err}
	}
	if len(raw) == 0 {
		return nil, &ConversionError{Operation: "decode-base64", Err: errors.New("empty payload")}
	}
	return raw, nil
}

// Decode turns encoded image bytes into an image.Image. Fails explicitly on
// undecodable input.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, &ConversionError{Operation: "decode", Err: errors.New("empty image data")}
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &ConversionError{Operation: "decode", Err: err}
	}
	return img, nil
}

// CenterSquare crops an image to its centered largest square. Square inputs
// are returned unchanged.
func CenterSquare(img image.Image) (image.Image, error) {
	if img == nil {
		return nil, &ConversionError{Operation: "center-square", Err: errors.New("input image is nil")}
	}
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, &ConversionError{Operation: "center-square", Err: errors.New("invalid image dimensions")}
	}
	if width == height {
		return img, nil
	}
	size := min(width, height)
	x0 := bounds.Min.X + (width-size)/2
	y0 := bounds.Min.Y + (height-size)/2
	return imaging.Crop(img, image.Rect(x0, y0, x0+size, y0+size)), nil
}

// ResizeSquare resizes an image to size x size using Lanczos resampling.
func ResizeSquare(img image.Image, size int) (*image.NRGBA, error) {
	if img == nil {
		return nil, &ConversionError{Operation: "resize", Err: errors.New("input image is nil")}
	}
	if size <= 0 {
		return nil, &ConversionError{Operation: "resize", Err: fmt.Errorf("invalid target size %d", size)}
	}
	return imaging.Resize(img, size, size, imaging.Lanczos), nil
}

// RGBBytes converts an image to a packed interleaved RGB byte buffer of
// exactly width*height*3 bytes, alpha dropped. The image is resized to the
// target dimensions first. The returned buffer comes from the shared pool;
// callers release it with mempool.PutBytes.
func RGBBytes(img image.Image, width, height int) ([]byte, error) {
	if img == nil {
		return nil, &ConversionError{Operation: "rgb-pack", Err: errors.New("input image is nil")}
	}
	if width <= 0 || height <= 0 {
		return nil, &ConversionError{Operation: "rgb-pack", Err: fmt.Errorf("invalid target dimensions %dx%d", width, height)}
	}

	resized := imaging.Resize(img, width, height, imaging.Lanczos)
	buf := mempool.GetBytes(width * height * 3)
	for y := range height {
		for x := range width {
			r, g, b, _ := resized.At(x, y).RGBA()
			idx := (y*width + x) * 3
			buf[idx] = uint8(r >> 8)
			buf[idx+1] = uint8(g >> 8)
			buf[idx+2] = uint8(b >> 8)
		}
	}
	return buf, nil
}

// Float32HWC converts an image to an interleaved RGB float32 buffer of
// exactly width*height*3 values in HWC order, alpha dropped. Channel values
// are 0-255 multiplied by scale. The image is resized to the target
// dimensions first. The returned buffer comes from the shared pool; callers
// release it with mempool.PutFloat32 (or hand ownership to the inference
// channel, which releases it after dispatch).
func Float32HWC(img image.Image, width, height int, scale float32) ([]float32, error) {
	if img == nil {
		return nil, &ConversionError{Operation: "tensor", Err: errors.New("input image is nil")}
	}
	if width <= 0 || height <= 0 {
		return nil, &ConversionError{Operation: "tensor", Err: fmt.Errorf("invalid target dimensions %dx%d", width, height)}
	}

	resized := imaging.Resize(img, width, height, imaging.Lanczos)
	buf := mempool.GetFloat32(width * height * 3)
	for y := range height {
		for x := range width {
			r, g, b, _ := resized.At(x, y).RGBA()
			idx := (y*width + x) * 3
			buf[idx] = float32(r>>8) * scale
			buf[idx+1] = float32(g>>8) * scale
			buf[idx+2] = float32(b>>8) * scale
		}
	}
	return buf, nil
}
