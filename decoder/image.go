// Package decoder contains implementations of [rload.Decoder].
package decoder

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/ShoshinNikita/rload/rload"
)

const KindImage = "image"

var ErrTooManyPixels = errors.New("image has too many pixels")

// Image decodes jpeg, png, gif and webp images. Images wider than the target width
// are downscaled preserving the aspect ratio.
type Image struct {
	maxPixels int
}

// NewImage creates a new decoder. Images with more than maxPixels pixels are rejected
// before decoding, 0 means no limit.
func NewImage(maxPixels int) *Image {
	return &Image{maxPixels: maxPixels}
}

func (*Image) Kind() string {
	return KindImage
}

func (d *Image) Decode(data []byte, p rload.Params) (rload.Result, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return rload.Result{}, fmt.Errorf("couldn't decode image config: %w", err)
	}
	if d.maxPixels > 0 && cfg.Width*cfg.Height > d.maxPixels {
		return rload.Result{}, fmt.Errorf("%w: %dx%d", ErrTooManyPixels, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return rload.Result{}, fmt.Errorf("couldn't decode %s image: %w", format, err)
	}

	if p.TargetWidth > 0 {
		img = downscale(img, p.TargetWidth)
	}

	bounds := img.Bounds()
	return rload.Result{
		Value:  img,
		Weight: int64(bounds.Dx()) * int64(bounds.Dy()) * 4,
	}, nil
}

func downscale(img image.Image, maxWidth int) image.Image {
	width, height, shouldResize := thumbnail(img.Bounds(), maxWidth, math.MaxInt)
	if !shouldResize {
		return img
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// thumbnail calculates new width and height preserving original aspect ratio.
// If the current width and height are less than the max ones, it will return
// shouldResize = false.
func thumbnail(bounds image.Rectangle, maxWidth, maxHeight int) (newWidth, newHeight int, shouldResize bool) {
	origWidth := bounds.Dx()
	origHeight := bounds.Dy()

	if maxWidth >= origWidth && maxHeight >= origHeight {
		return 0, 0, false
	}

	newWidth, newHeight = origWidth, origHeight

	if newWidth > maxWidth {
		newHeight = max(newHeight*maxWidth/newWidth, 1)
		newWidth = maxWidth
	}
	if newHeight > maxHeight {
		newWidth = max(newWidth*maxHeight/newHeight, 1)
		newHeight = maxHeight
	}
	return newWidth, newHeight, true
}
