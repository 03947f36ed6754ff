package decoder

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/rload/pkg/testutil"
	"github.com/ShoshinNikita/rload/rload"
)

func TestThumbnail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		bounds    image.Rectangle
		maxWidth  int
		maxHeight int
		//
		wantWidth        int
		wantHeight       int
		wantShouldResize bool
	}{
		{
			bounds:    image.Rect(0, 0, 1000, 800),
			maxWidth:  1000,
			maxHeight: 1000,
			//
			wantShouldResize: false,
		},
		{
			bounds:    image.Rect(0, 0, 1100, 800),
			maxWidth:  1000,
			maxHeight: 1000,
			//
			wantShouldResize: true,
			wantWidth:        1000,
			wantHeight:       727,
		},
		{
			bounds:    image.Rect(0, 0, 1000, 1400),
			maxWidth:  1000,
			maxHeight: 500,
			//
			wantShouldResize: true,
			wantWidth:        357,
			wantHeight:       500,
		},
		{
			bounds:    image.Rect(0, 0, 4000, 10),
			maxWidth:  100,
			maxHeight: 1000,
			//
			wantShouldResize: true,
			wantWidth:        100,
			wantHeight:       1,
		},
	}
	for _, tt := range tests {
		t.Run("", func(t *testing.T) {
			r := require.New(t)

			gotWidth, gotHeight, shouldResize := thumbnail(tt.bounds, tt.maxWidth, tt.maxHeight)
			r.Equal(tt.wantWidth, gotWidth)
			r.Equal(tt.wantHeight, gotHeight)
			r.Equal(tt.wantShouldResize, shouldResize)
		})
	}
}

func TestImage(t *testing.T) {
	t.Parallel()

	red := color.RGBA{R: 255, A: 255}
	data := testutil.PNG(t, 200, 100, red)

	t.Run("original size", func(t *testing.T) {
		r := require.New(t)

		res, err := NewImage(0).Decode(data, rload.Params{})
		r.NoError(err)

		img, ok := res.Value.(image.Image)
		r.True(ok)
		r.Equal(image.Rect(0, 0, 200, 100), img.Bounds())
		r.Equal(int64(200*100*4), res.Weight)
	})

	t.Run("downscale", func(t *testing.T) {
		r := require.New(t)

		res, err := NewImage(0).Decode(data, rload.Params{TargetWidth: 50})
		r.NoError(err)

		img := res.Value.(image.Image)
		r.Equal(image.Rect(0, 0, 50, 25), img.Bounds())
		r.Equal(int64(50*25*4), res.Weight)

		cr, cg, cb, ca := img.At(25, 12).RGBA()
		r.Equal([4]uint32{0xffff, 0, 0, 0xffff}, [4]uint32{cr, cg, cb, ca})
	})

	t.Run("no upscale", func(t *testing.T) {
		r := require.New(t)

		res, err := NewImage(0).Decode(data, rload.Params{TargetWidth: 1000})
		r.NoError(err)
		r.Equal(image.Rect(0, 0, 200, 100), res.Value.(image.Image).Bounds())
	})

	t.Run("corrupt data", func(t *testing.T) {
		r := require.New(t)

		_, err := NewImage(0).Decode([]byte("definitely not an image"), rload.Params{})
		r.Error(err)

		_, err = NewImage(0).Decode(data[:len(data)/2], rload.Params{})
		r.Error(err)
	})

	t.Run("too many pixels", func(t *testing.T) {
		r := require.New(t)

		_, err := NewImage(200*100-1).Decode(data, rload.Params{})
		r.ErrorIs(err, ErrTooManyPixels)

		_, err = NewImage(200*100).Decode(data, rload.Params{})
		r.NoError(err)
	})
}

func TestBytes(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	data := []byte("hello")
	res, err := Bytes{}.Decode(data, rload.Params{TargetWidth: 1})
	r.NoError(err)
	r.Equal([]byte("hello"), res.Value)
	r.Equal(int64(5), res.Weight)

	data[0] = 'j'
	r.Equal([]byte("hello"), res.Value)
}
