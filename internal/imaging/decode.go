// Package imaging turns uploaded image bytes into pixel arrays.
package imaging

import (
	"bytes"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/blight-api/internal/model"
)

// maxPixels caps the decoded size of an upload; headers are checked before
// any pixel data is allocated.
const maxPixels = 50_000_000

// PixelArray is a decoded image laid out as [height][width][channels]
// samples in a flat row-major buffer.
type PixelArray struct {
	Height   int
	Width    int
	Channels int
	Pix      []uint8
	// Format is the name the image was registered under, e.g. "jpeg".
	Format string
}

// At returns the sample at row y, column x, channel c.
func (p *PixelArray) At(y, x, c int) uint8 {
	return p.Pix[(y*p.Width+x)*p.Channels+c]
}

// Shape returns [height, width, channels].
func (p *PixelArray) Shape() []int {
	return []int{p.Height, p.Width, p.Channels}
}

// Decoder decodes uploads, optionally scaling them to a fixed size first.
// The zero value decodes without resizing.
type Decoder struct {
	ResizeWidth  int
	ResizeHeight int
}

// Decode decodes data with the zero Decoder.
func Decode(data []byte) (*PixelArray, error) {
	return Decoder{}.Decode(data)
}

// Decode sniffs the format from the content and extracts the pixels.
// Any failure is returned as a *model.DecodeError.
func (d Decoder) Decode(data []byte) (*PixelArray, error) {
	if len(data) == 0 {
		return nil, &model.DecodeError{Cause: errors.New("empty upload")}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &model.DecodeError{Cause: errors.Wrap(err, "unrecognized image header")}
	}
	if cfg.Width*cfg.Height > maxPixels {
		return nil, &model.DecodeError{Cause: errors.Errorf("image is %dx%d, limit is %d pixels", cfg.Width, cfg.Height, maxPixels)}
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &model.DecodeError{Cause: errors.Wrap(err, "unrecognized or truncated image")}
	}

	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, &model.DecodeError{Cause: errors.Errorf("image has empty bounds %v", bounds)}
	}

	// channel count follows the source format even when resizing changes the pixel type
	channels := channelsOf(img)
	if d.ResizeWidth > 0 && d.ResizeHeight > 0 {
		img = resize.Resize(uint(d.ResizeWidth), uint(d.ResizeHeight), img, resize.Lanczos3)
	}

	pixels := toPixelArray(img, channels)
	pixels.Format = format
	return pixels, nil
}

// channelsOf mirrors how the source format stores its samples: one for
// grayscale, three for opaque color, four when an alpha or K plane exists.
func channelsOf(img image.Image) int {
	switch src := img.(type) {
	case *image.Gray, *image.Gray16, *image.Alpha, *image.Alpha16:
		return 1
	case *image.YCbCr:
		return 3
	case *image.RGBA, *image.RGBA64:
		// png, bmp and tiff decode alpha-less truecolor into these
		if o, ok := src.(interface{ Opaque() bool }); ok && o.Opaque() {
			return 3
		}
		return 4
	case *image.Paletted:
		for _, c := range src.Palette {
			if _, _, _, a := c.RGBA(); a != 0xffff {
				return 4
			}
		}
		return 3
	default:
		return 4
	}
}

func toPixelArray(img image.Image, channels int) *PixelArray {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	pix := make([]uint8, w*h*channels)
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			i += writeSample(pix[i:i+channels], img, x, y)
		}
	}

	return &PixelArray{
		Height:   h,
		Width:    w,
		Channels: channels,
		Pix:      pix,
	}
}

func writeSample(dst []uint8, img image.Image, x, y int) int {
	switch src := img.(type) {
	case *image.Alpha, *image.Alpha16:
		_, _, _, a := src.At(x, y).RGBA()
		dst[0] = uint8(a >> 8)
		return len(dst)
	case *image.CMYK:
		if len(dst) == 4 {
			c := src.CMYKAt(x, y)
			dst[0], dst[1], dst[2], dst[3] = c.C, c.M, c.Y, c.K
			return len(dst)
		}
	case *image.NRGBA:
		if len(dst) >= 3 {
			c := src.NRGBAAt(x, y)
			copy(dst, []uint8{c.R, c.G, c.B, c.A})
			return len(dst)
		}
	}

	switch len(dst) {
	case 1:
		g := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16)
		dst[0] = uint8(g.Y >> 8)
	case 3:
		r, g, b, _ := img.At(x, y).RGBA()
		dst[0], dst[1], dst[2] = uint8(r>>8), uint8(g>>8), uint8(b>>8)
	default:
		c := color.NRGBA64Model.Convert(img.At(x, y)).(color.NRGBA64)
		dst[0], dst[1], dst[2], dst[3] = uint8(c.R>>8), uint8(c.G>>8), uint8(c.B>>8), uint8(c.A>>8)
	}
	return len(dst)
}
