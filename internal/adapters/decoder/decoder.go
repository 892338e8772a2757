package decoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strconv"

	"github.com/Amund211/contentloader/internal/domain"
	"github.com/Amund211/contentloader/internal/loader"
	"github.com/disintegration/imaging"
)

var ErrInvalidDimension = errors.New("invalid dimension")
var ErrUnsupportedFormat = errors.New("unsupported format")

// Images decodes the bytes fetched by another fetcher, fitting the result
// inside the width/height options when they are set.
type Images struct {
	fetcher loader.Fetcher[[]byte]
}

func NewImages(fetcher loader.Fetcher[[]byte]) *Images {
	return &Images{fetcher: fetcher}
}

func (d *Images) Fetch(ctx context.Context, request domain.Request, attempt int) (image.Image, error) {
	width, err := dimension(request.Options, domain.OptionWidth)
	if err != nil {
		return nil, err
	}
	height, err := dimension(request.Options, domain.OptionHeight)
	if err != nil {
		return nil, err
	}

	data, err := d.fetcher.Fetch(ctx, request, attempt)
	if err != nil {
		return nil, err
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	return resize(img, width, height), nil
}

func dimension(options domain.Options, key string) (int, error) {
	raw, ok := options[key]
	if !ok || raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidDimension, key, raw)
	}
	return value, nil
}

// resize never upscales. A zero dimension keeps the aspect ratio.
func resize(img image.Image, width, height int) image.Image {
	bounds := img.Bounds()
	switch {
	case width == 0 && height == 0:
		return img
	case width > 0 && height > 0:
		if bounds.Dx() <= width && bounds.Dy() <= height {
			return img
		}
		return imaging.Fit(img, width, height, imaging.Lanczos)
	case width > 0:
		if bounds.Dx() <= width {
			return img
		}
		return imaging.Resize(img, width, 0, imaging.Lanczos)
	default:
		if bounds.Dy() <= height {
			return img
		}
		return imaging.Resize(img, 0, height, imaging.Lanczos)
	}
}

// SizeOf estimates the memory held by a decoded image, 4 bytes per pixel.
func SizeOf(key string, img image.Image) uint64 {
	if img == nil {
		return 0
	}
	bounds := img.Bounds()
	return uint64(bounds.Dx()) * uint64(bounds.Dy()) * 4
}

// Format parses an output format name. The empty string means PNG.
func Format(name string) (imaging.Format, error) {
	if name == "" {
		return imaging.PNG, nil
	}
	format, err := imaging.FormatFromExtension(name)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
	return format, nil
}

func ContentType(format imaging.Format) string {
	switch format {
	case imaging.JPEG:
		return "image/jpeg"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	case imaging.BMP:
		return "image/bmp"
	}
	return "image/png"
}

func Encode(w io.Writer, img image.Image, format imaging.Format) error {
	if err := imaging.Encode(w, img, format); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}
	return nil
}
