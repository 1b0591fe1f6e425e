package datasets

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// LoadOptions configures how an image file becomes a model input.
type LoadOptions struct {
	// TargetSize to resize to. Zero keeps the original size.
	TargetSize Size

	// ColorMode of the result. Grayscale images keep 4 equal-valued NRGBA
	// channels; the conversion to a single channel happens in ImageValues.
	ColorMode ColorMode

	// Interpolation used when resizing: "nearest" (default), "bilinear",
	// "bicubic", "lanczos" or "box".
	Interpolation string

	// KeepAspectRatio center-crops the image to the target aspect ratio
	// before resizing, instead of stretching it.
	KeepAspectRatio bool
}

// ResampleFilter maps an interpolation name to the imaging filter.
func ResampleFilter(name string) (imaging.ResampleFilter, error) {
	switch name {
	case "", "nearest":
		return imaging.NearestNeighbor, nil
	case "bilinear":
		return imaging.Linear, nil
	case "bicubic":
		return imaging.CatmullRom, nil
	case "lanczos":
		return imaging.Lanczos, nil
	case "box":
		return imaging.Box, nil
	}
	return imaging.NearestNeighbor, errors.Errorf("invalid interpolation %q", name)
}

// LoadImage decodes the image at path and resizes it as configured.
func LoadImage(path string, opts LoadOptions) (*image.NRGBA, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", path)
	}
	return PrepareImage(img, opts)
}

// PrepareImage resizes and color-converts an already decoded image.
func PrepareImage(img image.Image, opts LoadOptions) (*image.NRGBA, error) {
	filter, err := ResampleFilter(opts.Interpolation)
	if err != nil {
		return nil, err
	}
	var out *image.NRGBA
	size := img.Bounds().Size()
	target := opts.TargetSize
	switch {
	case target.IsZero() || (size.X == target.Width && size.Y == target.Height):
		out = imaging.Clone(img)
	case target.Width <= 0 || target.Height <= 0:
		return nil, errors.Errorf("invalid target size %dx%d", target.Height, target.Width)
	case opts.KeepAspectRatio:
		out = imaging.Fill(img, target.Width, target.Height, imaging.Center, filter)
	default:
		out = imaging.Resize(img, target.Width, target.Height, filter)
	}
	if opts.ColorMode == ColorGrayscale {
		out = imaging.Grayscale(out)
	}
	return out, nil
}

// ImageValues appends the pixel values of img, in [0, 255], to dst in
// height, width, channels order and returns the extended slice.
func ImageValues(dst []float32, img *image.NRGBA, mode ColorMode) []float32 {
	b := img.Bounds()
	channels := mode.Channels()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-b.Min.Y)*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			px := row[x*4 : x*4+4]
			switch channels {
			case 1:
				dst = append(dst, float32(px[0]))
			case 3:
				dst = append(dst, float32(px[0]), float32(px[1]), float32(px[2]))
			default:
				dst = append(dst, float32(px[0]), float32(px[1]), float32(px[2]), float32(px[3]))
			}
		}
	}
	return dst
}

// ImagesToTensor packs images of equal size into a float32 tensor shaped
// [batch, height, width, channels], each value multiplied by scale.
func ImagesToTensor(images []*image.NRGBA, mode ColorMode, scale float32) (*tensors.Tensor, error) {
	if len(images) == 0 {
		return nil, errors.New("no images to convert")
	}
	size := images[0].Bounds().Size()
	channels := mode.Channels()
	flat := make([]float32, 0, len(images)*size.X*size.Y*channels)
	for i, img := range images {
		if img.Bounds().Size() != size {
			return nil, errors.Errorf("image %d has size %v, expected %v", i, img.Bounds().Size(), size)
		}
		flat = ImageValues(flat, img, mode)
	}
	if scale != 1 {
		for i := range flat {
			flat[i] *= scale
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(images), size.Y, size.X, channels), nil
}
