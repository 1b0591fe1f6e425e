package datasets

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// GeneratorConfig configures the random augmentations and the value
// standardization applied to every image of a flow.
type GeneratorConfig struct {
	// Rescale multiplies every value after augmentation. 0 means no rescaling.
	Rescale float64

	// RotationRange in degrees: rotations are drawn from [-RotationRange, RotationRange].
	RotationRange float64

	// WidthShiftRange and HeightShiftRange: fraction of the size if < 1,
	// pixels otherwise.
	WidthShiftRange  float64
	HeightShiftRange float64

	// ShearRange in degrees, counter-clockwise.
	ShearRange float64

	// ZoomRange z draws zoom factors from [1-z, 1+z], unless ZoomLower and
	// ZoomUpper are set.
	ZoomRange            float64
	ZoomLower, ZoomUpper float64

	HorizontalFlip bool
	VerticalFlip   bool

	// FillMode for points outside the input: "nearest" (default),
	// "constant", "reflect" or "wrap".
	FillMode string

	// Cval is the value, in [0, 255], used with FillMode "constant".
	Cval float64

	// SamplewiseCenter subtracts each image's mean.
	SamplewiseCenter bool

	// SamplewiseStdNormalization divides each image by its standard deviation.
	SamplewiseStdNormalization bool

	// ValidationSplit reserved for the "validation" subset of a flow.
	ValidationSplit float64
}

// Generator applies random augmentations to images and creates flows of
// batches from directories.
type Generator struct {
	cfg                  GeneratorConfig
	zoomLower, zoomUpper float64
}

// NewGenerator validates cfg and returns a Generator.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.RotationRange < 0 || cfg.WidthShiftRange < 0 || cfg.HeightShiftRange < 0 ||
		cfg.ShearRange < 0 || cfg.ZoomRange < 0 {
		return nil, errors.Errorf("augmentation ranges must be non-negative: %+v", cfg)
	}
	if cfg.ValidationSplit < 0 || cfg.ValidationSplit >= 1 {
		return nil, errors.Errorf("validation split must be in [0, 1), got %g", cfg.ValidationSplit)
	}
	switch cfg.FillMode {
	case "":
		cfg.FillMode = "nearest"
	case "nearest", "constant", "reflect", "wrap":
	default:
		return nil, errors.Errorf("invalid fill mode %q: valid values are nearest, constant, reflect or wrap", cfg.FillMode)
	}
	g := &Generator{cfg: cfg}
	if cfg.ZoomLower != 0 || cfg.ZoomUpper != 0 {
		g.zoomLower, g.zoomUpper = cfg.ZoomLower, cfg.ZoomUpper
	} else {
		g.zoomLower, g.zoomUpper = 1-cfg.ZoomRange, 1+cfg.ZoomRange
	}
	if g.zoomLower <= 0 || g.zoomUpper < g.zoomLower {
		return nil, errors.Errorf("invalid zoom range [%g, %g]", g.zoomLower, g.zoomUpper)
	}
	return g, nil
}

// Config returns the generator configuration.
func (g *Generator) Config() GeneratorConfig { return g.cfg }

// TransformParams holds one draw of random augmentation parameters.
type TransformParams struct {
	// Theta is the rotation in degrees.
	Theta float64
	// Tx and Ty shift along rows and columns, in pixels.
	Tx, Ty float64
	// Shear in degrees.
	Shear float64
	// Zx and Zy zoom along rows and columns.
	Zx, Zy                       float64
	FlipHorizontal, FlipVertical bool
}

// RandomTransformParams draws augmentation parameters for an image of the given size.
func (g *Generator) RandomTransformParams(rng *rand.Rand, size Size) TransformParams {
	p := TransformParams{Zx: 1, Zy: 1}
	cfg := g.cfg
	if cfg.RotationRange > 0 {
		p.Theta = uniform(rng, -cfg.RotationRange, cfg.RotationRange)
	}
	if cfg.HeightShiftRange > 0 {
		p.Tx = uniform(rng, -cfg.HeightShiftRange, cfg.HeightShiftRange)
		if cfg.HeightShiftRange < 1 {
			p.Tx *= float64(size.Height)
		}
	}
	if cfg.WidthShiftRange > 0 {
		p.Ty = uniform(rng, -cfg.WidthShiftRange, cfg.WidthShiftRange)
		if cfg.WidthShiftRange < 1 {
			p.Ty *= float64(size.Width)
		}
	}
	if cfg.ShearRange > 0 {
		p.Shear = uniform(rng, -cfg.ShearRange, cfg.ShearRange)
	}
	if g.zoomLower != 1 || g.zoomUpper != 1 {
		p.Zx = uniform(rng, g.zoomLower, g.zoomUpper)
		p.Zy = uniform(rng, g.zoomLower, g.zoomUpper)
	}
	p.FlipHorizontal = cfg.HorizontalFlip && rng.Float64() < 0.5
	p.FlipVertical = cfg.VerticalFlip && rng.Float64() < 0.5
	return p
}

// RandomTransform draws parameters with rng and applies them to img.
func (g *Generator) RandomTransform(img *image.NRGBA, rng *rand.Rand) *image.NRGBA {
	size := img.Bounds().Size()
	return g.ApplyTransform(img, g.RandomTransformParams(rng, Size{Height: size.Y, Width: size.X}))
}

// ApplyTransform applies the affine part of p (rotation, shift, shear and
// zoom around the image center) and then the flips.
func (g *Generator) ApplyTransform(img *image.NRGBA, p TransformParams) *image.NRGBA {
	m := transformMatrix(p)
	if !m.isIdentity() {
		size := img.Bounds().Size()
		m = m.centered(size.Y, size.X)
		if g.cfg.FillMode == "constant" {
			img = resampleConstant(img, m, g.cfg.Cval)
		} else {
			img = resample(img, m, g.cfg.FillMode)
		}
	}
	if p.FlipHorizontal {
		img = imaging.FlipH(img)
	}
	if p.FlipVertical {
		img = imaging.FlipV(img)
	}
	return img
}

// Standardize rescales values in place and applies the sample-wise
// normalizations.
func (g *Generator) Standardize(values []float32) {
	if len(values) == 0 {
		return
	}
	if g.cfg.Rescale != 0 {
		scale := float32(g.cfg.Rescale)
		for i := range values {
			values[i] *= scale
		}
	}
	if g.cfg.SamplewiseCenter {
		mean := meanOf(values)
		for i := range values {
			values[i] -= mean
		}
	}
	if g.cfg.SamplewiseStdNormalization {
		mean := meanOf(values)
		var sumSq float64
		for _, v := range values {
			d := float64(v - mean)
			sumSq += d * d
		}
		std := float32(math.Sqrt(sumSq/float64(len(values)))) + 1e-6
		for i := range values {
			values[i] /= std
		}
	}
}

// FlowFromDirectory scans dir and returns an iterator that yields augmented
// batches of its images.
func (g *Generator) FlowFromDirectory(dir string, opts FlowOptions) (*DirectoryIterator, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	var split float64
	if g != nil {
		split = g.cfg.ValidationSplit
	}
	idx, err := Scan(dir, ScanOptions{
		Classes:         opts.Classes,
		Subset:          opts.Subset,
		ValidationSplit: split,
		FollowLinks:     opts.FollowLinks,
	})
	if err != nil {
		return nil, err
	}
	return NewDirectoryIterator(idx, g, opts)
}

func uniform(rng *rand.Rand, low, high float64) float64 {
	return low + rng.Float64()*(high-low)
}

func meanOf(values []float32) float32 {
	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	return float32(sum / float64(len(values)))
}

// affine is a 3x3 homogeneous transform on (row, col) coordinates.
type affine [3][3]float64

func identity() affine {
	return affine{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

func (a affine) mul(b affine) affine {
	var r affine
	for i := range 3 {
		for j := range 3 {
			for k := range 3 {
				r[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return r
}

func (a affine) isIdentity() bool {
	return a == identity()
}

// centered moves the origin of a to the image center.
func (a affine) centered(height, width int) affine {
	oRow := float64(height)/2 - 0.5
	oCol := float64(width)/2 - 0.5
	offset := affine{{1, 0, oRow}, {0, 1, oCol}, {0, 0, 1}}
	reset := affine{{1, 0, -oRow}, {0, 1, -oCol}, {0, 0, 1}}
	return offset.mul(a).mul(reset)
}

// transformMatrix maps output coordinates to input coordinates.
func transformMatrix(p TransformParams) affine {
	m := identity()
	if p.Theta != 0 {
		theta := p.Theta * math.Pi / 180
		c, s := math.Cos(theta), math.Sin(theta)
		m = m.mul(affine{{c, -s, 0}, {s, c, 0}, {0, 0, 1}})
	}
	if p.Tx != 0 || p.Ty != 0 {
		m = m.mul(affine{{1, 0, p.Tx}, {0, 1, p.Ty}, {0, 0, 1}})
	}
	if p.Shear != 0 {
		shear := p.Shear * math.Pi / 180
		m = m.mul(affine{{1, -math.Sin(shear), 0}, {0, math.Cos(shear), 0}, {0, 0, 1}})
	}
	zx, zy := p.Zx, p.Zy
	if zx == 0 {
		zx = 1
	}
	if zy == 0 {
		zy = 1
	}
	if zx != 1 || zy != 1 {
		m = m.mul(affine{{zx, 0, 0}, {0, zy, 0}, {0, 0, 1}})
	}
	return m
}

// resolveIndex maps a possibly out-of-range pixel index into [0, n).
func resolveIndex(i, n int, mode string) int {
	if i >= 0 && i < n {
		return i
	}
	switch mode {
	case "wrap":
		i %= n
		if i < 0 {
			i += n
		}
		return i
	case "reflect":
		period := 2 * n
		i %= period
		if i < 0 {
			i += period
		}
		if i >= n {
			i = period - 1 - i
		}
		return i
	default:
		if i < 0 {
			return 0
		}
		return n - 1
	}
}

// resample bilinearly samples src through m, resolving out-of-range
// neighbours with the fill mode. src must have its origin at (0, 0).
func resample(src *image.NRGBA, m affine, mode string) *image.NRGBA {
	b := src.Bounds()
	h, w := b.Dy(), b.Dx()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for r := range h {
		for c := range w {
			sr := m[0][0]*float64(r) + m[0][1]*float64(c) + m[0][2]
			sc := m[1][0]*float64(r) + m[1][1]*float64(c) + m[1][2]
			r0, c0 := math.Floor(sr), math.Floor(sc)
			fr, fc := sr-r0, sc-c0
			ri0 := resolveIndex(int(r0), h, mode)
			ri1 := resolveIndex(int(r0)+1, h, mode)
			ci0 := resolveIndex(int(c0), w, mode)
			ci1 := resolveIndex(int(c0)+1, w, mode)
			p00 := src.Pix[ri0*src.Stride+ci0*4:]
			p01 := src.Pix[ri0*src.Stride+ci1*4:]
			p10 := src.Pix[ri1*src.Stride+ci0*4:]
			p11 := src.Pix[ri1*src.Stride+ci1*4:]
			out := dst.Pix[r*dst.Stride+c*4:]
			for ch := range 4 {
				v := (1-fr)*((1-fc)*float64(p00[ch])+fc*float64(p01[ch])) +
					fr*((1-fc)*float64(p10[ch])+fc*float64(p11[ch]))
				out[ch] = clampUint8(v)
			}
		}
	}
	return dst
}

// resampleConstant samples src through m with x/image/draw, leaving points
// that fall outside of src set to cval.
func resampleConstant(src *image.NRGBA, m affine, cval float64) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	v := clampUint8(cval)
	xdraw.Draw(dst, dst.Bounds(), image.NewUniform(color.NRGBA{R: v, G: v, B: v, A: 255}), image.Point{}, xdraw.Src)

	// m works on (row, col) pixel indices; draw works on (x, y) with pixel
	// centers at +0.5.
	l00, l01, l10, l11 := m[1][1], m[1][0], m[0][1], m[0][0]
	t0 := m[1][2] + 0.5 - 0.5*(l00+l01)
	t1 := m[0][2] + 0.5 - 0.5*(l10+l11)
	det := l00*l11 - l01*l10
	if det == 0 {
		return dst
	}
	i00, i01 := l11/det, -l01/det
	i10, i11 := -l10/det, l00/det
	s2d := f64.Aff3{
		i00, i01, -(i00*t0 + i01*t1),
		i10, i11, -(i10*t0 + i11*t1),
	}
	xdraw.BiLinear.Transform(dst, s2d, src, b, xdraw.Src, nil)
	return dst
}

func clampUint8(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
