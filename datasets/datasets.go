package datasets

import (
	"image"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// This package loads labelled images from a directory tree and presents them
// as batches suitable for model training.
//
// Layout expected on disk:
//
//	<root>/<class_a>/img001.jpg
//	<root>/<class_a>/more/img002.png
//	<root>/<class_b>/img003.jpg
//
// Every immediate subdirectory of the root is a class; classes are sorted by
// name and numbered from 0. Images are found recursively under each class
// directory.
//
// Images are loaded lazily: a DirectoryIndex only stores file paths, and the
// pixels are decoded, resized and augmented when a batch is requested.
//
// The iterators implement gomlx's train.Dataset so they can be fed straight
// into a train.Loop, and the Dataset interface below adds random access used
// for inspection and prediction.
type Dataset interface {
	train.Dataset

	Len() int
	Example(i int) (img *image.NRGBA, class int, err error)
	Batch(indices []int) (inputs []*tensors.Tensor, labels []*tensors.Tensor, err error)
	Shuffle(seed int64)
}

// Size of an image, in pixels.
type Size struct {
	Height, Width int
}

// IsZero reports whether no size was given.
func (s Size) IsZero() bool { return s.Height == 0 && s.Width == 0 }

// ClassMode selects how labels are yielded.
type ClassMode string

const (
	// ClassCategorical yields one-hot float32 labels shaped [batch, numClasses].
	ClassCategorical ClassMode = "categorical"
	// ClassSparse yields int32 class indices shaped [batch, 1].
	ClassSparse ClassMode = "sparse"
	// ClassBinary yields float32 0/1 labels shaped [batch, 1]. It requires exactly 2 classes.
	ClassBinary ClassMode = "binary"
	// ClassInput yields the images themselves as labels (autoencoders).
	ClassInput ClassMode = "input"
	// ClassNone yields no labels.
	ClassNone ClassMode = "none"
)

// ParseClassMode validates a class mode name. An empty name means ClassCategorical.
func ParseClassMode(s string) (ClassMode, error) {
	switch ClassMode(s) {
	case "":
		return ClassCategorical, nil
	case ClassCategorical, ClassSparse, ClassBinary, ClassInput, ClassNone:
		return ClassMode(s), nil
	}
	return "", errors.Errorf("invalid class mode %q: valid values are categorical, sparse, binary, input or none", s)
}

// ColorMode selects the number of channels of the yielded images.
type ColorMode string

const (
	ColorRGB       ColorMode = "rgb"
	ColorRGBA      ColorMode = "rgba"
	ColorGrayscale ColorMode = "grayscale"
)

// ParseColorMode validates a color mode name. An empty name means ColorRGB.
func ParseColorMode(s string) (ColorMode, error) {
	switch ColorMode(s) {
	case "":
		return ColorRGB, nil
	case ColorRGB, ColorRGBA, ColorGrayscale:
		return ColorMode(s), nil
	}
	return "", errors.Errorf("invalid color mode %q: valid values are rgb, rgba or grayscale", s)
}

// Channels returns the number of channels for the color mode.
func (c ColorMode) Channels() int {
	switch c {
	case ColorGrayscale:
		return 1
	case ColorRGBA:
		return 4
	default:
		return 3
	}
}

// Subset selects a part of a directory split by ScanOptions.ValidationSplit.
type Subset string

const (
	SubsetAll        Subset = ""
	SubsetTraining   Subset = "training"
	SubsetValidation Subset = "validation"
)

// ParseSubset validates a subset name.
func ParseSubset(s string) (Subset, error) {
	switch Subset(s) {
	case SubsetAll, SubsetTraining, SubsetValidation:
		return Subset(s), nil
	}
	return "", errors.Errorf("invalid subset %q: valid values are \"training\" or \"validation\"", s)
}
