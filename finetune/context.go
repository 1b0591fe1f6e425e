// Package finetune trains the VGG16 classifier on a directory of labelled images:
// it wires the directory iterators, the model, the GoMLX trainer, checkpoints and
// the training history, and serves the trained model for inference.
package finetune

import (
	"github.com/Noofbiz/familyvgg/vgg16"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// Hyperparameters of the data pipeline and training loop. The model hyperparameters are in package vgg16.
const (
	ParamBatchSize        = "batch_size"
	ParamImageSize        = "image_size"
	ParamValidationSplit  = "validation_split"
	ParamRescale          = "rescale"
	ParamShearRange       = "shear_range"
	ParamZoomRange        = "zoom_range"
	ParamRotationRange    = "rotation_range"
	ParamWidthShiftRange  = "width_shift_range"
	ParamHeightShiftRange = "height_shift_range"
	ParamHorizontalFlip   = "horizontal_flip"
	ParamVerticalFlip     = "vertical_flip"
	ParamFillMode         = "fill_mode"
	ParamInterpolation    = "interpolation"
	ParamColorMode        = "color_mode"
	ParamEpochs           = "epochs"
	ParamSeed             = "seed"
	ParamParallelism      = "parallelism"
	ParamNumCheckpoints   = "num_checkpoints"
)

// ParamsExcludedFromSaving are not restored from a checkpoint, so they can change from one
// training session to the next.
var ParamsExcludedFromSaving = []string{
	ParamEpochs, ParamParallelism, ParamNumCheckpoints, vgg16.ParamWeightsDir,
}

// CreateDefaultContext returns a context with the default hyperparameters: batches of 8 images
// of 224x224 with light shear, zoom and flip augmentation, and a frozen VGG16 base with a single
// dense layer on top.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamBatchSize:       8,
		ParamImageSize:       224,
		ParamValidationSplit: 0.2,
		ParamRescale:         1.0 / 255.0,

		// Augmentation of the training images. Validation images go through the same generator.
		ParamShearRange:       0.2,
		ParamZoomRange:        0.2,
		ParamRotationRange:    0.0,
		ParamWidthShiftRange:  0.0,
		ParamHeightShiftRange: 0.0,
		ParamHorizontalFlip:   true,
		ParamVerticalFlip:     false,
		ParamFillMode:         "nearest",
		ParamInterpolation:    "nearest",
		ParamColorMode:        "rgb",

		vgg16.ParamClassMode: "categorical",
		vgg16.ParamNumClasses: 0, // Set from the training directory.

		ParamEpochs:         5,
		ParamSeed:           0, // 0 means time based.
		ParamParallelism:    0, // Number of goroutines decoding images, 0 or 1 means no parallelism.
		ParamNumCheckpoints: 3,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-4,

		vgg16.ParamWeightsDir:      "",
		vgg16.ParamTrainable:       false,
		vgg16.ParamPreprocess:      false,
		vgg16.ParamInputScale:      1.0,
		vgg16.ParamNumBlocks:       len(vgg16.Blocks),
		vgg16.ParamChannelsDivisor: 1,
		vgg16.ParamPooling:         "flatten",
		vgg16.ParamHiddenLayers:    0,
		vgg16.ParamHiddenUnits:     256,
		vgg16.ParamDropout:         0.0,
	})
	return ctx
}
