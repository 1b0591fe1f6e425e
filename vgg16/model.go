package vgg16

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
)

// Hyperparameters read by ModelGraph from the context.
const (
	// ParamNumClasses is the number of classes. Required.
	ParamNumClasses = "num_classes"

	// ParamClassMode is the label format: "categorical", "sparse" or "binary".
	// Binary outputs a single logit.
	ParamClassMode = "class_mode"

	// ParamWeightsDir is the directory with the pretrained weights. Empty means random initialization.
	ParamWeightsDir = "vgg16_weights_dir"

	// ParamTrainable allows training the convolutional base. Default false.
	ParamTrainable = "vgg16_trainable"

	// ParamPreprocess enables Caffe-style preprocessing. Default false.
	ParamPreprocess = "vgg16_preprocess"

	// ParamInputScale multiplies the input images. Default 1.
	ParamInputScale = "vgg16_input_scale"

	// ParamNumBlocks limits the number of VGG blocks used, from 1 to 5. Default 5.
	ParamNumBlocks = "vgg16_num_blocks"

	// ParamChannelsDivisor divides the number of channels of every block. Default 1.
	ParamChannelsDivisor = "vgg16_channels_divisor"

	// ParamPooling reduces the features before the head: "flatten", "avg" or "max".
	ParamPooling = "vgg16_pooling"

	// ParamHiddenLayers and ParamHiddenUnits configure the dense layers of the head.
	ParamHiddenLayers = "vgg16_hidden_layers"
	ParamHiddenUnits  = "vgg16_hidden_units"

	// ParamDropout is the dropout rate in between the hidden layers of the head.
	ParamDropout = "vgg16_dropout"
)

// BlocksFromContext returns the block configuration after applying ParamNumBlocks and ParamChannelsDivisor.
func BlocksFromContext(ctx *context.Context) []Block {
	numBlocks := context.GetParamOr(ctx, ParamNumBlocks, len(Blocks))
	if numBlocks < 1 || numBlocks > len(Blocks) {
		exceptions.Panicf("vgg16: %s=%d must be in [1, %d]", ParamNumBlocks, numBlocks, len(Blocks))
	}
	divisor := context.GetParamOr(ctx, ParamChannelsDivisor, 1)
	if divisor < 1 {
		exceptions.Panicf("vgg16: %s=%d must be >= 1", ParamChannelsDivisor, divisor)
	}
	blocks := make([]Block, numBlocks)
	for i := range blocks {
		blocks[i] = Blocks[i]
		blocks[i].Channels = max(1, blocks[i].Channels/divisor)
	}
	return blocks
}

// NumOutputs returns the number of logits the head produces.
func NumOutputs(ctx *context.Context) int {
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 0)
	if numClasses <= 0 {
		exceptions.Panicf("vgg16: hyperparameter %q must be set to a positive number of classes", ParamNumClasses)
	}
	if context.GetParamOr(ctx, ParamClassMode, "categorical") == "binary" {
		return 1
	}
	return numClasses
}

// ModelGraph is a train.ModelFn: the VGG16 base followed by the classification head.
// It returns the logits, shaped [batch, NumOutputs(ctx)].
//
// inputs holds one tensor of images shaped [batch, height, width, channels].
func ModelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	ctx = ctx.In("model")
	images := inputs[0]
	features := BuildGraph(ctx, images).
		PreTrained(context.GetParamOr(ctx, ParamWeightsDir, "")).
		Trainable(context.GetParamOr(ctx, ParamTrainable, false)).
		Preprocess(context.GetParamOr(ctx, ParamPreprocess, false)).
		InputScale(context.GetParamOr(ctx, ParamInputScale, 1.0)).
		Blocks(BlocksFromContext(ctx)).
		Done()
	return []*Node{Head(ctx, features)}
}

// Head pools the features and adds the dense classification layers under the "head" scope.
func Head(ctx *context.Context, features *Node) *Node {
	batchSize := features.Shape().Dimensions[0]
	var x *Node
	switch pooling := context.GetParamOr(ctx, ParamPooling, "flatten"); pooling {
	case "flatten", "":
		x = Reshape(features, batchSize, -1)
	case "avg":
		x = ReduceMean(features, 1, 2)
	case "max":
		x = ReduceMax(features, 1, 2)
	default:
		exceptions.Panicf("vgg16: unknown %s=%q, valid values are flatten, avg or max", ParamPooling, pooling)
	}
	return fnn.New(ctx.In("head"), x, NumOutputs(ctx)).
		NumHiddenLayers(context.GetParamOr(ctx, ParamHiddenLayers, 0), context.GetParamOr(ctx, ParamHiddenUnits, 256)).
		Dropout(context.GetParamOr(ctx, ParamDropout, 0.0)).
		Done()
}
