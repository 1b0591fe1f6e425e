// Package vgg16 builds the VGG16 convolutional base in GoMLX, loads pretrained
// weights into it, and puts a small classification head on top.
//
// The layer scopes follow the Keras names (block1_conv1, block1_conv2, ...), and
// pretrained weights are read from a directory holding one GoMLX tensor file per
// variable: <dir>/<layer>/kernel with shape [3, 3, in, out] and <dir>/<layer>/bias
// with shape [out].
package vgg16

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// KernelFile and BiasFile are the tensor file names inside each layer directory.
	KernelFile = "kernel"
	BiasFile   = "bias"

	// BaseScope is the scope of the convolutional base, under the scope given to BuildGraph.
	BaseScope = "vgg16"
)

// Block describes one VGG block: Convs convolutions with Channels output channels,
// followed by a 2x2 max pooling.
type Block struct {
	Channels int
	Convs    int
}

// Blocks is the standard VGG16 configuration.
var Blocks = []Block{{64, 2}, {128, 2}, {256, 3}, {512, 3}, {512, 3}}

// CaffeMeans are the per-channel ImageNet means in BGR order, subtracted by Caffe-style preprocessing.
var CaffeMeans = [3]float64{103.939, 116.779, 123.68}

// LayerName returns the Keras name of the conv-th (1-based) convolution of the block-th (1-based) block.
func LayerName(block, conv int) string {
	return fmt.Sprintf("block%d_conv%d", block, conv)
}

// LayerNames lists the convolution layer names for the given blocks, in order.
func LayerNames(blocks []Block) []string {
	var names []string
	for b, block := range blocks {
		for c := range block.Convs {
			names = append(names, LayerName(b+1, c+1))
		}
	}
	return names
}

// Builder configures the VGG16 base. Create it with BuildGraph and finish with Done.
type Builder struct {
	ctx        *context.Context
	images     *Node
	weightsDir string
	trainable  bool
	preprocess bool
	inputScale float64
	blocks     []Block
}

// BuildGraph starts building the VGG16 base over images shaped [batch, height, width, channels].
//
// By default it has no pretrained weights, is frozen, does no Caffe preprocessing
// and uses the standard Blocks.
func BuildGraph(ctx *context.Context, images *Node) *Builder {
	return &Builder{
		ctx:        ctx,
		images:     images,
		inputScale: 1,
		blocks:     Blocks,
	}
}

// PreTrained sets the directory with the pretrained weights. Empty means random initialization.
func (b *Builder) PreTrained(dir string) *Builder {
	b.weightsDir = dir
	return b
}

// Trainable sets whether the base variables are updated by training.
func (b *Builder) Trainable(trainable bool) *Builder {
	b.trainable = trainable
	return b
}

// Preprocess enables Caffe-style preprocessing: RGB to BGR and ImageNet mean subtraction.
func (b *Builder) Preprocess(preprocess bool) *Builder {
	b.preprocess = preprocess
	return b
}

// InputScale multiplies the images before preprocessing. Use 255 for images already rescaled to [0, 1].
func (b *Builder) InputScale(scale float64) *Builder {
	b.inputScale = scale
	return b
}

// Blocks overrides the block configuration, mostly to build small variants.
func (b *Builder) Blocks(blocks []Block) *Builder {
	b.blocks = blocks
	return b
}

// Done builds the base and returns the feature map of the last block,
// shaped [batch, height/2^len(blocks), width/2^len(blocks), channels].
//
// Errors loading weights are raised as panics, the GoMLX way of reporting errors while building graphs.
func (b *Builder) Done() *Node {
	ctx := b.ctx.In(BaseScope)
	x := b.images
	x.AssertRank(4)
	if len(b.blocks) == 0 {
		exceptions.Panicf("vgg16: no blocks configured")
	}
	x = b.prepareInput(x)

	for blockIdx, block := range b.blocks {
		for convIdx := range block.Convs {
			name := LayerName(blockIdx+1, convIdx+1)
			layerCtx := ctx.In(name)
			if b.weightsDir != "" {
				layerCtx = loadLayer(layerCtx, b.weightsDir, name)
			}
			x = layers.Convolution(layerCtx, x).CurrentScope().
				Channels(block.Channels).KernelSize(3).PadSame().Done()
			x = activations.Relu(x)
		}
		x = MaxPool(x).Window(2).Done()
	}

	if !b.trainable {
		Freeze(ctx)
		x = StopGradient(x)
	}
	return x
}

// prepareInput converts the images to 3 float channels and applies scaling and preprocessing.
func (b *Builder) prepareInput(x *Node) *Node {
	if !x.DType().IsFloat() {
		x = ConvertDType(x, dtypes.Float32)
	}
	switch channels := x.Shape().Dimensions[3]; channels {
	case 3:
	case 1:
		x = Concatenate([]*Node{x, x, x}, -1)
	case 4:
		x = Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, 3))
	default:
		exceptions.Panicf("vgg16: images must have 1, 3 or 4 channels, got shape %s", x.Shape())
	}
	if b.inputScale != 1 {
		x = MulScalar(x, b.inputScale)
	}
	if b.preprocess {
		x = toBGR(x)
		means := Const(x.Graph(), []float32{float32(CaffeMeans[0]), float32(CaffeMeans[1]), float32(CaffeMeans[2])})
		x = Sub(x, ConvertDType(means, x.DType()))
	}
	return x
}

// toBGR swaps the first and last channels of RGB images.
func toBGR(x *Node) *Node {
	channel := func(c int) *Node {
		return Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(c, c+1))
	}
	return Concatenate([]*Node{channel(2), channel(1), channel(0)}, -1)
}

// loadLayer reads the layer kernel and bias into ctx, unless they already exist (e.g. restored from
// a checkpoint). It returns ctx marked for reuse, so the convolution picks up the loaded values.
func loadLayer(ctx *context.Context, dir, name string) *context.Context {
	for _, pair := range [][2]string{{KernelFile, "weights"}, {BiasFile, "biases"}} {
		if ctx.InspectVariable(ctx.Scope(), pair[1]) != nil {
			continue
		}
		path := filepath.Join(dir, name, pair[0])
		value, err := tensors.Load(path)
		if err != nil {
			panic(errors.Wrapf(err, "vgg16: failed to read weights for %s from %q", name, path))
		}
		klog.V(2).Infof("vgg16: loaded %s/%s %s", name, pair[0], value.Shape())
		ctx.VariableWithValue(pair[1], value)
	}
	return ctx.Reuse()
}

// Freeze marks every variable under ctx's scope as not trainable.
func Freeze(ctx *context.Context) {
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		v.SetTrainable(false)
	})
}

// SaveWeights writes weights in the layout read by Builder.PreTrained. The map is keyed
// by "<layer>/kernel" and "<layer>/bias", e.g. "block1_conv1/kernel".
func SaveWeights(dir string, weights map[string]*tensors.Tensor) error {
	for key, value := range weights {
		layer, file := filepath.Split(key)
		if layer == "" || (file != KernelFile && file != BiasFile) {
			return errors.Errorf("vgg16: invalid weight key %q, expected <layer>/%s or <layer>/%s", key, KernelFile, BiasFile)
		}
		layerDir := filepath.Join(dir, filepath.Clean(layer))
		if err := os.MkdirAll(layerDir, 0755); err != nil {
			return errors.Wrapf(err, "vgg16: creating %q", layerDir)
		}
		if err := value.Save(filepath.Join(layerDir, file)); err != nil {
			return errors.Wrapf(err, "vgg16: saving %q", key)
		}
	}
	return nil
}

// ExportWeights writes the base weights created under baseCtx, the context given to BuildGraph,
// with SaveWeights. It returns the number of tensors written.
func ExportWeights(baseCtx *context.Context, dir string) (int, error) {
	ctx := baseCtx.In(BaseScope)
	prefix := ctx.Scope() + context.ScopeSeparator
	weights := make(map[string]*tensors.Tensor)
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		layer, found := strings.CutPrefix(v.Scope(), prefix)
		if !found || layer == "" {
			return
		}
		switch v.Name() {
		case "weights":
			weights[layer+"/"+KernelFile] = v.Value()
		case "biases":
			weights[layer+"/"+BiasFile] = v.Value()
		}
	})
	if len(weights) == 0 {
		return 0, errors.Errorf("vgg16: no weights found under scope %q", ctx.Scope())
	}
	return len(weights), SaveWeights(dir, weights)
}
