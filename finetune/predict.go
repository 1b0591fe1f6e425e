package finetune

import (
	"encoding/csv"
	"image"
	"io"
	"strconv"
	"sync"

	"github.com/Noofbiz/familyvgg/datasets"
	"github.com/Noofbiz/familyvgg/vgg16"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Prediction is the classification of one image.
type Prediction struct {
	// Path of the image file, empty for in-memory images.
	Path string

	// Class with the highest probability, and its index in Classes.
	Class       string
	ClassIndex  int
	Probability float64

	// Probabilities of every class.
	Probabilities []float64
}

// Predictor classifies images with a model restored from a checkpoint directory.
// It is safe for concurrent use.
type Predictor struct {
	mu   sync.Mutex
	ctx  *context.Context
	exec *context.Exec

	Classes   []string
	ClassMode datasets.ClassMode

	loadOpts  datasets.LoadOptions
	scale     float32
	batchSize int
}

// NewPredictor restores the model and hyperparameters saved in checkpointDir by TrainModel.
func NewPredictor(backend backends.Backend, checkpointDir string) (*Predictor, error) {
	info, err := ReadClasses(checkpointDir)
	if err != nil {
		return nil, err
	}
	ctx := CreateDefaultContext()
	if _, err := checkpoints.Load(ctx).Dir(checkpointDir).Done(); err != nil {
		return nil, errors.WithMessagef(err, "finetune: loading model from %q", checkpointDir)
	}
	p := &Predictor{Classes: info.Classes}
	if p.ClassMode, err = datasets.ParseClassMode(info.ClassMode); err != nil {
		return nil, err
	}
	colorMode, err := datasets.ParseColorMode(context.GetParamOr(ctx, ParamColorMode, "rgb"))
	if err != nil {
		return nil, err
	}
	size := context.GetParamOr(ctx, ParamImageSize, 224)
	p.loadOpts = datasets.LoadOptions{
		TargetSize:    datasets.Size{Height: size, Width: size},
		ColorMode:     colorMode,
		Interpolation: context.GetParamOr(ctx, ParamInterpolation, "nearest"),
	}
	p.scale = float32(context.GetParamOr(ctx, ParamRescale, 1.0/255.0))
	p.batchSize = max(1, context.GetParamOr(ctx, ParamBatchSize, 8))

	ctx.SetParam(vgg16.ParamNumClasses, len(info.Classes))
	ctx.SetParam(vgg16.ParamClassMode, info.ClassMode)
	p.ctx = ctx.Reuse()
	binary := p.ClassMode == datasets.ClassBinary
	p.exec, err = context.NewExec(backend, p.ctx, func(ctx *context.Context, images *Node) *Node {
		logits := vgg16.ModelGraph(ctx, nil, []*Node{images})[0]
		if binary {
			return Sigmoid(logits)
		}
		return Softmax(logits)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "finetune: building model from %q", checkpointDir)
	}
	return p, nil
}

// LoadOptions returns how image files are resized for the model.
func (p *Predictor) LoadOptions() datasets.LoadOptions { return p.loadOpts }

// Predict classifies images already sized to the model input (see LoadOptions).
func (p *Predictor) Predict(images []*image.NRGBA) ([]Prediction, error) {
	if len(images) == 0 {
		return nil, nil
	}
	input, err := datasets.ImagesToTensor(images, p.loadOpts.ColorMode, p.scale)
	if err != nil {
		return nil, err
	}
	var outputs []*tensors.Tensor
	p.mu.Lock()
	err = exceptions.TryCatch[error](func() { outputs = p.exec.MustExec(input) })
	p.mu.Unlock()
	if err != nil {
		return nil, errors.WithMessagef(err, "finetune: running model")
	}
	probs := outputs[0].Value().([][]float32)
	preds := make([]Prediction, len(probs))
	for i, row := range probs {
		preds[i] = p.prediction(row)
	}
	return preds, nil
}

func (p *Predictor) prediction(row []float32) Prediction {
	var pred Prediction
	if p.ClassMode == datasets.ClassBinary {
		positive := float64(row[0])
		pred.Probabilities = []float64{1 - positive, positive}
	} else {
		pred.Probabilities = make([]float64, len(row))
		for i, v := range row {
			pred.Probabilities[i] = float64(v)
		}
	}
	for i, prob := range pred.Probabilities {
		if i == 0 || prob > pred.Probability {
			pred.ClassIndex, pred.Probability = i, prob
		}
	}
	pred.Class = p.Classes[pred.ClassIndex]
	return pred
}

// PredictFiles loads and classifies the image files, in batches.
func (p *Predictor) PredictFiles(paths []string) ([]Prediction, error) {
	preds := make([]Prediction, 0, len(paths))
	for start := 0; start < len(paths); start += p.batchSize {
		batch := paths[start:min(start+p.batchSize, len(paths))]
		images := make([]*image.NRGBA, len(batch))
		for i, path := range batch {
			img, err := datasets.LoadImage(path, p.loadOpts)
			if err != nil {
				return nil, err
			}
			images[i] = img
		}
		batchPreds, err := p.Predict(images)
		if err != nil {
			return nil, err
		}
		for i := range batchPreds {
			batchPreds[i].Path = batch[i]
		}
		preds = append(preds, batchPreds...)
	}
	return preds, nil
}

// PredictDir classifies every image under dir, recursively.
func (p *Predictor) PredictDir(dir string) ([]Prediction, error) {
	paths, err := datasets.ListImages(dir, false)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("classifying %d images in %s", len(paths), dir)
	return p.PredictFiles(paths)
}

// WritePredictionsCSV writes one "path,class,probability" line per prediction, after a header.
func WritePredictionsCSV(w io.Writer, preds []Prediction) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"path", "class", "probability"}); err != nil {
		return errors.WithStack(err)
	}
	for _, pred := range preds {
		err := cw.Write([]string{pred.Path, pred.Class, strconv.FormatFloat(pred.Probability, 'f', 6, 64)})
		if err != nil {
			return errors.WithStack(err)
		}
	}
	cw.Flush()
	return errors.WithStack(cw.Error())
}
