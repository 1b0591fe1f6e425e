package finetune

import (
	"encoding/json"
	"os"
	"slices"
	"sort"

	"github.com/Noofbiz/familyvgg/datasets"
	"github.com/Noofbiz/familyvgg/vgg16"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config holds the resolved settings of a training or evaluation session.
type Config struct {
	// TrainDir and TestDir hold one subdirectory per class. TestDir is optional.
	TrainDir, TestDir string

	// TrainCSV, if set, is a glob of CSV files listing the training images and their classes
	// (columns "filename" and "class"). Relative paths are resolved against TrainDir.
	TrainCSV string

	// CheckpointDir is where checkpoints, classes and history are saved. Optional for training.
	CheckpointDir string

	// ParamsSet lists the hyperparameters set explicitly (e.g. from the command line). They
	// take precedence over the values saved in a checkpoint.
	ParamsSet []string

	// ProgressBar attaches a progress bar to the training loop.
	ProgressBar bool

	ImageSize      datasets.Size
	BatchSize      int
	ColorMode      datasets.ColorMode
	ClassMode      datasets.ClassMode
	Interpolation  string
	Generator      datasets.GeneratorConfig
	Epochs         int
	Seed           int64
	Parallelism    int
	NumCheckpoints int
}

// NewConfig resolves a Config from the hyperparameters in ctx.
func NewConfig(ctx *context.Context, trainDir, testDir string) (*Config, error) {
	cfg := &Config{TrainDir: trainDir, TestDir: testDir}
	if err := cfg.Reload(ctx); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Reload re-reads the hyperparameters from ctx, e.g. after restoring a checkpoint.
// Directories and ParamsSet are kept.
func (cfg *Config) Reload(ctx *context.Context) error {
	if cfg.TrainDir == "" {
		return errors.New("finetune: training directory not set")
	}
	size := context.GetParamOr(ctx, ParamImageSize, 224)
	if size <= 0 {
		return errors.Errorf("finetune: %s=%d must be positive", ParamImageSize, size)
	}
	cfg.ImageSize = datasets.Size{Height: size, Width: size}
	cfg.BatchSize = context.GetParamOr(ctx, ParamBatchSize, 8)
	if cfg.BatchSize <= 0 {
		return errors.Errorf("finetune: %s=%d must be positive", ParamBatchSize, cfg.BatchSize)
	}
	var err error
	if cfg.ColorMode, err = datasets.ParseColorMode(context.GetParamOr(ctx, ParamColorMode, "rgb")); err != nil {
		return err
	}
	if cfg.ClassMode, err = datasets.ParseClassMode(context.GetParamOr(ctx, vgg16.ParamClassMode, "categorical")); err != nil {
		return err
	}
	switch cfg.ClassMode {
	case datasets.ClassCategorical, datasets.ClassSparse, datasets.ClassBinary:
	default:
		return errors.Errorf("finetune: class mode %q has no labels to train a classifier", cfg.ClassMode)
	}
	cfg.Interpolation = context.GetParamOr(ctx, ParamInterpolation, "nearest")
	cfg.Generator = datasets.GeneratorConfig{
		Rescale:          context.GetParamOr(ctx, ParamRescale, 1.0/255.0),
		RotationRange:    context.GetParamOr(ctx, ParamRotationRange, 0.0),
		WidthShiftRange:  context.GetParamOr(ctx, ParamWidthShiftRange, 0.0),
		HeightShiftRange: context.GetParamOr(ctx, ParamHeightShiftRange, 0.0),
		ShearRange:       context.GetParamOr(ctx, ParamShearRange, 0.2),
		ZoomRange:        context.GetParamOr(ctx, ParamZoomRange, 0.2),
		HorizontalFlip:   context.GetParamOr(ctx, ParamHorizontalFlip, true),
		VerticalFlip:     context.GetParamOr(ctx, ParamVerticalFlip, false),
		FillMode:         context.GetParamOr(ctx, ParamFillMode, "nearest"),
		ValidationSplit:  context.GetParamOr(ctx, ParamValidationSplit, 0.2),
	}
	cfg.Epochs = context.GetParamOr(ctx, ParamEpochs, 5)
	if cfg.Epochs < 0 {
		return errors.Errorf("finetune: %s=%d must be >= 0", ParamEpochs, cfg.Epochs)
	}
	cfg.Seed = int64(context.GetParamOr(ctx, ParamSeed, 0))
	cfg.Parallelism = context.GetParamOr(ctx, ParamParallelism, 0)
	cfg.NumCheckpoints = context.GetParamOr(ctx, ParamNumCheckpoints, 3)
	return nil
}

// ApplyParamsFile sets the hyperparameters listed in a JSON file of the form
// {"params": {"batch_size": 16, ...}}. Parameters in paramsSet were set explicitly and
// are not overwritten. It returns paramsSet with the newly set keys appended.
func ApplyParamsFile(ctx *context.Context, path string, paramsSet []string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return paramsSet, errors.Wrapf(err, "finetune: reading params file %q", path)
	}
	var raw struct {
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return paramsSet, errors.Wrapf(err, "finetune: parsing params file %q", path)
	}
	keys := make([]string, 0, len(raw.Params))
	for key := range raw.Params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if slices.Contains(paramsSet, key) {
			klog.V(1).Infof("param %q set explicitly, ignoring value from %s", key, path)
			continue
		}
		value, err := convertJSONParam(ctx, key, raw.Params[key])
		if err != nil {
			return paramsSet, errors.Wrapf(err, "finetune: params file %q", path)
		}
		ctx.SetParam(key, value)
		paramsSet = append(paramsSet, key)
	}
	return paramsSet, nil
}

// convertJSONParam converts JSON numbers to the type of the current value of the param,
// since JSON decodes every number as float64.
func convertJSONParam(ctx *context.Context, key string, value any) (any, error) {
	current, found := ctx.GetParam(key)
	if !found {
		return nil, errors.Errorf("unknown param %q", key)
	}
	number, isNumber := value.(float64)
	switch current.(type) {
	case int:
		if !isNumber || number != float64(int(number)) {
			return nil, errors.Errorf("param %q must be an integer, got %v", key, value)
		}
		return int(number), nil
	case float64:
		if !isNumber {
			return nil, errors.Errorf("param %q must be a number, got %v", key, value)
		}
		return number, nil
	case bool:
		if _, ok := value.(bool); !ok {
			return nil, errors.Errorf("param %q must be a bool, got %v", key, value)
		}
	case string:
		if _, ok := value.(string); !ok {
			return nil, errors.Errorf("param %q must be a string, got %v", key, value)
		}
	}
	return value, nil
}
