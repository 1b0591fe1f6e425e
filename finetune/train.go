package finetune

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"

	"github.com/Noofbiz/familyvgg/datasets"
	"github.com/Noofbiz/familyvgg/vgg16"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	mldatasets "github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Files written in the checkpoint directory, next to the GoMLX checkpoints.
const (
	ClassesFile     = "classes.json"
	HistoryFile     = "history.json"
	HistoryPlotFile = "history.png"
)

// ClassesInfo is the content of ClassesFile: the label of each model output.
type ClassesInfo struct {
	Classes   []string `json:"classes"`
	ClassMode string   `json:"class_mode"`
}

// ReadClasses reads the ClassesFile in dir.
func ReadClasses(dir string) (*ClassesInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, ClassesFile))
	if err != nil {
		return nil, errors.Wrapf(err, "finetune: reading classes")
	}
	info := &ClassesInfo{}
	if err := json.Unmarshal(data, info); err != nil {
		return nil, errors.Wrapf(err, "finetune: parsing %s", filepath.Join(dir, ClassesFile))
	}
	if len(info.Classes) == 0 {
		return nil, errors.Errorf("finetune: no classes in %s", filepath.Join(dir, ClassesFile))
	}
	return info, nil
}

// WriteClasses writes info to the ClassesFile in dir.
func WriteClasses(dir string, info *ClassesInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrapf(os.WriteFile(filepath.Join(dir, ClassesFile), data, 0644), "finetune: writing classes")
}

// Report summarizes a training session.
type Report struct {
	Classes       []string
	CheckpointDir string

	// GlobalStep at the end of training, and the number of epochs it corresponds to.
	GlobalStep int64
	Epochs     int

	Datasets *Datasets
	History  *History

	// Test holds the evaluation of the test set, if there is one.
	Test []MetricValue
}

// checkClasses makes sure a model restored from dir was trained on the same classes, and
// records them if dir is new.
func checkClasses(dir string, info *ClassesInfo) error {
	if _, err := os.Stat(filepath.Join(dir, ClassesFile)); os.IsNotExist(err) {
		return WriteClasses(dir, info)
	}
	saved, err := ReadClasses(dir)
	if err != nil {
		return err
	}
	if !slices.Equal(saved.Classes, info.Classes) || saved.ClassMode != info.ClassMode {
		return errors.Errorf("finetune: checkpoint in %q was trained on classes %v (%s), the data has %v (%s)",
			dir, saved.Classes, saved.ClassMode, info.Classes, info.ClassMode)
	}
	return nil
}

// session holds what TrainModel and Evaluate share: the restored context, the data
// and a trainer for the model.
type session struct {
	ctx        *context.Context
	cfg        *Config
	checkpoint *checkpoints.Handler
	data       *Datasets
	trainer    *train.Trainer
}

// newSession restores the checkpoint, if any, creates the datasets and the trainer.
func newSession(ctx *context.Context, backend backends.Backend, cfg *Config) (*session, error) {
	s := &session{ctx: ctx, cfg: cfg}
	if cfg.CheckpointDir != "" {
		var err error
		s.checkpoint, err = checkpoints.Build(ctx).
			Dir(cfg.CheckpointDir).
			Keep(cfg.NumCheckpoints).
			ExcludeParams(append(slices.Clone(cfg.ParamsSet), ParamsExcludedFromSaving...)...).
			Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "finetune: checkpoint %q", cfg.CheckpointDir)
		}
		// Restored hyperparameters may differ from the ones cfg was built with.
		if err := cfg.Reload(ctx); err != nil {
			return nil, err
		}
	}

	var err error
	s.data, err = CreateDatasets(cfg)
	if err != nil {
		return nil, err
	}
	classMode := string(cfg.ClassMode)
	if s.checkpoint != nil {
		err = checkClasses(s.checkpoint.Dir(), &ClassesInfo{Classes: s.data.Classes, ClassMode: classMode})
		if err != nil {
			return nil, err
		}
	}
	ctx.SetParam(vgg16.ParamNumClasses, len(s.data.Classes))
	ctx.SetParam(vgg16.ParamClassMode, classMode)

	obj, err := objectiveFor(cfg.ClassMode)
	if err != nil {
		return nil, err
	}
	s.trainer = train.NewTrainer(backend, ctx, vgg16.ModelGraph, obj.loss,
		optimizers.FromContext(ctx),
		obj.trainMetrics,
		obj.evalMetrics)
	if optimizers.GetGlobalStep(ctx) > 0 {
		s.trainer.SetContext(ctx.Reuse())
	}
	return s, nil
}

// evaluate runs the evaluation metrics over ds, from its start.
func (s *session) evaluate(ds *datasets.DirectoryIterator) ([]MetricValue, error) {
	ds.Reset()
	var values []*tensors.Tensor
	err := exceptions.TryCatch[error](func() { values = s.trainer.Eval(ds) })
	if err != nil {
		return nil, errors.WithMessagef(err, "finetune: evaluating %s", ds.Name())
	}
	return metricValues(s.trainer.EvalMetrics(), values), nil
}

// TrainModel fine-tunes the model described by the hyperparameters in ctx on cfg.TrainDir.
//
// It trains for cfg.Epochs epochs of StepsTrain steps. After each epoch it evaluates the
// validation subset, appends a History record and saves a checkpoint. Training resumes from
// the global step of an existing checkpoint, and only the missing epochs are run.
// If there is a test directory, it is evaluated at the end.
func TrainModel(ctx *context.Context, backend backends.Backend, cfg *Config) (*Report, error) {
	s, err := newSession(ctx, backend, cfg)
	if err != nil {
		return nil, err
	}
	data := s.data
	if data.StepsTrain == 0 {
		return nil, errors.Errorf("finetune: not enough training images (%d) for a batch of %d",
			data.Train.Samples(), cfg.BatchSize)
	}

	history := &History{}
	if s.checkpoint != nil {
		history, err = LoadHistory(filepath.Join(s.checkpoint.Dir(), HistoryFile))
		if err != nil {
			return nil, err
		}
	}

	loop := train.NewLoop(s.trainer)
	if cfg.ProgressBar {
		commandline.AttachProgressBar(loop)
	}
	loop.OnStep("epoch end", 100, func(loop *train.Loop, values []*tensors.Tensor) error {
		if (loop.LoopStep+1)%data.StepsTrain != 0 {
			return nil
		}
		return s.endEpoch(history, (loop.LoopStep+1)/data.StepsTrain, int64(loop.LoopStep+1),
			metricValues(s.trainer.TrainMetrics(), values))
	})

	var trainDS train.Dataset = data.Train
	if cfg.Parallelism > 1 {
		parallel := mldatasets.CustomParallel(data.Train).Parallelism(cfg.Parallelism).Buffer(cfg.Parallelism).Start()
		defer parallel.Done()
		trainDS = parallel
	}

	globalStep := int(optimizers.GetGlobalStep(ctx))
	targetStep := cfg.Epochs * data.StepsTrain
	if globalStep < targetStep {
		klog.Infof("training %d epochs of %d steps, from global step %d", cfg.Epochs, data.StepsTrain, globalStep)
		if _, err := loop.RunSteps(trainDS, targetStep-globalStep); err != nil {
			return nil, errors.WithMessagef(err, "finetune: training")
		}
	} else {
		klog.Infof("global step %d already reached %d epochs of %d steps, increase %q to train further",
			globalStep, cfg.Epochs, data.StepsTrain, ParamEpochs)
	}

	report := &Report{
		Classes:    data.Classes,
		GlobalStep: optimizers.GetGlobalStep(ctx),
		Datasets:   data,
		History:    history,
	}
	report.Epochs = int(report.GlobalStep) / data.StepsTrain
	if s.checkpoint != nil {
		report.CheckpointDir = s.checkpoint.Dir()
		if history.Len() > 0 {
			if err := PlotHistory(history, filepath.Join(report.CheckpointDir, HistoryPlotFile)); err != nil {
				return nil, err
			}
		}
	}
	if data.Test != nil && data.StepsTest > 0 {
		if report.Test, err = s.evaluate(data.Test); err != nil {
			return nil, err
		}
		klog.Infof("test: %s", formatMetrics(report.Test))
	}
	return report, nil
}

// endEpoch evaluates the validation subset, records the epoch and saves the checkpoint.
func (s *session) endEpoch(history *History, epoch int, globalStep int64, trainValues []MetricValue) error {
	record := EpochRecord{Epoch: epoch, GlobalStep: globalStep, Train: trainValues}
	if s.data.StepsValid > 0 {
		var err error
		if record.Validation, err = s.evaluate(s.data.Valid); err != nil {
			return err
		}
	}
	history.Add(record)
	klog.V(1).Infof("epoch %d: %s", epoch, record)
	if s.checkpoint == nil {
		return nil
	}
	if err := s.checkpoint.Save(); err != nil {
		return err
	}
	return history.Save(filepath.Join(s.checkpoint.Dir(), HistoryFile))
}

// Evaluate restores the model in cfg.CheckpointDir and evaluates it on the validation
// subset of cfg.TrainDir and, if given, on cfg.TestDir. Keys of the returned map are the
// dataset names.
func Evaluate(ctx *context.Context, backend backends.Backend, cfg *Config) (map[string][]MetricValue, error) {
	if cfg.CheckpointDir == "" {
		return nil, errors.New("finetune: evaluation requires a checkpoint directory")
	}
	s, err := newSession(ctx, backend, cfg)
	if err != nil {
		return nil, err
	}
	if optimizers.GetGlobalStep(ctx) == 0 {
		return nil, errors.Errorf("finetune: no trained model in %q", cfg.CheckpointDir)
	}
	results := make(map[string][]MetricValue)
	for _, ds := range []*datasets.DirectoryIterator{s.data.Valid, s.data.Test} {
		if ds == nil || ds.StepSize() == 0 {
			continue
		}
		values, err := s.evaluate(ds)
		if err != nil {
			return nil, err
		}
		results[ds.Name()] = values
		klog.Infof("%s: %s", ds.Name(), formatMetrics(values))
	}
	return results, nil
}
