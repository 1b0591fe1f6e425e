package finetune

import (
	"slices"

	"github.com/Noofbiz/familyvgg/datasets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Datasets holds the iterators of a session and the number of batches each one runs per epoch.
type Datasets struct {
	// Train is infinite and augmented.
	Train *datasets.DirectoryIterator

	// Valid uses the same generator as Train over the validation subset, limited to StepsValid batches.
	Valid *datasets.DirectoryIterator

	// Test is only rescaled, and nil if there is no test directory. It is limited to StepsTest batches.
	Test *datasets.DirectoryIterator

	StepsTrain, StepsValid, StepsTest int

	// Classes are the class names, in label order.
	Classes []string
}

// CreateDatasets builds the training, validation and test iterators described by cfg.
// The test directory, if given, must have the same classes as the training directory.
func CreateDatasets(cfg *Config) (*Datasets, error) {
	gen, err := datasets.NewGenerator(cfg.Generator)
	if err != nil {
		return nil, err
	}
	flow := datasets.FlowOptions{
		TargetSize:    cfg.ImageSize,
		ColorMode:     cfg.ColorMode,
		ClassMode:     cfg.ClassMode,
		BatchSize:     cfg.BatchSize,
		Seed:          cfg.Seed,
		Interpolation: cfg.Interpolation,
	}

	trainFlow := flow
	trainFlow.Subset = datasets.SubsetTraining
	trainFlow.Infinite = true
	trainFlow.Name = "Training"
	train, err := flowTraining(gen, cfg, trainFlow)
	if err != nil {
		return nil, errors.WithMessagef(err, "finetune: training data")
	}
	ds := &Datasets{
		Train:      train,
		Classes:    slices.Clone(train.ClassNames()),
		StepsTrain: train.StepSize(),
	}

	validFlow := flow
	validFlow.Subset = datasets.SubsetValidation
	validFlow.Classes = ds.Classes
	validFlow.Name = "Validation"
	if cfg.Seed != 0 {
		validFlow.Seed = cfg.Seed + 1
	}
	ds.Valid, err = flowTraining(gen, cfg, validFlow)
	if err != nil {
		return nil, errors.WithMessagef(err, "finetune: validation data")
	}
	ds.StepsValid = ds.Valid.StepSize()
	ds.Valid.WithMaxSteps(ds.StepsValid)

	if cfg.TestDir != "" {
		testGen, err := datasets.NewGenerator(datasets.GeneratorConfig{Rescale: cfg.Generator.Rescale})
		if err != nil {
			return nil, err
		}
		testFlow := flow
		testFlow.Classes = ds.Classes
		testFlow.NoShuffle = true
		testFlow.Name = "Test"
		testFlow.ShortName = "Tst"
		ds.Test, err = testGen.FlowFromDirectory(cfg.TestDir, testFlow)
		if err != nil {
			return nil, errors.WithMessagef(err, "finetune: test data")
		}
		ds.StepsTest = ds.Test.StepSize()
		ds.Test.WithMaxSteps(ds.StepsTest)
	}
	klog.Infof("steps per epoch: train=%d, validation=%d, test=%d", ds.StepsTrain, ds.StepsValid, ds.StepsTest)
	return ds, nil
}

// flowTraining iterates over cfg.TrainDir, or over the images listed in cfg.TrainCSV.
func flowTraining(gen *datasets.Generator, cfg *Config, opts datasets.FlowOptions) (*datasets.DirectoryIterator, error) {
	if cfg.TrainCSV != "" {
		return gen.FlowFromCSV(cfg.TrainCSV, datasets.CSVOptions{Directory: cfg.TrainDir}, opts)
	}
	return gen.FlowFromDirectory(cfg.TrainDir, opts)
}
