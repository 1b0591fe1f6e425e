// Command vggtrain fine-tunes VGG16 on a directory of images with one subdirectory per class,
// evaluates a trained model or classifies new images with it.
//
// Usage:
//
//	vggtrain -train data/train -test data/test -checkpoint models/family -set "epochs=10;vgg16_weights_dir=weights/vgg16"
//	vggtrain -train data/train -test data/test -checkpoint models/family -eval
//	vggtrain -checkpoint models/family -predict photos/ -out predictions.csv
//
// Hyperparameters are set with -set, or with a JSON file given to -config. Values given in -set
// take precedence over the config file, and both over the values restored from a checkpoint.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/Noofbiz/familyvgg/datasets"
	"github.com/Noofbiz/familyvgg/finetune"
	"github.com/Noofbiz/familyvgg/vgg16"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

func main() {
	ctx := finetune.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "set")
	trainDir := flag.String("train", "", "training images directory, with one subdirectory per class")
	trainCSV := flag.String("train-csv", "", `optional glob of CSV files with "filename,class" rows listing the training images, relative to -train`)
	testDir := flag.String("test", "", "optional test images directory, with the same classes as -train")
	checkpointDir := flag.String("checkpoint", "", "directory to save and restore the model. Required by -eval and -predict")
	configPath := flag.String("config", "", `optional JSON file of hyperparameters: {"params": {"epochs": 10, ...}}`)
	eval := flag.Bool("eval", false, "evaluate the model in -checkpoint instead of training")
	predictDir := flag.String("predict", "", "classify the images in this directory with the model in -checkpoint")
	out := flag.String("out", "", "CSV file for -predict results (stdout if empty)")
	verify := flag.Bool("verify", false, "decode every training image before training and stop if some fail")
	exportDir := flag.String("export-weights", "", "after training, save the VGG16 base weights to this directory")
	progress := flag.Bool("progress", true, "show a progress bar while training")
	klog.InitFlags(nil)
	flag.Parse()

	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if *configPath != "" {
		var err error
		paramsSet, err = finetune.ApplyParamsFile(ctx, *configPath, paramsSet)
		if err != nil {
			klog.Fatalf("%+v", err)
		}
	}
	backend := backends.MustNew()
	klog.Infof("backend %q: %s", backend.Name(), backend.Description())

	if *predictDir != "" {
		if err := predict(backend, *checkpointDir, *predictDir, *out); err != nil {
			klog.Fatalf("%+v", err)
		}
		return
	}

	cfg, err := finetune.NewConfig(ctx, *trainDir, *testDir)
	if err != nil {
		klog.Fatalf("%+v", err)
	}
	cfg.TrainCSV = *trainCSV
	cfg.CheckpointDir = *checkpointDir
	cfg.ParamsSet = paramsSet
	cfg.ProgressBar = *progress

	if *verify {
		if err := verifyImages(cfg.TrainDir, *progress); err != nil {
			klog.Fatalf("%+v", err)
		}
	}

	if *eval {
		results, err := finetune.Evaluate(ctx, backend, cfg)
		if err != nil {
			klog.Fatalf("%+v", err)
		}
		for name, values := range results {
			fmt.Printf("Results on %s:\n", name)
			printMetrics(values)
		}
		return
	}

	report, err := finetune.TrainModel(ctx, backend, cfg)
	if err != nil {
		klog.Fatalf("%+v", err)
	}
	fmt.Printf("Trained %d epochs (global step %d) on classes %v\n", report.Epochs, report.GlobalStep, report.Classes)
	if n := report.History.Len(); n > 0 {
		fmt.Printf("Last epoch: %s\n", report.History.Epochs[n-1])
	}
	if len(report.Test) > 0 {
		fmt.Println("Results on Test:")
		printMetrics(report.Test)
	}
	if report.CheckpointDir != "" {
		fmt.Printf("Model saved to %s\n", report.CheckpointDir)
	}
	if *exportDir != "" {
		n, err := vgg16.ExportWeights(ctx.In("model"), *exportDir)
		if err != nil {
			klog.Fatalf("%+v", err)
		}
		fmt.Printf("Exported %d weight tensors to %s\n", n, *exportDir)
	}
}

func printMetrics(values []finetune.MetricValue) {
	for _, v := range values {
		fmt.Printf("\t%s (%s): %s\n", v.Name, v.ShortName, v.Pretty)
	}
}

func verifyImages(dir string, progress bool) error {
	idx, err := datasets.Scan(dir, datasets.ScanOptions{})
	if err != nil {
		return err
	}
	report, err := datasets.VerifyImages(idx, datasets.VerifyOptions{Progress: progress})
	if err != nil {
		return err
	}
	for _, bad := range report.Bad {
		klog.Errorf("%s: %v", bad.Path, bad.Err)
	}
	if len(report.Bad) > 0 {
		return errors.Errorf("%d of %d images in %s could not be decoded", len(report.Bad), report.Checked, dir)
	}
	klog.Infof("verified %d images in %s", report.Checked, dir)
	return nil
}

func predict(backend backends.Backend, checkpointDir, dir, out string) error {
	if checkpointDir == "" {
		return errors.Errorf("-predict requires -checkpoint")
	}
	predictor, err := finetune.NewPredictor(backend, checkpointDir)
	if err != nil {
		return err
	}
	preds, err := predictor.PredictDir(dir)
	if err != nil {
		return err
	}
	if out == "" {
		return finetune.WritePredictionsCSV(os.Stdout, preds)
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := finetune.WritePredictionsCSV(f, preds); err != nil {
		_ = f.Close()
		return err
	}
	klog.Infof("wrote %d predictions to %s", len(preds), out)
	return f.Close()
}
