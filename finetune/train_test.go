package finetune

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Noofbiz/familyvgg/datasets"
	"github.com/Noofbiz/familyvgg/vgg16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrainModel_CheckpointResumePredict(t *testing.T) {
	backend := testBackend(t)
	trainDir, testDir := makeTree(t, 6), makeTree(t, 2)
	checkpointDir := filepath.Join(t.TempDir(), "model")

	ctx := tinyContext()
	report, err := TrainModel(ctx, backend, tinyConfig(t, ctx, trainDir, testDir, checkpointDir))
	require.NoError(t, err)
	assert.Equal(t, testClasses, report.Classes)
	assert.Equal(t, int64(10), report.GlobalStep)
	assert.Equal(t, 2, report.Epochs)
	require.Equal(t, 2, report.History.Len())
	for i, r := range report.History.Epochs {
		assert.Equal(t, i+1, r.Epoch)
		assert.Equal(t, int64(5*(i+1)), r.GlobalStep)
		assert.Contains(t, byShortName(r.Validation), "#loss")
		assert.Contains(t, byShortName(r.Validation), "#acc")
	}
	acc, found := byShortName(report.Test)["#acc"]
	require.True(t, found, "test accuracy in %v", report.Test)
	assert.True(t, acc >= 0 && acc <= 1, "accuracy %g", acc)
	for _, name := range []string{ClassesFile, HistoryFile, HistoryPlotFile} {
		assert.FileExists(t, filepath.Join(checkpointDir, name))
	}
	info, err := ReadClasses(checkpointDir)
	require.NoError(t, err)
	assert.Equal(t, &ClassesInfo{Classes: testClasses, ClassMode: "categorical"}, info)

	// Resume with one more epoch: only its steps are run.
	ctx = tinyContext()
	ctx.SetParam(ParamEpochs, 3)
	report, err = TrainModel(ctx, backend, tinyConfig(t, ctx, trainDir, "", checkpointDir))
	require.NoError(t, err)
	assert.Equal(t, int64(15), report.GlobalStep)
	assert.Equal(t, 3, report.History.Len())
	assert.Empty(t, report.Test)

	// Already trained: nothing to do.
	ctx = tinyContext()
	ctx.SetParam(ParamEpochs, 3)
	report, err = TrainModel(ctx, backend, tinyConfig(t, ctx, trainDir, "", checkpointDir))
	require.NoError(t, err)
	assert.Equal(t, int64(15), report.GlobalStep)

	ctx = tinyContext()
	results, err := Evaluate(ctx, backend, tinyConfig(t, ctx, trainDir, testDir, checkpointDir))
	require.NoError(t, err)
	assert.Contains(t, byShortName(results["Validation"]), "#acc")
	assert.Contains(t, byShortName(results["Test"]), "#acc")

	predictor, err := NewPredictor(backend, checkpointDir)
	require.NoError(t, err)
	assert.Equal(t, datasets.Size{Height: 8, Width: 8}, predictor.LoadOptions().TargetSize)
	preds, err := predictor.PredictDir(testDir)
	require.NoError(t, err)
	require.Len(t, preds, 4)
	for _, pred := range preds {
		assert.Contains(t, testClasses, pred.Class)
		assert.Equal(t, testClasses[pred.ClassIndex], pred.Class)
		require.Len(t, pred.Probabilities, 2)
		assert.InDelta(t, 1.0, pred.Probabilities[0]+pred.Probabilities[1], 1e-4)
		assert.Equal(t, pred.Probabilities[pred.ClassIndex], pred.Probability)
		assert.GreaterOrEqual(t, pred.Probability, 0.5)
	}

	var buf bytes.Buffer
	require.NoError(t, WritePredictionsCSV(&buf, preds))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "path,class,probability", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], preds[0].Path+","))
}

func TestTrainModel_BinaryWithoutCheckpoint(t *testing.T) {
	ctx := tinyContext()
	ctx.SetParams(map[string]any{
		ParamEpochs:          1,
		vgg16.ParamClassMode: "binary",
	})
	report, err := TrainModel(ctx, testBackend(t), tinyConfig(t, ctx, makeTree(t, 6), "", ""))
	require.NoError(t, err)
	assert.Equal(t, int64(5), report.GlobalStep)
	assert.Equal(t, 1, report.History.Len())
	assert.Empty(t, report.CheckpointDir)
}

func TestTrainModel_Errors(t *testing.T) {
	backend := testBackend(t)
	trainDir := makeTree(t, 6)

	ctx := tinyContext()
	ctx.SetParam(ParamBatchSize, 16)
	_, err := TrainModel(ctx, backend, tinyConfig(t, ctx, trainDir, "", ""))
	assert.ErrorContains(t, err, "not enough training images")

	// A checkpoint trained on other classes.
	checkpointDir := t.TempDir()
	require.NoError(t, WriteClasses(checkpointDir, &ClassesInfo{Classes: []string{"birds", "cats"}, ClassMode: "categorical"}))
	ctx = tinyContext()
	_, err = TrainModel(ctx, backend, tinyConfig(t, ctx, trainDir, "", checkpointDir))
	assert.ErrorContains(t, err, "trained on classes")

	ctx = tinyContext()
	_, err = Evaluate(ctx, backend, tinyConfig(t, ctx, trainDir, "", ""))
	assert.Error(t, err)

	ctx = tinyContext()
	_, err = Evaluate(ctx, backend, tinyConfig(t, ctx, trainDir, "", t.TempDir()))
	assert.ErrorContains(t, err, "no trained model")

	_, err = NewPredictor(backend, t.TempDir())
	assert.Error(t, err)
}

func TestReadClasses_Invalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ClassesFile), []byte(`{"classes": []}`), 0644))
	_, err := ReadClasses(dir)
	assert.Error(t, err)
}

func TestTrainModel_Parallel(t *testing.T) {
	ctx := tinyContext()
	ctx.SetParams(map[string]any{
		ParamEpochs:      1,
		ParamParallelism: 3,
	})
	cfg := tinyConfig(t, ctx, makeTree(t, 6), "", "")
	require.Equal(t, 3, cfg.Parallelism)
	report, err := TrainModel(ctx, testBackend(t), cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(5), report.GlobalStep)
	require.Equal(t, 1, report.History.Len())
	assert.Contains(t, byShortName(report.History.Epochs[0].Validation), "#acc")
}

func TestTrainModel_CaffePreprocessing(t *testing.T) {
	ctx := tinyContext()
	ctx.SetParams(map[string]any{
		ParamEpochs:           1,
		vgg16.ParamPreprocess: true,
		vgg16.ParamInputScale: 255.0,
	})
	report, err := TrainModel(ctx, testBackend(t), tinyConfig(t, ctx, makeTree(t, 6), "", ""))
	require.NoError(t, err)
	assert.Equal(t, int64(5), report.GlobalStep)
}

func TestSessionEvaluate_NoBatches(t *testing.T) {
	ctx := tinyContext()
	ctx.SetParam(ParamValidationSplit, 0.0)
	s, err := newSession(ctx, testBackend(t), tinyConfig(t, ctx, makeTree(t, 4), "", ""))
	require.NoError(t, err)
	require.Zero(t, s.data.Valid.Samples())
	_, err = s.evaluate(s.data.Valid)
	assert.ErrorContains(t, err, "evaluating Validation")
}
