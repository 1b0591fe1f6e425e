package finetune

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Noofbiz/familyvgg/datasets"
	"github.com/Noofbiz/familyvgg/vgg16"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig(CreateDefaultContext(), "train", "test")
	require.NoError(t, err)
	assert.Equal(t, datasets.Size{Height: 224, Width: 224}, cfg.ImageSize)
	assert.Equal(t, 8, cfg.BatchSize)
	assert.Equal(t, datasets.ClassCategorical, cfg.ClassMode)
	assert.Equal(t, datasets.ColorRGB, cfg.ColorMode)
	assert.InDelta(t, 1.0/255.0, cfg.Generator.Rescale, 1e-9)
	assert.Equal(t, 0.2, cfg.Generator.ShearRange)
	assert.Equal(t, 0.2, cfg.Generator.ZoomRange)
	assert.Equal(t, 0.2, cfg.Generator.ValidationSplit)
	assert.True(t, cfg.Generator.HorizontalFlip)
	assert.False(t, cfg.Generator.VerticalFlip)
	assert.Equal(t, 5, cfg.Epochs)
	assert.Equal(t, 3, cfg.NumCheckpoints)
}

func TestNewConfig_Errors(t *testing.T) {
	_, err := NewConfig(CreateDefaultContext(), "", "")
	assert.Error(t, err)

	for param, value := range map[string]any{
		ParamBatchSize:       0,
		ParamImageSize:       -1,
		ParamEpochs:          -2,
		ParamColorMode:       "cmyk",
		vgg16.ParamClassMode: "input",
	} {
		ctx := CreateDefaultContext()
		ctx.SetParam(param, value)
		_, err := NewConfig(ctx, "train", "")
		assert.Error(t, err, "%s=%v", param, value)
	}
}

func writeParamsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "params.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestApplyParamsFile(t *testing.T) {
	ctx := CreateDefaultContext()
	path := writeParamsFile(t, `{"params": {"batch_size": 16, "zoom_range": 0.1, "horizontal_flip": false, "seed": 3}}`)
	paramsSet, err := ApplyParamsFile(ctx, path, []string{ParamSeed})
	require.NoError(t, err)
	assert.Equal(t, []string{ParamSeed, ParamBatchSize, ParamHorizontalFlip, ParamZoomRange}, paramsSet)
	assert.Equal(t, 16, context.GetParamOr(ctx, ParamBatchSize, 0))
	assert.Equal(t, 0.1, context.GetParamOr(ctx, ParamZoomRange, 0.0))
	assert.False(t, context.GetParamOr(ctx, ParamHorizontalFlip, true))
	assert.Equal(t, 0, context.GetParamOr(ctx, ParamSeed, -1), "explicitly set params are kept")
}

func TestApplyParamsFile_Errors(t *testing.T) {
	for _, content := range []string{
		`{"params": {"batch_size": 1.5}}`,
		`{"params": {"batch_size": "big"}}`,
		`{"params": {"horizontal_flip": 1}}`,
		`{"params": {"no_such_param": 1}}`,
		`not json`,
	} {
		_, err := ApplyParamsFile(CreateDefaultContext(), writeParamsFile(t, content), nil)
		assert.Error(t, err, content)
	}
	_, err := ApplyParamsFile(CreateDefaultContext(), filepath.Join(t.TempDir(), "missing.json"), nil)
	assert.Error(t, err)
}
