package finetune

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/Noofbiz/familyvgg/vgg16"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/require"
)

var testClasses = []string{"cats", "dogs"}

func testBackend(t *testing.T) backends.Backend {
	t.Helper()
	backend, err := backends.NewWithConfig("go")
	require.NoError(t, err)
	return backend
}

// makeTree writes perClass 8x8 PNGs for each of testClasses. Class 0 is dark, class 1 bright.
func makeTree(t *testing.T, perClass int) string {
	t.Helper()
	root := t.TempDir()
	for classIdx, class := range testClasses {
		dir := filepath.Join(root, class)
		require.NoError(t, os.MkdirAll(dir, 0755))
		for i := range perClass {
			level := uint8(30 + 180*classIdx + 5*i)
			img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
			for y := range 8 {
				for x := range 8 {
					img.SetNRGBA(x, y, color.NRGBA{R: level, G: level, B: 255 - level, A: 255})
				}
			}
			f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%s_%02d.png", class, i)))
			require.NoError(t, err)
			require.NoError(t, png.Encode(f, img))
			require.NoError(t, f.Close())
		}
	}
	return root
}

// tinyContext is the default context shrunk to run quickly: 8x8 images, batches of 2,
// and a single VGG block with 4 channels.
func tinyContext() *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamImageSize:               8,
		ParamBatchSize:               2,
		ParamEpochs:                  2,
		ParamSeed:                    42,
		vgg16.ParamNumBlocks:         1,
		vgg16.ParamChannelsDivisor:   16,
		optimizers.ParamLearningRate: 1e-3,
	})
	return ctx
}

func tinyConfig(t *testing.T, ctx *context.Context, trainDir, testDir, checkpointDir string) *Config {
	t.Helper()
	cfg, err := NewConfig(ctx, trainDir, testDir)
	require.NoError(t, err)
	cfg.CheckpointDir = checkpointDir
	return cfg
}
