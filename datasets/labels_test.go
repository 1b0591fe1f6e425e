package datasets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeCSV writes a CSV file with the given header and rows to path.
func writeCSV(t *testing.T, path, header string, rows []string) {
	t.Helper()
	content := header + "\n" + strings.Join(rows, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// makeFlatImages writes n images named img_NN.png directly under dir.
func makeFlatImages(t *testing.T, dir string, n int) {
	t.Helper()
	for i := range n {
		writePNG(t, filepath.Join(dir, fmt.Sprintf("img_%02d.png", i)), 6, 6, classColor(i%2))
	}
}

func TestIndexFromCSV(t *testing.T) {
	root := t.TempDir()
	makeFlatImages(t, filepath.Join(root, "images"), 6)

	writeCSV(t, filepath.Join(root, "labels_a.csv"), "Filename, Class", []string{
		"images/img_00.png,odd",
		"images/img_01.png,even",
		"images/img_02.png,odd",
	})
	writeCSV(t, filepath.Join(root, "labels_b.csv"), "filename,class", []string{
		"images/img_03.png,even",
		"images/img_04.png,odd",
		"images/img_05.png,even",
		"images/missing.png,odd",
		"images/img_05.txt,odd",
	})

	idx, err := IndexFromCSV(filepath.Join(root, "labels_*.csv"), CSVOptions{}, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"even", "odd"}, idx.Classes)
	assert.Equal(t, 6, idx.Len())
	assert.Equal(t, root, idx.Root)
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1}, idx.Labels())
	assert.Equal(t, filepath.Join("images", "img_01.png"), idx.Filenames()[0])

	// A split of 0.34 keeps the first row of each class for validation.
	valid, err := IndexFromCSV(filepath.Join(root, "labels_*.csv"), CSVOptions{},
		ScanOptions{Subset: SubsetValidation, ValidationSplit: 0.34})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join("images", "img_01.png"),
		filepath.Join("images", "img_00.png"),
	}, valid.Filenames())

	// Explicit classes drop the other rows.
	odd, err := IndexFromCSV(filepath.Join(root, "labels_*.csv"), CSVOptions{}, ScanOptions{Classes: []string{"odd"}})
	require.NoError(t, err)
	assert.Equal(t, 3, odd.Len())
}

func TestIndexFromCSV_Columns(t *testing.T) {
	root := t.TempDir()
	images := filepath.Join(root, "pics")
	makeFlatImages(t, images, 2)
	csvPath := filepath.Join(t.TempDir(), "predictions.csv")
	writeCSV(t, csvPath, "path,class,probability", []string{
		"img_00.png,cat,0.9",
		"img_01.png,dog,0.7",
	})

	idx, err := IndexFromCSV(csvPath, CSVOptions{Directory: images, PathColumn: "path"}, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog"}, idx.Classes)
	assert.Equal(t, images, idx.Root)

	_, err = IndexFromCSV(csvPath, CSVOptions{Directory: images}, ScanOptions{})
	assert.ErrorContains(t, err, `"filename"`)
}

func TestIndexFromCSV_Errors(t *testing.T) {
	root := t.TempDir()
	_, err := IndexFromCSV(filepath.Join(root, "*.csv"), CSVOptions{}, ScanOptions{})
	assert.Error(t, err, "no files")

	writeCSV(t, filepath.Join(root, "empty.csv"), "filename,class", nil)
	_, err = IndexFromCSV(filepath.Join(root, "empty.csv"), CSVOptions{}, ScanOptions{})
	assert.Error(t, err, "no rows")

	writeCSV(t, filepath.Join(root, "blank.csv"), "filename,class", []string{"a.png,"})
	_, err = IndexFromCSV(filepath.Join(root, "blank.csv"), CSVOptions{}, ScanOptions{})
	assert.Error(t, err, "empty class")

	_, err = IndexFromCSV(filepath.Join(root, "empty.csv"), CSVOptions{}, ScanOptions{ValidationSplit: 1})
	assert.Error(t, err)
}

func TestFlowFromCSV(t *testing.T) {
	root := t.TempDir()
	makeFlatImages(t, root, 4)
	writeCSV(t, filepath.Join(root, "labels.csv"), "filename,class", []string{
		"img_00.png,a", "img_01.png,b", "img_02.png,a", "img_03.png,b",
	})
	gen, err := NewGenerator(GeneratorConfig{Rescale: 1.0 / 255, ValidationSplit: 0.5})
	require.NoError(t, err)
	it, err := gen.FlowFromCSV(filepath.Join(root, "labels.csv"), CSVOptions{}, FlowOptions{
		TargetSize: Size{Height: 4, Width: 4},
		BatchSize:  2,
		Subset:     SubsetTraining,
		NoShuffle:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, it.Samples())
	assert.Equal(t, 1, it.StepSize())
	_, inputs, labels, err := it.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 4, 3}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 2}, labels[0].Shape().Dimensions)
}
