package datasets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScan_ClassesAndOrder(t *testing.T) {
	root := makeTree(t, map[string]int{"dogs": 2, "cats": 3}, 4)
	// Nested images count, other files don't.
	writePNG(t, filepath.Join(root, "dogs", "more", "a.png"), 4, 4, classColor(1))
	require.NoError(t, os.WriteFile(filepath.Join(root, "cats", "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("x"), 0644))

	idx, err := Scan(root, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"cats", "dogs"}, idx.Classes)
	assert.Equal(t, map[string]int{"cats": 0, "dogs": 1}, idx.ClassIndices)
	require.Equal(t, 6, idx.Len())
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1}, idx.Labels())
	assert.Equal(t, []string{
		filepath.Join("cats", "img_00.png"),
		filepath.Join("cats", "img_01.png"),
		filepath.Join("cats", "img_02.png"),
		filepath.Join("dogs", "img_00.png"),
		filepath.Join("dogs", "img_01.png"),
		filepath.Join("dogs", "more", "a.png"),
	}, idx.Filenames())
}

func TestScan_ValidationSplit(t *testing.T) {
	root := makeTree(t, map[string]int{"a": 10, "b": 5}, 4)

	validation, err := Scan(root, ScanOptions{Subset: SubsetValidation, ValidationSplit: 0.2})
	require.NoError(t, err)
	// int(0.2*10) = 2 from "a", int(0.2*5) = 1 from "b".
	assert.Equal(t, 3, validation.Len())
	assert.Equal(t, []string{
		filepath.Join("a", "img_00.png"),
		filepath.Join("a", "img_01.png"),
		filepath.Join("b", "img_00.png"),
	}, validation.Filenames())

	training, err := Scan(root, ScanOptions{Subset: SubsetTraining, ValidationSplit: 0.2})
	require.NoError(t, err)
	assert.Equal(t, 12, training.Len())
	assert.Equal(t, filepath.Join("a", "img_02.png"), training.Filenames()[0])

	all, err := Scan(root, ScanOptions{ValidationSplit: 0.2})
	require.NoError(t, err)
	assert.Equal(t, 15, all.Len())

	// No split: validation is empty, training has everything.
	empty, err := Scan(root, ScanOptions{Subset: SubsetValidation})
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
	assert.Equal(t, 2, empty.NumClasses())
}

func TestScan_ExplicitClasses(t *testing.T) {
	root := makeTree(t, map[string]int{"a": 1, "b": 2, "c": 3}, 4)
	idx, err := Scan(root, ScanOptions{Classes: []string{"c", "a"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, idx.Classes)
	assert.Equal(t, []int{0, 0, 0, 1}, idx.Labels())

	_, err = Scan(root, ScanOptions{Classes: []string{"a", "missing"}})
	require.Error(t, err)
	_, err = Scan(root, ScanOptions{Classes: []string{"a", "a"}})
	require.Error(t, err)
}

func TestScan_Errors(t *testing.T) {
	root := makeTree(t, map[string]int{"a": 1}, 4)

	_, err := Scan(filepath.Join(root, "does-not-exist"), ScanOptions{})
	assert.Error(t, err)

	_, err = Scan(filepath.Join(root, "a", "img_00.png"), ScanOptions{})
	assert.Error(t, err)

	_, err = Scan(root, ScanOptions{ValidationSplit: 1})
	assert.Error(t, err)
	_, err = Scan(root, ScanOptions{ValidationSplit: -0.1})
	assert.Error(t, err)

	_, err = Scan(root, ScanOptions{Subset: "test"})
	assert.Error(t, err)

	_, err = Scan(t.TempDir(), ScanOptions{})
	assert.Error(t, err, "a directory without class subdirectories")
}

func TestScan_UppercaseExtensions(t *testing.T) {
	root := t.TempDir()
	writePNG(t, filepath.Join(root, "x", "IMG.PNG"), 2, 2, classColor(0))
	writePNG(t, filepath.Join(root, "x", "img.Jpeg.png"), 2, 2, classColor(0))
	idx, err := Scan(root, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Len())

	idx, err = Scan(root, ScanOptions{Extensions: []string{"jpg"}})
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Len())
}

func TestStepSize(t *testing.T) {
	assert.Equal(t, 0, StepSize(7, 8))
	assert.Equal(t, 1, StepSize(8, 8))
	assert.Equal(t, 12, StepSize(100, 8))
	assert.Equal(t, 0, StepSize(100, 0))
	assert.Equal(t, 0, StepSize(0, 8))

	assert.Equal(t, 13, NumBatches(100, 8, false))
	assert.Equal(t, 12, NumBatches(100, 8, true))
	assert.Equal(t, 1, NumBatches(3, 8, false))
	assert.Equal(t, 0, NumBatches(0, 8, false))
}

func TestListImages(t *testing.T) {
	root := makeTree(t, map[string]int{"a": 2, "b": 1}, 2)
	files, err := ListImages(root, false)
	require.NoError(t, err)
	assert.Len(t, files, 3)
	assert.Equal(t, "a", filepath.Base(filepath.Dir(files[0])))

	_, err = ListImages(files[0], false)
	assert.Error(t, err)
	_, err = ListImages(filepath.Join(root, "missing"), false)
	assert.Error(t, err)
}

func TestScan_FollowLinks(t *testing.T) {
	root := makeTree(t, map[string]int{"cats": 2}, 4)
	extra := makeTree(t, map[string]int{"birds": 3}, 4)
	birds := filepath.Join(extra, "birds")
	if err := os.Symlink(birds, filepath.Join(root, "birds")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}
	require.NoError(t, os.Symlink(birds, filepath.Join(root, "cats", "more")))
	// A link back to the class directory itself.
	require.NoError(t, os.Symlink(filepath.Join(root, "cats"), filepath.Join(root, "cats", "again")))

	idx, err := Scan(root, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"cats"}, idx.Classes)
	assert.Equal(t, 2, idx.Len())

	idx, err = Scan(root, ScanOptions{FollowLinks: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"birds", "cats"}, idx.Classes)
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1, 1, 1}, idx.Labels())
	assert.Equal(t, []string{
		filepath.Join("birds", "img_00.png"),
		filepath.Join("birds", "img_01.png"),
		filepath.Join("birds", "img_02.png"),
		filepath.Join("cats", "img_00.png"),
		filepath.Join("cats", "img_01.png"),
		filepath.Join("cats", "more", "img_00.png"),
		filepath.Join("cats", "more", "img_01.png"),
		filepath.Join("cats", "more", "img_02.png"),
	}, idx.Filenames())

	files, err := ListImages(filepath.Join(root, "cats"), true)
	require.NoError(t, err)
	assert.Len(t, files, 5)
}
