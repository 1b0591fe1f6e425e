package datasets

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

// writePNG writes a solid w x h image to path, creating parent directories.
func writePNG(t *testing.T, path string, w, h int, c color.NRGBA) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// classColor gives every class a distinct, easy to check, color.
func classColor(class int) color.NRGBA {
	return color.NRGBA{R: uint8(10 + 100*class), G: 20, B: 30, A: 255}
}

// makeTree creates root/<class>/img_NN.png for each class with the given
// number of images, and returns root.
func makeTree(t *testing.T, counts map[string]int, size int) string {
	t.Helper()
	root := t.TempDir()
	classIdx := 0
	for _, class := range sortedKeys(counts) {
		for i := range counts[class] {
			writePNG(t, filepath.Join(root, class, fmt.Sprintf("img_%02d.png", i)), size, size, classColor(classIdx))
		}
		classIdx++
	}
	return root
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
