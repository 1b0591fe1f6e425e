package datasets

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyImages(t *testing.T) {
	root := makeTree(t, map[string]int{"a": 3, "b": 2}, 4)
	broken := filepath.Join(root, "b", "broken.jpg")
	require.NoError(t, os.WriteFile(broken, []byte{0xff, 0xd8, 0x00}, 0644))

	idx, err := Scan(root, ScanOptions{})
	require.NoError(t, err)
	require.Equal(t, 6, idx.Len())

	var out bytes.Buffer
	report, err := VerifyImages(idx, VerifyOptions{Workers: 3, Progress: true, Output: &out})
	require.NoError(t, err)
	assert.Equal(t, 6, report.Checked)
	require.Len(t, report.Bad, 1)
	assert.Equal(t, broken, report.Bad[0].Path)
	assert.Zero(t, report.Moved)
	assert.NotEmpty(t, out.String())

	invalidDir := filepath.Join(t.TempDir(), "invalid")
	report, err = VerifyImages(idx, VerifyOptions{MoveTo: invalidDir})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Moved)
	_, err = os.Stat(filepath.Join(invalidDir, "b", "broken.jpg"))
	assert.NoError(t, err)
	_, err = os.Stat(broken)
	assert.True(t, os.IsNotExist(err))

	idx, err = Scan(root, ScanOptions{})
	require.NoError(t, err)
	report, err = VerifyImages(idx, VerifyOptions{})
	require.NoError(t, err)
	assert.Empty(t, report.Bad)
}
