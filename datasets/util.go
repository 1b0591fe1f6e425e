package datasets

import (
	"path/filepath"
	"strings"
)

// DefaultExtensions are the image file extensions accepted by Scan.
var DefaultExtensions = []string{"png", "jpg", "jpeg", "bmp", "gif", "tif", "tiff", "webp"}

// StepSize returns how many full batches fit in samples: samples / batchSize,
// rounded down. It returns 0 for a non-positive batch size.
func StepSize(samples, batchSize int) int {
	if batchSize <= 0 || samples <= 0 {
		return 0
	}
	return samples / batchSize
}

// NumBatches returns how many batches an epoch yields. The last, partial,
// batch counts unless dropRemainder is set.
func NumBatches(samples, batchSize int, dropRemainder bool) int {
	if dropRemainder {
		return StepSize(samples, batchSize)
	}
	if batchSize <= 0 || samples <= 0 {
		return 0
	}
	return (samples + batchSize - 1) / batchSize
}

// hasExtension reports whether the file name ends in one of the extensions,
// ignoring case.
func hasExtension(name string, extensions []string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "" {
		return false
	}
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}
