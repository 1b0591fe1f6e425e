package datasets

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Sample is one image file and its class index.
type Sample struct {
	Path  string
	Class int
}

// DirectoryIndex lists the images of a directory tree, one class per
// immediate subdirectory.
type DirectoryIndex struct {
	// Root directory that was scanned.
	Root string

	// Classes names, in class index order.
	Classes []string

	// ClassIndices maps a class name to its index.
	ClassIndices map[string]int

	// Samples sorted by class, then by file path.
	Samples []Sample

	// Subset this index holds.
	Subset Subset
}

// ScanOptions configures Scan.
type ScanOptions struct {
	// Classes lists the class subdirectories to use, in index order. If empty,
	// every subdirectory of the root is a class, sorted by name.
	Classes []string

	// Subset to keep. Only meaningful with ValidationSplit > 0.
	Subset Subset

	// ValidationSplit is the fraction of each class reserved for the
	// validation subset. Must be in [0, 1).
	ValidationSplit float64

	// FollowLinks makes the scan descend into symlinked directories.
	FollowLinks bool

	// Extensions accepted, without the dot. Defaults to DefaultExtensions.
	Extensions []string
}

// Scan walks root and builds the index of its images.
//
// With a validation split s, the first int(s*n) files (in sorted order) of a
// class with n files go to the validation subset, and the rest to the
// training subset.
func Scan(root string, opts ScanOptions) (*DirectoryIndex, error) {
	if _, err := ParseSubset(string(opts.Subset)); err != nil {
		return nil, err
	}
	if opts.ValidationSplit < 0 || opts.ValidationSplit >= 1 {
		return nil, errors.Errorf("validation split must be in [0, 1), got %g", opts.ValidationSplit)
	}
	extensions := opts.Extensions
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan image directory %q", root)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("%q is not a directory", root)
	}

	classes := opts.Classes
	if len(classes) == 0 {
		classes, err = listClassDirs(root, opts.FollowLinks)
		if err != nil {
			return nil, err
		}
	}
	if len(classes) == 0 {
		return nil, errors.Errorf("no class subdirectories found in %q", root)
	}

	idx := &DirectoryIndex{
		Root:         root,
		Classes:      classes,
		ClassIndices: make(map[string]int, len(classes)),
		Subset:       opts.Subset,
	}
	for i, class := range classes {
		if _, dup := idx.ClassIndices[class]; dup {
			return nil, errors.Errorf("class %q listed twice", class)
		}
		idx.ClassIndices[class] = i
	}

	for classIdx, class := range classes {
		classDir := filepath.Join(root, class)
		if info, err := os.Stat(classDir); err != nil || !info.IsDir() {
			return nil, errors.Errorf("class directory %q not found", classDir)
		}
		files, err := collectImages(classDir, opts.FollowLinks, extensions)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to list images of class %q", class)
		}
		start, end := splitRange(len(files), opts.ValidationSplit, opts.Subset)
		for _, f := range files[start:end] {
			idx.Samples = append(idx.Samples, Sample{Path: f, Class: classIdx})
		}
	}

	klog.Infof("Found %d images belonging to %d classes.", len(idx.Samples), len(classes))
	return idx, nil
}

// Len returns the number of samples.
func (idx *DirectoryIndex) Len() int { return len(idx.Samples) }

// NumClasses returns the number of classes.
func (idx *DirectoryIndex) NumClasses() int { return len(idx.Classes) }

// Filenames returns the samples' paths relative to the root, in index order.
func (idx *DirectoryIndex) Filenames() []string {
	names := make([]string, len(idx.Samples))
	for i, s := range idx.Samples {
		rel, err := filepath.Rel(idx.Root, s.Path)
		if err != nil {
			rel = s.Path
		}
		names[i] = rel
	}
	return names
}

// Labels returns the class index of every sample, in index order.
func (idx *DirectoryIndex) Labels() []int {
	labels := make([]int, len(idx.Samples))
	for i, s := range idx.Samples {
		labels[i] = s.Class
	}
	return labels
}

// splitRange returns the [start, end) range of n sorted files kept for subset.
func splitRange(n int, split float64, subset Subset) (start, end int) {
	cut := int(split * float64(n))
	switch subset {
	case SubsetValidation:
		return 0, cut
	case SubsetTraining:
		return cut, n
	default:
		return 0, n
	}
}

func listClassDirs(root string, followLinks bool) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", root)
	}
	var classes []string
	for _, e := range entries {
		if isDirEntry(filepath.Join(root, e.Name()), e, followLinks) {
			classes = append(classes, e.Name())
		}
	}
	sort.Strings(classes)
	return classes, nil
}

func isDirEntry(path string, e os.DirEntry, followLinks bool) bool {
	if e.IsDir() {
		return true
	}
	if followLinks && e.Type()&os.ModeSymlink != 0 {
		info, err := os.Stat(path)
		return err == nil && info.IsDir()
	}
	return false
}

// ListImages returns the image files under root, recursively, in the same
// order Scan uses within a class.
func ListImages(root string, followLinks bool) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(err, "listing images in %q", root)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("%q is not a directory", root)
	}
	files, err := collectImages(root, followLinks, DefaultExtensions)
	return files, errors.Wrapf(err, "listing images in %q", root)
}

// collectImages returns the image files under dir, ordered by directory and
// then by file name.
func collectImages(dir string, followLinks bool, extensions []string) ([]string, error) {
	var files []string
	visited := make(map[string]bool)
	var walk func(d string) error
	walk = func(d string) error {
		if followLinks {
			resolved, err := filepath.EvalSymlinks(d)
			if err != nil {
				return err
			}
			if visited[resolved] {
				return nil
			}
			visited[resolved] = true
		}
		entries, err := os.ReadDir(d)
		if err != nil {
			return err
		}
		var subDirs []string
		for _, e := range entries {
			p := filepath.Join(d, e.Name())
			if isDirEntry(p, e, followLinks) {
				subDirs = append(subDirs, p)
				continue
			}
			if e.Type().IsRegular() || (e.Type()&os.ModeSymlink != 0) {
				if hasExtension(e.Name(), extensions) {
					files = append(files, p)
				}
			}
		}
		for _, sub := range subDirs {
			if err := walk(sub); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(dir); err != nil {
		return nil, err
	}
	sort.SliceStable(files, func(i, j int) bool {
		di, dj := filepath.Dir(files[i]), filepath.Dir(files[j])
		if di != dj {
			return di < dj
		}
		return filepath.Base(files[i]) < filepath.Base(files[j])
	})
	return files, nil
}
