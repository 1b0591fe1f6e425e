package datasets

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CSVOptions describes CSV files that list images and their class, one per row, with a header.
type CSVOptions struct {
	// Directory that relative image paths are resolved against. Defaults to the
	// directory of each CSV file.
	Directory string

	// PathColumn and ClassColumn name the header columns (case-insensitive).
	// They default to "filename" and "class".
	PathColumn, ClassColumn string
}

func (o CSVOptions) withDefaults() CSVOptions {
	if o.PathColumn == "" {
		o.PathColumn = "filename"
	}
	if o.ClassColumn == "" {
		o.ClassColumn = "class"
	}
	o.PathColumn = strings.ToLower(strings.TrimSpace(o.PathColumn))
	o.ClassColumn = strings.ToLower(strings.TrimSpace(o.ClassColumn))
	return o
}

// IndexFromCSV builds an index from the rows of every CSV file matching pattern.
//
// Classes, subset, validation split and extensions come from scan, as for Scan. Without
// scan.Classes the classes are the distinct values of the class column, sorted. Rows of
// other classes, rows whose file does not exist and rows with an unknown extension are
// skipped. The validation split is taken per class, in row order.
func IndexFromCSV(pattern string, opts CSVOptions, scan ScanOptions) (*DirectoryIndex, error) {
	if _, err := ParseSubset(string(scan.Subset)); err != nil {
		return nil, err
	}
	if scan.ValidationSplit < 0 || scan.ValidationSplit >= 1 {
		return nil, errors.Errorf("validation split must be in [0, 1), got %g", scan.ValidationSplit)
	}
	extensions := scan.Extensions
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	opts = opts.withDefaults()

	csvPaths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to glob pattern %q", pattern)
	}
	if len(csvPaths) == 0 {
		return nil, errors.Errorf("no CSV files found matching %q", pattern)
	}
	sort.Strings(csvPaths)

	var rows []csvRow
	for _, path := range csvPaths {
		fileRows, err := readLabelsCSV(path, opts)
		if err != nil {
			return nil, err
		}
		rows = append(rows, fileRows...)
	}

	classes := scan.Classes
	if len(classes) == 0 {
		seen := make(map[string]bool)
		for _, r := range rows {
			if !seen[r.class] {
				seen[r.class] = true
				classes = append(classes, r.class)
			}
		}
		sort.Strings(classes)
	}
	if len(classes) == 0 {
		return nil, errors.Errorf("no rows in CSV files matching %q", pattern)
	}

	root := opts.Directory
	if root == "" {
		root = filepath.Dir(csvPaths[0])
	}
	idx := &DirectoryIndex{
		Root:         root,
		Classes:      classes,
		ClassIndices: make(map[string]int, len(classes)),
		Subset:       scan.Subset,
	}
	for i, class := range classes {
		if _, dup := idx.ClassIndices[class]; dup {
			return nil, errors.Errorf("class %q listed twice", class)
		}
		idx.ClassIndices[class] = i
	}

	perClass := make([][]string, len(classes))
	var skipped int
	for _, r := range rows {
		classIdx, ok := idx.ClassIndices[r.class]
		if !ok || !hasExtension(r.path, extensions) {
			skipped++
			continue
		}
		if info, err := os.Stat(r.path); err != nil || info.IsDir() {
			skipped++
			continue
		}
		perClass[classIdx] = append(perClass[classIdx], r.path)
	}
	if skipped > 0 {
		klog.Warningf("skipped %d rows of %q with an unknown class or a missing image", skipped, pattern)
	}
	for classIdx, files := range perClass {
		start, end := splitRange(len(files), scan.ValidationSplit, scan.Subset)
		for _, f := range files[start:end] {
			idx.Samples = append(idx.Samples, Sample{Path: f, Class: classIdx})
		}
	}

	klog.Infof("Found %d images belonging to %d classes.", len(idx.Samples), len(classes))
	return idx, nil
}

type csvRow struct {
	path, class string
}

// readLabelsCSV reads the image path and class of every row of a CSV file.
func readLabelsCSV(path string, opts CSVOptions) ([]csvRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open CSV %q", path)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", path)
	}
	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	pathCol, ok := colIndex[opts.PathColumn]
	if !ok {
		return nil, errors.Errorf("column %q not found in %q", opts.PathColumn, path)
	}
	classCol, ok := colIndex[opts.ClassColumn]
	if !ok {
		return nil, errors.Errorf("column %q not found in %q", opts.ClassColumn, path)
	}

	baseDir := opts.Directory
	if baseDir == "" {
		baseDir = filepath.Dir(path)
	}
	var rows []csvRow
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %q", path)
		}
		imagePath := strings.TrimSpace(record[pathCol])
		class := strings.TrimSpace(record[classCol])
		if imagePath == "" || class == "" {
			return nil, errors.Errorf("%s:%d: empty path or class", path, line)
		}
		if !filepath.IsAbs(imagePath) {
			imagePath = filepath.Join(baseDir, imagePath)
		}
		rows = append(rows, csvRow{path: imagePath, class: class})
	}
	return rows, nil
}

// FlowFromCSV is like FlowFromDirectory, but the images and their classes are listed in the
// CSV files matching pattern. See IndexFromCSV.
func (g *Generator) FlowFromCSV(pattern string, csvOpts CSVOptions, opts FlowOptions) (*DirectoryIterator, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	var split float64
	if g != nil {
		split = g.cfg.ValidationSplit
	}
	idx, err := IndexFromCSV(pattern, csvOpts, ScanOptions{
		Classes:         opts.Classes,
		Subset:          opts.Subset,
		ValidationSplit: split,
	})
	if err != nil {
		return nil, err
	}
	return NewDirectoryIterator(idx, g, opts)
}
