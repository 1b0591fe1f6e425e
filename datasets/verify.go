package datasets

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// VerifyOptions configures VerifyImages.
type VerifyOptions struct {
	// MoveTo, if set, receives the images that fail to decode, keeping their
	// path relative to the index root.
	MoveTo string

	// Workers decoding in parallel. 0 uses runtime.NumCPU().
	Workers int

	// Progress writes a progress bar to Output (os.Stderr if nil).
	Progress bool
	Output   io.Writer
}

// BadImage is an image that could not be decoded.
type BadImage struct {
	Path string
	Err  error
}

// VerifyReport is the result of VerifyImages.
type VerifyReport struct {
	Checked int
	Bad     []BadImage
	Moved   int
}

// VerifyImages decodes every image of idx and reports those that fail.
// With opts.MoveTo set, the failing images are moved out of the dataset.
func VerifyImages(idx *DirectoryIndex, opts VerifyOptions) (*VerifyReport, error) {
	n := idx.Len()
	report := &VerifyReport{Checked: n}
	if n == 0 {
		return report, nil
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	workers = max(1, min(workers, n))

	var bar *progressbar.ProgressBar
	if opts.Progress {
		out := opts.Output
		if out == nil {
			out = os.Stderr
		}
		bar = progressbar.NewOptions(n,
			progressbar.OptionSetWriter(out),
			progressbar.OptionSetDescription("verifying images"),
			progressbar.OptionShowCount(),
			progressbar.OptionOnCompletion(func() { _, _ = io.WriteString(out, "\n") }))
	} else {
		bar = progressbar.DefaultSilent(int64(n))
	}

	jobs := make(chan int, n)
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		bad []BadImage
	)
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for i := range jobs {
				path := idx.Samples[i].Path
				if _, err := LoadImage(path, LoadOptions{}); err != nil {
					mu.Lock()
					bad = append(bad, BadImage{Path: path, Err: err})
					mu.Unlock()
				}
				_ = bar.Add(1)
			}
		}()
	}
	for i := range n {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	_ = bar.Finish()

	sort.Slice(bad, func(i, j int) bool { return bad[i].Path < bad[j].Path })
	report.Bad = bad
	for _, b := range bad {
		klog.Warningf("invalid image %q: %v", b.Path, b.Err)
	}

	if opts.MoveTo == "" {
		return report, nil
	}
	for _, b := range bad {
		rel, err := filepath.Rel(idx.Root, b.Path)
		if err != nil {
			rel = filepath.Base(b.Path)
		}
		target := filepath.Join(opts.MoveTo, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return report, errors.Wrapf(err, "failed to create %q", filepath.Dir(target))
		}
		if err := os.Rename(b.Path, target); err != nil {
			return report, errors.Wrapf(err, "failed to move %q to %q", b.Path, target)
		}
		report.Moved++
	}
	return report, nil
}
