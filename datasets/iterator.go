package datasets

import (
	"fmt"
	"image"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// FlowOptions configures a DirectoryIterator.
type FlowOptions struct {
	// TargetSize images are resized to. Defaults to 256x256.
	TargetSize Size

	// ColorMode defaults to ColorRGB.
	ColorMode ColorMode

	// ClassMode defaults to ClassCategorical.
	ClassMode ClassMode

	// Classes restricts and orders the class subdirectories. See ScanOptions.Classes.
	Classes []string

	// BatchSize defaults to 32.
	BatchSize int

	// NoShuffle yields the samples in index order. By default the order is
	// shuffled at every epoch.
	NoShuffle bool

	// Seed for shuffling and augmentation. 0 uses the current time.
	Seed int64

	// Subset of the directory, split by the generator's validation split.
	Subset Subset

	// Interpolation used to resize. See LoadOptions.
	Interpolation string

	// KeepAspectRatio crops instead of stretching. See LoadOptions.
	KeepAspectRatio bool

	// FollowLinks descends into symlinked directories while scanning.
	FollowLinks bool

	// Infinite iterators start a new epoch instead of returning io.EOF.
	Infinite bool

	// DropRemainder skips the last batch of an epoch if it is not full.
	DropRemainder bool

	// Name of the dataset, reported by Name().
	Name string

	// ShortName is used in metric labels, e.g. "Tra" or "Val". Defaults to
	// the first 3 letters of the subset, or "Dir".
	ShortName string
}

func (o FlowOptions) withDefaults() (FlowOptions, error) {
	var err error
	if o.TargetSize.IsZero() {
		o.TargetSize = Size{Height: 256, Width: 256}
	}
	if o.TargetSize.Height <= 0 || o.TargetSize.Width <= 0 {
		return o, errors.Errorf("invalid target size %dx%d", o.TargetSize.Height, o.TargetSize.Width)
	}
	if o.ColorMode, err = ParseColorMode(string(o.ColorMode)); err != nil {
		return o, err
	}
	if o.ClassMode, err = ParseClassMode(string(o.ClassMode)); err != nil {
		return o, err
	}
	if _, err = ParseSubset(string(o.Subset)); err != nil {
		return o, err
	}
	if _, err = ResampleFilter(o.Interpolation); err != nil {
		return o, err
	}
	if o.BatchSize == 0 {
		o.BatchSize = 32
	}
	if o.BatchSize < 0 {
		return o, errors.Errorf("batch size must be positive, got %d", o.BatchSize)
	}
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}
	return o, nil
}

// DirectoryIterator yields batches of images, and their labels, read from a
// DirectoryIndex. It implements Dataset and gomlx's train.Dataset.
//
// Yield is safe for concurrent use: the selection of the next batch happens
// under a lock, while decoding and augmentation run outside of it. This
// allows wrapping it with gomlx's datasets.Parallel.
type DirectoryIterator struct {
	index *DirectoryIndex
	gen   *Generator
	opts  FlowOptions

	mu       sync.Mutex
	rng      *rand.Rand
	order    []int
	pos      int
	epoch    int
	steps    int
	maxSteps int
}

// NewDirectoryIterator creates an iterator over idx. gen may be nil, in
// which case images are neither augmented nor rescaled.
func NewDirectoryIterator(idx *DirectoryIndex, gen *Generator, opts FlowOptions) (*DirectoryIterator, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	if opts.ClassMode == ClassBinary && idx.NumClasses() != 2 {
		return nil, errors.Errorf("class mode %q requires exactly 2 classes, found %d: %v",
			opts.ClassMode, idx.NumClasses(), idx.Classes)
	}
	if opts.Name == "" {
		opts.Name = "DirectoryIterator"
		if idx.Subset != SubsetAll {
			opts.Name = fmt.Sprintf("DirectoryIterator(%s)", idx.Subset)
		}
	}
	if opts.ShortName == "" {
		opts.ShortName = "Dir"
		if idx.Subset != SubsetAll {
			opts.ShortName = strings.ToUpper(string(idx.Subset[:1])) + string(idx.Subset[1:3])
		}
	}
	it := &DirectoryIterator{
		index: idx,
		gen:   gen,
		opts:  opts,
		rng:   rand.New(rand.NewSource(opts.Seed)),
	}
	it.resetOrderLocked()
	return it, nil
}

// WithMaxSteps makes the iterator return io.EOF after n batches, counted
// since the last Reset. 0 means no limit.
func (it *DirectoryIterator) WithMaxSteps(n int) *DirectoryIterator {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.maxSteps = n
	return it
}

// Name implements train.Dataset.
func (it *DirectoryIterator) Name() string { return it.opts.Name }

// ShortName implements train.HasShortName.
func (it *DirectoryIterator) ShortName() string { return it.opts.ShortName }

// Len returns the number of samples.
func (it *DirectoryIterator) Len() int { return it.index.Len() }

// Samples is an alias to Len.
func (it *DirectoryIterator) Samples() int { return it.index.Len() }

// BatchSize of the yielded batches. The last batch of an epoch may be smaller.
func (it *DirectoryIterator) BatchSize() int { return it.opts.BatchSize }

// StepSize is the number of full batches per epoch: Samples() / BatchSize().
func (it *DirectoryIterator) StepSize() int { return StepSize(it.Samples(), it.opts.BatchSize) }

// NumBatches yielded per epoch, counting the last partial batch unless
// DropRemainder is set.
func (it *DirectoryIterator) NumBatches() int {
	return NumBatches(it.Samples(), it.opts.BatchSize, it.opts.DropRemainder)
}

// NumClasses found in the directory.
func (it *DirectoryIterator) NumClasses() int { return it.index.NumClasses() }

// ClassNames in class index order.
func (it *DirectoryIterator) ClassNames() []string { return it.index.Classes }

// ClassIndices maps class names to indices.
func (it *DirectoryIterator) ClassIndices() map[string]int { return it.index.ClassIndices }

// Index returns the underlying DirectoryIndex.
func (it *DirectoryIterator) Index() *DirectoryIndex { return it.index }

// Options returns the resolved flow options.
func (it *DirectoryIterator) Options() FlowOptions { return it.opts }

// Epoch returns the current epoch, starting at 0.
func (it *DirectoryIterator) Epoch() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.epoch
}

// Shuffle re-seeds the iterator and restarts the current epoch with a new order.
func (it *DirectoryIterator) Shuffle(seed int64) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.rng = rand.New(rand.NewSource(seed))
	it.pos = 0
	it.steps = 0
	it.resetOrderLocked()
}

// Reset implements train.Dataset: it starts a new epoch.
func (it *DirectoryIterator) Reset() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.pos = 0
	it.steps = 0
	it.epoch++
	it.resetOrderLocked()
}

// Yield implements train.Dataset. It returns the images as inputs[0], a
// float32 tensor shaped [batch, height, width, channels], and the labels
// shaped according to the class mode.
func (it *DirectoryIterator) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	indices, seed, err := it.nextBatch()
	if err != nil {
		return nil, nil, nil, err
	}
	inputs, labels, err = it.makeBatch(indices, rand.New(rand.NewSource(seed)))
	return nil, inputs, labels, err
}

// Batch builds the batch for the given sample indices.
func (it *DirectoryIterator) Batch(indices []int) (inputs, labels []*tensors.Tensor, err error) {
	for _, i := range indices {
		if i < 0 || i >= it.Len() {
			return nil, nil, errors.Errorf("index %d out of range [0, %d)", i, it.Len())
		}
	}
	it.mu.Lock()
	seed := it.rng.Int63()
	it.mu.Unlock()
	return it.makeBatch(indices, rand.New(rand.NewSource(seed)))
}

// Example loads sample i, resized but not augmented.
func (it *DirectoryIterator) Example(i int) (*image.NRGBA, int, error) {
	if i < 0 || i >= it.Len() {
		return nil, 0, errors.Errorf("index %d out of range [0, %d)", i, it.Len())
	}
	s := it.index.Samples[i]
	img, err := LoadImage(s.Path, it.loadOptions())
	if err != nil {
		return nil, 0, err
	}
	return img, s.Class, nil
}

func (it *DirectoryIterator) loadOptions() LoadOptions {
	return LoadOptions{
		TargetSize:      it.opts.TargetSize,
		ColorMode:       it.opts.ColorMode,
		Interpolation:   it.opts.Interpolation,
		KeepAspectRatio: it.opts.KeepAspectRatio,
	}
}

func (it *DirectoryIterator) resetOrderLocked() {
	n := it.index.Len()
	if len(it.order) != n {
		it.order = make([]int, n)
	}
	for i := range it.order {
		it.order[i] = i
	}
	if !it.opts.NoShuffle {
		it.rng.Shuffle(n, func(i, j int) { it.order[i], it.order[j] = it.order[j], it.order[i] })
	}
}

// nextBatch selects the sample indices of the next batch and a seed for its
// augmentations.
func (it *DirectoryIterator) nextBatch() (indices []int, seed int64, err error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	n := len(it.order)
	batchSize := it.opts.BatchSize
	if n == 0 {
		return nil, 0, io.EOF
	}
	if it.maxSteps > 0 && it.steps >= it.maxSteps {
		return nil, 0, io.EOF
	}
	if it.opts.DropRemainder && n < batchSize {
		if it.opts.Infinite {
			return nil, 0, errors.Errorf("dataset %q has %d samples, fewer than one batch of %d with DropRemainder set",
				it.opts.Name, n, batchSize)
		}
		return nil, 0, io.EOF
	}
	exhausted := it.pos >= n || (it.opts.DropRemainder && it.pos+batchSize > n)
	if exhausted {
		if !it.opts.Infinite {
			return nil, 0, io.EOF
		}
		it.pos = 0
		it.epoch++
		it.resetOrderLocked()
	}
	end := min(it.pos+batchSize, n)
	indices = append([]int(nil), it.order[it.pos:end]...)
	it.pos = end
	it.steps++
	return indices, it.rng.Int63(), nil
}

// makeBatch loads, augments and standardizes the samples, and packs them
// with their labels into tensors.
func (it *DirectoryIterator) makeBatch(indices []int, rng *rand.Rand) (inputs, labels []*tensors.Tensor, err error) {
	if len(indices) == 0 {
		return nil, nil, errors.New("empty batch")
	}
	size := it.opts.TargetSize
	channels := it.opts.ColorMode.Channels()
	exampleSize := size.Height * size.Width * channels
	flat := make([]float32, 0, len(indices)*exampleSize)
	loadOpts := it.loadOptions()
	for _, i := range indices {
		s := it.index.Samples[i]
		img, err := LoadImage(s.Path, loadOpts)
		if err != nil {
			return nil, nil, err
		}
		if it.gen != nil {
			img = it.gen.RandomTransform(img, rng)
		}
		start := len(flat)
		flat = ImageValues(flat, img, it.opts.ColorMode)
		if it.gen != nil {
			it.gen.Standardize(flat[start:])
		}
	}
	batch := len(indices)
	images := tensors.FromFlatDataAndDimensions(flat, batch, size.Height, size.Width, channels)
	inputs = []*tensors.Tensor{images}

	switch it.opts.ClassMode {
	case ClassCategorical:
		oneHot := make([]float32, batch*it.NumClasses())
		for row, i := range indices {
			oneHot[row*it.NumClasses()+it.index.Samples[i].Class] = 1
		}
		labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(oneHot, batch, it.NumClasses())}
	case ClassSparse:
		sparse := make([]int32, batch)
		for row, i := range indices {
			sparse[row] = int32(it.index.Samples[i].Class)
		}
		labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(sparse, batch, 1)}
	case ClassBinary:
		binary := make([]float32, batch)
		for row, i := range indices {
			binary[row] = float32(it.index.Samples[i].Class)
		}
		labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(binary, batch, 1)}
	case ClassInput:
		copied := append([]float32(nil), flat...)
		labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(copied, batch, size.Height, size.Width, channels)}
	case ClassNone:
		labels = []*tensors.Tensor{}
	}
	return inputs, labels, nil
}
