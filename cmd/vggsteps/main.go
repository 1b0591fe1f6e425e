// Command vggsteps builds the training, validation and test iterators the way vggtrain does and
// prints how many images each one holds and how many steps (batches) it runs per epoch.
//
// Usage:
//
//	go run ./cmd/vggsteps -train data/train -test data/test
//
// It is a quick way to check a dataset layout before training: every subdirectory of -train is
// a class, and -test must have the same class subdirectories.
package main

import (
	"flag"
	"fmt"
	"strconv"

	"github.com/Noofbiz/familyvgg/datasets"
	"github.com/Noofbiz/familyvgg/finetune"
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
	headerRowStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)
	cellStyle      = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
)

func main() {
	trainDir := flag.String("train", "", "training images directory, with one subdirectory per class")
	testDir := flag.String("test", "", "optional test images directory")
	batchSize := flag.Int("batch", 8, "batch size")
	imageSize := flag.Int("size", 224, "images are resized to size x size")
	split := flag.Float64("split", 0.2, "fraction of each class of -train used for validation")
	klog.InitFlags(nil)
	flag.Parse()

	ctx := finetune.CreateDefaultContext()
	ctx.SetParams(map[string]any{
		finetune.ParamBatchSize:       *batchSize,
		finetune.ParamImageSize:       *imageSize,
		finetune.ParamValidationSplit: *split,
	})
	cfg, err := finetune.NewConfig(ctx, *trainDir, *testDir)
	if err != nil {
		klog.Fatalf("%+v", err)
	}
	ds, err := finetune.CreateDatasets(cfg)
	if err != nil {
		klog.Fatalf("%+v", err)
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("%d classes, batch size %d, %dx%d images",
		len(ds.Classes), cfg.BatchSize, *imageSize, *imageSize)))
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 {
				return headerRowStyle
			}
			if col == 0 {
				return cellStyle.Align(lipgloss.Left)
			}
			return cellStyle.Align(lipgloss.Right)
		}).
		Headers("subset", "images", "steps")
	table.Row(ds.Train.Name(), humanize.Comma(int64(ds.Train.Samples())), strconv.Itoa(ds.StepsTrain))
	table.Row(ds.Valid.Name(), humanize.Comma(int64(ds.Valid.Samples())), strconv.Itoa(ds.StepsValid))
	if ds.Test != nil {
		table.Row(ds.Test.Name(), humanize.Comma(int64(ds.Test.Samples())), strconv.Itoa(ds.StepsTest))
	}
	fmt.Println(table.Render())

	for _, it := range []*datasets.DirectoryIterator{ds.Train, ds.Valid, ds.Test} {
		if it == nil {
			continue
		}
		fmt.Println(titleStyle.Render(it.Name()))
		fmt.Print(datasets.ClassDistribution(it.Index()).Summary())
	}
	if ds.StepsTrain == 0 {
		klog.Warningf("fewer training images than the batch size: training would run 0 steps per epoch")
	}
}
