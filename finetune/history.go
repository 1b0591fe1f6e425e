package finetune

import (
	"encoding/json"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// EpochRecord holds the metrics at the end of an epoch.
type EpochRecord struct {
	// Epoch is 1-based.
	Epoch      int   `json:"epoch"`
	GlobalStep int64 `json:"global_step"`

	// Train metrics are the trainer's running values at the last step of the epoch.
	Train []MetricValue `json:"train"`

	// Validation is empty if there was no validation batch.
	Validation []MetricValue `json:"validation,omitempty"`
}

// String implements fmt.Stringer.
func (r EpochRecord) String() string {
	s := "train " + formatMetrics(r.Train)
	if len(r.Validation) > 0 {
		s += ", validation " + formatMetrics(r.Validation)
	}
	return s
}

func formatMetrics(values []MetricValue) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, fmt.Sprintf("%s=%s", v.ShortName, v.Pretty))
	}
	return strings.Join(parts, " ")
}

// lastOfType returns the value of the last metric of the given type: for training metrics
// that is the moving average loss rather than the batch loss.
func lastOfType(values []MetricValue, metricType string) (float64, bool) {
	for i := len(values) - 1; i >= 0; i-- {
		if values[i].Type == metricType {
			return values[i].Value, true
		}
	}
	return 0, false
}

// History is the list of epoch records of a model, across training sessions.
type History struct {
	Epochs []EpochRecord `json:"epochs"`
}

// LoadHistory reads a history saved with History.Save. A missing file is an empty history.
func LoadHistory(path string) (*History, error) {
	h := &History{}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return h, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "finetune: reading history")
	}
	if err := json.Unmarshal(data, h); err != nil {
		return nil, errors.Wrapf(err, "finetune: parsing history %q", path)
	}
	return h, nil
}

// Len returns the number of epochs recorded.
func (h *History) Len() int { return len(h.Epochs) }

// Add appends record, dropping records of the same or later epochs. Those are left over
// from a session that stopped after saving its history but before its checkpoint.
func (h *History) Add(record EpochRecord) {
	n := len(h.Epochs)
	for n > 0 && h.Epochs[n-1].Epoch >= record.Epoch {
		n--
	}
	h.Epochs = append(h.Epochs[:n], record)
}

// Save writes the history as JSON.
func (h *History) Save(path string) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrapf(os.WriteFile(path, data, 0644), "finetune: saving history")
}

// Series returns the points (epoch, value) of the metric of the given type (metrics.LossMetricType
// or metrics.AccuracyMetricType), for the training or the validation values.
func (h *History) Series(validation bool, metricType string) plotter.XYs {
	var xys plotter.XYs
	for _, r := range h.Epochs {
		values := r.Train
		if validation {
			values = r.Validation
		}
		if v, ok := lastOfType(values, metricType); ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
			xys = append(xys, plotter.XY{X: float64(r.Epoch), Y: v})
		}
	}
	return xys
}

var (
	trainColor = color.RGBA{R: 20, G: 80, B: 200, A: 255}
	validColor = color.RGBA{R: 200, G: 30, B: 30, A: 255}
)

// historyPlot plots the training and validation series of one metric type.
func historyPlot(h *History, title, metricType string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = metricType
	p.Add(plotter.NewGrid())
	for _, series := range []struct {
		name       string
		validation bool
		color      color.Color
	}{
		{"train", false, trainColor},
		{"validation", true, validColor},
	} {
		xys := h.Series(series.validation, metricType)
		if len(xys) == 0 {
			continue
		}
		line, points, err := plotter.NewLinePoints(xys)
		if err != nil {
			return nil, err
		}
		line.Color = series.color
		line.Width = vg.Points(1.2)
		points.Color = series.color
		points.Radius = vg.Points(2)
		p.Add(line, points)
		p.Legend.Add(series.name, line, points)
	}
	p.Legend.Top = true
	return p, nil
}

// PlotHistory draws the loss and accuracy curves side by side in a PNG file.
func PlotHistory(h *History, path string) error {
	lossPlot, err := historyPlot(h, "Loss", metrics.LossMetricType)
	if err != nil {
		return err
	}
	accPlot, err := historyPlot(h, "Accuracy", metrics.AccuracyMetricType)
	if err != nil {
		return err
	}

	img := vgimg.New(12*vg.Inch, 5*vg.Inch)
	dc := draw.New(img)
	plots := [][]*plot.Plot{{lossPlot, accPlot}}
	canvases := plot.Align(plots, draw.Tiles{Rows: 1, Cols: 2, PadX: vg.Millimeter, PadY: vg.Millimeter}, dc)
	lossPlot.Draw(canvases[0][0])
	accPlot.Draw(canvases[0][1])

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "finetune: plot directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "finetune: creating plot")
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "finetune: writing plot %q", path)
	}
	return errors.WithStack(f.Close())
}
