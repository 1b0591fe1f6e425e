package finetune

import (
	"github.com/Noofbiz/familyvgg/datasets"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// objective groups the loss and accuracy metrics used for a class mode.
type objective struct {
	loss         losses.LossFn
	trainMetrics []metrics.Interface
	evalMetrics  []metrics.Interface
}

// objectiveFor returns the loss and metrics matching the label format of classMode.
func objectiveFor(classMode datasets.ClassMode) (objective, error) {
	switch classMode {
	case datasets.ClassCategorical:
		return objective{
			loss: losses.CategoricalCrossEntropyLogits,
			trainMetrics: []metrics.Interface{metrics.NewExponentialMovingAverageMetric(
				"Moving Average Accuracy", "~acc", metrics.AccuracyMetricType, categoricalAccuracyGraph, nil, 0.01)},
			evalMetrics: []metrics.Interface{metrics.NewMeanMetric(
				"Mean Accuracy", "#acc", metrics.AccuracyMetricType, categoricalAccuracyGraph, nil)},
		}, nil
	case datasets.ClassSparse:
		return objective{
			loss:         losses.SparseCategoricalCrossEntropyLogits,
			trainMetrics: []metrics.Interface{metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)},
			evalMetrics:  []metrics.Interface{metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")},
		}, nil
	case datasets.ClassBinary:
		return objective{
			loss:         losses.BinaryCrossentropyLogits,
			trainMetrics: []metrics.Interface{metrics.NewMovingAverageBinaryLogitsAccuracy("Moving Average Accuracy", "~acc", 0.01)},
			evalMetrics:  []metrics.Interface{metrics.NewMeanBinaryLogitsAccuracy("Mean Accuracy", "#acc")},
		}, nil
	}
	return objective{}, errors.Errorf("finetune: no loss for class mode %q", classMode)
}

// categoricalAccuracyGraph is the fraction of examples whose largest logit matches the one-hot label.
func categoricalAccuracyGraph(_ *context.Context, labels, logits []*Node) *Node {
	predictions := logits[0]
	want := ArgMax(labels[0], -1, dtypes.Int32)
	got := ArgMax(predictions, -1, dtypes.Int32)
	return ReduceAllMean(ConvertDType(Equal(want, got), predictions.DType()))
}

// MetricValue is the value of a metric at the end of an evaluation.
type MetricValue struct {
	Name      string  `json:"name"`
	ShortName string  `json:"short_name"`
	Type      string  `json:"type"`
	Value     float64 `json:"value"`
	Pretty    string  `json:"pretty"`
}

// metricValues pairs the metric definitions with the values returned by the trainer.
func metricValues(defs []metrics.Interface, values []*tensors.Tensor) []MetricValue {
	out := make([]MetricValue, 0, len(values))
	for i, value := range values {
		if i >= len(defs) {
			break
		}
		out = append(out, MetricValue{
			Name:      defs[i].Name(),
			ShortName: defs[i].ShortName(),
			Type:      defs[i].MetricType(),
			Value:     shapes.ConvertTo[float64](value.Value()),
			Pretty:    defs[i].PrettyPrint(value),
		})
	}
	return out
}

// byShortName indexes metric values by their short name.
func byShortName(values []MetricValue) map[string]float64 {
	m := make(map[string]float64, len(values))
	for _, v := range values {
		m[v.ShortName] = v.Value
	}
	return m
}
