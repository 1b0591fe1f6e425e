package datasets

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// ClassCount is the number of samples of one class.
type ClassCount struct {
	Name  string
	Index int
	Count int
}

// Distribution summarizes how the samples of an index spread over classes.
type Distribution struct {
	Classes []ClassCount
	Total   int

	// Imbalance is the ratio between the largest and the smallest class.
	// It is +Inf if some class is empty, and 0 if there are no samples.
	Imbalance float64
}

// ClassDistribution counts the samples of each class of idx.
func ClassDistribution(idx *DirectoryIndex) Distribution {
	d := Distribution{Classes: make([]ClassCount, len(idx.Classes))}
	for i, name := range idx.Classes {
		d.Classes[i] = ClassCount{Name: name, Index: i}
	}
	for _, s := range idx.Samples {
		d.Classes[s.Class].Count++
	}
	d.Total = len(idx.Samples)
	if d.Total == 0 || len(d.Classes) == 0 {
		return d
	}
	smallest, largest := math.MaxInt, 0
	for _, c := range d.Classes {
		smallest = min(smallest, c.Count)
		largest = max(largest, c.Count)
	}
	if smallest == 0 {
		d.Imbalance = math.Inf(1)
	} else {
		d.Imbalance = float64(largest) / float64(smallest)
	}
	return d
}

// Fraction of the samples in class i.
func (d Distribution) Fraction(i int) float64 {
	if d.Total == 0 {
		return 0
	}
	return float64(d.Classes[i].Count) / float64(d.Total)
}

// Summary renders the distribution as aligned text, one class per line.
func (d Distribution) Summary() string {
	width := len("class")
	for _, c := range d.Classes {
		width = max(width, len(c.Name))
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-*s  %10s  %6s\n", width, "class", "images", "share")
	for i, c := range d.Classes {
		fmt.Fprintf(&sb, "%-*s  %10s  %5.1f%%\n", width, c.Name, humanize.Comma(int64(c.Count)), 100*d.Fraction(i))
	}
	fmt.Fprintf(&sb, "%-*s  %10s\n", width, "total", humanize.Comma(int64(d.Total)))
	if !math.IsInf(d.Imbalance, 1) && d.Imbalance > 0 {
		fmt.Fprintf(&sb, "imbalance ratio: %s\n", humanize.FtoaWithDigits(d.Imbalance, 2))
	} else if math.IsInf(d.Imbalance, 1) {
		sb.WriteString("imbalance ratio: inf (empty class)\n")
	}
	return sb.String()
}
