package evaluate

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// ROCAUC is the probability that a random positive scores above a random
// negative, with ties counted as one half. ok is false unless both classes
// are present.
func ROCAUC(scores []float64, labels []bool) (auc float64, ok bool) {
	pos, neg := classCounts(labels)
	if pos == 0 || neg == 0 {
		return 0, false
	}

	y := append([]float64(nil), scores...)
	classes := append([]bool(nil), labels...)
	stat.SortWeightedLabeled(y, classes, nil)

	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fpr, tpr), true
}

// AveragePrecision is the area under the precision/recall step curve: the
// sum over distinct score thresholds of precision weighted by the recall
// gained there. ok is false when there are no positives.
func AveragePrecision(scores []float64, labels []bool) (ap float64, ok bool) {
	pos, _ := classCounts(labels)
	if pos == 0 {
		return 0, false
	}

	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })

	var tp, fp int
	var prevRecall float64
	for i := 0; i < len(idx); {
		// Consume every row tied at this threshold before scoring it.
		threshold := scores[idx[i]]
		for ; i < len(idx) && scores[idx[i]] == threshold; i++ {
			if labels[idx[i]] {
				tp++
			} else {
				fp++
			}
		}
		recall := float64(tp) / float64(pos)
		precision := float64(tp) / float64(tp+fp)
		ap += (recall - prevRecall) * precision
		prevRecall = recall
	}
	return ap, true
}

func classCounts(labels []bool) (pos, neg int) {
	for _, l := range labels {
		if l {
			pos++
		} else {
			neg++
		}
	}
	return pos, neg
}

// MetricSummary aggregates one metric across evaluated folds. Mean and
// Variance are nil when too few folds define them.
type MetricSummary struct {
	Mean     *float64 `json:"mean"`
	Variance *float64 `json:"variance"`
	StdDev   *float64 `json:"std_dev"`
	Count    int      `json:"count"`
}

// summarize computes the mean and the sample variance (n-1 denominator).
func summarize(values []float64) MetricSummary {
	s := MetricSummary{Count: len(values)}
	if len(values) == 0 {
		return s
	}
	if len(values) == 1 {
		mean := values[0]
		s.Mean = &mean
		return s
	}
	mean, variance := stat.MeanVariance(values, nil)
	std := math.Sqrt(variance)
	s.Mean, s.Variance, s.StdDev = &mean, &variance, &std
	return s
}
