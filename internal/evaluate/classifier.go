// Package evaluate runs walk-forward temporal cross-validation over derived
// feature rows and fits the baseline churn classifier.
package evaluate

import (
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/janus/internal/model"
)

// ErrDegenerateLabels is returned by Fit when the training rows hold a single class.
var ErrDegenerateLabels = eris.New("evaluate: training labels contain a single class")

// Classifier is a churn model that can be fit on past rows and score new ones.
// Implementations must not retain or modify the rows they are given.
type Classifier interface {
	Fit(rows []model.FeatureRow) error
	PredictProba(rows []model.FeatureRow) ([]float64, error)
}

// Factory creates an unfitted classifier. Each fold gets its own instance.
type Factory func() Classifier

// Coefficient is one model weight keyed by feature name.
type Coefficient struct {
	Feature string  `json:"feature" csv:"feature"`
	Weight  float64 `json:"weight" csv:"weight"`
}

// CoefficientExporter is implemented by classifiers with per-feature weights.
type CoefficientExporter interface {
	Coefficients() []Coefficient
}

// FeatureSpec names the numeric features after the configured window sizes.
type FeatureSpec struct {
	ShortWindowDays int
	LongWindowDays  int
}

// NumericNames returns the numeric feature names in vector order.
func (s FeatureSpec) NumericNames() []string {
	short, long := s.ShortWindowDays, s.LongWindowDays
	if short <= 0 {
		short = 7
	}
	if long <= 0 {
		long = 14
	}
	return []string{
		fmt.Sprintf("events_%dd", short),
		fmt.Sprintf("sessions_%dd", short),
		fmt.Sprintf("feature_use_%dd", short),
		fmt.Sprintf("support_tickets_%dd", long),
		fmt.Sprintf("late_rate_%dd", short),
		"is_active",
	}
}

// numericVector returns a row's numeric features in NumericNames order.
func numericVector(r model.FeatureRow) []float64 {
	active := 0.0
	if r.IsActive {
		active = 1
	}
	return []float64{
		float64(r.EventsShort),
		float64(r.SessionsShort),
		float64(r.FeatureUseShort),
		float64(r.SupportTicketsLong),
		r.LateRateShort,
		active,
	}
}

// UnknownPlan stands in for rows without a plan.
const UnknownPlan = "unknown"

func planOf(r model.FeatureRow) string {
	if r.PlanID == "" {
		return UnknownPlan
	}
	return r.PlanID
}
