package evaluate

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"github.com/sells-group/janus/internal/model"
)

// LogisticConfig configures the baseline logistic regression.
type LogisticConfig struct {
	// L2 is the penalty strength on feature weights; the intercept is not penalized.
	L2                  float64
	MaxIterations       int
	ClassWeightBalanced bool
	Features            FeatureSpec
}

// NewLogisticFactory returns a Factory producing LogisticRegression classifiers.
func NewLogisticFactory(cfg LogisticConfig) Factory {
	return func() Classifier { return NewLogisticRegression(cfg) }
}

// LogisticRegression is an L2-regularized logistic model over standardized
// numeric features and a one-hot plan id, fit with L-BFGS. Scaling statistics
// and the plan vocabulary come from the training rows only.
type LogisticRegression struct {
	cfg LogisticConfig

	means  []float64
	scales []float64
	plans  []string
	planIx map[string]int

	intercept float64
	weights   []float64
	fitted    bool
}

// NewLogisticRegression creates an unfitted model.
func NewLogisticRegression(cfg LogisticConfig) *LogisticRegression {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 200
	}
	if cfg.L2 < 0 {
		cfg.L2 = 0
	}
	return &LogisticRegression{cfg: cfg}
}

// Fit trains the model. It returns ErrDegenerateLabels when rows hold one class.
func (m *LogisticRegression) Fit(rows []model.FeatureRow) error {
	if len(rows) == 0 {
		return eris.Wrap(ErrDegenerateLabels, "evaluate: fit on empty training set")
	}
	var positives int
	for _, r := range rows {
		positives += r.Label()
	}
	if positives == 0 || positives == len(rows) {
		return ErrDegenerateLabels
	}

	m.fitScaling(rows)
	m.fitVocabulary(rows)

	x := make([][]float64, len(rows))
	y := make([]float64, len(rows))
	for i, r := range rows {
		x[i] = m.design(r)
		y[i] = float64(r.Label())
	}

	sw := make([]float64, len(rows))
	for i := range sw {
		sw[i] = 1
	}
	if m.cfg.ClassWeightBalanced {
		n := float64(len(rows))
		wPos := n / (2 * float64(positives))
		wNeg := n / (2 * float64(len(rows)-positives))
		for i := range sw {
			if y[i] == 1 {
				sw[i] = wPos
			} else {
				sw[i] = wNeg
			}
		}
	}

	dim := len(x[0])
	lambda := m.cfg.L2
	problem := optimize.Problem{
		Func: func(beta []float64) float64 {
			var loss float64
			for i, xi := range x {
				z := beta[0] + floats.Dot(beta[1:], xi)
				if y[i] == 1 {
					loss += sw[i] * softplus(-z)
				} else {
					loss += sw[i] * softplus(z)
				}
			}
			return loss + 0.5*lambda*floats.Dot(beta[1:], beta[1:])
		},
		Grad: func(grad, beta []float64) {
			for j := range grad {
				grad[j] = 0
			}
			for i, xi := range x {
				z := beta[0] + floats.Dot(beta[1:], xi)
				d := sw[i] * (sigmoid(z) - y[i])
				grad[0] += d
				floats.AddScaled(grad[1:], d, xi)
			}
			floats.AddScaled(grad[1:], lambda, beta[1:])
		},
	}

	x0 := make([]float64, dim+1)
	settings := &optimize.Settings{
		MajorIterations:   m.cfg.MaxIterations,
		GradientThreshold: 1e-6,
	}
	// A line search that stalls next to the optimum reports an error but
	// still returns the best location found.
	result, err := optimize.Minimize(problem, x0, settings, &optimize.LBFGS{})
	if result == nil || !allFinite(result.X) {
		if err == nil {
			err = eris.New("evaluate: optimizer returned no finite solution")
		}
		return eris.Wrap(err, "evaluate: fit logistic regression")
	}

	m.intercept = result.X[0]
	m.weights = append([]float64(nil), result.X[1:]...)
	m.fitted = true
	return nil
}

// PredictProba returns the churn probability for each row.
func (m *LogisticRegression) PredictProba(rows []model.FeatureRow) ([]float64, error) {
	if !m.fitted {
		return nil, eris.New("evaluate: predict before fit")
	}
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = sigmoid(m.intercept + floats.Dot(m.weights, m.design(r)))
	}
	return out, nil
}

// Intercept returns the fitted intercept.
func (m *LogisticRegression) Intercept() float64 {
	return m.intercept
}

// Coefficients returns the fitted weights in standardized feature space,
// sorted by weight descending.
func (m *LogisticRegression) Coefficients() []Coefficient {
	if !m.fitted {
		return nil
	}
	names := m.cfg.Features.NumericNames()
	for _, p := range m.plans {
		names = append(names, "plan_id="+p)
	}
	out := make([]Coefficient, len(m.weights))
	for i, w := range m.weights {
		out[i] = Coefficient{Feature: names[i], Weight: w}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Feature < out[j].Feature
	})
	return out
}

func (m *LogisticRegression) fitScaling(rows []model.FeatureRow) {
	k := len(numericVector(model.FeatureRow{}))
	m.means = make([]float64, k)
	m.scales = make([]float64, k)
	col := make([]float64, len(rows))
	for j := 0; j < k; j++ {
		for i, r := range rows {
			col[i] = numericVector(r)[j]
		}
		mean, variance := stat.PopMeanVariance(col, nil)
		m.means[j] = mean
		m.scales[j] = math.Sqrt(variance)
		if m.scales[j] == 0 || math.IsNaN(m.scales[j]) {
			m.scales[j] = 1
		}
	}
}

func (m *LogisticRegression) fitVocabulary(rows []model.FeatureRow) {
	seen := make(map[string]struct{})
	for _, r := range rows {
		seen[planOf(r)] = struct{}{}
	}
	m.plans = make([]string, 0, len(seen))
	for p := range seen {
		m.plans = append(m.plans, p)
	}
	sort.Strings(m.plans)
	m.planIx = make(map[string]int, len(m.plans))
	for i, p := range m.plans {
		m.planIx[p] = i
	}
}

// design builds the model input: standardized numerics, then the plan one-hot.
// Plans outside the training vocabulary encode as all zeros.
func (m *LogisticRegression) design(r model.FeatureRow) []float64 {
	num := numericVector(r)
	out := make([]float64, len(num)+len(m.plans))
	for j, v := range num {
		out[j] = (v - m.means[j]) / m.scales[j]
	}
	if ix, ok := m.planIx[planOf(r)]; ok {
		out[len(num)+ix] = 1
	}
	return out
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// softplus is log(1+exp(t)) without overflow.
func softplus(t float64) float64 {
	return math.Max(t, 0) + math.Log1p(math.Exp(-math.Abs(t)))
}

func allFinite(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
