package variogram

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Shape is a one-dimensional variogram model
type Shape int

const (
	Spherical Shape = iota
	Exponential
	Gaussian
)

// shapeFunc evaluates a shape with range r and sill c at lag h
type shapeFunc func(h, r, c float64) float64

var shapes = [...]struct {
	name string
	eval shapeFunc
}{
	Spherical:   {"spherical", spherical},
	Exponential: {"exponential", exponential},
	Gaussian:    {"gaussian", gaussian},
}

// Spherical: reaches the sill at the range
func spherical(h, r, c float64) float64 {
	if h == 0 {
		return 0
	}
	if h < r {
		x := h / r
		return c * (1.5*x - 0.5*x*x*x)
	}
	return c
}

// Exponential: approaches the sill asymptotically, ~95% at the range
func exponential(h, r, c float64) float64 {
	if h == 0 {
		return 0
	}
	return c * (1 - math.Exp(-3*h/r))
}

// Gaussian: parabolic near the origin, ~95% of the sill at the range
func gaussian(h, r, c float64) float64 {
	if h == 0 {
		return 0
	}
	return c * (1 - math.Exp(-3*h*h/(r*r)))
}

func (s Shape) valid() bool { return s >= 0 && int(s) < len(shapes) }

func (s Shape) String() string {
	if !s.valid() {
		return fmt.Sprintf("Shape(%d)", int(s))
	}
	return shapes[s].name
}

// Eval evaluates the shape with range r and sill c at lag h. The
// semivariance at lag 0 is 0.
func (s Shape) Eval(h, r, c float64) float64 {
	return shapes[s].eval(h, r, c)
}

// ParseShape resolves a shape name
func ParseShape(name string) (Shape, error) {
	for i, s := range shapes {
		if strings.EqualFold(name, s.name) {
			return Shape(i), nil
		}
	}
	return 0, fmt.Errorf("unknown variogram shape %q", name)
}

// MarshalText implements encoding.TextMarshaler
func (s Shape) MarshalText() ([]byte, error) {
	if !s.valid() {
		return nil, fmt.Errorf("invalid variogram shape %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Shape) UnmarshalText(text []byte) error {
	v, err := ParseShape(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Family is a space-time combination of one-dimensional shapes
type Family int

const (
	Sum Family = iota
	Product
	ProductSum
	Metric
	SumMetric
)

// Families lists every supported family
var Families = []Family{Sum, Product, ProductSum, Metric, SumMetric}

// seed holds the heuristic starting values derived from an empirical surface
type seed struct {
	sill        float64
	spaceRange  float64
	timeRange   float64
	metricRange float64
	anisotropy  float64
}

// familyFunc evaluates a family at space lag h and time lag t
type familyFunc func(m *Model, p []float64, h, t float64) float64

var families = [...]struct {
	name    string
	params  []string
	eval    familyFunc
	initial func(s seed) []float64
}{
	Sum: {
		name:   "sum",
		params: []string{"space_range", "space_sill", "time_range", "time_sill", "nugget"},
		eval: func(m *Model, p []float64, h, t float64) float64 {
			return m.space(h, p[0], p[1]) + m.time(t, p[2], p[3]) + p[4]
		},
		initial: func(s seed) []float64 {
			return []float64{s.spaceRange, s.sill / 2, s.timeRange, s.sill / 2, 1e-3 * s.sill}
		},
	},
	Product: {
		name:   "product",
		params: []string{"space_range", "time_range", "sill", "nugget"},
		eval: func(m *Model, p []float64, h, t float64) float64 {
			gs := m.space(h, p[0], 1)
			gt := m.time(t, p[1], 1)
			return p[2]*(gs+gt-gs*gt) + p[3]
		},
		initial: func(s seed) []float64 {
			return []float64{s.spaceRange, s.timeRange, s.sill, 1e-3 * s.sill}
		},
	},
	ProductSum: {
		name:   "product_sum",
		params: []string{"space_range", "space_sill", "time_range", "time_sill", "k", "nugget"},
		eval: func(m *Model, p []float64, h, t float64) float64 {
			gs := m.space(h, p[0], p[1])
			gt := m.time(t, p[2], p[3])
			k := p[4]
			return (k*p[3]+1)*gs + (k*p[1]+1)*gt - k*gs*gt + p[5]
		},
		initial: func(s seed) []float64 {
			k := 1.0
			if s.sill > 0 {
				k = 1 / s.sill
			}
			return []float64{s.spaceRange, s.sill / 2, s.timeRange, s.sill / 2, k, 1e-3 * s.sill}
		},
	},
	Metric: {
		name:   "metric",
		params: []string{"metric_range", "metric_sill", "anisotropy", "nugget"},
		eval: func(m *Model, p []float64, h, t float64) float64 {
			return m.metric(metricLag(h, t, p[2]), p[0], p[1]) + p[3]
		},
		initial: func(s seed) []float64 {
			return []float64{s.metricRange, s.sill, s.anisotropy, 1e-3 * s.sill}
		},
	},
	SumMetric: {
		name: "sum_metric",
		params: []string{
			"space_range", "space_sill", "time_range", "time_sill",
			"metric_range", "metric_sill", "anisotropy", "nugget",
		},
		eval: func(m *Model, p []float64, h, t float64) float64 {
			return m.space(h, p[0], p[1]) +
				m.time(t, p[2], p[3]) +
				m.metric(metricLag(h, t, p[6]), p[4], p[5]) +
				p[7]
		},
		initial: func(s seed) []float64 {
			return []float64{
				s.spaceRange, s.sill / 3, s.timeRange, s.sill / 3,
				s.metricRange, s.sill / 3, s.anisotropy, 1e-3 * s.sill,
			}
		},
	},
}

// metricLag is the joint lag in time units: space lags are divided by the
// anisotropy ratio (time per space unit)
func metricLag(h, t, anisotropy float64) float64 {
	hs := h / anisotropy
	return math.Sqrt(hs*hs + t*t)
}

func (f Family) valid() bool { return f >= 0 && int(f) < len(families) }

func (f Family) String() string {
	if !f.valid() {
		return fmt.Sprintf("Family(%d)", int(f))
	}
	return families[f].name
}

// NumParams returns the length of the family's parameter vector
func (f Family) NumParams() int { return len(families[f].params) }

// ParamNames returns the names of the family's parameters in vector order
func (f Family) ParamNames() []string {
	return append([]string(nil), families[f].params...)
}

// ParseFamily resolves a family name
func ParseFamily(name string) (Family, error) {
	for i, f := range families {
		if strings.EqualFold(name, f.name) {
			return Family(i), nil
		}
	}
	return 0, fmt.Errorf("unknown variogram family %q", name)
}

// MarshalText implements encoding.TextMarshaler
func (f Family) MarshalText() ([]byte, error) {
	if !f.valid() {
		return nil, fmt.Errorf("invalid variogram family %d", int(f))
	}
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (f *Family) UnmarshalText(text []byte) error {
	v, err := ParseFamily(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// ModelSpec selects a family and the shapes of its components. Shapes a
// family does not use are ignored.
type ModelSpec struct {
	Family      Family `yaml:"family"`
	SpaceShape  Shape  `yaml:"spaceShape"`
	TimeShape   Shape  `yaml:"timeShape"`
	MetricShape Shape  `yaml:"metricShape"`
}

// DefaultModelSpec is sum_metric with spherical components
func DefaultModelSpec() ModelSpec {
	return ModelSpec{Family: SumMetric, SpaceShape: Spherical, TimeShape: Spherical, MetricShape: Spherical}
}

// Validate checks that every tag names a supported variant
func (s ModelSpec) Validate() error {
	if !s.Family.valid() {
		return fmt.Errorf("invalid variogram family %d", int(s.Family))
	}
	for _, sh := range []Shape{s.SpaceShape, s.TimeShape, s.MetricShape} {
		if !sh.valid() {
			return fmt.Errorf("invalid variogram shape %d", int(sh))
		}
	}
	return nil
}

func (s ModelSpec) String() string {
	return fmt.Sprintf("%s(space=%s, time=%s, metric=%s)", s.Family, s.SpaceShape, s.TimeShape, s.MetricShape)
}

// Model is a parametric space-time variogram. The function table is resolved
// once at construction.
type Model struct {
	Spec       ModelSpec
	Params     []float64
	Anisotropy float64 // Empirical time/space slope ratio the model was fitted with

	space  shapeFunc
	time   shapeFunc
	metric shapeFunc
	eval   familyFunc
}

// NewModel builds a model for spec with the given parameter vector
func NewModel(spec ModelSpec, params []float64, anisotropy float64) (*Model, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if len(params) != spec.Family.NumParams() {
		return nil, fmt.Errorf("%s expects %d parameters, got %d", spec.Family, spec.Family.NumParams(), len(params))
	}
	return newModel(spec, append([]float64(nil), params...), anisotropy), nil
}

// newModel skips validation and shares params, for the optimizer loop
func newModel(spec ModelSpec, params []float64, anisotropy float64) *Model {
	return &Model{
		Spec:       spec,
		Params:     params,
		Anisotropy: anisotropy,
		space:      shapes[spec.SpaceShape].eval,
		time:       shapes[spec.TimeShape].eval,
		metric:     shapes[spec.MetricShape].eval,
		eval:       families[spec.Family].eval,
	}
}

// Eval returns the semivariance at space lag h and time lag t. The
// semivariance of a location with itself is 0, so the nugget only applies
// at non-zero lags.
func (m *Model) Eval(h, t float64) float64 {
	if h == 0 && t == 0 {
		return 0
	}
	return m.eval(m, m.Params, h, t)
}

// EvalVec evaluates the model elementwise over paired lags into dst, which
// is allocated when nil
func (m *Model) EvalVec(dst, h, t []float64) []float64 {
	if len(h) != len(t) {
		panic("variogram: lag length mismatch")
	}
	if dst == nil {
		dst = make([]float64, len(h))
	}
	for i := range h {
		dst[i] = m.Eval(h[i], t[i])
	}
	return dst
}

// EvalDense evaluates the model elementwise over matrices of lags
func (m *Model) EvalDense(h, t mat.Matrix) *mat.Dense {
	r, c := h.Dims()
	if tr, tc := t.Dims(); tr != r || tc != c {
		panic(mat.ErrShape)
	}
	out := mat.NewDense(r, c, nil)
	out.Apply(func(i, j int, v float64) float64 {
		return m.Eval(h.At(i, j), t.At(i, j))
	}, out)
	return out
}

// Param returns a parameter by name
func (m *Model) Param(name string) (float64, bool) {
	for i, n := range families[m.Spec.Family].params {
		if n == name {
			return m.Params[i], true
		}
	}
	return 0, false
}

// Grid evaluates the model at every bin centre of the surface, for
// comparison with the empirical values
func (m *Model) Grid(s *Surface) *mat.Dense {
	nS, nT := s.Dims()
	g := mat.NewDense(nS, nT, nil)
	for i, h := range s.SpaceBins {
		for j, t := range s.TimeBins {
			g.Set(i, j, m.Eval(h, t))
		}
	}
	return g
}
