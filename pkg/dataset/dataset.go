// Package dataset loads space-time observations with covariates and serves
// the neighbourhood queries of the kriging predictor.
package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"stkriging/internal/models"
	"stkriging/pkg/distance"
)

// Columns names the CSV columns of a dataset
type Columns struct {
	X          string   `yaml:"x"`
	Y          string   `yaml:"y"`
	Time       string   `yaml:"time"`
	Value      string   `yaml:"value"`
	Covariates []string `yaml:"covariates,omitempty"`
}

// DefaultColumns returns the default column names
func DefaultColumns() Columns {
	return Columns{X: "x", Y: "y", Time: "time", Value: "value"}
}

// Dataset is an immutable reference set of observations. The observation id
// is the row position.
type Dataset struct {
	points     []models.Point
	times      []float64
	values     []float64
	covariates *mat.Dense
	names      []string
	index      *Index
}

// New builds a dataset from observations and an optional n×k covariate
// matrix. When covariates is nil the space coordinates and time are used.
func New(obs []models.Observation, covariates *mat.Dense, names []string, metric distance.Metric) (*Dataset, error) {
	n := len(obs)
	if n == 0 {
		return nil, fmt.Errorf("dataset has no observations")
	}

	d := &Dataset{
		points: make([]models.Point, n),
		times:  make([]float64, n),
		values: make([]float64, n),
	}
	for i, o := range obs {
		d.points[i] = o.Space
		d.times[i] = o.Time
		d.values[i] = o.Value
	}

	if covariates == nil {
		covariates = mat.NewDense(n, 3, nil)
		for i, o := range obs {
			covariates.SetRow(i, []float64{o.Space.X, o.Space.Y, o.Time})
		}
		names = []string{"x", "y", "time"}
	}
	if r, c := covariates.Dims(); r != n || (names != nil && len(names) != c) {
		return nil, fmt.Errorf("covariate matrix is %dx%d for %d observations and %d names", r, c, n, len(names))
	}

	d.covariates = covariates
	d.names = names
	d.index = NewIndex(metric, d.points, d.times)
	return d, nil
}

// Load reads a dataset from a CSV file with a header row
func Load(path string, cols Columns, metric distance.Metric) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	d, err := Read(f, cols, metric)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Read parses CSV with a header row. Rows are numeric; the columns named in
// cols are picked by header name, others are ignored.
func Read(r io.Reader, cols Columns, metric distance.Metric) (*Dataset, error) {
	wanted := append([]string{cols.X, cols.Y, cols.Time, cols.Value}, cols.Covariates...)
	rows, err := readTable(r, wanted)
	if err != nil {
		return nil, err
	}

	obs := make([]models.Observation, len(rows))
	var cov []float64
	for i, vals := range rows {
		obs[i] = models.Observation{
			Space: models.Point{X: vals[0], Y: vals[1]},
			Time:  vals[2],
			Value: vals[3],
		}
		cov = append(cov, vals[4:]...)
	}

	var covariates *mat.Dense
	if k := len(cols.Covariates); k > 0 {
		covariates = mat.NewDense(len(rows), k, cov)
	}
	return New(obs, covariates, cols.Covariates, metric)
}

// LoadTargets reads prediction locations from a CSV file
func LoadTargets(path string, cols Columns) ([]models.Target, *mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	targets, X, err := ReadTargets(f, cols)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return targets, X, nil
}

// ReadTargets parses prediction locations and their covariates. The value
// column is not needed. Without covariate columns the covariates are x, y and
// time, as for a dataset.
func ReadTargets(r io.Reader, cols Columns) ([]models.Target, *mat.Dense, error) {
	wanted := append([]string{cols.X, cols.Y, cols.Time}, cols.Covariates...)
	rows, err := readTable(r, wanted)
	if err != nil {
		return nil, nil, err
	}

	targets := make([]models.Target, len(rows))
	k := len(cols.Covariates)
	if k == 0 {
		k = 3
	}
	X := mat.NewDense(len(rows), k, nil)
	for i, vals := range rows {
		targets[i] = models.Target{Space: models.Point{X: vals[0], Y: vals[1]}, Time: vals[2]}
		if len(cols.Covariates) == 0 {
			X.SetRow(i, vals[:3])
		} else {
			X.SetRow(i, vals[3:])
		}
	}
	return targets, X, nil
}

// readTable returns the wanted columns of every data row, in wanted order
func readTable(r io.Reader, wanted []string) ([][]float64, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimSpace(h)] = i
	}

	at := make([]int, len(wanted))
	for i, name := range wanted {
		c, ok := pos[name]
		if !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
		at[i] = c
	}

	var rows [][]float64
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line, err)
		}
		if len(record) == 1 && record[0] == "" {
			continue
		}

		vals := make([]float64, len(wanted))
		for j, c := range at {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[c]), 64)
			if err != nil {
				return nil, fmt.Errorf("parse float at row %d column %q: %w", line, wanted[j], err)
			}
			vals[j] = v
		}
		rows = append(rows, vals)
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("no data rows")
	}
	return rows, nil
}

// Len returns the number of observations
func (d *Dataset) Len() int { return len(d.values) }

// SpaceCoords returns the feature space locations
func (d *Dataset) SpaceCoords() []models.Point { return d.points }

// TimeCoords returns the time coordinates
func (d *Dataset) TimeCoords() []float64 { return d.times }

// Predictand returns the observed values
func (d *Dataset) Predictand() []float64 { return d.values }

// Covariates returns the n×k covariate matrix
func (d *Dataset) Covariates() *mat.Dense { return d.covariates }

// CovariateNames returns the covariate column names
func (d *Dataset) CovariateNames() []string { return d.names }

// Candidates implements the neighbourhood query of the kriging predictor
func (d *Dataset) Candidates(target models.Target, spaceMax, timeMax float64, exclude models.IndexSet) []int {
	return d.index.Candidates(target, spaceMax, timeMax, exclude)
}

// CovariateRows copies the covariate rows of the given observation ids
func (d *Dataset) CovariateRows(ids []int) *mat.Dense {
	_, k := d.covariates.Dims()
	if len(ids) == 0 {
		return &mat.Dense{}
	}
	out := mat.NewDense(len(ids), k, nil)
	for i, id := range ids {
		out.SetRow(i, d.covariates.RawRowView(id))
	}
	return out
}

// Targets returns the space-time locations of the given observation ids
func (d *Dataset) Targets(ids []int) []models.Target {
	out := make([]models.Target, len(ids))
	for i, id := range ids {
		out[i] = models.Target{Space: d.points[id], Time: d.times[id]}
	}
	return out
}

// Binary reports whether every predictand value is 0 or 1
func (d *Dataset) Binary() bool {
	for _, v := range d.values {
		if v != 0 && v != 1 {
			return false
		}
	}
	return true
}
