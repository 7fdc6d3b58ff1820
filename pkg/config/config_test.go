package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stkriging/pkg/distance"
	"stkriging/pkg/variogram"
)

func TestLoadMissingConfigReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestDefaultConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "stkriging.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "family: sum_metric")
	assert.Contains(t, string(raw), "metric: euclidean")
	assert.NotContains(t, string(raw), "inline")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stkriging.yaml")
	yml := `
data:
  path: obs.csv
  metric: cosine
  columns:
    value: presence
    covariates: [elevation, rain]
processing:
  numCores: 3
  seed: 9
covariate:
  model: logistic
model:
  family: product
  spaceShape: gaussian
  maxIterations: 50
kriging:
  maxNeighbors: 25
crossval:
  splits: 4
  maxTestSamples: 100
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "obs.csv", cfg.Data.Path)
	assert.Equal(t, distance.Cosine, cfg.Data.Metric)
	assert.Equal(t, "presence", cfg.Data.Columns.Value)
	assert.Equal(t, "x", cfg.Data.Columns.X)
	assert.Equal(t, []string{"elevation", "rain"}, cfg.Data.Columns.Covariates)
	assert.Equal(t, variogram.Product, cfg.Model.Spec.Family)
	assert.Equal(t, variogram.Gaussian, cfg.Model.Spec.SpaceShape)
	assert.Equal(t, variogram.Spherical, cfg.Model.Spec.TimeShape)
	assert.Equal(t, 50, cfg.Model.Fit.MaxIterations)
	assert.Equal(t, 0.05, cfg.Model.Fit.SimplexSize)

	// unset kriging fields keep their defaults
	assert.Equal(t, 25, cfg.Kriging.MaxNeighbors)
	assert.Equal(t, 1, cfg.Kriging.MinNeighbors)
	assert.Equal(t, 3, cfg.KrigingOptions().Workers)

	assert.Equal(t, distance.Cosine, cfg.EstimateParams().Metric)

	p := cfg.PipelineParams()
	assert.Equal(t, 4, p.Splits)
	assert.True(t, p.Kriging)
	assert.Equal(t, 100, p.MaxTestSamples)
	assert.Equal(t, uint64(9), p.Seed)
	assert.Equal(t, distance.Cosine, p.Variogram.Metric)
	assert.Equal(t, cfg.Model.Spec, p.Model)
	assert.Equal(t, 3, p.KrigingOptions.Workers)
}

func TestLoadInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	for name, yml := range map[string]string{
		"syntax":    "data: [",
		"family":    "model:\n  family: cubic\n",
		"metric":    "data:\n  metric: manhattan\n",
		"bins":      "variogram:\n  spaceBins: 0\n",
		"neighbors": "kriging:\n  minNeighbors: 20\n  maxNeighbors: 5\n",
		"covariate": "covariate:\n  model: forest\n",
		"resampling": "covariate:\n  resampling: smote\n",
	} {
		path := filepath.Join(dir, name+".yaml")
		require.NoError(t, os.WriteFile(path, []byte(yml), 0644))
		_, err := LoadConfig(path)
		assert.Error(t, err, name)
	}
}

func TestLoggingConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"
	lc := cfg.LoggingConfig()
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "json", lc.Format)
	assert.NotNil(t, lc.Output)
}
