// Package config provides configuration loading and management for stkriging.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"stkriging/internal/logging"
	"stkriging/pkg/covariate"
	"stkriging/pkg/dataset"
	"stkriging/pkg/distance"
	"stkriging/pkg/interpolation"
	"stkriging/pkg/pipeline"
	"stkriging/pkg/variogram"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Data locates the observations
	Data struct {
		// Path is the CSV file holding one observation per row
		Path string `yaml:"path"`

		// Columns maps the CSV header to coordinates, predictand and covariates
		Columns dataset.Columns `yaml:"columns"`

		// Metric is the feature space distance used for variograms and
		// kriging neighbourhoods: euclidean or cosine
		Metric distance.Metric `yaml:"metric"`
	} `yaml:"data"`

	// Processing parameters
	Processing struct {
		// NumCores bounds the kriging goroutines when kriging.workers is 0
		NumCores int `yaml:"numCores"`

		// Seed drives the variogram pair shuffle and test subsampling
		Seed uint64 `yaml:"seed"`
	} `yaml:"processing"`

	// Covariate model parameters
	Covariate struct {
		// Model is linear or logistic
		Model string `yaml:"model"`

		// Resampling rebalances the training set: none or oversample
		Resampling string `yaml:"resampling"`
	} `yaml:"covariate"`

	// Variogram estimation parameters
	Variogram variogram.EstimateParams `yaml:"variogram"`

	// Variogram model and optimizer parameters
	Model struct {
		Spec variogram.ModelSpec  `yaml:",inline"`
		Fit  variogram.FitOptions `yaml:",inline"`
	} `yaml:"model"`

	// Kriging prediction parameters
	Kriging interpolation.Options `yaml:"kriging"`

	// Cross-validation parameters
	CrossVal struct {
		// Splits is the number of expanding-window folds
		Splits int `yaml:"splits"`

		// Kriging adds the kriging correction to the covariate prediction
		Kriging bool `yaml:"kriging"`

		// MaxTestSamples caps the scored observations per fold, 0 for all
		MaxTestSamples int `yaml:"maxTestSamples"`

		// SurfacePath loads one persisted variogram for every fold instead
		// of estimating it per fold
		SurfacePath string `yaml:"surfacePath"`
	} `yaml:"crossval"`

	// Output parameters
	Output struct {
		// SurfacePath is where the empirical variogram bundle is written and
		// read back by later commands
		SurfacePath string `yaml:"surfacePath"`

		// PlotPath is the PNG heat map of the empirical and fitted variogram
		PlotPath string `yaml:"plotPath"`

		// PredictionsPath is the CSV of kriged predictions
		PredictionsPath string `yaml:"predictionsPath"`

		// MetricsTextfile, when set, receives the run metrics in the
		// Prometheus text format
		MetricsTextfile string `yaml:"metricsTextfile"`

		// SaveIntermediaryResults determines whether to save per-fold variograms
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// IntermediaryDir is the directory for intermediary results
		IntermediaryDir string `yaml:"intermediaryDir"`
	} `yaml:"output"`

	// Logging parameters
	Logging struct {
		// Level is one of trace, debug, info, warn, error
		Level string `yaml:"level"`

		// Format is console or json
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Data.Path = "observations.csv"
	cfg.Data.Columns = dataset.DefaultColumns()
	cfg.Data.Metric = distance.Euclidean

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.Seed = 0

	cfg.Covariate.Model = "linear"
	cfg.Covariate.Resampling = "none"

	cfg.Variogram = variogram.DefaultEstimateParams()
	cfg.Model.Spec = variogram.DefaultModelSpec()
	cfg.Model.Fit = variogram.DefaultFitOptions()
	cfg.Kriging = interpolation.DefaultPredictOptions()

	cfg.CrossVal.Splits = 5
	cfg.CrossVal.Kriging = true

	cfg.Output.SurfacePath = "variogram.stkv"
	cfg.Output.PlotPath = "variogram.png"
	cfg.Output.PredictionsPath = "predictions.csv"
	cfg.Output.IntermediaryDir = "intermediary"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// Validate checks every section that has its own validation
func (c *Config) Validate() error {
	if err := c.Variogram.Validate(); err != nil {
		return fmt.Errorf("variogram: %w", err)
	}
	if err := c.Model.Spec.Validate(); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if err := c.Kriging.Validate(); err != nil {
		return fmt.Errorf("kriging: %w", err)
	}
	if _, _, err := covariate.New(c.Covariate.Model); err != nil {
		return fmt.Errorf("covariate: %w", err)
	}
	if _, err := covariate.NewResampler(c.Covariate.Resampling, c.Processing.Seed); err != nil {
		return fmt.Errorf("covariate: %w", err)
	}
	return nil
}

// EstimateParams returns the variogram estimation parameters with the data
// metric applied
func (c *Config) EstimateParams() variogram.EstimateParams {
	p := c.Variogram
	p.Metric = c.Data.Metric
	return p
}

// KrigingOptions returns the kriging options, falling back to NumCores
// workers
func (c *Config) KrigingOptions() interpolation.Options {
	o := c.Kriging
	if o.Workers == 0 {
		o.Workers = c.Processing.NumCores
	}
	return o
}

// PipelineParams returns the cross-validation parameters
func (c *Config) PipelineParams() *pipeline.Params {
	return &pipeline.Params{
		Splits:                  c.CrossVal.Splits,
		Kriging:                 c.CrossVal.Kriging,
		MaxTestSamples:          c.CrossVal.MaxTestSamples,
		Seed:                    c.Processing.Seed,
		Variogram:               c.EstimateParams(),
		SurfacePath:             c.CrossVal.SurfacePath,
		Model:                   c.Model.Spec,
		Fit:                     c.Model.Fit,
		KrigingOptions:          c.KrigingOptions(),
		SaveIntermediaryResults: c.Output.SaveIntermediaryResults,
		IntermediaryDir:         c.Output.IntermediaryDir,
	}
}

// LoggingConfig returns the logger configuration writing to stderr
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Logging.Level
	cfg.Format = c.Logging.Format
	return cfg
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
