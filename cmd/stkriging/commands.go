package main

import (
	"github.com/spf13/cobra"

	"stkriging/internal/logging"
	"stkriging/pkg/config"
	"stkriging/pkg/metrics"
)

// --- Global Command Variables ---
var (
	cfg        *config.Config
	configPath string
	dataPath   string
	logLevel   string

	compareFamilies bool
	splits          int
	withKriging     bool

	rootCmd = &cobra.Command{
		Use:   "stkriging",
		Short: "Spatio-temporal residual kriging",
		Long: `stkriging corrects a covariate model with the ordinary kriging of its
residuals over space and time: it estimates the empirical variogram, fits a
parametric variogram model and kriges new locations.`,
		SilenceUsage:       true,
		PersistentPreRunE:  loadConfig,
		PersistentPostRunE: writeMetrics,
	}

	initConfigCmd = &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write a configuration file with default values",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInitConfig, // Defined in run.go
	}

	variogramCmd = &cobra.Command{
		Use:   "variogram",
		Short: "Estimate the empirical variogram of the covariate residuals and save it",
		Args:  cobra.NoArgs,
		RunE:  runVariogram, // Defined in run.go
	}

	fitCmd = &cobra.Command{
		Use:   "fit",
		Short: "Fit a variogram model to the saved empirical variogram and plot both",
		Args:  cobra.NoArgs,
		RunE:  runFit, // Defined in run.go
	}

	predictCmd = &cobra.Command{
		Use:   "predict [targets.csv]",
		Short: "Predict covariate output plus kriging correction at new locations",
		Args:  cobra.ExactArgs(1),
		RunE:  runPredict, // Defined in run.go
	}

	crossvalCmd = &cobra.Command{
		Use:   "crossval",
		Short: "Time-series cross-validation of the covariate model with kriging correction",
		Args:  cobra.NoArgs,
		RunE:  runCrossVal, // Defined in run.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "stkriging.yaml", "Configuration file")
	rootCmd.PersistentFlags().StringVar(&dataPath, "data", "", "Observation CSV, overrides data.path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level, overrides logging.level")

	fitCmd.Flags().BoolVar(&compareFamilies, "compare", false, "Fit every family and print their costs")
	crossvalCmd.Flags().IntVar(&splits, "splits", 0, "Number of folds, overrides crossval.splits")
	crossvalCmd.Flags().BoolVar(&withKriging, "kriging", true, "Add the kriging correction, overrides crossval.kriging")

	rootCmd.AddCommand(initConfigCmd, variogramCmd, fitCmd, predictCmd, crossvalCmd)
}

// loadConfig reads the configuration and applies the command line overrides
func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if dataPath != "" {
		c.Data.Path = dataPath
	}
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if f := cmd.Flags().Lookup("splits"); f != nil && f.Changed {
		c.CrossVal.Splits = splits
	}
	if f := cmd.Flags().Lookup("kriging"); f != nil && f.Changed {
		c.CrossVal.Kriging = withKriging
	}

	logging.Init(c.LoggingConfig())
	logging.Debug().Str("config", configPath).Str("command", cmd.Name()).Msg("configuration loaded")
	cfg = c
	return nil
}

// writeMetrics exports the run metrics when a textfile is configured
func writeMetrics(cmd *cobra.Command, args []string) error {
	if cfg == nil || cfg.Output.MetricsTextfile == "" {
		return nil
	}
	if err := metrics.WriteTextfile(cfg.Output.MetricsTextfile); err != nil {
		logging.Warn().Err(err).Str("path", cfg.Output.MetricsTextfile).Msg("failed to write metrics")
		return nil
	}
	logging.Info().Str("path", cfg.Output.MetricsTextfile).Msg("metrics written")
	return nil
}
