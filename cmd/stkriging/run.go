package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"stkriging/internal/logging"
	"stkriging/internal/models"
	"stkriging/pkg/config"
	"stkriging/pkg/covariate"
	"stkriging/pkg/dataset"
	"stkriging/pkg/pipeline"
	"stkriging/pkg/predictor"
	"stkriging/pkg/variogram"
	"stkriging/pkg/visualization"
)

// plotCell is the side of one variogram bin in the PNG heat map
const plotCell = 24

func runInitConfig(cmd *cobra.Command, args []string) error {
	path := configPath
	if len(args) == 1 {
		path = args[0]
	}
	if err := config.CreateDefaultConfigFile(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", path)
	return nil
}

// loadPredictor reads the observations and builds a predictor with the
// configured covariate model
func loadPredictor() (*dataset.Dataset, *predictor.Predictor, error) {
	d, err := dataset.Load(cfg.Data.Path, cfg.Data.Columns, cfg.Data.Metric)
	if err != nil {
		return nil, nil, err
	}
	model, kind, err := covariate.New(cfg.Covariate.Model)
	if err != nil {
		return nil, nil, err
	}
	resampler, err := covariate.NewResampler(cfg.Covariate.Resampling, cfg.Processing.Seed)
	if err != nil {
		return nil, nil, err
	}
	p, err := predictor.New(d, model, kind, predictor.Options{
		Metric:    cfg.Data.Metric,
		Seed:      cfg.Processing.Seed,
		Resampler: resampler,
	})
	if err != nil {
		return nil, nil, err
	}
	logging.Info().
		Str("path", cfg.Data.Path).
		Int("observations", d.Len()).
		Strs("covariates", d.CovariateNames()).
		Msg("observations loaded")
	return d, p, nil
}

func runVariogram(cmd *cobra.Command, args []string) error {
	_, p, err := loadPredictor()
	if err != nil {
		return err
	}
	if err := p.FitCovariateModel(nil); err != nil {
		return err
	}
	s, err := p.EstimateEmpiricalVariogram(nil, cfg.EstimateParams())
	if err != nil {
		return err
	}
	if err := p.SaveSurface(cfg.Output.SurfacePath); err != nil {
		return err
	}

	nS, nT := s.Dims()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Empirical variogram: %d x %d bins, %d populated\n", nS, nT, s.Populated())
	fmt.Fprintf(out, "Lag range: space < %g, time < %g\n", s.SpaceMax(), s.TimeMax())
	fmt.Fprintf(out, "Pairs binned: %d (truncated: %t)\n", s.Pairs, s.Truncated)
	fmt.Fprintf(out, "Saved to: %s\n", cfg.Output.SurfacePath)
	return nil
}

func runFit(cmd *cobra.Command, args []string) error {
	_, p, err := loadPredictor()
	if err != nil {
		return err
	}
	if err := p.LoadSurface(cfg.Output.SurfacePath); err != nil {
		return err
	}
	res, err := p.FitVariogramModel(cfg.Model.Spec, cfg.Model.Fit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Model: %s\n", res.Model.Spec)
	for i, name := range res.Model.Spec.Family.ParamNames() {
		fmt.Fprintf(out, "  %-8s %.6g\n", name, res.Model.Params[i])
	}
	fmt.Fprintf(out, "Anisotropy: %.4g\n", res.Model.Anisotropy)
	fmt.Fprintf(out, "Weighted MSE: %.6g (converged: %t, %d iterations)\n", res.Cost, res.Converged, res.Iterations)

	if compareFamilies {
		spec := cfg.Model.Spec
		results, err := variogram.CompareFamilies(p.Surface(), spec.SpaceShape, spec.TimeShape, spec.MetricShape, cfg.Model.Fit)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\nFamily comparison:\n")
		for _, r := range results {
			fmt.Fprintf(out, "  %-12s cost %.6g converged %t\n", r.Model.Spec.Family, r.Cost, r.Converged)
		}
	}

	if cfg.Output.PlotPath != "" {
		grid, err := p.ModelGrid()
		if err != nil {
			return err
		}
		viewer, err := visualization.SurfaceViewer(p.Surface(), grid, plotCell)
		if err != nil {
			return err
		}
		if err := viewer.Save(cfg.Output.PlotPath); err != nil {
			return err
		}
		fmt.Fprintf(out, "Plot saved to: %s\n", cfg.Output.PlotPath)
	}
	return nil
}

func runPredict(cmd *cobra.Command, args []string) error {
	_, p, err := loadPredictor()
	if err != nil {
		return err
	}
	if err := p.FitCovariateModel(nil); err != nil {
		return err
	}

	err = p.LoadSurface(cfg.Output.SurfacePath)
	if errors.Is(err, fs.ErrNotExist) {
		logging.Info().Str("path", cfg.Output.SurfacePath).Msg("no saved variogram, estimating one")
		_, err = p.EstimateEmpiricalVariogram(nil, cfg.EstimateParams())
	}
	if err != nil {
		return err
	}
	if _, err := p.FitVariogramModel(cfg.Model.Spec, cfg.Model.Fit); err != nil {
		return err
	}

	targets, X, err := dataset.LoadTargets(args[0], cfg.Data.Columns)
	if err != nil {
		return err
	}
	if err := p.SetProgressCallback(func(completed, total int, message string) {
		if message == "" {
			message = "kriging progress"
		}
		logging.Info().Int("completed", completed).Int("total", total).Msg(message)
	}); err != nil {
		return err
	}

	start := time.Now()
	base, err := p.PredictCovariates(X)
	if err != nil {
		return err
	}
	corr, err := p.KrigingPrediction(cmd.Context(), targets, cfg.KrigingOptions())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Output.PredictionsPath), 0755); err != nil {
		return err
	}
	f, err := os.Create(cfg.Output.PredictionsPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := writePredictions(f, targets, base, corr.Mean, corr.Std); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Predicted %d targets in %.2f seconds\n", len(targets), time.Since(start).Seconds())
	fmt.Fprintf(cmd.OutOrStdout(), "Predictions saved to: %s\n", cfg.Output.PredictionsPath)
	return nil
}

// writePredictions writes one CSV row per target
func writePredictions(w io.Writer, targets []models.Target, base, mean, std []float64) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"x", "y", "time", "covariate", "correction", "std", "prediction"}); err != nil {
		return err
	}
	format := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for i, t := range targets {
		row := []string{
			format(t.Space.X), format(t.Space.Y), format(t.Time),
			format(base[i]), format(mean[i]), format(std[i]), format(base[i] + mean[i]),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func runCrossVal(cmd *cobra.Command, args []string) error {
	d, p, err := loadPredictor()
	if err != nil {
		return err
	}

	cv := pipeline.NewCrossValidator(d, p, cfg.PipelineParams())
	start := time.Now()
	if err := cv.Process(cmd.Context()); err != nil {
		return err
	}
	elapsed := time.Since(start)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nCross-validation completed in %.2f seconds\n\n", elapsed.Seconds())
	fmt.Fprintf(out, "Fold  Train  Test  RMSE        MAE         R2          Bias\n")
	for _, f := range cv.Folds() {
		m := f.Metrics
		fmt.Fprintf(out, "%-4d  %-5d  %-4d  %-10.4g  %-10.4g  %-10.4g  %.4g\n",
			f.Index, len(f.Train), len(f.Test), m.RMSE, m.MAE, m.R2, m.Bias)
	}

	m := cv.GetMetrics()
	fmt.Fprintf(out, "\nValidation Metrics (mean over folds):\n")
	fmt.Fprintf(out, "=====================================\n")
	fmt.Fprintf(out, "Root Mean Square Error (RMSE): %.6f\n", m.RMSE)
	fmt.Fprintf(out, "Mean Absolute Error (MAE): %.6f\n", m.MAE)
	fmt.Fprintf(out, "Coefficient of Determination (R2): %.4f\n", m.R2)
	fmt.Fprintf(out, "Bias: %.6f\n", m.Bias)
	fmt.Fprintf(out, "Scored samples: %d\n", m.Samples)
	return nil
}
