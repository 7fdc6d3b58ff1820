// Package metrics holds the Prometheus instrumentation of the batch pipeline.
//
// The pipeline is not a server, so metrics are not scraped. At the end of a
// run they are written to a node-exporter textfile with WriteTextfile.
//
// Available metrics:
//   - stkriging_variogram_pairs_total: accepted pairs binned into empirical surfaces
//   - stkriging_variogram_truncations_total: estimations stopped by the pair budget
//   - stkriging_variogram_fit_cost: final weighted MSE of the last fit (label family)
//   - stkriging_variogram_fit_iterations: major iterations of the last fit (label family)
//   - stkriging_variogram_fits_total: fits by family and converged (true/false)
//   - stkriging_kriging_targets_total: targets by outcome (kriged, degenerate)
//   - stkriging_kriging_batch_duration_seconds: wall time per kriging batch
//   - stkriging_crossval_fold_score: last score per fold (labels fold, score)
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	VariogramPairs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stkriging_variogram_pairs_total",
			Help: "Total number of observation pairs binned into empirical variograms",
		},
	)

	VariogramTruncations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stkriging_variogram_truncations_total",
			Help: "Number of empirical variogram estimations stopped by the pair budget",
		},
	)

	VariogramFitCost = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stkriging_variogram_fit_cost",
			Help: "Weighted mean squared error of the most recent variogram fit",
		},
		[]string{"family"},
	)

	VariogramFitIterations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stkriging_variogram_fit_iterations",
			Help: "Optimizer iterations used by the most recent variogram fit",
		},
		[]string{"family"},
	)

	VariogramFits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stkriging_variogram_fits_total",
			Help: "Total number of variogram model fits",
		},
		[]string{"family", "converged"},
	)

	KrigingTargets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stkriging_kriging_targets_total",
			Help: "Total number of kriging targets by outcome",
		},
		[]string{"outcome"}, // "kriged", "degenerate"
	)

	KrigingBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stkriging_kriging_batch_duration_seconds",
			Help:    "Duration of a kriging prediction batch in seconds",
			Buckets: []float64{.001, .01, .05, .1, .5, 1, 5, 10, 30, 60},
		},
	)

	CrossValScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stkriging_crossval_fold_score",
			Help: "Validation score of a cross-validation fold",
		},
		[]string{"fold", "score"}, // score: "rmse", "mae", "r2", "bias"
	)
)

// RecordFit records the outcome of a variogram model fit
func RecordFit(family string, cost float64, iterations int, converged bool) {
	VariogramFitCost.WithLabelValues(family).Set(cost)
	VariogramFitIterations.WithLabelValues(family).Set(float64(iterations))
	VariogramFits.WithLabelValues(family, strconv.FormatBool(converged)).Inc()
}

// RecordTargets counts kriged and degenerate targets of a batch
func RecordTargets(kriged, degenerate int) {
	KrigingTargets.WithLabelValues("kriged").Add(float64(kriged))
	KrigingTargets.WithLabelValues("degenerate").Add(float64(degenerate))
}

// ObserveBatch records the wall time of one kriging batch
func ObserveBatch(start time.Time) {
	KrigingBatchDuration.Observe(time.Since(start).Seconds())
}

// RecordFold sets the validation scores of a cross-validation fold
func RecordFold(fold int, rmse, mae, r2, bias float64) {
	label := strconv.Itoa(fold)
	CrossValScore.WithLabelValues(label, "rmse").Set(rmse)
	CrossValScore.WithLabelValues(label, "mae").Set(mae)
	CrossValScore.WithLabelValues(label, "r2").Set(r2)
	CrossValScore.WithLabelValues(label, "bias").Set(bias)
}

// WriteTextfile writes every registered metric to path in the Prometheus
// text format, for collection by the node exporter textfile collector
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
