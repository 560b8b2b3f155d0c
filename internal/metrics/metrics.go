package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BlocksPackedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "packing_blocks_total",
		Help: "The total number of fixed-length blocks emitted by the packing stream",
	})

	TokensPackedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "packing_tokens_total",
		Help: "The total number of tokens emitted inside packed blocks",
	})

	TokensDiscardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "packing_tokens_discarded_total",
		Help: "Tokens dropped from the trailing partial block in finite mode",
	})

	SamplesConsumedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "packing_samples_consumed_total",
		Help: "The total number of dataset samples tokenized into the stream",
	})

	DatasetEpochsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "packing_dataset_epochs_total",
		Help: "Number of full passes over the sample source (cursor wraps)",
	})

	TrainStepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "train_steps_total",
		Help: "The total number of optimizer steps executed",
	})

	TrainLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "train_loss",
		Help: "Loss reported by the training backend for the latest step",
	})

	TrainStepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "train_step_duration_seconds",
		Help: "Duration of train steps including batch transport",
	})

	CheckpointSavesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkpoint_saves_total",
		Help: "The total number of adapter checkpoints written",
	})

	CheckpointPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkpoint_pruned_total",
		Help: "The total number of checkpoint directories removed by retention",
	})

	CheckpointSaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "checkpoint_save_duration_seconds",
		Help:    "Histogram of adapter checkpoint save times",
		Buckets: prometheus.DefBuckets,
	})

	BackendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_errors_total",
		Help: "Total number of training backend failures",
	}, []string{"operation"})
)

// RecordBlock records one emitted packed block of the given length.
func RecordBlock(seqLength int) {
	BlocksPackedTotal.Inc()
	TokensPackedTotal.Add(float64(seqLength))
}

// RecordDiscard records tokens dropped at end of a finite pass.
func RecordDiscard(tokens int) {
	if tokens > 0 {
		TokensDiscardedTotal.Add(float64(tokens))
	}
}

// RecordSample records one sample consumed into the token buffer.
func RecordSample() {
	SamplesConsumedTotal.Inc()
}

// RecordEpoch records a cursor wrap over the sample source.
func RecordEpoch() {
	DatasetEpochsTotal.Inc()
}

// RecordTrainStep records one optimizer step with its loss and duration.
func RecordTrainStep(loss float64, duration time.Duration) {
	TrainStepsTotal.Inc()
	TrainLoss.Set(loss)
	TrainStepDuration.Observe(duration.Seconds())
}

// RecordCheckpoint records one adapter checkpoint save.
func RecordCheckpoint(duration time.Duration) {
	CheckpointSavesTotal.Inc()
	CheckpointSaveDuration.Observe(duration.Seconds())
}

// RecordPrune records checkpoint directories removed by retention.
func RecordPrune(n int) {
	if n > 0 {
		CheckpointPrunedTotal.Add(float64(n))
	}
}

// RecordBackendError records a failed backend call by operation name.
func RecordBackendError(operation string) {
	BackendErrors.WithLabelValues(operation).Inc()
}
