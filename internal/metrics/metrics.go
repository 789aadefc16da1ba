package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ShardLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shard_loads_total",
		Help: "Number of shard builds (resolve, load, translate, partition)",
	}, []string{"model"})

	ShardLoadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shard_load_failures_total",
		Help: "Number of failed shard builds by failure kind",
	}, []string{"kind"})

	ShardLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shard_load_duration_seconds",
		Help:    "Wall time of a shard build",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	})

	ShardCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shard_cache_hits_total",
		Help: "Ensure calls satisfied by an already resident shard",
	})

	ShardEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shard_evictions_total",
		Help: "Model instances evicted from the shard cache",
	})

	ResidentWeightBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "resident_weight_bytes",
		Help: "Bytes of weights held by resident model instances",
	})

	CheckpointTensors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkpoint_tensors_loaded_total",
		Help: "Tensors read from checkpoint containers by container format",
	}, []string{"format"})

	DecodeSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "decode_steps_total",
		Help: "Forward steps executed by kind (prefill, token, tensor)",
	}, []string{"kind"})

	DecodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "decode_call_duration_seconds",
		Help:    "Wall time of one decode entry-point call",
		Buckets: prometheus.DefBuckets,
	}, []string{"entry"})

	TokensGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokens_generated_total",
		Help: "Tokens sampled by shards that own the output head",
	})

	EndOfSequence = promauto.NewCounter(prometheus.CounterOpts{
		Name: "end_of_sequence_total",
		Help: "Sampled tokens that matched the tokenizer end-of-sequence id",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "decode_sessions_active",
		Help: "Per-request KV caches currently resident",
	})

	SessionEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "decode_session_evictions_total",
		Help: "Per-request KV caches dropped by reason (capacity, shard)",
	}, []string{"reason"})

	DownloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "model_download_bytes_total",
		Help: "Bytes downloaded while resolving models",
	})

	ActivationsTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "activations_transferred_total",
		Help: "Activation tensors moved between pipeline peers",
	}, []string{"direction"})
)

func RecordShardLoad(model string, duration time.Duration) {
	ShardLoadsTotal.WithLabelValues(model).Inc()
	ShardLoadDuration.Observe(duration.Seconds())
}

func RecordShardLoadFailure(kind string) {
	ShardLoadFailures.WithLabelValues(kind).Inc()
}

func RecordPrefill(tokens int) {
	DecodeSteps.WithLabelValues("prefill").Add(float64(tokens))
}

func RecordStep(kind string) {
	DecodeSteps.WithLabelValues(kind).Inc()
}

func RecordDecodeCall(entry string, duration time.Duration) {
	DecodeDuration.WithLabelValues(entry).Observe(duration.Seconds())
}

func RecordToken(eos bool) {
	TokensGenerated.Inc()
	if eos {
		EndOfSequence.Inc()
	}
}

func RecordSessionEviction(reason string) {
	SessionEvictions.WithLabelValues(reason).Inc()
}
