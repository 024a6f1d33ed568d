package streamhub

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Producer defaults.
var (
	// DefaultMaxBufferLength is the number of events that can be
	// buffered per partition before Enqueue blocks on a flush.
	DefaultMaxBufferLength = 1500

	// DefaultMaxWaitTime is how long buffered events may sit idle
	// before the background checker flushes them.
	DefaultMaxWaitTime = time.Second

	// DefaultMaxConcurrentSends bounds in-flight sends per partition.
	DefaultMaxConcurrentSends = 1
)

// OnSuccessFunc is called after a batch has been published. It receives
// the events of the batch and the partition id they were published to.
type OnSuccessFunc func(events []*Event, partitionID string)

// OnErrorFunc is called after a batch has failed to publish. It receives
// the events of the batch, the partition id and the send error. Each
// failed batch is reported exactly once.
type OnErrorFunc func(events []*Event, partitionID string, err error)

// producerConfig holds the resolved configuration of a buffered producer.
type producerConfig struct {
	maxBufferLength    int
	maxWaitTime        time.Duration
	maxConcurrentSends int
	maxBatchSize       int
	onSuccess          OnSuccessFunc
	onError            OnErrorFunc
	limiter            *rate.Limiter
	logger             *slog.Logger
	metricsEnabled     bool
	tracingEnabled     bool
}

func newProducerConfig() *producerConfig {
	return &producerConfig{
		maxBufferLength:    DefaultMaxBufferLength,
		maxWaitTime:        DefaultMaxWaitTime,
		maxConcurrentSends: DefaultMaxConcurrentSends,
		maxBatchSize:       DefaultMaxBatchSizeInBytes,
		logger:             Logger("streamhub>producer"),
		metricsEnabled:     true,
		tracingEnabled:     true,
	}
}

// Option configures a buffered producer.
type Option func(*producerConfig)

// WithOnSuccess sets the success callback. Required.
func WithOnSuccess(fn OnSuccessFunc) Option {
	return func(c *producerConfig) {
		if fn != nil {
			c.onSuccess = fn
		}
	}
}

// WithOnError sets the error callback. Required. Send failures are only
// ever reported here; they are never raised from the background flush
// path.
func WithOnError(fn OnErrorFunc) Option {
	return func(c *producerConfig) {
		if fn != nil {
			c.onError = fn
		}
	}
}

// WithMaxBufferLength sets the per-partition buffered event limit.
// When the buffer is full, Enqueue flushes synchronously before
// accepting more events. Values <= 0 are ignored.
func WithMaxBufferLength(n int) Option {
	return func(c *producerConfig) {
		if n > 0 {
			c.maxBufferLength = n
		}
	}
}

// WithMaxWaitTime sets the maximum time buffered events may dwell before
// the background checker flushes them. Zero disables the checker; only
// explicit Flush calls and full buffers trigger sends then.
func WithMaxWaitTime(d time.Duration) Option {
	return func(c *producerConfig) {
		if d >= 0 {
			c.maxWaitTime = d
		}
	}
}

// WithMaxConcurrentSends bounds the number of in-flight sends per
// partition. Values <= 0 are ignored.
func WithMaxConcurrentSends(n int) Option {
	return func(c *producerConfig) {
		if n > 0 {
			c.maxConcurrentSends = n
		}
	}
}

// WithMaxBatchSize sets the encoded size limit for batches built by the
// producer. Values <= 0 are ignored.
func WithMaxBatchSize(bytes int) Option {
	return func(c *producerConfig) {
		if bytes > 0 {
			c.maxBatchSize = bytes
		}
	}
}

// WithPublishRateLimit throttles Enqueue to eventsPerSecond with the
// given burst. Zero disables rate limiting (the default).
func WithPublishRateLimit(eventsPerSecond float64, burst int) Option {
	return func(c *producerConfig) {
		if eventsPerSecond > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), burst)
		}
	}
}

// WithLogger sets the producer logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *producerConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables or disables OpenTelemetry metrics. Default is on.
func WithMetrics(enabled bool) Option {
	return func(c *producerConfig) {
		c.metricsEnabled = enabled
	}
}

// WithTracing enables or disables OpenTelemetry tracing. Default is on.
func WithTracing(enabled bool) Option {
	return func(c *producerConfig) {
		c.tracingEnabled = enabled
	}
}

// enqueueOptions carries per-call routing for Enqueue.
type enqueueOptions struct {
	partitionID  string
	partitionKey string
}

// EnqueueOption configures a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

// ToPartition routes the events of this call to an explicit partition.
// The id is validated against the stream's partition set.
func ToPartition(partitionID string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.partitionID = partitionID
	}
}

// WithKey routes the events of this call by partition key, overriding
// any per-event keys for routing purposes.
func WithKey(partitionKey string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.partitionKey = partitionKey
	}
}
