package streamhub

import (
	"log/slog"
	"time"
)

// Processor defaults, overridable per option.
var (
	DefaultConsumerGroup          = "$default"
	DefaultLoadBalancingInterval  = 10 * time.Second
	DefaultOwnershipExpirationMul = 6
	DefaultReceiveMaxCount        = 100
	DefaultReceiveMaxWait         = 500 * time.Millisecond
)

// CloseReason tells OnPartitionClose why a partition receiver stopped.
type CloseReason int

const (
	// ReasonOwnershipLost means another processor claimed the partition
	// or its receive loop failed.
	ReasonOwnershipLost CloseReason = iota
	// ReasonShutdown means the processor is stopping.
	ReasonShutdown
)

func (r CloseReason) String() string {
	switch r {
	case ReasonOwnershipLost:
		return "ownership_lost"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Processor callbacks. All are invoked with the caller-supplied
// context; panics inside them are recovered and routed to OnError.
type (
	// OnEventFunc handles one received event.
	OnEventFunc func(pc *PartitionContext, event *Event)
	// OnEventBatchFunc handles a received batch of events. When set it
	// takes precedence over OnEventFunc.
	OnEventBatchFunc func(pc *PartitionContext, events []*Event)
	// OnProcessorErrorFunc reports processor errors. pc is nil for
	// errors not tied to one partition (e.g. a failed balancing tick).
	OnProcessorErrorFunc func(pc *PartitionContext, err error)
	// OnPartitionInitializeFunc runs before the first receive on a
	// newly owned partition.
	OnPartitionInitializeFunc func(pc *PartitionContext)
	// OnPartitionCloseFunc runs after a partition receiver stops.
	OnPartitionCloseFunc func(pc *PartitionContext, reason CloseReason)
)

type processorConfig struct {
	namespace     string
	stream        string
	consumerGroup string
	ownerID       string
	pinned        string

	strategy              LoadBalancingStrategy
	loadBalancingInterval time.Duration
	ownershipExpiration   time.Duration

	defaultStart    StartPosition
	receiveMaxCount int
	receiveMaxWait  time.Duration

	onEvent      OnEventFunc
	onEventBatch OnEventBatchFunc
	onError      OnProcessorErrorFunc
	onInitialize OnPartitionInitializeFunc
	onClose      OnPartitionCloseFunc

	logger         *slog.Logger
	metricsEnabled bool
}

func newProcessorConfig() *processorConfig {
	return &processorConfig{
		consumerGroup:         DefaultConsumerGroup,
		ownerID:               NewID(),
		strategy:              StrategyGreedy,
		loadBalancingInterval: DefaultLoadBalancingInterval,
		defaultStart:          StartPosition{Kind: StartFromLatest},
		receiveMaxCount:       DefaultReceiveMaxCount,
		receiveMaxWait:        DefaultReceiveMaxWait,
		logger:                Logger("processor"),
		metricsEnabled:        true,
	}
}

// ProcessorOption configures an EventProcessor.
type ProcessorOption func(*processorConfig)

// WithNamespace sets the namespace qualifying the stream in ownership
// and checkpoint records (e.g. a broker address).
func WithNamespace(namespace string) ProcessorOption {
	return func(c *processorConfig) {
		c.namespace = namespace
	}
}

// WithStream sets the stream name. Required.
func WithStream(stream string) ProcessorOption {
	return func(c *processorConfig) {
		c.stream = stream
	}
}

// WithConsumerGroup sets the consumer group. Default is "$default".
func WithConsumerGroup(group string) ProcessorOption {
	return func(c *processorConfig) {
		if group != "" {
			c.consumerGroup = group
		}
	}
}

// WithOwnerID overrides the generated owner id. Useful for stable
// identities across restarts or in tests.
func WithOwnerID(id string) ProcessorOption {
	return func(c *processorConfig) {
		if id != "" {
			c.ownerID = id
		}
	}
}

// WithPinnedPartition restricts the processor to exactly one partition,
// bypassing load balancing.
func WithPinnedPartition(partitionID string) ProcessorOption {
	return func(c *processorConfig) {
		c.pinned = partitionID
	}
}

// WithLoadBalancingStrategy selects greedy or balanced claiming.
// Default is StrategyGreedy.
func WithLoadBalancingStrategy(s LoadBalancingStrategy) ProcessorOption {
	return func(c *processorConfig) {
		c.strategy = s
	}
}

// WithLoadBalancingInterval sets the pause between balancing ticks.
// Default is 10s. Values <= 0 are ignored.
func WithLoadBalancingInterval(d time.Duration) ProcessorOption {
	return func(c *processorConfig) {
		if d > 0 {
			c.loadBalancingInterval = d
		}
	}
}

// WithOwnershipExpiration sets how long an unrenewed ownership record
// stays valid. Default is 6x the load-balancing interval. Values <= 0
// are ignored.
func WithOwnershipExpiration(d time.Duration) ProcessorOption {
	return func(c *processorConfig) {
		if d > 0 {
			c.ownershipExpiration = d
		}
	}
}

// WithDefaultStartPosition sets where receiving starts on a partition
// that has no checkpoint. Default is StartFromLatest.
func WithDefaultStartPosition(pos StartPosition) ProcessorOption {
	return func(c *processorConfig) {
		c.defaultStart = pos
	}
}

// WithReceiveBatch tunes the per-poll receive size and wait. Zero
// values keep the defaults.
func WithReceiveBatch(maxCount int, maxWait time.Duration) ProcessorOption {
	return func(c *processorConfig) {
		if maxCount > 0 {
			c.receiveMaxCount = maxCount
		}
		if maxWait > 0 {
			c.receiveMaxWait = maxWait
		}
	}
}

// WithOnEvent sets the single-event handler.
func WithOnEvent(fn OnEventFunc) ProcessorOption {
	return func(c *processorConfig) {
		c.onEvent = fn
	}
}

// WithOnEventBatch sets the batch handler. Takes precedence over
// WithOnEvent when both are set.
func WithOnEventBatch(fn OnEventBatchFunc) ProcessorOption {
	return func(c *processorConfig) {
		c.onEventBatch = fn
	}
}

// WithOnProcessorError sets the error handler. Required.
func WithOnProcessorError(fn OnProcessorErrorFunc) ProcessorOption {
	return func(c *processorConfig) {
		c.onError = fn
	}
}

// WithOnPartitionInitialize sets the partition-start handler.
func WithOnPartitionInitialize(fn OnPartitionInitializeFunc) ProcessorOption {
	return func(c *processorConfig) {
		c.onInitialize = fn
	}
}

// WithOnPartitionClose sets the partition-stop handler.
func WithOnPartitionClose(fn OnPartitionCloseFunc) ProcessorOption {
	return func(c *processorConfig) {
		c.onClose = fn
	}
}

// WithProcessorLogger overrides the processor's logger.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(c *processorConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithProcessorMetrics enables or disables OpenTelemetry metrics.
// Enabled by default.
func WithProcessorMetrics(enabled bool) ProcessorOption {
	return func(c *processorConfig) {
		c.metricsEnabled = enabled
	}
}
