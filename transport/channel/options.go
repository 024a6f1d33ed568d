package channel

import (
	"log/slog"

	"github.com/rbaliyan/streamhub"
)

// DefaultPartitionCount is the number of partitions when none are
// configured.
var DefaultPartitionCount = 4

type config struct {
	partitionCount int
	partitionIDs   []string
	logger         *slog.Logger
}

func newConfig() *config {
	return &config{
		partitionCount: DefaultPartitionCount,
		logger:         streamhub.Logger("transport>channel"),
	}
}

// Option configures the in-memory transport.
type Option func(*config)

// WithPartitionCount sets the number of partitions, named "0".."n-1".
// Values <= 0 are ignored.
func WithPartitionCount(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.partitionCount = n
		}
	}
}

// WithPartitionIDs sets explicit partition ids, overriding
// WithPartitionCount.
func WithPartitionIDs(ids []string) Option {
	return func(c *config) {
		c.partitionIDs = ids
	}
}

// WithLogger overrides the transport logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}
