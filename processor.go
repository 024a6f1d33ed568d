package streamhub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/streamhub/checkpoint"
)

// EventProcessor coordinates consuming a partitioned stream across any
// number of cooperating processes. Each instance periodically runs a
// load-balancing tick that claims its fair share of partitions through
// the checkpoint store, then runs one receive loop per owned partition,
// resuming from the partition's checkpoint when one exists.
//
// Multiple processors with the same stream and consumer group but
// distinct owner ids converge to a disjoint, collectively exhaustive
// partition split without any central coordinator.
//
// Example:
//
//	processor, err := streamhub.NewEventProcessor(transport, store,
//	    streamhub.WithStream("orders"),
//	    streamhub.WithOnEvent(func(pc *streamhub.PartitionContext, event *streamhub.Event) {
//	        handle(event)
//	        pc.UpdateCheckpoint(ctx, event)
//	    }),
//	    streamhub.WithOnProcessorError(func(pc *streamhub.PartitionContext, err error) {
//	        log.Printf("processor error: %v", err)
//	    }),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := processor.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer processor.Stop(ctx)
type EventProcessor struct {
	transport Transport
	store     checkpoint.Store
	cfg       *processorConfig
	manager   *OwnershipManager
	metrics   Metrics
	logger    *slog.Logger

	mu        sync.Mutex
	running   bool
	receivers map[string]*partitionReceiver
	cancel    context.CancelFunc
	loopDone  chan struct{}
}

// partitionReceiver is one owned partition's receive loop.
type partitionReceiver struct {
	pc       *PartitionContext
	receiver Receiver
	stop     chan struct{}
	done     chan struct{}
}

// NewEventProcessor creates a processor over the given transport and
// checkpoint store. A nil store puts the processor in single-process
// mode: it owns every partition and checkpoints are not persisted.
// WithStream, WithOnProcessorError and one of WithOnEvent or
// WithOnEventBatch are required.
func NewEventProcessor(t Transport, store checkpoint.Store, opts ...ProcessorOption) (*EventProcessor, error) {
	cfg := newProcessorConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.stream == "" {
		return nil, errors.New("streamhub: stream name is required")
	}
	if cfg.onError == nil {
		return nil, ErrMissingCallback
	}
	if cfg.onEvent == nil && cfg.onEventBatch == nil {
		return nil, ErrMissingCallback
	}
	if cfg.ownershipExpiration == 0 {
		cfg.ownershipExpiration = time.Duration(DefaultOwnershipExpirationMul) * cfg.loadBalancingInterval
	}

	metrics := newMetrics(cfg.metricsEnabled)
	p := &EventProcessor{
		transport: t,
		store:     store,
		cfg:       cfg,
		metrics:   metrics,
		logger:    cfg.logger.With("owner_id", cfg.ownerID),
		receivers: make(map[string]*partitionReceiver),
	}
	p.manager = newOwnershipManager(ownershipManagerConfig{
		store:         store,
		transport:     t,
		namespace:     cfg.namespace,
		stream:        cfg.stream,
		consumerGroup: cfg.consumerGroup,
		ownerID:       cfg.ownerID,
		pinned:        cfg.pinned,
		strategy:      cfg.strategy,
		expiration:    cfg.ownershipExpiration,
		logger:        p.logger,
		metrics:       metrics,
	})
	return p, nil
}

// Start spawns the load-balancing loop. The first tick runs
// immediately; later ticks are spaced by the load-balancing interval
// with a little jitter so a fleet started together does not stampede
// the store. Returns ErrProcessorRunning if already started.
func (p *EventProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrProcessorRunning
	}
	p.running = true

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.loopDone = make(chan struct{})
	go p.run(loopCtx)

	p.logger.Info("processor started",
		"stream", p.cfg.stream,
		"consumer_group", p.cfg.consumerGroup,
		"strategy", p.cfg.strategy.String(),
	)
	return nil
}

func (p *EventProcessor) run(ctx context.Context) {
	defer close(p.loopDone)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		p.tick(ctx)
		timer.Reset(Jitter(p.cfg.loadBalancingInterval, 0.1))
	}
}

// tick runs one balancing pass: claim, then diff the owned set against
// the running receivers. A failed tick is reported through OnError and
// retried at the next interval; partitions already owned keep running.
func (p *EventProcessor) tick(ctx context.Context) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "streamhub.balance_tick",
		trace.WithAttributes(
			attribute.String("stream", p.cfg.stream),
			attribute.String("consumer_group", p.cfg.consumerGroup),
		))
	defer span.End()

	owned, err := p.manager.ClaimOwnership(ctx)
	if err != nil {
		span.RecordError(err)
		p.invokeOnError(nil, err)
		return
	}
	ownedSet := make(map[string]struct{}, len(owned))
	for _, pid := range owned {
		ownedSet[pid] = struct{}{}
	}

	p.mu.Lock()
	var lost []string
	for pid := range p.receivers {
		if _, ok := ownedSet[pid]; !ok {
			lost = append(lost, pid)
		}
	}
	var added []string
	for _, pid := range owned {
		if _, ok := p.receivers[pid]; !ok {
			added = append(added, pid)
		}
	}
	p.mu.Unlock()

	for _, pid := range lost {
		p.stopReceiver(ctx, pid, ReasonOwnershipLost, true)
	}

	if len(added) == 0 {
		return
	}
	checkpoints, err := p.manager.GetCheckpoints(ctx)
	if err != nil {
		p.invokeOnError(nil, err)
		return
	}
	for _, pid := range added {
		start := p.cfg.defaultStart
		if cp, ok := checkpoints[pid]; ok {
			// Checkpoint offsets are exclusive: resume after the last
			// processed event.
			start = StartPosition{Kind: StartFromOffset, Offset: cp.Offset}
		}
		p.startReceiver(ctx, pid, start)
	}
}

func (p *EventProcessor) startReceiver(ctx context.Context, partitionID string, start StartPosition) {
	pc := &PartitionContext{
		namespace:     p.cfg.namespace,
		stream:        p.cfg.stream,
		consumerGroup: p.cfg.consumerGroup,
		partitionID:   partitionID,
		store:         p.store,
	}

	receiver, err := p.transport.NewReceiver(partitionID, start)
	if err != nil {
		p.invokeOnError(pc, fmt.Errorf("create receiver for partition %s: %w", partitionID, err))
		return
	}
	if err := receiver.Open(ctx); err != nil {
		p.invokeOnError(pc, fmt.Errorf("open receiver for partition %s: %w", partitionID, err))
		return
	}

	pr := &partitionReceiver{
		pc:       pc,
		receiver: receiver,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	p.mu.Lock()
	if _, exists := p.receivers[partitionID]; exists {
		p.mu.Unlock()
		receiver.Close(ctx)
		return
	}
	p.receivers[partitionID] = pr
	p.mu.Unlock()

	p.invokeOnInitialize(pc)
	p.logger.Info("partition receiver started", "partition_id", partitionID)
	go p.receiveLoop(ctx, pr)
}

func (p *EventProcessor) receiveLoop(ctx context.Context, pr *partitionReceiver) {
	defer close(pr.done)
	for {
		select {
		case <-pr.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		events, err := pr.receiver.Receive(ctx, p.cfg.receiveMaxCount, p.cfg.receiveMaxWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-pr.stop:
				return
			default:
			}
			// A receive failure closes this one partition; the others
			// keep running and the balancer may reclaim it later.
			p.invokeOnError(pr.pc, err)
			go p.stopReceiver(ctx, pr.pc.partitionID, ReasonOwnershipLost, true)
			return
		}
		if len(events) == 0 {
			continue
		}
		p.dispatch(pr.pc, events)
	}
}

// dispatch hands received events to the user handler, preferring the
// batch handler when both are set.
func (p *EventProcessor) dispatch(pc *PartitionContext, events []*Event) {
	defer func() {
		if r := recover(); r != nil {
			p.invokeOnError(pc, fmt.Errorf("event handler panic: %v", r))
		}
	}()
	if p.cfg.onEventBatch != nil {
		p.cfg.onEventBatch(pc, events)
		return
	}
	for _, event := range events {
		p.cfg.onEvent(pc, event)
	}
}

// stopReceiver removes, drains and closes one partition receiver, then
// fires OnPartitionClose and optionally releases ownership. Safe to
// call for partitions with no receiver.
func (p *EventProcessor) stopReceiver(ctx context.Context, partitionID string, reason CloseReason, release bool) {
	p.mu.Lock()
	pr, ok := p.receivers[partitionID]
	if ok {
		delete(p.receivers, partitionID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	close(pr.stop)
	<-pr.done
	if err := pr.receiver.Close(ctx); err != nil {
		p.logger.Warn("receiver close failed", "partition_id", partitionID, "error", err)
	}
	p.invokeOnClose(pr.pc, reason)
	if release {
		p.manager.ReleaseOwnership(ctx, partitionID)
	}
	p.logger.Info("partition receiver stopped",
		"partition_id", partitionID,
		"reason", reason.String(),
	)
}

// Stop halts the balancing loop, closes every owned partition with
// ReasonShutdown, releases ownership so other processors can pick the
// partitions up immediately, and closes the transport.
func (p *EventProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	loopDone := p.loopDone
	p.mu.Unlock()

	cancel()
	<-loopDone

	p.mu.Lock()
	owned := make([]string, 0, len(p.receivers))
	for pid := range p.receivers {
		owned = append(owned, pid)
	}
	p.mu.Unlock()
	for _, pid := range owned {
		p.stopReceiver(ctx, pid, ReasonShutdown, true)
	}

	err := p.transport.Close(ctx)
	p.logger.Info("processor stopped")
	return err
}

// IsRunning reports whether Start has been called without a matching
// Stop.
func (p *EventProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// OwnedPartitions returns the partitions with a live receive loop.
func (p *EventProcessor) OwnedPartitions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.receivers))
	for pid := range p.receivers {
		ids = append(ids, pid)
	}
	return ids
}

func (p *EventProcessor) invokeOnError(pc *PartitionContext, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in OnError handler", "panic", r)
		}
	}()
	p.cfg.onError(pc, err)
}

func (p *EventProcessor) invokeOnInitialize(pc *PartitionContext) {
	if p.cfg.onInitialize == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.invokeOnError(pc, fmt.Errorf("partition initialize handler panic: %v", r))
		}
	}()
	p.cfg.onInitialize(pc)
}

func (p *EventProcessor) invokeOnClose(pc *PartitionContext, reason CloseReason) {
	if p.cfg.onClose == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.invokeOnError(pc, fmt.Errorf("partition close handler panic: %v", r))
		}
	}()
	p.cfg.onClose(pc, reason)
}
