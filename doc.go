// Package streamhub implements client-side buffering and coordination
// for partitioned event streams.
//
// Two subsystems share the Transport abstraction:
//
//   - BufferedProducer accumulates outgoing events into per-partition,
//     size-bounded batches and publishes them in the background,
//     flushing when a batch fills, when events sit idle past
//     MaxWaitTime, or on an explicit Flush. Concurrent sends per
//     partition are bounded and outcomes are reported through the
//     OnSuccess and OnError callbacks.
//
//   - EventProcessor coordinates any number of consumer processes so
//     that they collectively own all partitions of a stream without
//     overlap. Ownership lives in a pluggable checkpoint.Store and is
//     claimed with optimistic concurrency; processors balance and
//     steal partitions each tick and resume from checkpoints.
//
// Transports live under transport/: channel (in-memory), kafka and
// nats. Checkpoint stores live under checkpoint/: memory, redis and
// mongodb.
//
// # Producing
//
//	transport := channel.New(channel.WithPartitionCount(4))
//	producer, err := streamhub.NewBufferedProducer(transport,
//	    streamhub.WithOnSuccess(func(events []*streamhub.Event, pid string) {
//	        log.Printf("published %d events to %s", len(events), pid)
//	    }),
//	    streamhub.WithOnError(func(events []*streamhub.Event, pid string, err error) {
//	        log.Printf("publish to %s failed: %v", pid, err)
//	    }),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer producer.Close(ctx, true)
//
//	err = producer.Enqueue(ctx,
//	    []*streamhub.Event{streamhub.NewEvent(payload)},
//	    streamhub.WithKey("customer-17"))
//
// # Processing
//
//	store := checkpoint.NewRedisStore(redisClient, "myapp")
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
//	processor.Start(ctx)
//	defer processor.Stop(ctx)
//
// Run the same program on several machines with the same stream and
// consumer group and the partitions spread themselves across the
// instances; kill one and its partitions are picked up by the rest
// after the ownership expiration interval.
package streamhub
