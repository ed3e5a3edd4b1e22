// Package keel provides the durable coordination core for a long-lived
// protocol server: a task state machine with optimistic concurrency, a
// delayed-execution queue, a refcounted subscription multiplexer, a resumable
// event log, and a session/transport registry, all over one transactional
// key-value store.
//
// The core survives process restarts: close the coordinator, reopen it at
// the same path, and every task record and result reads back identically.
// Wire-protocol handling, tool business logic, and HTTP routing are external
// collaborators; keel owns the state underneath them.
//
// # Basic Usage
//
//	ctx := context.Background()
//	coord, err := keel.Open(ctx,
//	    keel.WithPath("/var/lib/server/keel.db"),
//	    keel.WithLogger(slog.Default()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer coord.Close()
//
//	task, err := coord.Tasks().Create(ctx, keel.TaskOptions{TTL: time.Minute},
//	    requestID, requestBody, sessionID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	coord.Queue().StartWorker(ctx)
//	err = coord.Queue().EnqueueEcho(ctx, keel.EchoSpec{
//	    TaskID:  task.ID,
//	    Text:    "hello",
//	    DelayMs: 20,
//	})
//
// # Concurrency Model
//
// Every mutation that depends on a prior read runs in a bounded
// optimistic-concurrency loop against the store's revision tokens; budget
// exhaustion surfaces as ErrConcurrencyExhausted. Terminal task statuses are
// absorbing, which is what makes the queue's at-least-once delivery safe
// against duplicates.
package keel
