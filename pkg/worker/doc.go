// Package worker provides the generic bounded worker pool used for bus consumers, action
// dispatch and timer firing.
//
// A Pool runs a fixed number of goroutines reading a bounded queue. What happens when the
// queue is full is an explicit policy chosen at construction:
//
//   - PolicyDrop (default): Submit returns ErrQueueFull immediately and the item is counted
//     as dropped. Callers log the drop.
//   - PolicyBlock: Submit waits for queue space until the caller's context ends or the
//     pool is stopped.
//
// Processors that panic are recovered; the panic is counted as a failure and the worker
// keeps running.
//
// Stop(timeout) closes the queue, lets workers drain it and waits. If the timeout elapses
// the pool cancels the context handed to processors and returns ErrStopTimeout.
//
//	pool := worker.NewPool(4, 256, func(ctx context.Context, job Job) error {
//	    return handle(ctx, job)
//	}, worker.WithPolicy[Job](worker.PolicyBlock))
//	_ = pool.Start(ctx)
//	_ = pool.Submit(ctx, job)
//	_ = pool.Stop(5 * time.Second)
package worker
