/*
Package ops is the asynchronous operations substrate.

The Registry tracks every long-running job (data loads, trainings, backtests)
as an operation record with a strict lifecycle:

	pending -> running -> completed | failed
	pending | running -> cancelling -> cancelled

The Orchestrator gives domain services a uniform way to start managed
operations: it creates the record, issues a cancellation token, launches the
worker goroutine, and guarantees exactly one terminal transition per operation
no matter whether completion, error, or cancellation wins the race.

Progress updates never block the worker. Each update and each state transition
is published on the pubsub event stream with the operation id as correlation
key.

For training operations whose worker runs in the detached host process, Get
performs a read-time amendment: it polls the host's control channel for the
latest epoch/batch/metrics and folds them into the returned progress context.
*/
package ops
