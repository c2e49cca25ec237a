// Package task implements the priority download queue: the task model, the
// heap-ordered pending queue, the queue manager that bridges in-memory
// ordering with durable storage, the worker pool, and the retrying executor.
package task
