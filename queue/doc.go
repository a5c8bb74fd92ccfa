// Package queue provides the task transport contract and its backends.
//
// Memory is an in-process FIFO used by tests and single-process setups.
// Kafka publishes one topic per queue name through franz-go. SQS uses FIFO
// queues, grouping by queue name and deduplicating on task.DeduplicationID.
//
// Delivery is at-least-once everywhere. Handlers must tolerate duplicates.
//
// Task status and results live in a storage.ResultStore. Every backend
// records a PENDING result on send; workers report later states through
// SubmitResult.
package queue
