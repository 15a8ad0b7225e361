// Package domain contains the core entities of the document pipeline: the
// per-document PipelineContext that stages read and write, the execution
// records kept by the ledger (ChainExecution, TaskLog, BatchExecution), and
// the status machine they share. It is independent of any storage or
// transport mechanism.
package domain
