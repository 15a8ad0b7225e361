// Package store defines the persistence contracts of the pipeline: the
// TTL'd ContextStore for in-flight PipelineContexts, the LedgerStore for
// durable execution records, and BlobStorage for documents and outputs.
// Implementations live under internal/platform.
package store
