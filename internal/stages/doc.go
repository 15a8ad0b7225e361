// Package stages provides the document-processing stages of the default chain:
// OCR, layout analysis, LLM analysis and post-processing.
//
// Stages talk to the outside world through small interfaces (OCREngine,
// Analyzer and store.BlobStorage) whose implementations live under
// internal/platform. Adapters classify their own failures: transient ones
// are wrapped with pipeline.Retryable, everything else is fatal.
package stages
