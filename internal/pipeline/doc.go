// Package pipeline runs ordered document-processing stages against a shared
// PipelineContext.
//
// A Chain is an ordered list of Stages resolved from a Registry, usually via
// YAML Definitions. The Orchestrator drives one context through a chain:
// it checks revocation at every stage boundary, invokes the lifecycle Hooks
// around each attempt, retries transient failures according to the chain's
// RetryPolicy and saves the context after every stage so a later run can
// resume where the previous one stopped.
//
// Errors returned by stages are classified with IsRetryable. Wrap transient
// failures with Retryable; return a *ValidationError for bad input, which is
// never retried.
package pipeline
